package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"taskorch/client"
	"taskorch/internal/dto/resp"
	"taskorch/internal/model"
	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"golang.org/x/time/rate"
)

// Configuration
var (
	baseURL     = flag.String("url", "http://localhost:8080", "Orchestrator base URL")
	secret      = flag.String("secret", "", "GitLab webhook secret")
	adminToken  = flag.String("token", "", "Access token; enables stream latency measurement")
	projectID   = flag.Int64("project", 1, "Project id to send events for")
	mergeReqs   = flag.Int("mrs", 50, "Distinct merge requests (conflict keys)")
	workers     = flag.Int("c", 20, "Concurrent senders")
	reqPerSec   = flag.Float64("rps", 200, "Webhook send rate")
	duration    = flag.Duration("d", 60*time.Second, "Test duration")
	openPercent = flag.Int("open", 10, "Share of events that are MR opens rather than pushes")
)

// Metrics
var (
	sent          int64
	routed        int64
	ignored       int64
	pending       int64
	sendErrors    int64
	statusEvents  int64
	supersessions int64
	latencySum    int64 // milliseconds
	latencyCount  int64
)

// sentAt remembers when the webhook that created a task was accepted.
var sentAt sync.Map

func main() {
	flag.Parse()
	logger.InitLogger("cli")

	fmt.Printf("Starting webhook load test\n")
	fmt.Printf("   Target: %s\n", *baseURL)
	fmt.Printf("   MRs: %d | Senders: %d | Rate: %.0f/s | Duration: %v\n", *mergeReqs, *workers, *reqPerSec, *duration)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	http.DefaultTransport.(*http.Transport).MaxIdleConnsPerHost = *workers

	if *adminToken != "" {
		w := client.NewStreamWatcher(*baseURL, *adminToken, *projectID)
		w.OnMessage = observe
		go w.Run(ctx)
	}

	// Metric Reporter
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				report()
			}
		}
	}()

	limiter := rate.NewLimiter(rate.Limit(*reqPerSec), *workers)
	var seq atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for limiter.Wait(ctx) == nil {
				n := seq.Add(1)
				send(ctx, event(n))
			}
		}()
	}
	wg.Wait()
	report()
	fmt.Println("Done.")
}

// event cycles through the merge requests so every conflict key keeps
// receiving newer commits and the previous task is superseded.
func event(n int64) v1.WebhookEvent {
	mr := n%int64(*mergeReqs) + 1
	sha := fmt.Sprintf("%040x", n)
	ev := v1.WebhookEvent{
		EventType: v1.EventMergeRequest,
		Action:    v1.ActionUpdate,
		ProjectID: *projectID,
		MrIID:     &mr,
		AuthorID:  1000 + mr,
		CommitSHA: &sha,
	}
	if n%100 < int64(*openPercent) {
		ev.Action = v1.ActionOpen
	}
	return ev
}

func send(ctx context.Context, ev v1.WebhookEvent) {
	body, _ := json.Marshal(ev)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *baseURL+"/v1/webhooks/gitlab", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gitlab-Project-Id", strconv.FormatInt(ev.ProjectID, 10))
	if *secret != "" {
		req.Header.Set("X-Gitlab-Token", *secret)
	}

	start := time.Now()
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == nil && atomic.AddInt64(&sendErrors, 1) == 1 {
			fmt.Printf("Error sending: %v\n", err)
		}
		return
	}
	defer res.Body.Close()
	atomic.AddInt64(&sent, 1)

	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusAccepted {
		if atomic.AddInt64(&sendErrors, 1) == 1 {
			fmt.Printf("Error status code: %d\n", res.StatusCode)
		}
		return
	}
	var out resp.WebhookResp
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		atomic.AddInt64(&sendErrors, 1)
		return
	}
	switch {
	case out.Ignored || !out.Routed:
		atomic.AddInt64(&ignored, 1)
	default:
		atomic.AddInt64(&routed, 1)
		if out.EnqueuePending {
			atomic.AddInt64(&pending, 1)
		}
		sentAt.Store(out.TaskID, start)
	}
}

// observe measures how long a routed task takes to show up on the stream as
// queued, and counts supersessions.
func observe(msg v1.Message) {
	if msg.EventType != model.EventTaskStatusChanged {
		return
	}
	atomic.AddInt64(&statusEvents, 1)
	switch model.TaskStatus(msg.Status) {
	case model.TaskSuperseded:
		atomic.AddInt64(&supersessions, 1)
		sentAt.Delete(msg.TaskID)
	case model.TaskQueued:
		if v, ok := sentAt.LoadAndDelete(msg.TaskID); ok {
			latency := time.Since(v.(time.Time)).Milliseconds()
			// Filter reasonable range to avoid clock skew weirdness
			if latency >= 0 && latency < 60000 {
				atomic.AddInt64(&latencySum, latency)
				atomic.AddInt64(&latencyCount, 1)
			}
		}
	}
}

func report() {
	latSum := atomic.SwapInt64(&latencySum, 0)
	latCnt := atomic.SwapInt64(&latencyCount, 0)
	avgLat := float64(0)
	if latCnt > 0 {
		avgLat = float64(latSum) / float64(latCnt)
	}
	fmt.Printf("[%s] Sent: %d | Routed: %d | Ignored: %d | EnqueuePending: %d | Errors: %d | Status events: %d | Superseded: %d | Avg queue latency: %.2f ms\n",
		time.Now().Format("15:04:05"),
		atomic.LoadInt64(&sent), atomic.LoadInt64(&routed), atomic.LoadInt64(&ignored),
		atomic.LoadInt64(&pending), atomic.LoadInt64(&sendErrors),
		atomic.LoadInt64(&statusEvents), atomic.LoadInt64(&supersessions), avgLat)
}
