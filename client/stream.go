package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "taskorch/pkg/api/v1"
	"taskorch/pkg/logger"

	"go.uber.org/zap"
)

// StreamWatcher follows /v1/admin/stream and resumes from the last seen
// sequence number after a reconnect.
type StreamWatcher struct {
	addr       string
	token      string
	projectID  int64
	httpClient *http.Client

	// OnMessage is called for every task event, in sequence order.
	OnMessage func(v1.Message)
	// OnReset is called when the server no longer holds the history since the
	// last seen sequence. Callers should reload task state.
	OnReset func()

	// heartbeat is how long the stream may stay silent before reconnecting.
	heartbeat time.Duration

	mu      sync.RWMutex
	lastSeq int64
}

func NewStreamWatcher(addr, accessToken string, projectID int64) *StreamWatcher {
	return &StreamWatcher{
		addr:       addr,
		token:      accessToken,
		projectID:  projectID,
		httpClient: &http.Client{Timeout: 0},
		heartbeat:  25 * time.Second,
	}
}

func (w *StreamWatcher) LastSeq() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastSeq
}

// Run blocks until ctx ends, reconnecting with jittered backoff.
func (w *StreamWatcher) Run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}
		connected, err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			backoff = time.Second
		}
		if err != nil {
			logger.Warn("stream disconnected", zap.Error(err))
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

func (w *StreamWatcher) streamURL() string {
	q := url.Values{}
	q.Set("last_seq", itoa(w.LastSeq()))
	if w.projectID != 0 {
		q.Set("project_id", itoa(w.projectID))
	}
	return w.addr + "/v1/admin/stream?" + q.Encode()
}

func (w *StreamWatcher) watchOnce(ctx context.Context) (bool, error) {
	reqCtx, reqCancel := context.WithCancel(ctx)
	defer reqCancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, w.streamURL(), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusError(resp)
	}

	// watchdog for heartbeats
	lastActivity := time.Now().UnixNano()
	go func() {
		ticker := time.NewTicker(w.heartbeat / 5)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, atomic.LoadInt64(&lastActivity))) > w.heartbeat {
					logger.Warn("stream heartbeat timeout, reconnecting")
					reqCancel()
					return
				}
			}
		}
	}()

	err = readEvents(resp.Body, func(event string, data []byte) bool {
		atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
		return w.handle(event, data)
	})
	return true, err
}

// handle returns false when the connection should be dropped.
func (w *StreamWatcher) handle(event string, data []byte) bool {
	switch event {
	case "ping", "":
		return true
	case "reset":
		logger.Warn("stream history gone, resetting", zap.Int64("last_seq", w.LastSeq()))
		w.mu.Lock()
		w.lastSeq = 0
		w.mu.Unlock()
		if w.OnReset != nil {
			w.OnReset()
		}
		return true
	case "message":
		var msg v1.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Error("failed to unmarshal task event", zap.Error(err))
			return true
		}
		w.mu.Lock()
		if msg.Seq <= w.lastSeq {
			w.mu.Unlock()
			return true
		}
		w.lastSeq = msg.Seq
		w.mu.Unlock()
		if w.OnMessage != nil {
			w.OnMessage(msg)
		}
		return true
	default:
		logger.Warn("unknown stream event", zap.String("event", event))
		return true
	}
}

// readEvents splits an SSE body into (event, data) pairs. Multiple data lines
// are joined by a newline.
func readEvents(r io.Reader, fn func(event string, data []byte) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var eventType string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if eventType != "" || data.Len() > 0 {
				if eventType == "" {
					eventType = "message"
				}
				if !fn(eventType, data.Bytes()) {
					return nil
				}
			}
			eventType = ""
			data.Reset()
			continue
		}
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	return scanner.Err()
}
