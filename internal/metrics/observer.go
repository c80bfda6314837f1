package metrics

type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
	RecordDrop()
}

type DispatchObserver interface {
	RecordRouted(intent string)
	RecordIgnored(eventType string)
	RecordDispatch(taskType, mode string)
	RecordSupersede(taskType string)
	RecordEnqueueFailure(queue string)
}

type DeliveryObserver interface {
	// outcome is one of delivered, retry, failed
	RecordDelivery(eventType, outcome string)
	ObserveDeliveryLag(seconds float64)
}

type TaskObserver interface {
	RecordTransition(taskType, from, to string)
	RecordUsage(taskType string, inputTokens, outputTokens, thinkingTokens int, costUSD, durationSeconds float64)
	RecordDeadLetter(scope, reason string)
}

// Nop satisfies every observer interface and records nothing.
type Nop struct{}

func (Nop) IncOnline()                                          {}
func (Nop) DecOnline()                                          {}
func (Nop) RecordPush()                                         {}
func (Nop) RecordDrop()                                         {}
func (Nop) RecordRouted(string)                                 {}
func (Nop) RecordIgnored(string)                                {}
func (Nop) RecordDispatch(string, string)                       {}
func (Nop) RecordSupersede(string)                              {}
func (Nop) RecordEnqueueFailure(string)                         {}
func (Nop) RecordDelivery(string, string)                       {}
func (Nop) ObserveDeliveryLag(float64)                          {}
func (Nop) RecordTransition(string, string, string)             {}
func (Nop) RecordUsage(string, int, int, int, float64, float64) {}
func (Nop) RecordDeadLetter(string, string)                     {}
