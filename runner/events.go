package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redisWrapper "github.com/fluxwork/yawl/common/redis"
)

// LifecycleEventType enumerates the notifications emitted out-of-band
// to external observers.
type LifecycleEventType string

const (
	EventCaseLaunched  LifecycleEventType = "case.launched"
	EventCaseCompleted LifecycleEventType = "case.completed"
	EventCaseCancelled LifecycleEventType = "case.cancelled"
	EventCaseFailed    LifecycleEventType = "case.failed"
	EventTaskFired     LifecycleEventType = "task.fired"
	EventItemCreated   LifecycleEventType = "item.created"
	EventItemCompleted LifecycleEventType = "item.completed"
	EventItemCancelled LifecycleEventType = "item.cancelled"
	EventItemFailed    LifecycleEventType = "item.failed"
	EventSubCaseOpened LifecycleEventType = "subcase.opened"
)

// LifecycleEvent is one audit-trail entry. Delivery happens after the
// firing that produced it; the runner never blocks mid-firing on a
// sink.
type LifecycleEvent struct {
	Type   LifecycleEventType `json:"type"`
	CaseID string             `json:"case_id"`
	TaskID string             `json:"task_id,omitempty"`
	ItemID string             `json:"item_id,omitempty"`
	At     time.Time          `json:"at"`
	Data   map[string]any     `json:"data,omitempty"`
}

// EventSink receives lifecycle events.
type EventSink interface {
	Emit(ctx context.Context, ev LifecycleEvent) error
}

// MemorySink buffers events in memory; the default for tests and the
// stateless variant.
type MemorySink struct {
	mu     sync.Mutex
	events []LifecycleEvent
}

// NewMemorySink creates an in-memory event sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Emit appends the event
func (s *MemorySink) Emit(_ context.Context, ev LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of everything emitted so far
func (s *MemorySink) Events() []LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out
}

// ForCase filters emitted events by case ID
func (s *MemorySink) ForCase(caseID string) []LifecycleEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LifecycleEvent
	for _, ev := range s.events {
		if ev.CaseID == caseID {
			out = append(out, ev)
		}
	}
	return out
}

// RedisSink publishes lifecycle events to a Redis stream and fans them
// out on a pub/sub channel keyed by case.
type RedisSink struct {
	client *redisWrapper.Client
	stream string
}

// NewRedisSink creates a sink writing to the given stream
func NewRedisSink(client *redisWrapper.Client, stream string) *RedisSink {
	if stream == "" {
		stream = "yawl:lifecycle"
	}
	return &RedisSink{client: client, stream: stream}
}

// Emit publishes the event to the stream and the per-case channel
func (s *RedisSink) Emit(ctx context.Context, ev LifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	pipe := s.client.NewPipeline()
	pipe.AddToStream(ctx, s.stream, map[string]any{
		"type":    string(ev.Type),
		"case_id": ev.CaseID,
		"payload": string(payload),
	})
	pipe.PublishEvent(ctx, "yawl:case:"+ev.CaseID, string(payload))
	return pipe.Exec(ctx)
}

// ExternalEventType enumerates caller-driven events on a case.
type ExternalEventType string

const (
	ExtCompleteWorkItem ExternalEventType = "complete_work_item"
	ExtFailWorkItem     ExternalEventType = "fail_work_item"
	ExtCancelWorkItem   ExternalEventType = "cancel_work_item"
	ExtDelegateWorkItem ExternalEventType = "delegate_work_item"
	ExtCancelCase       ExternalEventType = "cancel_case"
	ExtTimerFired       ExternalEventType = "timer_fired"
)

// ExternalEvent is one caller-supplied event. EventID makes replays
// idempotent: applying the same ID twice is a no-op after the first
// succeeds.
type ExternalEvent struct {
	EventID    string            `json:"event_id"`
	Type       ExternalEventType `json:"type"`
	ItemID     string            `json:"item_id,omitempty"`
	WorkerID   string            `json:"worker_id,omitempty"`
	ToWorker   string            `json:"to_worker,omitempty"`
	TimerID    string            `json:"timer_id,omitempty"`
	Outputs    map[string]any    `json:"outputs,omitempty"`
	ErrPayload map[string]any    `json:"error_payload,omitempty"`
}
