package runner

import (
	"time"

	"pipegate/events"
)

// EventType names a lifecycle transition
type EventType string

const (
	EventExecutionStarted   EventType = "execution:started"
	EventExecutionUpdated   EventType = "execution:updated"
	EventExecutionCompleted EventType = "execution:completed"
	EventExecutionCancelled EventType = "execution:cancelled"
	EventStageStarted       EventType = "stage:started"
	EventStageUpdated       EventType = "stage:updated"
	EventStageWaiting       EventType = "stage:waiting_approval"
	EventStageCompleted     EventType = "stage:completed"
	EventStageFailed        EventType = "stage:failed"
	EventStageApproved      EventType = "stage:approved"
	EventStageRejected      EventType = "stage:rejected"
)

// Event is broadcast on every execution or stage transition. Execution is a
// snapshot taken right after the transition; Stage is set for stage events.
type Event struct {
	Type        EventType          `json:"type"`
	ExecutionID string             `json:"execution_id"`
	Execution   *PipelineExecution `json:"execution,omitempty"`
	Stage       *StageExecution    `json:"stage,omitempty"`
	Actor       string             `json:"actor,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
}

// Broker is the event channel used by the orchestrator. Subscriptions are
// keyed by execution id.
type Broker = events.Broker[Event]

// Subscription receives orchestrator events
type Subscription = events.Subscription[Event]

// NewBroker creates an event broker with the given per-subscriber buffer
func NewBroker(buffer int) *Broker {
	return events.NewBroker[Event](buffer, nil)
}

type emitter struct {
	broker *Broker
}

func (em emitter) emit(e Event) {
	if e.ExecutionID == "" && e.Execution != nil {
		e.ExecutionID = e.Execution.ID
	}
	e.Timestamp = time.Now()
	em.broker.Publish(e.ExecutionID, e)
}

func (em emitter) execution(t EventType, exec *PipelineExecution) {
	em.emit(Event{Type: t, Execution: exec})
}

func (em emitter) stage(t EventType, exec *PipelineExecution, stage StageExecution) {
	em.emit(Event{Type: t, Execution: exec, Stage: &stage})
}
