package jobs

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType 任务事件类型
type EventType string

const (
	EventCreated   EventType = "created"
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventRetry     EventType = "retry"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
	EventRecovered EventType = "recovered"
)

// Event 任务生命周期事件
type Event struct {
	JobID       string       `json:"job_id"`
	Type        EventType    `json:"type"`
	State       State        `json:"state"`
	Attempts    int          `json:"attempts"`
	Progress    int          `json:"progress"`
	CurrentStep string       `json:"current_step,omitempty"`
	Error       *ErrorRecord `json:"error,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

func eventFor(job *Job, typ EventType) Event {
	return Event{
		JobID:       job.ID,
		Type:        typ,
		State:       job.State,
		Attempts:    job.Attempts,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		Error:       job.Error,
		Timestamp:   time.Now().UTC(),
	}
}

// subscriberBuffer 订阅通道缓冲，满时丢弃中间的进度事件
const subscriberBuffer = 32

// broker 进程内按任务分发事件。终态事件发布后关闭该任务的全部订阅
type broker struct {
	mu     sync.Mutex
	subs   map[string]map[int]chan Event
	nextID int
	logger *zap.Logger
}

func newBroker(logger *zap.Logger) *broker {
	return &broker{subs: make(map[string]map[int]chan Event), logger: logger}
}

func (b *broker) subscribe(jobID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := b.nextID
	b.nextID++
	if b.subs[jobID] == nil {
		b.subs[jobID] = make(map[int]chan Event)
	}
	b.subs[jobID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[jobID]; ok {
				if c, ok := set[id]; ok {
					delete(set, id)
					close(c)
				}
				if len(set) == 0 {
					delete(b.subs, jobID)
				}
			}
		})
	}
}

func (b *broker) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set := b.subs[ev.JobID]
	for _, ch := range set {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("dropping job event for slow subscriber",
				zap.String("job_id", ev.JobID), zap.String("type", string(ev.Type)))
		}
	}
	if ev.State.Terminal() {
		for id, ch := range set {
			close(ch)
			delete(set, id)
		}
		delete(b.subs, ev.JobID)
	}
}

func (b *broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for jobID, set := range b.subs {
		for _, ch := range set {
			close(ch)
		}
		delete(b.subs, jobID)
	}
}
