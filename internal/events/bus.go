// Package events carries domain signals between the distribution components.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies a domain event
type Kind string

const (
	QualityDegraded    Kind = "quality.degraded"
	QualityAlert       Kind = "quality.alert"
	HighFailureRate    Kind = "quality.high_failure_rate"
	RecoveryInitiated  Kind = "quality.recovery_initiated"
	RecoveryPlanned    Kind = "quality.recovery_planned"
	EmergencyPause     Kind = "quality.emergency_pause"
	TemplateSuspend    Kind = "template.suspend"
	TemplateStatus     Kind = "template.status"
	TemplateRotated    Kind = "template.rotated"
	BackupActivated    Kind = "backup.activated"
	NumberDisabled     Kind = "number.disabled"
	CapacityReduced    Kind = "number.capacity_reduced"
	RunStarted         Kind = "run.started"
	RunAborted         Kind = "run.aborted"
	RunFinalized       Kind = "run.finalized"
	SLAAtRisk          Kind = "sla.at_risk"
	BatchCompleted     Kind = "batch.completed"
	BatchFailed        Kind = "batch.failed"
	RetryScheduled     Kind = "delivery.retry_scheduled"
	MessageSent        Kind = "message.sent"
	MessageDelivered   Kind = "message.delivered"
	MessageRead        Kind = "message.read"
	MessageFailed      Kind = "message.failed"
	RecipientOptedOut  Kind = "recipient.opted_out"
	DailyAnalysisReady Kind = "quality.daily_analysis"
)

// Event is a lightweight in-memory signal.
//
// Publish never blocks: subscribers own buffered channels and a slow
// subscriber drops events instead of stalling the publisher.
type Event struct {
	Kind Kind
	Time time.Time
	Data any
}

// Bus is a fan-out publisher
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// Publisher is the narrow side of Bus used by components that only emit
type Publisher interface {
	Publish(e Event)
}

// NewBus returns an in-memory fan-out bus. It owns no goroutines.
func NewBus() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		func() {
			// unsubscribe may close ch concurrently
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries were skipped because a subscriber was full
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}

// Discard is a Publisher that drops everything
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
