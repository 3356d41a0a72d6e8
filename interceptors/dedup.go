package interceptors

import (
	"context"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/dispatch-go/messaging"
)

// DuplicateDetector remembers the ids of processed messages
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// DuplicateDetectionInterceptor acknowledges already processed messages
// without handling them again. A message id is only remembered once its
// delivery was acknowledged, after the handler results were published, so
// republished retries are handled again.
type DuplicateDetectionInterceptor struct {
	detector DuplicateDetector
}

// NewDuplicateDetectionInterceptor creates a new duplicate detection interceptor
func NewDuplicateDetectionInterceptor(detector DuplicateDetector) *DuplicateDetectionInterceptor {
	return &DuplicateDetectionInterceptor{detector: detector}
}

// Intercept implements Interceptor
func (i *DuplicateDetectionInterceptor) Intercept(ctx context.Context, d amqp.Delivery, next messaging.MessageHandler) ([]messaging.HandlerResult, error) {
	if d.MessageId == "" {
		return next.Handle(ctx, d)
	}

	isDuplicate, err := i.detector.IsDuplicate(ctx, d.MessageId)
	if err != nil {
		return nil, err
	}
	if isDuplicate {
		return nil, nil
	}
	return next.Handle(ctx, d)
}

// Settled implements messaging.SettleObserver
func (i *DuplicateDetectionInterceptor) Settled(ctx context.Context, d amqp.Delivery, outcome string) error {
	if d.MessageId == "" {
		return nil
	}
	if outcome != messaging.OutcomeAcked && outcome != messaging.OutcomeAutoAcked {
		return nil
	}
	return i.detector.MarkProcessed(ctx, d.MessageId)
}

// Name implements Interceptor
func (i *DuplicateDetectionInterceptor) Name() string {
	return "DuplicateDetectionInterceptor"
}

type seenEntry struct {
	id string
	at time.Time
}

// MemoryDuplicateDetector keeps processed ids in memory for a fixed window
type MemoryDuplicateDetector struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	// order holds the marks oldest first
	order []seenEntry
	now   func() time.Time
}

// NewMemoryDuplicateDetector creates a detector remembering ids for window
func NewMemoryDuplicateDetector(window time.Duration) *MemoryDuplicateDetector {
	return &MemoryDuplicateDetector{
		window: window,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// IsDuplicate implements DuplicateDetector
func (m *MemoryDuplicateDetector) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	at, ok := m.seen[messageID]
	if !ok {
		return false, nil
	}
	if m.now().Sub(at) > m.window {
		delete(m.seen, messageID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements DuplicateDetector. Expired ids are dropped from
// the front of the expiry order.
func (m *MemoryDuplicateDetector) MarkProcessed(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evict(now)
	m.seen[messageID] = now
	m.order = append(m.order, seenEntry{id: messageID, at: now})
	return nil
}

func (m *MemoryDuplicateDetector) evict(now time.Time) {
	n := 0
	for n < len(m.order) && now.Sub(m.order[n].at) > m.window {
		e := m.order[n]
		// a later mark of the same id owns the map entry
		if at, ok := m.seen[e.id]; ok && at.Equal(e.at) {
			delete(m.seen, e.id)
		}
		n++
	}
	if n > 0 {
		m.order = append(m.order[:0], m.order[n:]...)
	}
}

// Len returns the number of remembered ids
func (m *MemoryDuplicateDetector) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
