package events

import (
	"context"
	"strings"
	"sync"
)

type RunEvent struct {
	RunID   string         `json:"run_id"`
	Seq     int64          `json:"seq"`
	Type    string         `json:"type"`
	Ts      string         `json:"ts"`
	Source  string         `json:"source"`
	TraceID string         `json:"trace_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// Broker fans run events out to per-run subscribers. Publishing never
// blocks: a subscriber that falls behind its buffer loses events and is
// expected to re-sync from the store using the last sequence it saw.
type Broker struct {
	mu          sync.RWMutex
	bufferSize  int
	subscribers map[string]map[chan RunEvent]struct{}
	dropped     map[string]int64
}

func NormalizeType(eventType string) string {
	return strings.TrimSpace(strings.ToLower(eventType))
}

func NewBroker() *Broker {
	return NewBrokerWithBuffer(16)
}

func NewBrokerWithBuffer(bufferSize int) *Broker {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Broker{
		bufferSize:  bufferSize,
		subscribers: map[string]map[chan RunEvent]struct{}{},
		dropped:     map[string]int64{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan RunEvent {
	ch := make(chan RunEvent, b.bufferSize)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan RunEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

func (b *Broker) Publish(event RunEvent) {
	b.mu.RLock()
	subscribers := b.subscribers[event.RunID]
	chans := make([]chan RunEvent, 0, len(subscribers))
	for ch := range subscribers {
		chans = append(chans, ch)
	}
	b.mu.RUnlock()

	var droppedCount int64
	for _, ch := range chans {
		select {
		case ch <- event:
		default:
			droppedCount++
		}
	}
	if droppedCount > 0 {
		b.mu.Lock()
		b.dropped[event.RunID] += droppedCount
		b.mu.Unlock()
	}
}

// Dropped reports how many events were discarded for a run because a
// subscriber buffer was full.
func (b *Broker) Dropped(runID string) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped[runID]
}
