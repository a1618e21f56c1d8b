package queue

import "time"

// Retry pacing for failed flushes.
const (
	BackoffBase = 500 * time.Millisecond
	BackoffCap  = 30 * time.Second
)

// Backoff yields the delay before each retry attempt, doubling from
// BackoffBase up to BackoffCap. Reset on any successful flush.
type Backoff struct {
	next time.Duration
}

// Next returns the delay to wait before the upcoming attempt and
// advances the schedule.
func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = BackoffBase
	}
	d := b.next
	b.next *= 2
	if b.next > BackoffCap {
		b.next = BackoffCap
	}
	return d
}

// Reset restarts the schedule after a successful flush.
func (b *Backoff) Reset() {
	b.next = 0
}
