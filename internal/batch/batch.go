// Package batch coalesces high-frequency presence deltas into windowed
// PresenceSummary messages. Typing and cursor movement otherwise emit a
// message per keystroke; a summary every window reduces the message count
// by an order of magnitude.
package batch

import (
	"context"
	"time"

	"github.com/coedit/syncpad/internal/wire"
)

// Defaults for the flush window and the early-flush item threshold.
const (
	DefaultWindow   = 150 * time.Millisecond
	DefaultMaxItems = 10
)

// Config tunes the batcher. Zero values take the defaults.
type Config struct {
	Window   time.Duration
	MaxItems int

	// Emit sends one summary. Errors are logged and otherwise ignored;
	// peers just see slightly stale presence until the next flush.
	Emit func(wire.PresenceSummary) error

	Logf func(format string, args ...any)
}

// Batcher accumulates deltas and flushes them on a time or count window.
// Run owns all state; Submit and Stop are safe from any goroutine.
type Batcher struct {
	cfg     Config
	submits chan wire.PresenceDelta
	done    chan struct{}
}

// New returns a batcher. Call Run to start it.
func New(cfg Config) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = DefaultMaxItems
	}
	if cfg.Logf == nil {
		cfg.Logf = func(string, ...any) {}
	}
	return &Batcher{
		cfg:     cfg,
		submits: make(chan wire.PresenceDelta, 64),
		done:    make(chan struct{}),
	}
}

// Submit adds a delta to the current batch. Drops the delta if the
// batcher has stopped.
func (b *Batcher) Submit(d wire.PresenceDelta) {
	select {
	case b.submits <- d:
	case <-b.done:
	}
}

// Run consumes submissions until ctx is cancelled, flushing whenever the
// window elapses since the first delta of a batch or the item threshold
// is reached, whichever first. A final flush runs on shutdown.
func (b *Batcher) Run(ctx context.Context) {
	defer close(b.done)

	var (
		byUser = make(map[string]int)
		order  []wire.PresenceDelta
		items  int
		timer  *time.Timer
		fire   <-chan time.Time
	)

	flush := func() {
		if len(order) == 0 {
			return
		}
		s := wire.PresenceSummary{Deltas: order}
		if err := b.cfg.Emit(s); err != nil {
			b.cfg.Logf("presence summary dropped: %v", err)
		}
		byUser = make(map[string]int)
		order = nil
		items = 0
		if timer != nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			fire = nil
		}
	}

	for {
		select {
		case d := <-b.submits:
			if len(order) == 0 {
				if timer == nil {
					timer = time.NewTimer(b.cfg.Window)
				} else {
					timer.Reset(b.cfg.Window)
				}
				fire = timer.C
			}
			if i, ok := byUser[d.UserID]; ok {
				merge(&order[i], d)
			} else {
				byUser[d.UserID] = len(order)
				order = append(order, d)
			}
			items++
			if items >= b.cfg.MaxItems {
				flush()
			}
		case <-fire:
			fire = nil
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// merge folds a later delta for the same user into an earlier one.
// Latest non-nil field wins.
func merge(dst *wire.PresenceDelta, d wire.PresenceDelta) {
	if d.Cursor != nil {
		dst.Cursor = d.Cursor
	}
	if d.Viewport != nil {
		dst.Viewport = d.Viewport
	}
	if d.IsTyping != nil {
		dst.IsTyping = d.IsTyping
	}
	if d.ResolutionLevel != nil {
		dst.ResolutionLevel = d.ResolutionLevel
	}
}
