// Package presence watches peer presence streams and shapes them for the
// projection: raw typing bursts are debounced, previews are truncated, and
// peers that go quiet are demoted to offline locally instead of showing a
// stale "online" forever.
package presence

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/config"
	"github.com/tarekmestiri/souqtalk/internal/remote"
	"go.uber.org/zap"
)

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
)

// Data is one shaped presence update for a peer.
type Data struct {
	PeerID        string
	Status        string
	LastSeen      time.Time
	IsTyping      bool
	TypingPreview string
}

// Monitor subscribes to peer presence streams and emits shaped updates on
// both the returned channel and the bus.
type Monitor struct {
	docs         remote.DocStore
	bus          *bus.Bus
	clock        clockwork.Clock
	debounce     time.Duration
	previewRunes int
	staleAfter   time.Duration
	logger       *zap.Logger
}

// NewMonitor creates a presence monitor driven by clock. Tests pass a fake
// clock so debounce and staleness are deterministic.
func NewMonitor(docs remote.DocStore, b *bus.Bus, clock clockwork.Clock, cfg config.EngineConfig, logger *zap.Logger) *Monitor {
	return &Monitor{
		docs:         docs,
		bus:          b,
		clock:        clock,
		debounce:     cfg.TypingDebounce(),
		previewRunes: cfg.TypingPreviewRunes,
		staleAfter:   cfg.PresenceStale(),
		logger:       logger,
	}
}

// Subscribe opens a shaped presence stream for peerID. The returned cancel
// is idempotent; after it returns no further updates are delivered and all
// timers are stopped.
func (m *Monitor) Subscribe(ctx context.Context, peerID string) (<-chan Data, remote.CancelFunc, error) {
	events, cancelRemote, err := m.docs.SubscribePresence(ctx, peerID)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Data, 16)
	done := make(chan struct{})
	go m.run(peerID, events, out, done)

	cancel := remote.MakeCancel(func() {
		cancelRemote()
		close(done)
	})
	return out, cancel, nil
}

func (m *Monitor) run(peerID string, events <-chan remote.PresenceEvent, out chan<- Data, done <-chan struct{}) {
	defer close(out)

	stale := m.clock.NewTimer(m.staleAfter)
	defer stale.Stop()

	// The debounce timer is created lazily on the first typing burst; a
	// nil channel never fires in the select below.
	var debounce clockwork.Timer
	var debounceC <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	var pending *Data
	var lastSeen time.Time
	demoted := false

	for {
		select {
		case <-done:
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			demoted = false
			resetTimer(stale, m.staleAfter)
			d := m.shape(peerID, ev)
			lastSeen = d.LastSeen

			if d.IsTyping {
				// Coalesce the burst: hold the latest update and emit
				// once the debounce window passes without another one.
				pending = &d
				if debounce == nil {
					debounce = m.clock.NewTimer(m.debounce)
					debounceC = debounce.Chan()
				} else {
					resetTimer(debounce, m.debounce)
				}
				continue
			}

			// A non-typing update supersedes any pending typing emission.
			pending = nil
			if debounce != nil {
				stopTimer(debounce)
			}
			m.emit(out, d)

		case <-debounceC:
			if pending != nil {
				m.emit(out, *pending)
				pending = nil
			}

		case <-stale.Chan():
			if demoted {
				continue
			}
			demoted = true
			pending = nil
			m.emit(out, Data{PeerID: peerID, Status: StatusOffline, LastSeen: lastSeen})
		}
	}
}

// shape converts a raw event into the projection form, truncating the
// typing preview to the configured rune budget.
func (m *Monitor) shape(peerID string, ev remote.PresenceEvent) Data {
	d := Data{
		PeerID:        peerID,
		Status:        ev.Status,
		LastSeen:      ev.LastSeen,
		IsTyping:      ev.IsTyping,
		TypingPreview: ev.TypingPreview,
	}
	if d.Status == "" {
		d.Status = StatusOnline
	}
	if r := []rune(d.TypingPreview); len(r) > m.previewRunes {
		d.TypingPreview = string(r[:m.previewRunes])
	}
	return d
}

func (m *Monitor) emit(out chan<- Data, d Data) {
	if m.logger != nil {
		m.logger.Debug("presence update",
			zap.String("peer_id", d.PeerID),
			zap.String("status", d.Status),
			zap.Bool("typing", d.IsTyping))
	}
	if m.bus != nil {
		m.bus.Emit(bus.KindPresenceUpdated, d)
	}
	select {
	case out <- d:
	default:
		// Slow consumer, drop.
	}
}

// resetTimer restarts t for d, draining a fire that raced the reset.
func resetTimer(t clockwork.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
	t.Reset(d)
}

func stopTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
