// Package delivery tracks the per-message delivery lifecycle. Remote
// acknowledgement events may arrive out of order over multiple network
// paths; the tracker applies them under a monotonic-rank rule so the
// visible status never moves backwards except on an explicit retry.
package delivery

import (
	"fmt"
	"sync"

	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/faults"
	"go.uber.org/zap"
)

// Status is the delivery lifecycle stage of a message as observed by its
// sender.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the non-failed statuses. Failed sits outside the order: it is
// reachable from any non-terminal state and terminal unless retried.
var rank = map[Status]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Rank returns the monotonic rank of s, or -1 for Failed/unknown.
func Rank(s Status) int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known status.
func Valid(s Status) bool {
	return s == StatusFailed || Rank(s) >= 0
}

// Transition is the payload published on every accepted status change.
type Transition struct {
	MessageID string
	ChatID    string
	From      Status
	To        Status
}

// Tracker is the per-message delivery state machine.
type Tracker struct {
	mu     sync.Mutex
	states map[string]Status
	chats  map[string]string // message id -> owning chat id
	bus    *bus.Bus
	logger *zap.Logger
}

// NewTracker creates an empty tracker publishing transitions on b.
func NewTracker(b *bus.Bus, logger *zap.Logger) *Tracker {
	return &Tracker{
		states: make(map[string]Status),
		chats:  make(map[string]string),
		bus:    b,
		logger: logger,
	}
}

// Track registers a new optimistic message in the Sending state.
// Re-tracking a known message id is a no-op.
func (t *Tracker) Track(messageID, chatID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.states[messageID]; ok {
		return
	}
	t.states[messageID] = StatusSending
	t.chats[messageID] = chatID
	t.emit(Transition{MessageID: messageID, ChatID: chatID, From: "", To: StatusSending})
}

// Status returns the current status of a tracked message.
func (t *Tracker) Status(messageID string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[messageID]
	return s, ok
}

// Apply advances a message to a strictly higher-ranked status. Lower or
// equal ranks return a StateConflict error, which callers resolve by
// dropping the event. Failed cannot be reached through Apply; use Fail.
func (t *Tracker) Apply(messageID string, to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[messageID]
	if !ok {
		return faults.New(faults.Validation, "delivery.apply",
			fmt.Errorf("unknown message")).WithMessage(messageID)
	}
	if Rank(to) < 0 {
		return faults.New(faults.Validation, "delivery.apply",
			fmt.Errorf("status %q not reachable via apply", to)).WithMessage(messageID)
	}
	if current == StatusFailed {
		return faults.New(faults.StateConflict, "delivery.apply",
			fmt.Errorf("message is failed, needs explicit retry")).WithMessage(messageID)
	}
	if Rank(to) <= Rank(current) {
		return faults.New(faults.StateConflict, "delivery.apply",
			fmt.Errorf("rank %d not above current %d", Rank(to), Rank(current))).WithMessage(messageID)
	}

	t.states[messageID] = to
	t.emit(Transition{MessageID: messageID, ChatID: t.chats[messageID], From: current, To: to})
	return nil
}

// Fail moves a non-terminal message to Failed. Owners call this only after
// their retry budget is exhausted; a single transient error never fails a
// message.
func (t *Tracker) Fail(messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[messageID]
	if !ok {
		return faults.New(faults.Validation, "delivery.fail",
			fmt.Errorf("unknown message")).WithMessage(messageID)
	}
	if current == StatusFailed || current == StatusRead {
		return faults.New(faults.StateConflict, "delivery.fail",
			fmt.Errorf("cannot fail from %q", current)).WithMessage(messageID)
	}

	t.states[messageID] = StatusFailed
	t.emit(Transition{MessageID: messageID, ChatID: t.chats[messageID], From: current, To: StatusFailed})
	return nil
}

// Retry resets a Failed message back to Sending. This is the only permitted
// rank decrease and only happens on an explicit user command.
func (t *Tracker) Retry(messageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.states[messageID]
	if !ok {
		return faults.New(faults.Validation, "delivery.retry",
			fmt.Errorf("unknown message")).WithMessage(messageID)
	}
	if current != StatusFailed {
		return faults.New(faults.StateConflict, "delivery.retry",
			fmt.Errorf("retry only applies to failed messages, have %q", current)).WithMessage(messageID)
	}

	t.states[messageID] = StatusSending
	t.emit(Transition{MessageID: messageID, ChatID: t.chats[messageID], From: StatusFailed, To: StatusSending})
	return nil
}

// Forget drops tracking state for a message, e.g. after its chat is purged.
func (t *Tracker) Forget(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, messageID)
	delete(t.chats, messageID)
}

// emit publishes an accepted transition. Callers hold t.mu; the bus is
// non-blocking so this cannot deadlock.
func (t *Tracker) emit(tr Transition) {
	if t.logger != nil {
		t.logger.Debug("delivery transition",
			zap.String("msg_id", tr.MessageID),
			zap.String("from", string(tr.From)),
			zap.String("to", string(tr.To)))
	}
	if t.bus != nil {
		t.bus.Emit(bus.KindDeliveryChanged, tr)
	}
}
