package status

import (
	"testing"
	"time"

	"github.com/tarekmestiri/souqtalk/internal/bus"
	"github.com/tarekmestiri/souqtalk/internal/chatstate"
	"github.com/tarekmestiri/souqtalk/internal/delivery"
	"github.com/tarekmestiri/souqtalk/internal/faults"
)

func TestLifecycleHappyPath(t *testing.T) {
	m := NewMachine(bus.New(), nil, nil)
	steps := []State{StateConnecting, StateSyncing, StateReady}
	for _, s := range steps {
		if err := m.Set(s); err != nil {
			t.Fatalf("Set(%s) error = %v", s, err)
		}
	}
	if m.Current() != StateReady {
		t.Errorf("Current() = %s, want ready", m.Current())
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewMachine(bus.New(), nil, nil)
	err := m.Set(StateReady)
	if !faults.IsStateConflict(err) {
		t.Errorf("Set(ready) from booting = %v, want state conflict", err)
	}
	if m.Current() != StateBooting {
		t.Errorf("state moved on a rejected transition: %s", m.Current())
	}
}

func TestSelfTransitionIsNoOp(t *testing.T) {
	m := NewMachine(bus.New(), nil, nil)
	if err := m.Set(StateBooting); err != nil {
		t.Errorf("Set(current) error = %v, want nil", err)
	}
}

func TestErrorRecoversThroughConnecting(t *testing.T) {
	m := NewMachine(bus.New(), nil, nil)
	_ = m.Set(StateConnecting)
	_ = m.Set(StateError)

	if err := m.Set(StateSyncing); !faults.IsStateConflict(err) {
		t.Errorf("Set(syncing) from error = %v, want state conflict", err)
	}
	if err := m.Set(StateConnecting); err != nil {
		t.Errorf("Set(connecting) from error = %v", err)
	}
}

func TestNetworkQualityMapping(t *testing.T) {
	cases := map[State]string{
		StateReady:        "good",
		StateSyncing:      "good",
		StateDegraded:     "poor",
		StateReconnecting: "offline",
		StateError:        "offline",
	}
	for s, want := range cases {
		if got := NetworkQuality(s); got != want {
			t.Errorf("NetworkQuality(%s) = %q, want %q", s, got, want)
		}
	}
}

func TestTransitionFeedsProjection(t *testing.T) {
	b := bus.New()
	chats := chatstate.NewStore(nil, b, "me", nil)
	t.Cleanup(chats.Close)

	content, err := chatstate.NewText("hi")
	if err != nil {
		t.Fatalf("NewText: %v", err)
	}
	_ = chats.ApplyIncomingMessage("c1", &chatstate.Message{
		ID: "m1", SenderID: "peer", Timestamp: time.Now(),
		Content: content, Status: delivery.StatusSent,
	})

	m := NewMachine(b, chats, nil)
	_ = m.Set(StateConnecting)
	_ = m.Set(StateSyncing)

	c, _ := chats.Chat("c1")
	if c.Sync.NetworkQuality != "good" || !c.Sync.IsSyncing {
		t.Errorf("sync state = %+v, want good/syncing", c.Sync)
	}

	_ = m.Set(StateReady)
	c, _ = chats.Chat("c1")
	if c.Sync.IsSyncing {
		t.Error("IsSyncing should clear when ready")
	}
}
