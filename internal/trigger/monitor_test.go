package trigger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpexec/internal/config"
	"perpexec/internal/events"
	"perpexec/pkg/types"
)

type marksStub struct {
	mu  sync.Mutex
	ids []string
}

func (m *marksStub) MarkTriggered(signalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = append(m.ids, signalID)
}

func (m *marksStub) marked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

func defaultCfg() config.TriggerConfig {
	return config.TriggerConfig{Enabled: true, AbortTimeout: 5 * time.Second, DefaultBar: time.Minute}
}

func newMonitor(t *testing.T, cfg config.TriggerConfig) (*Monitor, *marksStub, <-chan events.Event) {
	t.Helper()
	marks := &marksStub{}
	bus := events.NewBus(slog.Default())
	ch, cancel := bus.Subscribe(64)
	t.Cleanup(cancel)
	m := NewMonitor(marks, bus, cfg, slog.Default())
	t.Cleanup(m.Close)
	return m, marks, ch
}

func trigSignal(id string, direction int, target, cond string) *types.Signal {
	p := decimal.RequireFromString(target)
	return &types.Signal{
		SignalID:     id,
		Symbol:       "BTCUSDT",
		Direction:    direction,
		TriggerPrice: &p,
		TriggerCond:  cond,
		TimestampMs:  time.Now().UnixMilli(),
	}
}

// sink returns callbacks that report invocations on buffered channels.
func sink() (FireFunc, AbortFunc, chan string, chan string) {
	fired := make(chan string, 4)
	aborted := make(chan string, 4)
	fire := func(ctx context.Context, sig *types.Signal) { fired <- sig.SignalID }
	abort := func(ctx context.Context, sig *types.Signal) { aborted <- sig.SignalID }
	return fire, abort, fired, aborted
}

func awaitID(t *testing.T, ch chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("callback for %s, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for callback %s", want)
	}
}

func quiet(t *testing.T, ch chan string, wait time.Duration) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected callback for %s", got)
	case <-time.After(wait):
	}
}

func hasEvent(ch <-chan events.Event, want events.Type) bool {
	for {
		select {
		case evt := <-ch:
			if evt.Type == want {
				return true
			}
		default:
			return false
		}
	}
}

func TestArmSkipsWhenNothingToArm(t *testing.T) {
	t.Parallel()

	t.Run("no trigger price", func(t *testing.T) {
		t.Parallel()
		m, _, _ := newMonitor(t, defaultCfg())
		fire, abort, _, _ := sink()

		sig := trigSignal("sig-1", 1, "100", ">=")
		sig.TriggerPrice = nil
		armed, err := m.Arm(sig, fire, abort)
		if err != nil || armed {
			t.Fatalf("Arm = (%v, %v), want not armed, no error", armed, err)
		}
		if m.Count() != 0 {
			t.Errorf("count = %d, want 0", m.Count())
		}
	})

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		cfg := defaultCfg()
		cfg.Enabled = false
		m, _, _ := newMonitor(t, cfg)
		fire, abort, _, _ := sink()

		armed, err := m.Arm(trigSignal("sig-1", 1, "100", ">="), fire, abort)
		if err != nil || armed {
			t.Fatalf("Arm = (%v, %v), want not armed, no error", armed, err)
		}
	})
}

func TestArmRejectsBadInput(t *testing.T) {
	t.Parallel()
	m, _, _ := newMonitor(t, defaultCfg())
	fire, abort, _, _ := sink()

	if _, err := m.Arm(trigSignal("sig-1", 1, "100", "=="), fire, abort); err == nil {
		t.Error("bad condition accepted")
	}
	if _, err := m.Arm(trigSignal("sig-2", 1, "100", ">="), fire, abort); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if _, err := m.Arm(trigSignal("sig-2", 1, "100", ">="), fire, abort); err == nil {
		t.Error("double arm accepted")
	}
}

func TestConditionMet(t *testing.T) {
	t.Parallel()
	cases := []struct {
		cond       string
		price, tgt string
		want       bool
	}{
		{">", "100.1", "100", true},
		{">", "100", "100", false},
		{">=", "100", "100", true},
		{"<", "99.9", "100", true},
		{"<", "100", "100", false},
		{"<=", "100", "100", true},
		{"<=", "100.1", "100", false},
	}
	for _, tc := range cases {
		got := conditionMet(decimal.RequireFromString(tc.price), decimal.RequireFromString(tc.tgt), tc.cond)
		if got != tc.want {
			t.Errorf("%s %s %s = %v, want %v", tc.price, tc.cond, tc.tgt, got, tc.want)
		}
	}
}

func TestFireExecutesOnceAndMarks(t *testing.T) {
	t.Parallel()
	m, marks, ch := newMonitor(t, defaultCfg())
	fire, abort, fired, _ := sink()

	if _, err := m.Arm(trigSignal("sig-1", 1, "100", ">="), fire, abort); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	m.OnTick(context.Background(), "BTCUSDT", decimal.RequireFromString("99.9"))
	quiet(t, fired, 30*time.Millisecond)
	if !m.Armed("sig-1") {
		t.Fatal("trigger disarmed below target")
	}

	m.OnTick(context.Background(), "BTCUSDT", decimal.RequireFromString("100"))
	awaitID(t, fired, "sig-1")

	if m.Armed("sig-1") {
		t.Error("trigger still armed after firing")
	}
	if got := marks.marked(); len(got) != 1 || got[0] != "sig-1" {
		t.Errorf("marked = %v, want [sig-1]", got)
	}
	if !hasEvent(ch, events.TriggerFired) {
		t.Error("no trigger:fired event")
	}

	// The same print again must not re-fire.
	m.OnTick(context.Background(), "BTCUSDT", decimal.RequireFromString("105"))
	quiet(t, fired, 30*time.Millisecond)
}

func TestFireIgnoresOtherSymbols(t *testing.T) {
	t.Parallel()
	m, _, _ := newMonitor(t, defaultCfg())
	fire, abort, fired, _ := sink()

	if _, err := m.Arm(trigSignal("sig-1", 1, "100", ">="), fire, abort); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	m.OnTick(context.Background(), "ETHUSDT", decimal.RequireFromString("200"))
	quiet(t, fired, 30*time.Millisecond)
}

func TestDefaultConditionFollowsDirection(t *testing.T) {
	t.Parallel()

	t.Run("long breakout", func(t *testing.T) {
		t.Parallel()
		m, _, _ := newMonitor(t, defaultCfg())
		fire, abort, fired, _ := sink()

		if _, err := m.Arm(trigSignal("sig-1", 1, "100", ""), fire, abort); err != nil {
			t.Fatalf("Arm: %v", err)
		}
		m.OnTick(context.Background(), "BTCUSDT", decimal.RequireFromString("100"))
		awaitID(t, fired, "sig-1")
	})

	t.Run("short breakdown", func(t *testing.T) {
		t.Parallel()
		m, _, _ := newMonitor(t, defaultCfg())
		fire, abort, fired, _ := sink()

		if _, err := m.Arm(trigSignal("sig-1", -1, "100", ""), fire, abort); err != nil {
			t.Fatalf("Arm: %v", err)
		}
		m.OnTick(context.Background(), "BTCUSDT", decimal.RequireFromString("100.5"))
		quiet(t, fired, 30*time.Millisecond)
		m.OnTick(context.Background(), "BTCUSDT", decimal.RequireFromString("100"))
		awaitID(t, fired, "sig-1")
	})
}

func TestAutoAbortAfterBarClose(t *testing.T) {
	t.Parallel()

	t.Run("default bar length", func(t *testing.T) {
		t.Parallel()
		cfg := config.TriggerConfig{Enabled: true, AbortTimeout: 20 * time.Millisecond, DefaultBar: 30 * time.Millisecond}
		m, marks, ch := newMonitor(t, cfg)
		fire, abort, fired, aborted := sink()

		if _, err := m.Arm(trigSignal("sig-1", 1, "100", ">="), fire, abort); err != nil {
			t.Fatalf("Arm: %v", err)
		}
		awaitID(t, aborted, "sig-1")

		if m.Armed("sig-1") {
			t.Error("still armed after auto-abort")
		}
		if len(marks.marked()) != 0 {
			t.Error("auto-abort marked the signal as triggered")
		}
		if !hasEvent(ch, events.TriggerAutoAbort) {
			t.Error("no trigger:auto_abort event")
		}
		quiet(t, fired, 30*time.Millisecond)
	})

	t.Run("explicit bar close wins", func(t *testing.T) {
		t.Parallel()
		cfg := config.TriggerConfig{Enabled: true, AbortTimeout: 10 * time.Millisecond, DefaultBar: 10 * time.Minute}
		m, _, _ := newMonitor(t, cfg)
		fire, abort, _, aborted := sink()

		sig := trigSignal("sig-1", 1, "100", ">=")
		barClose := time.Now().Add(20 * time.Millisecond).UnixMilli()
		sig.BarCloseMs = &barClose
		if _, err := m.Arm(sig, fire, abort); err != nil {
			t.Fatalf("Arm: %v", err)
		}
		awaitID(t, aborted, "sig-1")
	})
}

func TestFiringBeatsAutoAbort(t *testing.T) {
	t.Parallel()
	cfg := config.TriggerConfig{Enabled: true, AbortTimeout: 10 * time.Millisecond, DefaultBar: 40 * time.Millisecond}
	m, _, _ := newMonitor(t, cfg)
	fire, abort, fired, aborted := sink()

	if _, err := m.Arm(trigSignal("sig-1", 1, "100", ">="), fire, abort); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	m.OnTick(context.Background(), "BTCUSDT", decimal.RequireFromString("101"))
	awaitID(t, fired, "sig-1")
	quiet(t, aborted, 120*time.Millisecond)
}

func TestDisarmWithdrawsIntent(t *testing.T) {
	t.Parallel()
	cfg := config.TriggerConfig{Enabled: true, AbortTimeout: 20 * time.Millisecond, DefaultBar: 30 * time.Millisecond}
	m, _, _ := newMonitor(t, cfg)
	fire, abort, fired, aborted := sink()

	if _, err := m.Arm(trigSignal("sig-1", 1, "100", ">="), fire, abort); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if !m.Disarm("sig-1") {
		t.Fatal("Disarm reported not armed")
	}
	if m.Disarm("sig-1") {
		t.Error("second Disarm reported armed")
	}

	m.OnTick(context.Background(), "BTCUSDT", decimal.RequireFromString("101"))
	quiet(t, fired, 30*time.Millisecond)
	quiet(t, aborted, 100*time.Millisecond)
}

func TestCloseStopsPendingTimers(t *testing.T) {
	t.Parallel()
	cfg := config.TriggerConfig{Enabled: true, AbortTimeout: 20 * time.Millisecond, DefaultBar: 30 * time.Millisecond}
	m, _, _ := newMonitor(t, cfg)
	fire, abort, _, aborted := sink()

	for _, id := range []string{"sig-1", "sig-2"} {
		if _, err := m.Arm(trigSignal(id, 1, "100", ">="), fire, abort); err != nil {
			t.Fatalf("Arm %s: %v", id, err)
		}
	}
	m.Close()
	if m.Count() != 0 {
		t.Errorf("count = %d after Close, want 0", m.Count())
	}
	quiet(t, aborted, 120*time.Millisecond)
}
