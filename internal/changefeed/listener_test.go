package changefeed

import (
	"context"
	"testing"
	"time"

	"syncgate/internal/config"
)

func newTestListener() *Listener {
	return New(config.ChangeFeed{
		URL:         "postgres://localhost/ignored",
		Channels:    []string{"table_changes", "role_changes", "user_presence"},
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
		MaxAttempts: 10,
	})
}

func TestBackoffSequence(t *testing.T) {
	base := 5 * time.Second
	max := 5 * time.Minute
	want := []time.Duration{
		5 * time.Second,   // attempt 1
		10 * time.Second,  // attempt 2
		20 * time.Second,  // attempt 3
		40 * time.Second,  // attempt 4
		80 * time.Second,  // attempt 5
		160 * time.Second, // attempt 6
		5 * time.Minute,   // attempt 7, capped
		5 * time.Minute,   // attempt 8, capped
	}
	for i, w := range want {
		if got := Backoff(i+1, base, max); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
}

func TestBackoffOverflowClampsToMax(t *testing.T) {
	if got := Backoff(63, time.Second, time.Hour); got != time.Hour {
		t.Fatalf("got %v", got)
	}
}

// Run against an unreachable database: every connect fails, so after
// MaxAttempts the loop must record the terminal error and stop retrying.
func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	l := New(config.ChangeFeed{
		URL:         "postgres://127.0.0.1:1/app",
		Channels:    []string{"table_changes"},
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		MaxAttempts: 3,
	})
	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run kept retrying past the attempt cap")
	}
	if l.Connected() {
		t.Fatal("connected reported after giving up")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	l := New(config.ChangeFeed{
		URL:         "postgres://127.0.0.1:1/app",
		Channels:    []string{"table_changes"},
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxAttempts: 1000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestDispatchChannelThenWildcard(t *testing.T) {
	l := newTestListener()
	var order []string
	l.AddListener("table_changes", func(ch string, data map[string]any) {
		order = append(order, "channel")
	})
	l.AddListener(Wildcard, func(ch string, data map[string]any) {
		order = append(order, "wildcard:"+ch)
	})

	l.dispatch("table_changes", `{"table":"sprints","op":"INSERT"}`)
	l.dispatch("role_changes", `{"userId":"u1"}`)

	want := []string{"channel", "wildcard:table_changes", "wildcard:role_changes"}
	if len(order) != len(want) {
		t.Fatalf("order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: %v, want %v", order, want)
		}
	}
}

func TestDispatchPanickingListenerIsIsolated(t *testing.T) {
	l := newTestListener()
	var survived []string
	l.AddListener("table_changes", func(string, map[string]any) {
		panic("listener bug")
	})
	l.AddListener("table_changes", func(string, map[string]any) {
		survived = append(survived, "sibling")
	})
	l.AddListener(Wildcard, func(string, map[string]any) {
		survived = append(survived, "wildcard")
	})

	l.dispatch("table_changes", `{}`)

	if len(survived) != 2 {
		t.Fatalf("siblings must still run, got %v", survived)
	}
}

func TestDispatchMalformedPayloadIsDropped(t *testing.T) {
	l := newTestListener()
	l.AddListener("table_changes", func(string, map[string]any) {
		t.Fatal("listener must not run on malformed payload")
	})
	l.dispatch("table_changes", `{broken`)
}

func TestRemoveListener(t *testing.T) {
	l := newTestListener()
	calls := 0
	sub := l.AddListener("table_changes", func(string, map[string]any) { calls++ })
	l.dispatch("table_changes", `{}`)
	l.RemoveListener(sub)
	l.dispatch("table_changes", `{}`)
	if calls != 1 {
		t.Fatalf("calls: %d", calls)
	}
	// removing twice is harmless
	l.RemoveListener(sub)
	l.RemoveListener(nil)
}

func TestShutdownClearsRegistrations(t *testing.T) {
	l := newTestListener()
	l.AddListener("table_changes", func(string, map[string]any) {
		t.Fatal("listener survived shutdown")
	})
	l.Shutdown()
	l.dispatch("table_changes", `{}`)
	if l.Connected() {
		t.Fatal("connected after shutdown")
	}
}
