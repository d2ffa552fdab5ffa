package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClockNow(t *testing.T) {
	c := Fake(epoch)
	if got := c.Now(); !got.Equal(epoch) {
		t.Fatalf("Now() = %v, want %v", got, epoch)
	}
	c.Advance(5 * time.Second)
	if got := c.Now(); !got.Equal(epoch.Add(5 * time.Second)) {
		t.Fatalf("Now() after Advance = %v", got)
	}
}

func TestFakeClockAfter(t *testing.T) {
	tests := []struct {
		name    string
		wait    time.Duration
		advance time.Duration
		fired   bool
	}{
		{name: "exact deadline", wait: 3 * time.Second, advance: 3 * time.Second, fired: true},
		{name: "past deadline", wait: 3 * time.Second, advance: time.Minute, fired: true},
		{name: "partial advance", wait: 5 * time.Second, advance: 3 * time.Second, fired: false},
		{name: "zero duration", wait: 0, advance: 0, fired: true},
		{name: "negative duration", wait: -time.Second, advance: 0, fired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Fake(epoch)
			ch := c.After(tt.wait)
			c.Advance(tt.advance)

			select {
			case <-ch:
				if !tt.fired {
					t.Error("After fired before its deadline")
				}
			default:
				if tt.fired {
					t.Error("After did not fire")
				}
			}
		})
	}
}

func TestFakeClockTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		c.Advance(time.Second)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d not delivered", i)
		}
	}

	if c.PendingCount() != 1 {
		t.Errorf("ticker should stay pending, got %d waiters", c.PendingCount())
	}

	ticker.Stop()
	if c.PendingCount() != 0 {
		t.Errorf("stopped ticker still pending")
	}
}

func TestFakeClockNewTickerPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewTicker(0) should panic")
		}
	}()
	Fake(epoch).NewTicker(0)
}

func TestFakeClockWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})

	go func() {
		<-c.After(15 * time.Minute)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(15 * time.Minute)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine did not observe the advanced clock")
	}

	if c.PendingCount() != 0 {
		t.Errorf("fired waiter still pending")
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	if c.Now().Before(before) {
		t.Error("Real().Now() went backwards")
	}

	select {
	case <-c.After(time.Millisecond):
	case <-time.After(time.Second):
		t.Fatal("Real().After never fired")
	}

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	select {
	case <-ticker.C:
	case <-time.After(time.Second):
		t.Fatal("Real().NewTicker never ticked")
	}
}
