package util

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"tradegate/internal/domain"
)

func TestRetry(t *testing.T) {
	attempts := 0
	targetAttempts := 3

	err := Retry(context.Background(), Backoff{MaxAttempts: 5}, nil, nil, func(context.Context) error {
		attempts++
		if attempts < targetAttempts {
			return errors.New("transient error")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Retry returned unexpected error: %v", err)
	}
	if attempts != targetAttempts {
		t.Errorf("Retry called fn %d times, want %d", attempts, targetAttempts)
	}
}

func TestRetryAllFail(t *testing.T) {
	attempts := 0
	retries := 0

	err := Retry(context.Background(), Backoff{MaxAttempts: 3}, nil,
		func(int, error) { retries++ },
		func(context.Context) error {
			attempts++
			return errors.New("persistent error")
		})

	if err == nil {
		t.Fatal("Retry should return error when all attempts fail")
	}
	if attempts != 3 {
		t.Errorf("Retry called fn %d times, want 3", attempts)
	}
	if retries != 2 {
		t.Errorf("onRetry called %d times, want 2", retries)
	}
}

func TestRetryPermanentError(t *testing.T) {
	permanent := errors.New("rejected")
	attempts := 0
	err := Retry(context.Background(), Backoff{MaxAttempts: 3},
		func(err error) bool { return !errors.Is(err, permanent) }, nil,
		func(context.Context) error {
			attempts++
			return permanent
		})
	if !errors.Is(err, permanent) || attempts != 1 {
		t.Errorf("got err=%v attempts=%d, want permanent after 1 attempt", err, attempts)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{BaseDelay: 250 * time.Millisecond, Factor: 2, MaxAttempts: 3}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Sleep = %v, want context.Canceled", err)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if !rl.Allow() || !rl.Allow() {
		t.Fatal("burst of 2 should be available immediately")
	}
	if rl.Allow() {
		t.Error("third immediate call should be limited")
	}
}

func TestTradingCalendarDayKey(t *testing.T) {
	cal := NewTradingCalendar(domain.MarketCrypto)
	ts := time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC)
	if got := cal.DayKey(ts); got != "2024-03-01" {
		t.Errorf("DayKey = %q, want 2024-03-01", got)
	}

	us := NewTradingCalendar(domain.MarketUS)
	if got := us.DayKey(time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)); got != "2024-03-01" {
		t.Errorf("US DayKey = %q, want 2024-03-01 (New York is still on the previous day)", got)
	}
}

func TestTradingCalendarStartOfDay(t *testing.T) {
	us := NewTradingCalendar(domain.MarketUS)
	ts := time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)
	start := us.StartOfDay(ts)
	if want := time.Date(2024, 3, 1, 5, 0, 0, 0, time.UTC); !start.Equal(want) {
		t.Errorf("StartOfDay = %v, want %v", start.UTC(), want)
	}
	if us.DayKey(start) != us.DayKey(ts) {
		t.Errorf("StartOfDay %v is not on day %s", start, us.DayKey(ts))
	}

	crypto := NewTradingCalendar(domain.MarketCrypto)
	if got := crypto.StartOfDay(ts); !got.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("crypto StartOfDay = %v", got)
	}
}

func TestIDGeneratorMonotonic(t *testing.T) {
	g := NewIDGenerator()
	prev := g.New()
	for range 100 {
		next := g.New()
		if next <= prev {
			t.Fatalf("IDs not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestNewLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "debug", "json").Debug("hello", "k", "v")
	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Errorf("json output = %q", buf.String())
	}
	buf.Reset()
	newLogger(&buf, "warn", "text").Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %q", buf.String())
	}
}
