package date

import (
	"net/http"
	"testing"
	"time"
)

func TestCurrentWithoutTicker(t *testing.T) {
	current.Store(nil)
	got, err := http.ParseTime(Current())
	if err != nil {
		t.Fatalf("Expected an HTTP date, got %q: %v", Current(), err)
	}
	if d := time.Since(got); d < -time.Second || d > 2*time.Second {
		t.Errorf("Expected a date close to now, got %v", got)
	}
}

func TestStartTicker(t *testing.T) {
	stop := StartTicker()
	defer stop()

	update(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	if got := Current(); got != "Sat, 01 Jan 2000 00:00:00 GMT" {
		t.Errorf("Expected the stored date, got %q", got)
	}

	deadline := time.Now().Add(5 * Interval)
	for Current() == "Sat, 01 Jan 2000 00:00:00 GMT" {
		if time.Now().After(deadline) {
			t.Fatal("Expected the ticker to refresh the date")
		}
		time.Sleep(Interval / 5)
	}

	stop()
	stop()
}
