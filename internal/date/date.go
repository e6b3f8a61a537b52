// Package date keeps a cached HTTP date string for response headers.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

// Interval is how often the ticker refreshes the cached value.
const Interval = 500 * time.Millisecond

var current atomic.Pointer[string]

// StartTicker refreshes the cached date every Interval until the returned
// stop function is called.
func StartTicker() func() {
	update(time.Now())

	ticker := time.NewTicker(Interval)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				update(now)
			case <-done:
				return
			}
		}
	}()

	var once atomic.Bool
	return func() {
		if once.CompareAndSwap(false, true) {
			close(done)
		}
	}
}

func update(now time.Time) {
	s := now.UTC().Format(http.TimeFormat)
	current.Store(&s)
}

// Current returns the cached date, formatting one on the spot when no
// ticker runs.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return time.Now().UTC().Format(http.TimeFormat)
}
