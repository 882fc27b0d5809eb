// Package date provides a cached, thread-safe HTTP date string for the date
// response field.
package date

import (
	"net/http"
	"sync/atomic"
	"time"
)

var current atomic.Pointer[string]

// StartTicker refreshes the cached date every 500ms until the returned stop
// function is called.
func StartTicker() func() {
	update(time.Now())

	ticker := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case now := <-ticker.C:
				update(now)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

func update(now time.Time) {
	s := Format(now)
	current.Store(&s)
}

// Format renders t in the IMF-fixdate form used by HTTP.
func Format(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// Current returns the cached date, or formats the current time if the ticker
// was never started.
func Current() string {
	if p := current.Load(); p != nil {
		return *p
	}
	return Format(time.Now())
}
