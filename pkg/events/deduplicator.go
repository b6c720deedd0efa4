package events

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// AlertSuppressor drops repeat alerts for the same process and command line
// within a time window, so a looping malicious process does not flood the
// alert channels.
type AlertSuppressor struct {
	seen          map[string]time.Time
	window        time.Duration
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// NewAlertSuppressor creates a suppressor with the given window and starts
// its expiry sweep.
func NewAlertSuppressor(window time.Duration) *AlertSuppressor {
	s := &AlertSuppressor{
		seen:        make(map[string]time.Time),
		window:      window,
		stopCleanup: make(chan struct{}),
	}

	s.cleanupTicker = time.NewTicker(window / 2)
	go s.cleanupLoop()

	return s
}

// ShouldSuppress reports whether an alert for this process+command was
// already raised inside the window, recording the sighting either way.
func (s *AlertSuppressor) ShouldSuppress(processName, commandLine string) bool {
	key := alertKey(processName, commandLine)
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	lastSeen, exists := s.seen[key]
	s.seen[key] = now
	return exists && now.Sub(lastSeen) < s.window
}

func alertKey(processName, commandLine string) string {
	hash := sha256.Sum256([]byte(processName + "\x00" + commandLine))
	return hex.EncodeToString(hash[:])
}

func (s *AlertSuppressor) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			s.cleanupTicker.Stop()
			return
		}
	}
}

func (s *AlertSuppressor) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.window)
	for key, timestamp := range s.seen {
		if timestamp.Before(cutoff) {
			delete(s.seen, key)
		}
	}
}

// Stop halts the expiry sweep.
func (s *AlertSuppressor) Stop() {
	close(s.stopCleanup)
}
