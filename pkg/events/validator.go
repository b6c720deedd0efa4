package events

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lucid-vigil/warden/pkg/model"
)

const maxCommandLineLength = 8192

// IngestValidator checks submitted process events before they enter the
// scoring pipeline and rate-limits noisy submitters.
type IngestValidator struct {
	mu           sync.Mutex
	rateLimiters map[string]*rate.Limiter
	eventsPerMin int
}

// NewIngestValidator creates a validator allowing eventsPerMin submissions
// per source (500 when non-positive).
func NewIngestValidator(eventsPerMin int) *IngestValidator {
	if eventsPerMin <= 0 {
		eventsPerMin = 500
	}
	return &IngestValidator{
		rateLimiters: make(map[string]*rate.Limiter),
		eventsPerMin: eventsPerMin,
	}
}

// Validate checks required fields and sanitizes free-text fields in place.
// The command line may be empty; some process creations carry none and the
// extractor handles the empty string. source identifies the submitter for
// rate limiting, typically the remote host.
func (v *IngestValidator) Validate(ev *model.Event, source string) error {
	if ev.ProcessName == "" {
		return fmt.Errorf("process_name is required")
	}
	if len(ev.CommandLine) > maxCommandLineLength {
		return fmt.Errorf("command_line exceeds %d bytes", maxCommandLineLength)
	}

	ev.ProcessName = sanitizeString(ev.ProcessName)
	ev.ParentImage = sanitizeString(ev.ParentImage)
	ev.User = sanitizeString(ev.User)
	ev.IntegrityLevel = sanitizeString(ev.IntegrityLevel)

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if source != "" && !v.allow(source) {
		return fmt.Errorf("rate limit exceeded for source: %s", source)
	}
	return nil
}

func (v *IngestValidator) allow(source string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	limiter, exists := v.rateLimiters[source]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(v.eventsPerMin)), v.eventsPerMin/10+1)
		v.rateLimiters[source] = limiter
	}
	return limiter.Allow()
}

// sanitizeString strips control characters and caps the length of free-text
// metadata fields. Command lines are left untouched so feature extraction
// sees the raw value.
func sanitizeString(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")

	if len(s) > 1000 {
		s = s[:1000] + "..."
	}
	return strings.TrimSpace(s)
}
