package worker

import (
	"time"

	"github.com/randomparity/vpo-sub001/setup/config"
)

// Session tracks one worker run's progress against its configured
// limits. It is plain loop state passed explicitly, never package
// globals, so limit handling is testable in isolation.
type Session struct {
	StartedAt      time.Time
	FilesProcessed int

	maxFiles    int
	maxDuration time.Duration
	endBy       *time.Time
}

// NewSession starts a session clock at now. An end_by time of day is
// resolved against now's calendar date once, at session start; a time
// at or before the start means tomorrow, so an overnight window like
// starting at 22:00 with end_by 06:00 runs through midnight.
func NewSession(cfg config.Worker, now time.Time) *Session {
	s := &Session{
		StartedAt:   now,
		maxFiles:    cfg.MaxFiles,
		maxDuration: cfg.MaxDuration(),
	}
	if cfg.EndBy != "" {
		if hour, minute, err := config.ParseEndBy(cfg.EndBy); err == nil {
			t := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
			if !t.After(now) {
				t = t.AddDate(0, 0, 1)
			}
			s.endBy = &t
		}
	}
	return s
}

// StopReason returns a human-readable reason the loop should stop, or
// the empty string to keep going. Zero-valued limits never trigger.
func (s *Session) StopReason(now time.Time) string {
	if s.maxFiles > 0 && s.FilesProcessed >= s.maxFiles {
		return "max files processed"
	}
	if s.maxDuration > 0 && now.Sub(s.StartedAt) >= s.maxDuration {
		return "max duration elapsed"
	}
	if s.endBy != nil && !now.Before(*s.endBy) {
		return "end-by time reached"
	}
	return ""
}
