// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package burnout times deliveries around the human's capacity.
// Non-urgent messages are held while the burnout score is high or the
// clock is inside the configured quiet-hours window; critical
// priority and escalations always go through immediately. Held
// messages are released in arrival order by a periodic sweep.
package burnout

import (
	"fmt"
	"time"

	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/crew"
)

// Hold reasons recorded on held messages.
const (
	ReasonBurnout    = "burnout_hold"
	ReasonQuietHours = "quiet_hours"
)

// Verdict is the scheduling decision for one message.
type Verdict struct {
	// Hold is false for immediate delivery.
	Hold bool

	// Reason is ReasonBurnout or ReasonQuietHours when Hold is set.
	Reason string

	// ReleaseAt is the end of the current quiet window when the hold
	// is quiet-hours driven. Zero for burnout holds, which release
	// only when the score drops.
	ReleaseAt time.Time
}

// Scheduler decides deliver-now versus hold. Stateless; safe for
// concurrent use.
type Scheduler struct {
	threshold  int
	quietStart config.ClockTime
	quietEnd   config.ClockTime
	location   *time.Location
}

// NewScheduler builds a scheduler from validated burnout settings.
func NewScheduler(cfg config.BurnoutConfig) (*Scheduler, error) {
	start, err := config.ParseClockTime(cfg.QuietStart)
	if err != nil {
		return nil, fmt.Errorf("burnout: quiet_start: %w", err)
	}
	end, err := config.ParseClockTime(cfg.QuietEnd)
	if err != nil {
		return nil, fmt.Errorf("burnout: quiet_end: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("burnout: timezone %q: %w", cfg.Timezone, err)
	}
	return &Scheduler{
		threshold:  cfg.HoldThreshold,
		quietStart: start,
		quietEnd:   end,
		location:   loc,
	}, nil
}

// Schedule returns the timing decision for a message submitted at
// now. Escalations and critical priority are never held. Burnout is
// checked before quiet hours so the recorded reason names the
// longer-lived condition.
func (s *Scheduler) Schedule(now time.Time, priority crew.Priority, escalation bool, burnoutScore int) Verdict {
	if escalation || priority == crew.PriorityCritical {
		return Verdict{}
	}
	if burnoutScore > s.threshold {
		return Verdict{Hold: true, Reason: ReasonBurnout}
	}
	if s.inQuietHours(now) {
		return Verdict{Hold: true, Reason: ReasonQuietHours, ReleaseAt: s.quietWindowEnd(now)}
	}
	return Verdict{}
}

// inQuietHours reports whether now falls inside the quiet window,
// evaluated in the configured timezone. A window with start after end
// crosses midnight.
func (s *Scheduler) inQuietHours(now time.Time) bool {
	local := now.In(s.location)
	minute := local.Hour()*60 + local.Minute()
	start := s.quietStart.Minutes()
	end := s.quietEnd.Minutes()
	if start == end {
		return false
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// quietWindowEnd returns the next instant the quiet window closes.
// Only meaningful while inQuietHours holds.
func (s *Scheduler) quietWindowEnd(now time.Time) time.Time {
	local := now.In(s.location)
	end := time.Date(local.Year(), local.Month(), local.Day(),
		s.quietEnd.Hour, s.quietEnd.Minute, 0, 0, s.location)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
