// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package trust decides how much latitude Crew Boss has per message.
// The trust score is a 1–10 dial on the Crew Boss agent; the mapping
// from score to autonomy is a configured monotonic table, not a
// hidden formula. Two clamps live in code because they are contract,
// not tuning: critical-priority messages and safety escalations are
// never auto-handled, whatever the table says.
package trust

import (
	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/crew"
)

// Engine maps messages to autonomy decisions using the configured
// trust table. Stateless; safe for concurrent use.
type Engine struct {
	table config.TrustConfig
}

// NewEngine creates an engine over a validated trust table.
func NewEngine(table config.TrustConfig) *Engine {
	return &Engine{table: table}
}

// Decide returns the autonomy Crew Boss holds for a message of the
// given priority at the given trust score. Escalations and critical
// priority are clamped to at least ask_first.
func (e *Engine) Decide(priority crew.Priority, escalation bool, trustScore int) config.Autonomy {
	band := e.table.BandFor(trustScore)

	var autonomy config.Autonomy
	switch priority {
	case crew.PriorityCritical:
		autonomy = band.Critical
	case crew.PriorityHigh:
		autonomy = band.High
	default:
		autonomy = band.Normal
	}

	if (escalation || priority == crew.PriorityCritical) && autonomy == config.AutoHandle {
		autonomy = config.AskFirst
	}
	return autonomy
}
