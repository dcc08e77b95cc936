// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package vetting

import (
	"context"
	"fmt"
)

// builtinManifests are the skills that ship with the crew. They are
// seeded as approved at startup; Vet's hash-keyed memoization makes
// re-seeding on every boot a no-op.
var builtinManifests = map[string]string{
	"email-drafting": `{
		"description": "Professional email drafting",
		"instructions": "Help draft clear, professional emails. Always suggest a subject line. Keep it concise and warm."
	}`,
	"meeting-notes": `{
		"description": "Meeting note summarization",
		"instructions": "Summarize meetings into action items, decisions made, and follow-ups. Keep it structured and brief."
	}`,
	"task-breakdown": `{
		"description": "Break big tasks into small steps",
		"instructions": "Break large tasks into concrete, actionable steps. Number them. Estimate time for each if possible."
	}`,
	"creative-brainstorm": `{
		"description": "Creative brainstorming helper",
		"instructions": "Help brainstorm ideas. Be encouraging and suggest unexpected angles. No idea is too wild in brainstorming mode."
	}`,
	"writing-coach": `{
		"description": "Writing improvement feedback",
		"instructions": "Give constructive feedback on writing. Focus on clarity, tone, and impact. Be encouraging, not critical."
	}`,
}

// SeedBuiltins registers the builtin skill set. Idempotent.
func (p *Pipeline) SeedBuiltins(ctx context.Context) error {
	for name, manifest := range builtinManifests {
		if _, err := p.Vet(ctx, name, SourceBuiltin, []byte(manifest)); err != nil {
			return fmt.Errorf("seeding builtin %s: %w", name, err)
		}
	}
	return nil
}
