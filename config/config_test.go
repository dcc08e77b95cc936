// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crew.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Burnout.HoldThreshold != 6 {
		t.Errorf("HoldThreshold = %d, want 6", cfg.Burnout.HoldThreshold)
	}
	if cfg.SkillHealth.HeartbeatInterval != 30*time.Minute {
		t.Errorf("HeartbeatInterval = %v, want 30m", cfg.SkillHealth.HeartbeatInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
burnout:
  hold_threshold: 8
  quiet_start: "23:00"
  quiet_end: "06:30"
  timezone: UTC
  sweep_interval: 5s
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Burnout.HoldThreshold != 8 {
		t.Errorf("HoldThreshold = %d, want 8", cfg.Burnout.HoldThreshold)
	}
	if cfg.Burnout.SweepInterval != 5*time.Second {
		t.Errorf("SweepInterval = %v, want 5s", cfg.Burnout.SweepInterval)
	}
}

func TestTrustTableValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "bounds_must_increase",
			yaml: `
trust:
  bands:
    - {max_score: 5, normal: ask_first, high: ask_first, critical: must_escalate}
    - {max_score: 5, normal: auto_handle, high: ask_first, critical: ask_first}
`,
			wantErr: "does not increase",
		},
		{
			name: "must_cover_ten",
			yaml: `
trust:
  bands:
    - {max_score: 7, normal: ask_first, high: ask_first, critical: must_escalate}
`,
			wantErr: "end at max_score 10",
		},
		{
			name: "latitude_must_not_shrink",
			yaml: `
trust:
  bands:
    - {max_score: 5, normal: auto_handle, high: ask_first, critical: ask_first}
    - {max_score: 10, normal: must_escalate, high: ask_first, critical: ask_first}
`,
			wantErr: "latitude shrinks",
		},
		{
			name: "unknown_autonomy",
			yaml: `
trust:
  bands:
    - {max_score: 10, normal: maybe, high: ask_first, critical: ask_first}
`,
			wantErr: "unknown autonomy",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, test.yaml))
			if err == nil {
				t.Fatalf("Load succeeded, want error containing %q", test.wantErr)
			}
			if !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("error = %q, want substring %q", err, test.wantErr)
			}
		})
	}
}

func TestBandFor(t *testing.T) {
	trust := Default().Trust
	tests := []struct {
		score      int
		wantNormal Autonomy
	}{
		{1, MustEscalate},
		{3, MustEscalate},
		{4, AskFirst},
		{6, AskFirst},
		{7, AutoHandle},
		{10, AutoHandle},
	}
	for _, test := range tests {
		band := trust.BandFor(test.score)
		if band.Normal != test.wantNormal {
			t.Errorf("BandFor(%d).Normal = %q, want %q", test.score, band.Normal, test.wantNormal)
		}
	}

	// An unvalidated empty table falls back to zero latitude instead
	// of panicking.
	empty := TrustConfig{}
	if band := empty.BandFor(5); band.Normal != MustEscalate || band.Critical != MustEscalate {
		t.Errorf("empty table BandFor(5) = %+v, want must_escalate everywhere", band)
	}
}

func TestParseClockTime(t *testing.T) {
	if _, err := ParseClockTime("25:00"); err == nil {
		t.Error("ParseClockTime(25:00) succeeded, want error")
	}
	ct, err := ParseClockTime("07:30")
	if err != nil {
		t.Fatalf("ParseClockTime: %v", err)
	}
	if ct.Minutes() != 7*60+30 {
		t.Errorf("Minutes() = %d, want %d", ct.Minutes(), 450)
	}
}
