// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads crew-bus configuration from a single YAML file.
//
// There is no discovery and no fallback chain: the daemon takes an
// explicit --config flag, and everything tunable — the trust-to-
// autonomy table, the burnout threshold, quiet hours, skill health
// weights, sweep intervals — lives in that one file. Defaults cover
// every field, so an empty file is a valid configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete crew-bus configuration.
type Config struct {
	// Store configures the embedded SQLite store.
	Store StoreConfig `yaml:"store"`

	// Listen is the HTTP API listen address.
	Listen string `yaml:"listen"`

	// Trust is the trust-score-to-autonomy policy table.
	Trust TrustConfig `yaml:"trust"`

	// Burnout configures delivery holds.
	Burnout BurnoutConfig `yaml:"burnout"`

	// SkillHealth configures the runtime skill scorer.
	SkillHealth SkillHealthConfig `yaml:"skill_health"`

	// Sessions configures private session expiry.
	Sessions SessionConfig `yaml:"sessions"`
}

// StoreConfig configures the embedded store.
type StoreConfig struct {
	// Path is the SQLite database file. Default: crew.db in the
	// working directory.
	Path string `yaml:"path"`

	// PoolSize is the connection pool size. Zero uses the pool's
	// default.
	PoolSize int `yaml:"pool_size"`
}

// Autonomy is one of the three latitudes the trust engine can grant.
type Autonomy string

const (
	// AutoHandle lets Crew Boss act without involving the human;
	// the action surfaces only in the periodic summary.
	AutoHandle Autonomy = "auto_handle"
	// AskFirst requires human confirmation before acting.
	AskFirst Autonomy = "ask_first"
	// MustEscalate hands the message to the human untouched.
	MustEscalate Autonomy = "must_escalate"
)

// rank orders autonomy from least to most latitude. Used to validate
// that the trust table is monotonic.
func (a Autonomy) rank() int {
	switch a {
	case MustEscalate:
		return 0
	case AskFirst:
		return 1
	case AutoHandle:
		return 2
	}
	return -1
}

// Valid reports whether a is a known autonomy value.
func (a Autonomy) Valid() bool { return a.rank() >= 0 }

// TrustBand maps a contiguous trust score range to the autonomy
// granted per message priority. Bands are keyed by their upper bound;
// a band covers scores from the previous band's bound (exclusive) up
// to its own (inclusive).
type TrustBand struct {
	// MaxScore is the highest trust score this band covers.
	MaxScore int `yaml:"max_score"`

	// Normal, High, Critical are the autonomy granted for each
	// message priority within this band.
	Normal   Autonomy `yaml:"normal"`
	High     Autonomy `yaml:"high"`
	Critical Autonomy `yaml:"critical"`
}

// TrustConfig is the configurable trust policy table. The behavioral
// contract fixes only the endpoints — score 1 means the human sees
// everything, score 10 means a morning brief — so the interior bands
// are configuration, not code.
type TrustConfig struct {
	Bands []TrustBand `yaml:"bands"`
}

// BurnoutConfig configures when non-urgent deliveries are held.
type BurnoutConfig struct {
	// HoldThreshold is the burnout score above which normal and
	// high priority messages are held. Default 6.
	HoldThreshold int `yaml:"hold_threshold"`

	// QuietStart and QuietEnd bound the quiet-hours window in
	// "HH:MM" form, evaluated in Timezone. A window that crosses
	// midnight (e.g. 22:00–07:00) is supported.
	QuietStart string `yaml:"quiet_start"`
	QuietEnd   string `yaml:"quiet_end"`

	// Timezone is an IANA zone name for quiet-hours evaluation.
	// Default UTC.
	Timezone string `yaml:"timezone"`

	// SweepInterval is how often held messages are re-evaluated for
	// release. Default 15s.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SkillHealthConfig configures the runtime skill scorer. The exact
// weighting is a documented tunable; the 70/30 state thresholds are
// part of the state machine and fixed in code.
type SkillHealthConfig struct {
	// ErrorCap is the maximum deduction from the error rate
	// (error rate × 100, capped here). Default 40.
	ErrorCap int `yaml:"error_cap"`

	// CharterPenalty is deducted per charter violation, capped at
	// CharterCap. Defaults 10 and 30.
	CharterPenalty int `yaml:"charter_penalty"`
	CharterCap     int `yaml:"charter_cap"`

	// IntegrityPenalty is deducted per integrity violation, capped
	// at IntegrityCap. Defaults 25 and 75, so three violations push
	// a fresh skill past the quarantine line.
	IntegrityPenalty int `yaml:"integrity_penalty"`
	IntegrityCap     int `yaml:"integrity_cap"`

	// LatencyPenalty is deducted while average response time runs
	// more than LatencyFactor times the baseline. Defaults 15 and 3.
	LatencyPenalty int `yaml:"latency_penalty"`
	LatencyFactor  int `yaml:"latency_factor"`

	// BaselineSamples is how many responses establish the latency
	// baseline before anomalies count. Default 5.
	BaselineSamples int `yaml:"baseline_samples"`

	// HeartbeatInterval is the cadence of the crew-wide integrity
	// audit sweep. Default 30m.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatWindow is how far back the audit sweep looks.
	// Default 24h.
	HeartbeatWindow time.Duration `yaml:"heartbeat_window"`
}

// SessionConfig configures private sessions.
type SessionConfig struct {
	// IdleTimeout is the sliding-window expiry for a private
	// session. Each posted message extends the session by this
	// much. Default 30m.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// KeyPath is the SQLite file holding session key material. Kept
	// separate from the crew store so keys never share a database
	// with plaintext message bodies. Default: crew-keys.db in the
	// working directory.
	KeyPath string `yaml:"key_path"`
}

// Default returns the built-in configuration. The trust bands mirror
// the four relationship stages the autonomy contract describes:
// scores 1–3 deliver everything, 4–6 handle routine work but confirm
// first, 7–8 run normal traffic autonomously, 9–10 brief the human
// and handle the rest.
func Default() Config {
	return Config{
		Store:  StoreConfig{Path: "crew.db"},
		Listen: "127.0.0.1:7710",
		Trust: TrustConfig{
			Bands: []TrustBand{
				{MaxScore: 3, Normal: MustEscalate, High: MustEscalate, Critical: MustEscalate},
				{MaxScore: 6, Normal: AskFirst, High: AskFirst, Critical: MustEscalate},
				{MaxScore: 8, Normal: AutoHandle, High: AskFirst, Critical: AskFirst},
				{MaxScore: 10, Normal: AutoHandle, High: AutoHandle, Critical: AskFirst},
			},
		},
		Burnout: BurnoutConfig{
			HoldThreshold: 6,
			QuietStart:    "22:00",
			QuietEnd:      "07:00",
			Timezone:      "UTC",
			SweepInterval: 15 * time.Second,
		},
		SkillHealth: SkillHealthConfig{
			ErrorCap:          40,
			CharterPenalty:    10,
			CharterCap:        30,
			IntegrityPenalty:  25,
			IntegrityCap:      75,
			LatencyPenalty:    15,
			LatencyFactor:     3,
			BaselineSamples:   5,
			HeartbeatInterval: 30 * time.Minute,
			HeartbeatWindow:   24 * time.Hour,
		},
		Sessions: SessionConfig{IdleTimeout: 30 * time.Minute, KeyPath: "crew-keys.db"},
	}
}

// Load reads the YAML file at path, overlays it on the defaults, and
// validates the result.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural invariants: the trust table must cover
// scores 1–10 with strictly increasing bounds and must never grant
// less latitude at a higher score, quiet hours must parse, and the
// timezone must resolve.
func (c Config) Validate() error {
	if err := c.Trust.validate(); err != nil {
		return err
	}

	if c.Burnout.HoldThreshold < 1 || c.Burnout.HoldThreshold > 10 {
		return fmt.Errorf("burnout hold_threshold must be in [1,10], got %d", c.Burnout.HoldThreshold)
	}
	if _, err := ParseClockTime(c.Burnout.QuietStart); err != nil {
		return fmt.Errorf("burnout quiet_start: %w", err)
	}
	if _, err := ParseClockTime(c.Burnout.QuietEnd); err != nil {
		return fmt.Errorf("burnout quiet_end: %w", err)
	}
	if _, err := time.LoadLocation(c.Burnout.Timezone); err != nil {
		return fmt.Errorf("burnout timezone %q: %w", c.Burnout.Timezone, err)
	}
	if c.Burnout.SweepInterval <= 0 {
		return fmt.Errorf("burnout sweep_interval must be positive, got %v", c.Burnout.SweepInterval)
	}

	if c.SkillHealth.HeartbeatInterval <= 0 {
		return fmt.Errorf("skill_health heartbeat_interval must be positive, got %v", c.SkillHealth.HeartbeatInterval)
	}
	if c.SkillHealth.BaselineSamples < 1 {
		return fmt.Errorf("skill_health baseline_samples must be at least 1, got %d", c.SkillHealth.BaselineSamples)
	}

	if c.Sessions.IdleTimeout <= 0 {
		return fmt.Errorf("sessions idle_timeout must be positive, got %v", c.Sessions.IdleTimeout)
	}
	if c.Sessions.KeyPath == "" {
		return fmt.Errorf("sessions key_path must not be empty")
	}
	if c.Sessions.KeyPath == c.Store.Path {
		return fmt.Errorf("sessions key_path must differ from the store path")
	}
	return nil
}

func (t TrustConfig) validate() error {
	if len(t.Bands) == 0 {
		return fmt.Errorf("trust table has no bands")
	}

	previousBound := 0
	var previous *TrustBand
	for i := range t.Bands {
		band := &t.Bands[i]
		if band.MaxScore <= previousBound {
			return fmt.Errorf("trust band %d: max_score %d does not increase past %d", i, band.MaxScore, previousBound)
		}
		for _, autonomy := range []Autonomy{band.Normal, band.High, band.Critical} {
			if !autonomy.Valid() {
				return fmt.Errorf("trust band %d: unknown autonomy %q", i, autonomy)
			}
		}
		if previous != nil {
			if band.Normal.rank() < previous.Normal.rank() ||
				band.High.rank() < previous.High.rank() ||
				band.Critical.rank() < previous.Critical.rank() {
				return fmt.Errorf("trust band %d: latitude shrinks as score grows", i)
			}
		}
		previousBound = band.MaxScore
		previous = band
	}

	if previousBound != 10 {
		return fmt.Errorf("trust table must end at max_score 10, ends at %d", previousBound)
	}
	return nil
}

// BandFor returns the autonomy granted at the given trust score for
// each priority. The score must be in [1,10]; out-of-range scores
// clamp to the nearest band rather than failing, since the table is
// validated to cover the whole range. An empty table, which Validate
// rejects, grants the most restrictive latitude everywhere.
func (t TrustConfig) BandFor(score int) TrustBand {
	if len(t.Bands) == 0 {
		return TrustBand{MaxScore: 10, Normal: MustEscalate, High: MustEscalate, Critical: MustEscalate}
	}
	for _, band := range t.Bands {
		if score <= band.MaxScore {
			return band
		}
	}
	return t.Bands[len(t.Bands)-1]
}

// ClockTime is a timezone-free time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClockTime parses "HH:MM".
func ParseClockTime(s string) (ClockTime, error) {
	var ct ClockTime
	if _, err := fmt.Sscanf(s, "%d:%d", &ct.Hour, &ct.Minute); err != nil {
		return ClockTime{}, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	if ct.Hour < 0 || ct.Hour > 23 || ct.Minute < 0 || ct.Minute > 59 {
		return ClockTime{}, fmt.Errorf("time %q out of range", s)
	}
	return ct, nil
}

// Minutes returns the time of day as minutes since midnight.
func (ct ClockTime) Minutes() int { return ct.Hour*60 + ct.Minute }
