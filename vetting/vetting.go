// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package vetting screens skill manifests before they ever touch an
// agent. The scan is pure regex signature matching over the text
// fields of the manifest; it runs locally, costs nothing, and gives
// the same verdict every time it sees the same content, which is what
// lets the restore path re-vet a quarantined skill safely.
package vetting

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/store"
)

// ErrSkillNotFound is returned when a skill id has no record.
var ErrSkillNotFound = errors.New("vetting: skill not found")

// Verdict is the vetting outcome stored with a skill.
type Verdict string

const (
	VerdictApproved   Verdict = "approved"
	VerdictNeedsHuman Verdict = "needs_human_approval"
	VerdictBlocked    Verdict = "blocked"
)

// Skill sources. Builtins ship with the crew and skip the scan;
// everything else is community content and is never trusted blindly.
const (
	SourceBuiltin   = "builtin"
	SourceCommunity = "community"
)

// maxSafeRiskScore is the highest accumulated risk score a community
// skill may carry and still be offered to the human for approval.
const maxSafeRiskScore = 5

// Flag is one matched signature in a manifest.
type Flag struct {
	Severity Severity `json:"severity"`
	Name     string   `json:"name"`
	Field    string   `json:"field"`
	Match    string   `json:"match"`
}

// Report is the result of scanning one manifest.
type Report struct {
	// RiskScore is the weighted sum of all matches, capped at 10.
	RiskScore int    `json:"risk_score"`
	Flags     []Flag `json:"flags,omitempty"`
}

// Critical reports whether any flag is critical severity.
func (r Report) Critical() bool {
	for _, f := range r.Flags {
		if f.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Scan checks every text field of a JSON manifest against the skill
// signature table. A manifest that does not parse is flagged rather
// than rejected outright, since unparseable content cannot be
// verified safe either way.
func Scan(manifest []byte) Report {
	var parsed any
	if err := json.Unmarshal(manifest, &parsed); err != nil {
		return Report{
			RiskScore: SeverityMedium.Weight(),
			Flags: []Flag{{
				Severity: SeverityMedium,
				Name:     "malformed_manifest",
				Field:    "root",
				Match:    truncate(string(manifest), 80),
			}},
		}
	}

	var report Report
	raw := 0
	for _, field := range textFields(parsed, "") {
		for _, s := range skillSignatures {
			m := s.re.FindString(field.text)
			if m == "" {
				continue
			}
			report.Flags = append(report.Flags, Flag{
				Severity: s.severity,
				Name:     s.name,
				Field:    field.path,
				Match:    truncate(m, 80),
			})
			raw += s.severity.Weight()
		}
	}
	report.RiskScore = min(raw, 10)
	return report
}

// Classify maps a scan report and source to a verdict. Builtins are
// approved without scanning; a critical match or excessive risk blocks
// with no human override; everything else waits for the human.
func Classify(source string, report Report) Verdict {
	if source == SourceBuiltin {
		return VerdictApproved
	}
	if report.Critical() || report.RiskScore > maxSafeRiskScore {
		return VerdictBlocked
	}
	return VerdictNeedsHuman
}

// ManifestHash returns the canonical SHA-256 of a manifest: JSON is
// re-marshaled with sorted keys so formatting differences hash alike.
// Content that is not JSON hashes as raw bytes.
func ManifestHash(manifest []byte) string {
	var parsed any
	if err := json.Unmarshal(manifest, &parsed); err == nil {
		if normalized, err := json.Marshal(parsed); err == nil {
			manifest = normalized
		}
	}
	sum := sha256.Sum256(manifest)
	return hex.EncodeToString(sum[:])
}

type textField struct {
	path string
	text string
}

// textFields flattens every string value in a decoded JSON document,
// keeping the path for flag reporting. Map keys are visited in sorted
// order so reports are stable.
func textFields(v any, prefix string) []textField {
	var fields []textField
	switch val := v.(type) {
	case string:
		path := prefix
		if path == "" {
			path = "root"
		}
		fields = append(fields, textField{path: path, text: val})
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			path := k
			if prefix != "" {
				path = prefix + "." + k
			}
			fields = append(fields, textFields(val[k], path)...)
		}
	case []any:
		for i, item := range val {
			fields = append(fields, textFields(item, fmt.Sprintf("%s[%d]", prefix, i))...)
		}
	}
	return fields
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Skill is a vetted skill record.
type Skill struct {
	ID          int64
	Name        string
	ContentHash string
	Source      string
	Verdict     Verdict
	RiskScore   int
	VettedAt    time.Time
}

// Vet screens a manifest on an open connection and records the
// verdict keyed by (name, content hash). If the same content was
// vetted before, the stored verdict is returned unchanged, including
// a human approval granted since then.
func Vet(conn *sqlite.Conn, now time.Time, name, source string, manifest []byte) (Skill, error) {
	hash := ManifestHash(manifest)

	existing, err := getSkillByHash(conn, name, hash)
	if err != nil {
		return Skill{}, err
	}
	if existing.ID != 0 {
		return existing, nil
	}

	report := Scan(manifest)
	verdict := Classify(source, report)

	err = sqlitex.Execute(conn, `
		INSERT INTO skills (name, content_hash, source, manifest, verdict, risk_score, vetted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			name, hash, source, string(manifest), string(verdict), report.RiskScore, now.Unix(),
		}})
	if err != nil {
		return Skill{}, fmt.Errorf("vetting: recording verdict for %s: %w", name, err)
	}
	return Skill{
		ID:          conn.LastInsertRowID(),
		Name:        name,
		ContentHash: hash,
		Source:      source,
		Verdict:     verdict,
		RiskScore:   report.RiskScore,
		VettedAt:    now,
	}, nil
}

const skillColumns = "id, name, content_hash, source, verdict, risk_score, vetted_at"

func skillFromStmt(stmt *sqlite.Stmt) Skill {
	return Skill{
		ID:          stmt.ColumnInt64(0),
		Name:        stmt.ColumnText(1),
		ContentHash: stmt.ColumnText(2),
		Source:      stmt.ColumnText(3),
		Verdict:     Verdict(stmt.ColumnText(4)),
		RiskScore:   int(stmt.ColumnInt64(5)),
		VettedAt:    time.Unix(stmt.ColumnInt64(6), 0).UTC(),
	}
}

// GetSkill loads a skill by id on an open connection.
func GetSkill(conn *sqlite.Conn, id int64) (Skill, error) {
	var skill Skill
	err := sqlitex.Execute(conn, "SELECT "+skillColumns+" FROM skills WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				skill = skillFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return Skill{}, fmt.Errorf("vetting: loading skill %d: %w", id, err)
	}
	if skill.ID == 0 {
		return Skill{}, fmt.Errorf("vetting: skill %d: %w", id, ErrSkillNotFound)
	}
	return skill, nil
}

// GetManifest loads the stored manifest for a skill, for re-vetting.
func GetManifest(conn *sqlite.Conn, id int64) ([]byte, error) {
	var manifest []byte
	found := false
	err := sqlitex.Execute(conn, "SELECT manifest FROM skills WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				manifest = []byte(stmt.ColumnText(0))
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vetting: loading manifest %d: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("vetting: skill %d: %w", id, ErrSkillNotFound)
	}
	return manifest, nil
}

func getSkillByHash(conn *sqlite.Conn, name, hash string) (Skill, error) {
	var skill Skill
	err := sqlitex.Execute(conn, "SELECT "+skillColumns+" FROM skills WHERE name = ? AND content_hash = ?",
		&sqlitex.ExecOptions{
			Args: []any{name, hash},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				skill = skillFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return Skill{}, fmt.Errorf("vetting: looking up %s: %w", name, err)
	}
	return skill, nil
}

// Pipeline exposes vetting over the shared store for callers outside
// a router transaction.
type Pipeline struct {
	store *store.Store
}

// NewPipeline creates a vetting pipeline over the shared store.
func NewPipeline(s *store.Store) *Pipeline {
	return &Pipeline{store: s}
}

// Vet screens a manifest and returns the recorded skill.
func (p *Pipeline) Vet(ctx context.Context, name, source string, manifest []byte) (Skill, error) {
	var skill Skill
	err := p.store.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		skill, err = Vet(conn, p.store.Now(), name, source, manifest)
		return err
	})
	return skill, err
}

// Approve records the human's sign-off on a skill awaiting approval.
// Blocked skills cannot be approved.
func (p *Pipeline) Approve(ctx context.Context, skillID int64) (Skill, error) {
	var skill Skill
	err := p.store.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		skill, err = GetSkill(conn, skillID)
		if err != nil {
			return err
		}
		switch skill.Verdict {
		case VerdictApproved:
			return nil
		case VerdictBlocked:
			return fmt.Errorf("vetting: skill %s is blocked and cannot be approved", skill.Name)
		}
		err = sqlitex.Execute(conn, "UPDATE skills SET verdict = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{string(VerdictApproved), skillID}})
		if err != nil {
			return fmt.Errorf("vetting: approving skill %d: %w", skillID, err)
		}
		skill.Verdict = VerdictApproved
		return nil
	})
	return skill, err
}
