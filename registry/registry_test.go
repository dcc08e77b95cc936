// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/crew-bus/crew-bus/crew"
	"github.com/crew-bus/crew-bus/lib/clock"
	"github.com/crew-bus/crew-bus/store"
)

func openRegistry(t *testing.T) *Registry {
	t.Helper()
	s, err := store.Open(store.Config{
		Path:  filepath.Join(t.TempDir(), "crew.db"),
		Clock: clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s)
}

// seedCrew builds human → crew boss → manager → worker and returns
// them in that order.
func seedCrew(t *testing.T, r *Registry) (human, boss, manager, worker Agent) {
	t.Helper()
	ctx := context.Background()
	var err error
	if human, err = r.Create(ctx, "dana", TypeHuman, 0, ""); err != nil {
		t.Fatalf("create human: %v", err)
	}
	if boss, err = r.Create(ctx, "atlas", TypeCrewBoss, 0, "opaque-model"); err != nil {
		t.Fatalf("create crew boss: %v", err)
	}
	if manager, err = r.Create(ctx, "ops-lead", TypeManager, boss.ID, ""); err != nil {
		t.Fatalf("create manager: %v", err)
	}
	if worker, err = r.Create(ctx, "scraper", TypeWorker, manager.ID, ""); err != nil {
		t.Fatalf("create worker: %v", err)
	}
	return human, boss, manager, worker
}

func TestCreateHierarchyRules(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	human, boss, manager, _ := seedCrew(t, r)

	if boss.ParentID != human.ID {
		t.Errorf("crew boss parent = %d, want human %d", boss.ParentID, human.ID)
	}

	var invalid *crew.ValidationError

	// Second human is rejected.
	if _, err := r.Create(ctx, "other", TypeHuman, 0, ""); !errors.As(err, &invalid) {
		t.Errorf("second human: err = %v, want ValidationError", err)
	}

	// Workers report to managers, not to the boss directly.
	if _, err := r.Create(ctx, "stray", TypeWorker, boss.ID, ""); !errors.As(err, &invalid) {
		t.Errorf("worker under crew boss: err = %v, want ValidationError", err)
	}

	// Unknown type is rejected fast.
	if _, err := r.Create(ctx, "ghost", AgentType("wizard"), manager.ID, ""); !errors.As(err, &invalid) {
		t.Errorf("unknown type: err = %v, want ValidationError", err)
	}

	// Empty name is rejected fast.
	if _, err := r.Create(ctx, "", TypeWorker, manager.ID, ""); !errors.As(err, &invalid) {
		t.Errorf("empty name: err = %v, want ValidationError", err)
	}
}

func TestSetParentRejectsCycles(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	_, boss, manager, worker := seedCrew(t, r)

	// manager → worker would make worker its own ancestor.
	var invalid *crew.ValidationError
	if err := r.SetParent(ctx, manager.ID, worker.ID); !errors.As(err, &invalid) {
		t.Errorf("cycle: err = %v, want ValidationError", err)
	}

	// Reassignment honors the same hierarchy rules as creation.
	if err := r.SetParent(ctx, worker.ID, boss.ID); !errors.As(err, &invalid) {
		t.Errorf("worker moved under crew boss: err = %v, want ValidationError", err)
	}

	// Legal move: worker directly under the boss's other manager.
	second, err := r.Create(ctx, "research-lead", TypeManager, boss.ID, "")
	if err != nil {
		t.Fatalf("create second manager: %v", err)
	}
	if err := r.SetParent(ctx, worker.ID, second.ID); err != nil {
		t.Fatalf("legal SetParent: %v", err)
	}
	moved, err := r.Get(ctx, worker.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if moved.ParentID != second.ID {
		t.Errorf("parent = %d, want %d", moved.ParentID, second.ID)
	}
}

func TestTerminateRefusesWhileChildrenActive(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	_, _, manager, worker := seedCrew(t, r)

	var invalid *crew.ValidationError
	if err := r.Terminate(ctx, manager.ID); !errors.As(err, &invalid) {
		t.Fatalf("terminate with active child: err = %v, want ValidationError", err)
	}

	if err := r.Terminate(ctx, worker.ID); err != nil {
		t.Fatalf("terminate worker: %v", err)
	}
	if err := r.Terminate(ctx, manager.ID); err != nil {
		t.Fatalf("terminate manager after worker: %v", err)
	}

	// Terminated is terminal.
	if err := r.Restore(ctx, manager.ID); !errors.As(err, &invalid) {
		t.Errorf("restore terminated agent: err = %v, want ValidationError", err)
	}
}

func TestQuarantineAndRestore(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	_, _, _, worker := seedCrew(t, r)

	if err := r.Quarantine(ctx, worker.ID); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}
	got, _ := r.Get(ctx, worker.ID)
	if got.Status != StatusQuarantined {
		t.Errorf("status = %s, want quarantined", got.Status)
	}

	if err := r.Restore(ctx, worker.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ = r.Get(ctx, worker.ID)
	if got.Status != StatusActive {
		t.Errorf("status = %s, want active", got.Status)
	}
}

func TestScoreSetters(t *testing.T) {
	r := openRegistry(t)
	ctx := context.Background()
	human, boss, _, _ := seedCrew(t, r)

	var invalid *crew.ValidationError
	for _, bad := range []int{0, 11, -3} {
		if err := r.SetTrustScore(ctx, boss.ID, bad); !errors.As(err, &invalid) {
			t.Errorf("SetTrustScore(%d): err = %v, want ValidationError", bad, err)
		}
		if err := r.SetBurnoutScore(ctx, human.ID, bad); !errors.As(err, &invalid) {
			t.Errorf("SetBurnoutScore(%d): err = %v, want ValidationError", bad, err)
		}
	}

	// Wrong target types.
	if err := r.SetTrustScore(ctx, human.ID, 5); !errors.As(err, &invalid) {
		t.Errorf("trust on human: err = %v, want ValidationError", err)
	}
	if err := r.SetBurnoutScore(ctx, boss.ID, 5); !errors.As(err, &invalid) {
		t.Errorf("burnout on boss: err = %v, want ValidationError", err)
	}

	// Valid scores persist and are visible on next read.
	if err := r.SetTrustScore(ctx, boss.ID, 9); err != nil {
		t.Fatalf("SetTrustScore: %v", err)
	}
	if err := r.SetBurnoutScore(ctx, human.ID, 8); err != nil {
		t.Fatalf("SetBurnoutScore: %v", err)
	}
	gotBoss, _ := r.Get(ctx, boss.ID)
	gotHuman, _ := r.Get(ctx, human.ID)
	if gotBoss.TrustScore != 9 {
		t.Errorf("trust = %d, want 9", gotBoss.TrustScore)
	}
	if gotHuman.BurnoutScore != 8 {
		t.Errorf("burnout = %d, want 8", gotHuman.BurnoutScore)
	}
}

func TestCapabilitiesClosedSet(t *testing.T) {
	if !TypeCrewBoss.Capabilities().CanMessageHuman {
		t.Error("crew boss cannot message human")
	}
	if TypeWorker.Capabilities().CanMessageHuman {
		t.Error("worker can message human")
	}
	if !TypeWorker.Capabilities().CanEscalate {
		t.Error("worker cannot escalate")
	}
	if (AgentType("wizard").Capabilities() != Capabilities{}) {
		t.Error("unknown type has capabilities")
	}
}
