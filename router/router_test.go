// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/crew-bus/crew-bus/audit"
	"github.com/crew-bus/crew-bus/burnout"
	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/crew"
	"github.com/crew-bus/crew-bus/lib/clock"
	"github.com/crew-bus/crew-bus/registry"
	"github.com/crew-bus/crew-bus/skillhealth"
	"github.com/crew-bus/crew-bus/store"
	"github.com/crew-bus/crew-bus/trust"
	"github.com/crew-bus/crew-bus/vault"
)

type fixture struct {
	router   *Router
	store    *store.Store
	registry *registry.Registry
	vault    *vault.Vault
	clock    *clock.FakeClock

	human      registry.Agent
	boss       registry.Agent
	manager    registry.Agent
	worker     registry.Agent
	specialist registry.Agent
}

// Noon UTC, well clear of the default 22:00–07:00 quiet window.
var noon = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := clock.Fake(noon)
	dir := t.TempDir()
	s, err := store.Open(store.Config{
		Path:  filepath.Join(dir, "crew.db"),
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	keys, err := vault.OpenKeystore(filepath.Join(dir, "crew-keys.db"), nil)
	if err != nil {
		t.Fatalf("OpenKeystore: %v", err)
	}
	t.Cleanup(func() { keys.Close() })

	cfg := config.Default()
	scheduler, err := burnout.NewScheduler(cfg.Burnout)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	v := vault.New(s, keys, cfg.Sessions.IdleTimeout)
	f := &fixture{
		store:    s,
		registry: registry.New(s),
		vault:    v,
		clock:    fake,
		router: New(s, trust.NewEngine(cfg.Trust), scheduler, v,
			skillhealth.NewMonitor(s, cfg.SkillHealth)),
	}

	ctx := context.Background()
	mustCreate := func(name string, agentType registry.AgentType, parent int64) registry.Agent {
		a, err := f.registry.Create(ctx, name, agentType, parent, "")
		if err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		return a
	}
	f.human = mustCreate("dana", registry.TypeHuman, 0)
	f.boss = mustCreate("atlas", registry.TypeCrewBoss, 0)
	f.manager = mustCreate("ops-lead", registry.TypeManager, f.boss.ID)
	f.worker = mustCreate("scraper", registry.TypeWorker, f.manager.ID)
	f.specialist = mustCreate("drafter", registry.TypeSpecialist, f.boss.ID)
	return f
}

func (f *fixture) submit(t *testing.T, req SubmitRequest) Result {
	t.Helper()
	result, err := f.router.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit(%+v): %v", req, err)
	}
	return result
}

func countEvents(t *testing.T, s *store.Store, eventType audit.EventType) int {
	t.Helper()
	events, err := audit.NewLog(s).Recent(context.Background(), eventType, 100)
	if err != nil {
		t.Fatalf("Recent(%s): %v", eventType, err)
	}
	return len(events)
}

func TestChainOfCommand(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name       string
		from, to   int64
		msgType    crew.MessageType
		wantStatus crew.MessageStatus
	}{
		{"worker reports to manager", f.worker.ID, f.manager.ID, crew.TypeReport, crew.StatusDelivered},
		{"manager instructs worker", f.manager.ID, f.worker.ID, crew.TypeTask, crew.StatusDelivered},
		{"worker cannot skip to crew boss", f.worker.ID, f.boss.ID, crew.TypeReport, crew.StatusBlocked},
		{"worker cannot reach the human", f.worker.ID, f.human.ID, crew.TypeReport, crew.StatusBlocked},
		{"specialist reports to crew boss", f.specialist.ID, f.boss.ID, crew.TypeReport, crew.StatusDelivered},
		{"specialist cannot message manager", f.specialist.ID, f.manager.ID, crew.TypeReport, crew.StatusBlocked},
		{"crew boss reaches the human", f.boss.ID, f.human.ID, crew.TypeReport, crew.StatusDelivered},
		{"human reaches anyone", f.human.ID, f.worker.ID, crew.TypeTask, crew.StatusDelivered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := f.submit(t, SubmitRequest{
				From: tt.from, To: tt.to, Type: tt.msgType,
				Subject: "s", Body: "b",
			})
			if result.Status != tt.wantStatus {
				t.Fatalf("status = %s (reason %q), want %s", result.Status, result.Reason, tt.wantStatus)
			}
		})
	}
}

func TestEscalationBypassesHierarchy(t *testing.T) {
	f := newFixture(t)

	// Worker escalates straight to Crew Boss, past its manager.
	result := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.boss.ID, Type: crew.TypeEscalation,
		Subject: "safety concern", Body: "the scraper is being asked to fetch credentials",
	})
	if result.Status != crew.StatusDelivered {
		t.Fatalf("escalation status = %s (reason %q), want delivered", result.Status, result.Reason)
	}
	if got := countEvents(t, f.store, audit.EventEscalation); got != 1 {
		t.Fatalf("escalation events = %d, want 1", got)
	}
}

func TestQuarantinedAgentBlockedExceptEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.registry.Quarantine(ctx, f.worker.ID); err != nil {
		t.Fatalf("Quarantine: %v", err)
	}

	// Every non-escalation direction involving the worker blocks.
	out := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.manager.ID, Type: crew.TypeReport,
		Subject: "s", Body: "b",
	})
	if out.Status != crew.StatusBlocked {
		t.Fatalf("outbound status = %s, want blocked", out.Status)
	}
	in := f.submit(t, SubmitRequest{
		From: f.manager.ID, To: f.worker.ID, Type: crew.TypeTask,
		Subject: "s", Body: "b",
	})
	if in.Status != crew.StatusBlocked {
		t.Fatalf("inbound status = %s, want blocked", in.Status)
	}
	if got := countEvents(t, f.store, audit.EventRoutingBlock); got != 2 {
		t.Fatalf("routing_block events = %d, want 2", got)
	}

	// The escalation channel stays open from quarantine.
	esc := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.boss.ID, Type: crew.TypeEscalation,
		Subject: "s", Body: "b",
	})
	if esc.Status != crew.StatusDelivered {
		t.Fatalf("escalation from quarantined = %s (reason %q), want delivered", esc.Status, esc.Reason)
	}
}

func TestBurnoutHoldsNormalButNotCritical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.registry.SetBurnoutScore(ctx, f.human.ID, 8); err != nil {
		t.Fatalf("SetBurnoutScore: %v", err)
	}

	held := f.submit(t, SubmitRequest{
		From: f.boss.ID, To: f.human.ID, Type: crew.TypeReport,
		Subject: "weekly digest", Body: "nothing urgent",
	})
	if held.Status != crew.StatusHeld || held.Reason != burnout.ReasonBurnout {
		t.Fatalf("normal message = %s/%q, want held/burnout_hold", held.Status, held.Reason)
	}

	critical := f.submit(t, SubmitRequest{
		From: f.boss.ID, To: f.human.ID, Type: crew.TypeAlert,
		Subject: "server down", Body: "production is down", Priority: crew.PriorityCritical,
	})
	if critical.Status != crew.StatusDelivered {
		t.Fatalf("critical message = %s, want delivered at the same instant", critical.Status)
	}
}

func TestHeldMessageScannedAtSubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.registry.SetBurnoutScore(ctx, f.human.ID, 8); err != nil {
		t.Fatalf("SetBurnoutScore: %v", err)
	}

	// A gaslighting reply held for burnout is still scanned now, not
	// when the sweep eventually releases it.
	held := f.submit(t, SubmitRequest{
		From: f.boss.ID, To: f.human.ID, Type: crew.TypeReport,
		Subject: "recap", Body: "You never told me that.",
	})
	if held.Status != crew.StatusHeld {
		t.Fatalf("status = %s, want held", held.Status)
	}
	if got := countEvents(t, f.store, audit.EventIntegrityViolation); got != 1 {
		t.Fatalf("integrity events after held submit = %d, want 1", got)
	}

	// Recovery and release change nothing about the violation record.
	if err := f.registry.SetBurnoutScore(ctx, f.human.ID, 2); err != nil {
		t.Fatalf("SetBurnoutScore: %v", err)
	}
	scheduler, err := burnout.NewScheduler(config.Default().Burnout)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	released, err := burnout.NewSweeper(f.store, scheduler, time.Second).Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
	if got := countEvents(t, f.store, audit.EventIntegrityViolation); got != 1 {
		t.Fatalf("integrity events after release = %d, want 1", got)
	}
}

func TestQuietHoursHoldWithRelease(t *testing.T) {
	f := newFixture(t)

	f.clock.Advance(11 * time.Hour) // 23:00 UTC

	held := f.submit(t, SubmitRequest{
		From: f.boss.ID, To: f.human.ID, Type: crew.TypeReport,
		Subject: "s", Body: "b",
	})
	if held.Status != crew.StatusHeld || held.Reason != burnout.ReasonQuietHours {
		t.Fatalf("night message = %s/%q, want held/quiet_hours", held.Status, held.Reason)
	}
	wantRelease := time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC)
	if !held.HoldUntil.Equal(wantRelease) {
		t.Fatalf("HoldUntil = %v, want %v", held.HoldUntil, wantRelease)
	}

	// Held traffic does not silence the safety channel.
	esc := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.boss.ID, Type: crew.TypeEscalation,
		Subject: "s", Body: "b",
	})
	if esc.Status != crew.StatusDelivered {
		t.Fatalf("escalation at night = %s, want delivered", esc.Status)
	}

	// Morning sweep releases the held message.
	scheduler, err := burnout.NewScheduler(config.Default().Burnout)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	f.clock.Advance(9 * time.Hour) // 08:00 next day
	released, err := burnout.NewSweeper(f.store, scheduler, time.Second).Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if released != 1 {
		t.Fatalf("released = %d, want 1", released)
	}
}

func TestAgentToAgentTrafficNotHeld(t *testing.T) {
	f := newFixture(t)
	f.clock.Advance(11 * time.Hour) // quiet hours

	result := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.manager.ID, Type: crew.TypeReport,
		Subject: "s", Body: "b",
	})
	if result.Status != crew.StatusDelivered {
		t.Fatalf("agent-to-agent at night = %s, want delivered", result.Status)
	}
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.registry.SetBurnoutScore(ctx, f.human.ID, 8); err != nil {
		t.Fatalf("SetBurnoutScore: %v", err)
	}
	held := f.submit(t, SubmitRequest{
		From: f.boss.ID, To: f.human.ID, Type: crew.TypeReport,
		Subject: "s", Body: "b",
	})
	if held.Status != crew.StatusHeld {
		t.Fatalf("setup: status = %s, want held", held.Status)
	}

	auditBefore := countEvents(t, f.store, audit.EventMessageSent)

	if err := f.router.MarkDelivered(ctx, held.ID); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := f.router.MarkDelivered(ctx, held.ID); err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}
	if got := countEvents(t, f.store, audit.EventMessageSent); got != auditBefore {
		t.Fatalf("message_sent events changed %d -> %d on MarkDelivered", auditBefore, got)
	}

	messages, err := f.router.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var found *Message
	for i := range messages {
		if messages[i].ID == held.ID {
			found = &messages[i]
		}
	}
	if found == nil || found.Status != crew.StatusDelivered {
		t.Fatalf("message after MarkDelivered = %+v, want delivered", found)
	}
}

func TestBlockedMessageStaysBlocked(t *testing.T) {
	f := newFixture(t)

	blocked := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.boss.ID, Type: crew.TypeReport,
		Subject: "s", Body: "b",
	})
	if blocked.Status != crew.StatusBlocked {
		t.Fatalf("setup: status = %s, want blocked", blocked.Status)
	}

	err := f.router.MarkDelivered(context.Background(), blocked.ID)
	var verr *crew.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("MarkDelivered on blocked = %v, want ValidationError", err)
	}
}

func TestAutonomyAnnotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Default trust 5: normal traffic is ask_first.
	result := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.manager.ID, Type: crew.TypeReport,
		Subject: "s", Body: "b",
	})
	if result.Autonomy != config.AskFirst {
		t.Fatalf("autonomy at trust 5 = %s, want ask_first", result.Autonomy)
	}

	// Even at full trust, escalations never go below ask_first.
	if err := f.registry.SetTrustScore(ctx, f.boss.ID, 10); err != nil {
		t.Fatalf("SetTrustScore: %v", err)
	}
	esc := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.boss.ID, Type: crew.TypeEscalation,
		Subject: "s", Body: "b",
	})
	if esc.Autonomy != config.AskFirst {
		t.Fatalf("escalation autonomy at trust 10 = %s, want ask_first", esc.Autonomy)
	}

	// Decisions are recorded for later feedback.
	stats, err := trust.NewDecisionLog(f.store).StatsFor(ctx, f.boss.ID, 10)
	if err != nil {
		t.Fatalf("StatsFor: %v", err)
	}
	if stats.Total != 0 {
		t.Fatalf("reviewed decisions = %d, want 0 before feedback", stats.Total)
	}
}

func TestPrivateMessageInterception(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const secret = "I want to talk about something personal"

	result := f.submit(t, SubmitRequest{
		From: f.specialist.ID, To: f.human.ID, Type: crew.TypePrivate,
		Body: secret,
	})
	if result.Status != crew.StatusDelivered {
		t.Fatalf("private message = %s (reason %q), want delivered", result.Status, result.Reason)
	}

	// The listing shows only a content-free marker.
	messages, err := f.router.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var marker *Message
	for i := range messages {
		if messages[i].ID == result.ID {
			marker = &messages[i]
		}
	}
	if marker == nil {
		t.Fatal("marker row not listed")
	}
	if !marker.Private || marker.Body != "" || marker.Subject != "" {
		t.Fatalf("marker leaks content: %+v", marker)
	}
	if marker.SessionID == 0 {
		t.Fatal("marker has no session link")
	}

	// Participants read the transcript; others get an authorization
	// error.
	entries, err := f.vault.Read(ctx, marker.SessionID, f.human.ID)
	if err != nil {
		t.Fatalf("Read as participant: %v", err)
	}
	if len(entries) != 1 || entries[0].Text != secret {
		t.Fatalf("transcript = %+v", entries)
	}
	if _, err := f.vault.Read(ctx, marker.SessionID, f.boss.ID); !errors.Is(err, vault.ErrNotParticipant) {
		t.Fatalf("Read as crew boss = %v, want ErrNotParticipant", err)
	}
}

func TestPrivateBetweenAgentsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.router.Submit(context.Background(), SubmitRequest{
		From: f.worker.ID, To: f.manager.ID, Type: crew.TypePrivate, Body: "psst",
	})
	var verr *crew.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("agent-to-agent private = %v, want ValidationError", err)
	}
}

func TestValidationFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing body", SubmitRequest{From: f.worker.ID, To: f.manager.ID, Type: crew.TypeReport}},
		{"unknown type", SubmitRequest{From: f.worker.ID, To: f.manager.ID, Type: "gossip", Body: "b"}},
		{"self message", SubmitRequest{From: f.worker.ID, To: f.worker.ID, Type: crew.TypeReport, Body: "b"}},
		{"bad priority", SubmitRequest{From: f.worker.ID, To: f.manager.ID, Type: crew.TypeReport, Body: "b", Priority: "urgent"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.router.Submit(ctx, tt.req); err == nil {
				t.Fatal("Submit succeeded, want validation error")
			}
		})
	}

	// Unknown agents error out without persisting anything.
	if _, err := f.router.Submit(ctx, SubmitRequest{
		From: 9999, To: f.manager.ID, Type: crew.TypeReport, Body: "b",
	}); !errors.Is(err, registry.ErrAgentNotFound) {
		t.Fatalf("unknown sender = %v, want ErrAgentNotFound", err)
	}

	messages, err := f.router.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("messages persisted on validation failure: %d", len(messages))
	}
}

func TestEscalationWhileOtherTrafficHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The human is burnt out and it is late: normal traffic to the
	// human holds, but the worker's escalation goes through at once.
	if err := f.registry.SetBurnoutScore(ctx, f.human.ID, 8); err != nil {
		t.Fatalf("SetBurnoutScore: %v", err)
	}
	f.clock.Advance(11 * time.Hour)

	report := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.manager.ID, Type: crew.TypeReport,
		Subject: "daily", Body: "scrape finished",
	})
	if report.Status != crew.StatusDelivered {
		t.Fatalf("worker report = %s, want delivered to manager", report.Status)
	}

	held := f.submit(t, SubmitRequest{
		From: f.boss.ID, To: f.human.ID, Type: crew.TypeReport,
		Subject: "summary", Body: "all fine",
	})
	if held.Status != crew.StatusHeld {
		t.Fatalf("boss summary = %s, want held", held.Status)
	}

	esc := f.submit(t, SubmitRequest{
		From: f.worker.ID, To: f.boss.ID, Type: crew.TypeEscalation,
		Subject: "safety", Body: "credential exfiltration attempt",
	})
	if esc.Status != crew.StatusDelivered {
		t.Fatalf("escalation = %s, want delivered despite holds", esc.Status)
	}
}
