// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import "time"

// AgentType is the closed set of roles an agent can hold. Each type
// carries an explicit capability set; routing decisions consult the
// capabilities, never the type string.
type AgentType string

const (
	// TypeHuman is the person the crew serves. Root of the
	// hierarchy forest.
	TypeHuman AgentType = "human"
	// TypeCrewBoss is the right hand: the sole agent permitted to
	// message the human under normal operation.
	TypeCrewBoss AgentType = "crew_boss"
	// TypeSpecialist is an inner-circle agent reporting directly to
	// Crew Boss.
	TypeSpecialist AgentType = "specialist"
	// TypeManager leads a team of workers and reports to Crew Boss.
	TypeManager AgentType = "manager"
	// TypeWorker reports to a manager.
	TypeWorker AgentType = "worker"
	// TypeVaultKeeper holds private memory for the human. Reports
	// to Crew Boss but its content is never readable by anyone.
	TypeVaultKeeper AgentType = "vault_keeper"
)

// Capabilities is what an agent type may do, independent of any
// particular agent's state.
type Capabilities struct {
	// CanMessageHuman permits direct messages to the human under
	// normal routing.
	CanMessageHuman bool
	// CanEscalate permits safety escalations to Crew Boss or the
	// human.
	CanEscalate bool
	// IsManager permits receiving reports from direct children.
	IsManager bool
}

// Capabilities returns the capability set for the type. Unknown types
// get the zero set, which can do nothing.
func (t AgentType) Capabilities() Capabilities {
	switch t {
	case TypeHuman:
		return Capabilities{CanMessageHuman: true, CanEscalate: true, IsManager: true}
	case TypeCrewBoss:
		return Capabilities{CanMessageHuman: true, CanEscalate: true, IsManager: true}
	case TypeSpecialist:
		return Capabilities{CanEscalate: true}
	case TypeManager:
		return Capabilities{CanEscalate: true, IsManager: true}
	case TypeWorker:
		return Capabilities{CanEscalate: true}
	case TypeVaultKeeper:
		return Capabilities{CanEscalate: true}
	}
	return Capabilities{}
}

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case TypeHuman, TypeCrewBoss, TypeSpecialist, TypeManager, TypeWorker, TypeVaultKeeper:
		return true
	}
	return false
}

// Status is an agent's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusPaused      Status = "paused"
	StatusQuarantined Status = "quarantined"
	StatusTerminated  Status = "terminated"
)

// CanTransition reports whether the lifecycle may move from s to
// next. Termination is terminal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusActive:
		return next == StatusPaused || next == StatusQuarantined || next == StatusTerminated
	case StatusPaused:
		return next == StatusActive || next == StatusTerminated
	case StatusQuarantined:
		return next == StatusActive || next == StatusTerminated
	}
	return false
}

// Agent is one registered crew member. ParentID is zero only for the
// human and for Crew Boss, whose implicit parent is the human.
type Agent struct {
	ID           int64
	Name         string
	Type         AgentType
	ParentID     int64
	Status       Status
	TrustScore   int // meaningful only on Crew Boss
	BurnoutScore int // meaningful only on the human
	Model        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the agent participates in routing.
func (a Agent) Active() bool { return a.Status == StatusActive }
