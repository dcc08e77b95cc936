// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package routing is the pure routing-legality policy: may X message
// Y, given who they are in the hierarchy and what kind of message it
// is. It holds no state and touches no storage — the router feeds it
// agent snapshots loaded inside its own transaction.
//
// The rules, in precedence order:
//
//  1. Safety escalations to Crew Boss or the human are legal from any
//     non-terminated sender, including quarantined ones. This is the
//     one channel nothing can silence.
//  2. A quarantined, paused, or terminated party blocks everything
//     else.
//  3. The human and Crew Boss may message anyone.
//  4. Only types with the CanMessageHuman capability reach the human.
//  5. Inner-circle agents (specialists, the vault keeper) talk to
//     Crew Boss exclusively.
//  6. Otherwise traffic follows the chain of command: direct parent
//     or direct child only. Siblings and skip-level paths are
//     blocked.
package routing

import (
	"fmt"

	"github.com/crew-bus/crew-bus/crew"
	"github.com/crew-bus/crew-bus/registry"
)

// Decision is the outcome of a routing check. It is a first-class
// result, not an error: callers react to Allowed and surface Reason.
type Decision struct {
	Allowed bool
	// Escalation marks a decision made under the escalation rule,
	// which exempts the message from quarantine, burnout, and
	// quiet-hours handling downstream.
	Escalation bool
	Reason     string
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }

func deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Check decides whether sender may send a message of the given type
// to recipient.
func Check(sender, recipient registry.Agent, messageType crew.MessageType) Decision {
	// Escalation first: it must work even from a quarantined agent,
	// so it precedes every status check except termination.
	if messageType == crew.TypeEscalation {
		if sender.Status == registry.StatusTerminated {
			return deny("sender %q is terminated", sender.Name)
		}
		if recipient.Status == registry.StatusTerminated {
			return deny("recipient %q is terminated", recipient.Name)
		}
		if !sender.Type.Capabilities().CanEscalate {
			return deny("%s agents cannot escalate", sender.Type)
		}
		if recipient.Type == registry.TypeCrewBoss || recipient.Type == registry.TypeHuman {
			return Decision{Allowed: true, Escalation: true, Reason: "safety escalation"}
		}
		return deny("escalations go to crew boss or the human, not %s", recipient.Type)
	}

	if sender.Status != registry.StatusActive {
		return deny("sender %q is %s", sender.Name, sender.Status)
	}
	if recipient.Status != registry.StatusActive {
		return deny("recipient %q is %s", recipient.Name, recipient.Status)
	}

	// Ultimate authority: the human may address anyone.
	if sender.Type == registry.TypeHuman {
		return allow("human authority")
	}

	// Crew Boss coordinates the whole crew.
	if sender.Type == registry.TypeCrewBoss {
		return allow("crew boss authority")
	}

	// Only capability holders reach the human; everyone else routes
	// through Crew Boss.
	if recipient.Type == registry.TypeHuman {
		if !sender.Type.Capabilities().CanMessageHuman {
			return deny("%s agents reach the human through crew boss", sender.Type)
		}
		return allow("direct human channel")
	}

	// Inner circle protocol: specialists and the vault keeper hold
	// no reference to anything but Crew Boss.
	if sender.Type == registry.TypeSpecialist || sender.Type == registry.TypeVaultKeeper {
		if recipient.Type != registry.TypeCrewBoss {
			return deny("inner circle: %s agents communicate exclusively with crew boss", sender.Type)
		}
		return allow("inner circle report")
	}

	// Chain of command: direct parent or direct child.
	if sender.ParentID == recipient.ID {
		return allow("report to direct parent")
	}
	if recipient.ParentID == sender.ID && sender.Type.Capabilities().IsManager {
		return allow("instruction to direct report")
	}

	return deny("no legal route from %s %q to %s %q", sender.Type, sender.Name, recipient.Type, recipient.Name)
}
