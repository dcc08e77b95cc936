// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package vetting

// ReplyViolation is one conduct signature matched in an agent reply.
type ReplyViolation struct {
	Name    string
	Snippet string
}

// ScanIntegrity checks a reply for gaslighting, dismissiveness, and
// blame shifting toward the human.
func ScanIntegrity(reply string) []ReplyViolation {
	return scanReply(reply, integritySignatures)
}

// ScanCharter checks a subordinate reply for conduct violations:
// needy check-ins, toxicity, manipulation, sugarcoating.
func ScanCharter(reply string) []ReplyViolation {
	return scanReply(reply, charterSignatures)
}

func scanReply(reply string, signatures []signature) []ReplyViolation {
	var violations []ReplyViolation
	for _, s := range signatures {
		loc := s.re.FindStringIndex(reply)
		if loc == nil {
			continue
		}
		start := max(loc[0]-20, 0)
		end := min(loc[1]+20, len(reply))
		violations = append(violations, ReplyViolation{
			Name:    s.name,
			Snippet: reply[start:end],
		})
	}
	return violations
}
