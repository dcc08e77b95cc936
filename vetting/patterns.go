// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package vetting

import "regexp"

// Severity ranks how dangerous a matched signature is. Any critical
// match blocks a skill outright; lower severities accumulate into the
// risk score.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Weight is the risk-score contribution of one match at this
// severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 6
	case SeverityMedium:
		return 3
	default:
		return 1
	}
}

type signature struct {
	severity Severity
	name     string
	re       *regexp.Regexp
}

func sig(severity Severity, name, pattern string) signature {
	return signature{severity: severity, name: name, re: regexp.MustCompile("(?i)" + pattern)}
}

// skillSignatures are the known-dangerous patterns scanned against
// every text field of a skill manifest. Local and deterministic; no
// model call involved.
var skillSignatures = []signature{
	// Direct instruction override attempts.
	sig(SeverityCritical, "instruction_override", `ignore\s+(all\s+)?previous\s+instructions`),
	sig(SeverityCritical, "instruction_override", `ignore\s+(all\s+)?above\s+instructions`),
	sig(SeverityCritical, "instruction_override", `disregard\s+(all\s+)?previous`),
	sig(SeverityCritical, "instruction_override", `forget\s+(all\s+)?(your\s+)?previous\s+instructions`),
	sig(SeverityCritical, "instruction_override", `override\s+(all\s+)?(system\s+)?instructions`),
	sig(SeverityCritical, "instruction_override", `new\s+instructions?\s*:`),
	sig(SeverityCritical, "instruction_override", `replace\s+(your\s+)?(system\s+)?prompt`),
	// Jailbreak persona attacks.
	sig(SeverityCritical, "jailbreak_persona", `you\s+are\s+now\s+(DAN|evil|unrestricted|unfiltered|jailbroken)`),
	sig(SeverityCritical, "jailbreak_persona", `pretend\s+you\s+(are|have)\s+no\s+(restrictions|rules|limitations|guidelines)`),
	sig(SeverityCritical, "jailbreak_persona", `act\s+as\s+(if\s+)?you\s+have\s+no\s+(rules|restrictions|limitations)`),
	sig(SeverityCritical, "jailbreak_persona", `enter\s+(DAN|developer|god|admin|root|sudo)\s+mode`),
	sig(SeverityCritical, "jailbreak_persona", `(DAN|developer|jailbreak)\s+mode\s+(enabled|activated|on)`),
	sig(SeverityCritical, "jailbreak_persona", `simulate\s+(an?\s+)?(unrestricted|unfiltered|evil)\s+(AI|model|assistant)`),
	// System prompt extraction.
	sig(SeverityCritical, "prompt_extraction", `(reveal|show|print|output|display|repeat|echo)\s+(your\s+)?(system\s+)?prompt`),
	sig(SeverityCritical, "prompt_extraction", `what\s+(are|is)\s+your\s+(system\s+)?(instructions|prompt|rules|directives)`),
	sig(SeverityCritical, "prompt_extraction", `(copy|paste|dump)\s+(your\s+)?(entire\s+)?(system\s+)?prompt`),

	// Role hijacking.
	sig(SeverityHigh, "role_hijack", `from\s+now\s+on\s+you\s+(are|will|must|should)`),
	sig(SeverityHigh, "role_hijack", `your\s+new\s+(role|identity|purpose|mission)\s+is`),
	sig(SeverityHigh, "role_hijack", `you\s+must\s+now\s+act\s+as`),
	sig(SeverityHigh, "role_hijack", `you\s+are\s+no\s+longer\s+an?\s+`),
	// Data exfiltration attempts.
	sig(SeverityHigh, "data_exfiltration", `send\s+(all\s+)?(data|info|information|messages|logs|secrets|keys)\s+to`),
	sig(SeverityHigh, "data_exfiltration", `forward\s+(everything|all|data|messages)\s+to`),
	sig(SeverityHigh, "data_exfiltration", `(upload|transmit|leak|exfiltrate)\s+(data|secrets|logs|keys|passwords)`),
	sig(SeverityHigh, "data_exfiltration", `(email|post|send)\s+(the\s+)?(conversation|chat|history|logs)\s+to`),
	// Code execution.
	sig(SeverityHigh, "code_execution", `eval\s*\(`),
	sig(SeverityHigh, "code_execution", `exec\s*\(`),
	sig(SeverityHigh, "code_execution", `__import__\s*\(`),
	sig(SeverityHigh, "code_execution", `subprocess\.(run|call|Popen|check_output)`),
	sig(SeverityHigh, "code_execution", `os\.(system|popen|exec)`),
	sig(SeverityHigh, "code_execution", `import\s+os\b`),
	// Encoded or obfuscated content.
	sig(SeverityHigh, "encoded_content", `base64[:\s]`),
	sig(SeverityHigh, "encoded_content", `\\x[0-9a-f]{2}`),
	sig(SeverityHigh, "encoded_content", `&#\d+;`),

	// Hide-from-human instructions.
	sig(SeverityMedium, "hide_from_human", `do\s+not\s+(tell|inform|alert|notify)\s+the\s+(human|user|owner)`),
	sig(SeverityMedium, "hide_from_human", `keep\s+this\s+(secret|hidden|private|confidential)\s+from`),
	sig(SeverityMedium, "hide_from_human", `(never|don'?t)\s+mention\s+this\s+to\s+(the\s+)?(human|user|owner)`),
	sig(SeverityMedium, "hide_from_human", `without\s+(the\s+)?(human|user|owner)\s+knowing`),
	// Privilege escalation.
	sig(SeverityMedium, "privilege_escalation", `(grant|give)\s+(yourself|me)\s+(admin|root|full|elevated)\s+access`),
	sig(SeverityMedium, "bypass_security", `(bypass|circumvent|skip|disable)\s+(security|guard|authentication|restrictions|safety)`),
	sig(SeverityMedium, "bypass_security", `(disable|turn\s+off|deactivate)\s+(guard|security|monitoring|audit|logging)`),
	// Scope overreach.
	sig(SeverityMedium, "scope_overreach", `access\s+(all|every)\s+(file|database|secret|key|password|record)`),
	sig(SeverityMedium, "scope_overreach", `(read|write|delete|modify|edit)\s+(all|any|every)\s+(files?|data|records?)`),

	// Suspicious but possibly legitimate.
	sig(SeverityLow, "behavioral_override", `(always|never)\s+respond\s+with`),
	sig(SeverityLow, "behavioral_override", `(respond|reply)\s+(only|exclusively|always)\s+in`),
	sig(SeverityLow, "behavioral_override", `(only|exclusively)\s+speak\s+in`),
	sig(SeverityLow, "embedded_credential", `(password|passwd|api[_\s]?key|secret[_\s]?key|auth[_\s]?token)\s*[:=]`),
	sig(SeverityLow, "embedded_credential", `(sk-|pk-|Bearer\s+)[a-zA-Z0-9]{20,}`),
}

// integritySignatures catch gaslighting, dismissiveness, and blame
// shifting in agent replies to the human.
var integritySignatures = []signature{
	sig(SeverityHigh, "gaslight_denial", `you\s+never\s+(told|said|mentioned|asked)\s+(me|us)\s+that`),
	sig(SeverityHigh, "gaslight_doubt", `are\s+you\s+sure\s+(you|about|that)`),
	sig(SeverityHigh, "gaslight_doubt", `i\s+don'?t\s+think\s+you\s+(said|told|mentioned)`),
	sig(SeverityHigh, "gaslight_rewrite", `that('?s|\s+is)\s+not\s+what\s+(happened|you\s+said)`),
	sig(SeverityMedium, "dismissive", `you'?re\s+overreact`),
	sig(SeverityMedium, "dismissive", `it'?s\s+not\s+that\s+bad`),
	sig(SeverityMedium, "dismissive", `you\s+probably\s+just\s+forgot`),
	sig(SeverityMedium, "dismissive", `calm\s+down`),
	sig(SeverityMedium, "dismissive", `you'?re\s+being\s+(dramatic|too\s+sensitive|paranoid)`),
	sig(SeverityMedium, "dismissive_minimizing", `don'?t\s+worry\s+about\s+it`),
	sig(SeverityHigh, "blame_shift", `that('?s|\s+is)\s+your\s+(fault|problem|issue)`),
	sig(SeverityHigh, "blame_shift", `you\s+should\s+have\s+(known|realized|remembered)`),
}

// charterSignatures catch conduct violations in subordinate replies:
// needy check-ins, toxicity, manipulation, sugarcoating, overreach.
var charterSignatures = []signature{
	sig(SeverityMedium, "needy_checkin", `just\s+checking\s+in`),
	sig(SeverityMedium, "needy_checkin", `wanted\s+to\s+make\s+sure\s+you('re|\s+are)\s+ok`),
	sig(SeverityMedium, "needy_checkin", `haven'?t\s+heard\s+from\s+you`),
	sig(SeverityMedium, "needy_checkin", `are\s+you\s+still\s+there`),
	sig(SeverityHigh, "toxic", `you('re|\s+are)\s+(wrong|stupid|incompetent|useless)`),
	sig(SeverityHigh, "toxic", `i'?m\s+better\s+than\s+(you|the\s+other\s+agents)`),
	sig(SeverityHigh, "manipulative", `don'?t\s+listen\s+to\s+(crew\s+boss|the\s+human|them)`),
	sig(SeverityHigh, "manipulative", `(between\s+you\s+and\s+me|just\s+between\s+us)`),
	sig(SeverityHigh, "manipulative", `let'?s\s+keep\s+this\s+from\s+(the\s+human|crew\s+boss)`),
	sig(SeverityMedium, "sugarcoating", `everything\s+is\s+(fine|great|perfect|wonderful)\s*[!.]*\s*don'?t\s+worry`),
	sig(SeverityMedium, "scope_overreach", `i('ll|\s+will)\s+(handle|take\s+care\s+of)\s+everything`),
}
