// Package escalation moves audit cases between tiers: it picks the tier that
// owns a message, runs it, reads the verdict and persists the handoff.
package escalation

import (
	"regexp"
	"strings"

	"github.com/lexcodex/auditia/framework"
)

// Trigger phrases per tier. Matching is a case-insensitive substring test.
var triggerPhrases = map[framework.Tier][]string{
	framework.TierSenior:     {"escalar al supervisor", "necesita revisión del supervisor"},
	framework.TierSupervisor: {"escalar al manager", "necesita revisión del manager"},
	framework.TierManager:    {"informe final", "reporte final"},
}

// Words that suggest an escalation intent without forming a full phrase.
var nearMissWords = []string{"escalar", "revisión"}

var markerLine = regexp.MustCompile(`(?im)^[ \t*_>#-]*decision[ \t]*:[ \t]*\**[ \t]*([a-z_]+)[ \t*_.\r]*$`)

// Source names what produced a verdict.
type Source string

const (
	SourceNone   Source = "none"
	SourceSignal Source = "signal"
	SourceMarker Source = "marker"
	SourcePhrase Source = "phrase"
	SourceTool   Source = "tool"
)

// Verdict is the classified outcome of one tier reply.
type Verdict struct {
	Decision framework.Decision
	Source   Source
	// Phrase is the trigger phrase that matched, if any.
	Phrase string
	// Marker is the raw value of the DECISION line, if any.
	Marker string
	// Ambiguous is set when the signals disagree or a near miss was seen.
	Ambiguous bool
	Reason    string
	// Text is the reply with the marker line removed.
	Text string
}

// Advances reports whether the verdict moves the case past tier.
func (v Verdict) Advances(tier framework.Tier) bool {
	if tier == framework.TierManager {
		return v.Decision == framework.DecisionFinalReport
	}
	return v.Decision == framework.DecisionEscalate
}

// Classifier reads tier replies. The zero value is ready to use.
type Classifier struct{}

// Classify inspects text produced by tier along with the decision the run
// recorded through signal tools. An exact trigger phrase always wins so
// that no phrased request is dropped.
func (Classifier) Classify(tier framework.Tier, text string, signal framework.Decision) Verdict {
	stripped, marker := StripMarker(text)
	v := Verdict{Decision: framework.DecisionNone, Source: SourceNone, Marker: marker, Text: stripped}
	target := targetDecision(tier)
	if target == framework.DecisionNone {
		// The assistant escalates only through its escalate_to_senior tool.
		return v
	}
	markerDecision, markerKnown := parseMarker(marker)
	if marker != "" && !markerKnown {
		v.Ambiguous = true
		v.Reason = "unrecognised decision marker " + marker
	}
	if markerKnown && markerDecision != framework.DecisionNone && markerDecision != target {
		v.Ambiguous = true
		v.Reason = "marker decision " + string(markerDecision) + " is not valid for " + string(tier)
		markerKnown = false
	}
	if signal == target {
		v.Decision, v.Source = target, SourceSignal
		if markerKnown && markerDecision == framework.DecisionNone {
			v.Ambiguous = true
			v.Reason = "signal tool requested " + string(target) + " but marker says " + marker
		}
	} else if markerKnown && markerDecision == target {
		v.Decision, v.Source = target, SourceMarker
	}

	lower := strings.ToLower(stripped)
	for _, phrase := range triggerPhrases[tier] {
		if strings.Contains(lower, phrase) {
			v.Phrase = phrase
			break
		}
	}
	switch {
	case v.Phrase != "" && v.Decision == framework.DecisionNone:
		v.Decision, v.Source = target, SourcePhrase
		if markerKnown {
			v.Ambiguous = true
			v.Reason = "trigger phrase \"" + v.Phrase + "\" overrides marker " + marker
		}
	case v.Phrase == "" && v.Decision == framework.DecisionNone && marker == "":
		for _, word := range nearMissWords {
			if strings.Contains(lower, word) {
				v.Ambiguous = true
				v.Reason = "mentions \"" + word + "\" without a trigger phrase or decision marker"
				break
			}
		}
	}
	return v
}

func targetDecision(tier framework.Tier) framework.Decision {
	switch tier {
	case framework.TierSenior, framework.TierSupervisor:
		return framework.DecisionEscalate
	case framework.TierManager:
		return framework.DecisionFinalReport
	default:
		return framework.DecisionNone
	}
}

func parseMarker(marker string) (framework.Decision, bool) {
	switch marker {
	case "escalar":
		return framework.DecisionEscalate, true
	case "informe_final":
		return framework.DecisionFinalReport, true
	case "ninguna":
		return framework.DecisionNone, true
	default:
		return framework.DecisionNone, false
	}
}

// StripMarker removes every DECISION line and returns the remaining text and
// the value of the last marker, lowercased.
func StripMarker(text string) (string, string) {
	matches := markerLine.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(text), ""
	}
	marker := strings.ToLower(matches[len(matches)-1][1])
	cleaned := markerLine.ReplaceAllString(text, "")
	return strings.TrimSpace(cleaned), marker
}
