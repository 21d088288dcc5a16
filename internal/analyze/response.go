package analyze

import (
	"encoding/json"
	"strings"
)

// Providers are prompted to answer as {"description": ..., "confidence": ...}.
// A reply that fails to parse keeps its text and defaults confidence to nil.

type structuredReply struct {
	Description string   `json:"description"`
	Confidence  *float64 `json:"confidence"`
}

// ParseReply extracts description and confidence from a provider reply.
func ParseReply(text string) (string, *float64) {
	body := strings.TrimSpace(text)

	// Tolerate fenced replies; models love markdown
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}

	if strings.HasPrefix(body, "{") {
		var rep structuredReply
		if err := json.Unmarshal([]byte(body), &rep); err == nil && rep.Description != "" {
			if rep.Confidence != nil {
				c := clamp01(*rep.Confidence)
				return rep.Description, &c
			}
			return rep.Description, nil
		}
	}
	return text, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// hedgePhrases flag descriptions whose wording signals uncertainty even
// when the numeric score is high. Phrase-level and score-level uncertainty
// are independent checks.
var hedgePhrases = []string{
	"possibly",
	"unclear",
	"cannot determine",
	"can't determine",
	"might be",
	"appears to",
	"hard to tell",
	"not sure",
	"unable to identify",
}

// HasHedging reports whether the description contains hedging language.
func HasHedging(text string) bool {
	l := strings.ToLower(text)
	for _, p := range hedgePhrases {
		if strings.Contains(l, p) {
			return true
		}
	}
	return false
}
