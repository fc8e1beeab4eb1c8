package synthesis

import "strings"

// MoralIntensity holds the six moral-intensity factors, each in [0,1].
// A nil factor is unknown and left out of the weighted average.
type MoralIntensity struct {
	Magnitude     *float64 `json:"magnitude,omitempty"`
	Consensus     *float64 `json:"social_consensus,omitempty"`
	Probability   *float64 `json:"probability_of_effect,omitempty"`
	Immediacy     *float64 `json:"temporal_immediacy,omitempty"`
	Proximity     *float64 `json:"proximity,omitempty"`
	Concentration *float64 `json:"concentration_of_effect,omitempty"`
}

// Factor weights in field order.
var intensityWeights = [6]float64{0.25, 0.15, 0.15, 0.15, 0.10, 0.20}

// Score is the weighted average of the present factors, renormalised over
// their weights. It is 0 when no factor is known.
func (m MoralIntensity) Score() float64 {
	factors := [6]*float64{m.Magnitude, m.Consensus, m.Probability, m.Immediacy, m.Proximity, m.Concentration}
	var sum, weight float64
	for i, f := range factors {
		if f == nil {
			continue
		}
		sum += clamp01(*f) * intensityWeights[i]
		weight += intensityWeights[i]
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

func factor(v float64) *float64 {
	v = clamp01(v)
	return &v
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

var (
	harmWords    = []string{"safety", "death", "injur", "harm", "collapse", "fire", "health", "welfare", "life", "lives", "danger", "hazard", "fatal"}
	urgencyWords = []string{"immediate", "imminent", "urgent", "deadline", "emergency", "right away"}
)

func containsAny(text string, words []string) bool {
	text = strings.ToLower(text)
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}

// intensityInput is the evidence a decision point offers for estimating
// its moral intensity.
type intensityInput struct {
	text             string // labels and definitions of the action and obligations
	violated         int
	grounds          int // principles and provisions behind the obligations
	actionConfidence float64
	roleAffected     bool
}

// estimateIntensity derives factors from the extracted entities. Factors
// without evidence stay unknown.
func estimateIntensity(in intensityInput) MoralIntensity {
	m := MoralIntensity{
		Magnitude:   factor(0.5),
		Consensus:   factor(0.4 + 0.2*float64(in.grounds)),
		Probability: factor(in.actionConfidence),
	}
	if containsAny(in.text, harmWords) {
		m.Magnitude = factor(0.9)
	}
	if containsAny(in.text, urgencyWords) {
		m.Immediacy = factor(0.9)
	}
	if in.roleAffected {
		m.Proximity = factor(0.8)
	}
	if in.violated > 0 {
		m.Concentration = factor(0.3 + 0.2*float64(in.violated))
	}
	return m
}
