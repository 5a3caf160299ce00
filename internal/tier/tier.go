// Package tier holds the subscription tier policy table.
package tier

import (
	"encoding/json"
	"strings"
)

// Name identifies a subscription tier.
type Name string

const (
	Free       Name = "free"
	Pro        Name = "pro"
	Enterprise Name = "enterprise"
)

// Parse normalises a tier name. Unknown or empty names resolve to Free.
func Parse(raw string) Name {
	switch Name(strings.ToLower(strings.TrimSpace(raw))) {
	case Pro:
		return Pro
	case Enterprise:
		return Enterprise
	default:
		return Free
	}
}

// Feature is a gated product capability.
type Feature uint8

const (
	FeaturePromptSharing Feature = iota
	FeatureAPIAccess
	FeaturePrioritySupport
	FeatureAdvancedAnalytics
	FeatureCustomModels

	featureCount
)

// AllFeatures lists every known feature in declaration order.
func AllFeatures() []Feature {
	out := make([]Feature, 0, featureCount)
	for f := Feature(0); f < featureCount; f++ {
		out = append(out, f)
	}
	return out
}

// Key is the stable identifier used in JSON payloads.
func (f Feature) Key() string {
	switch f {
	case FeaturePromptSharing:
		return "promptSharing"
	case FeatureAPIAccess:
		return "apiAccess"
	case FeaturePrioritySupport:
		return "prioritySupport"
	case FeatureAdvancedAnalytics:
		return "advancedAnalytics"
	case FeatureCustomModels:
		return "customModels"
	}
	return "unknown"
}

// String is the human readable name used in denial reasons.
func (f Feature) String() string {
	switch f {
	case FeaturePromptSharing:
		return "Prompt sharing"
	case FeatureAPIAccess:
		return "API access"
	case FeaturePrioritySupport:
		return "Priority support"
	case FeatureAdvancedAnalytics:
		return "Advanced analytics"
	case FeatureCustomModels:
		return "Custom models"
	}
	return "Unknown feature"
}

// ParseFeature resolves a feature from its JSON key.
func ParseFeature(key string) (Feature, bool) {
	for _, f := range AllFeatures() {
		if f.Key() == key {
			return f, true
		}
	}
	return 0, false
}

// FeatureSet is a bitset of enabled features.
type FeatureSet uint32

// NewFeatureSet builds a set from the given features.
func NewFeatureSet(features ...Feature) FeatureSet {
	var s FeatureSet
	for _, f := range features {
		s |= 1 << f
	}
	return s
}

func (s FeatureSet) Has(f Feature) bool {
	return f < featureCount && s&(1<<f) != 0
}

// Contains reports whether every feature in other is also in s.
func (s FeatureSet) Contains(other FeatureSet) bool {
	return s&other == other
}

func (s FeatureSet) MarshalJSON() ([]byte, error) {
	m := make(map[string]bool, featureCount)
	for _, f := range AllFeatures() {
		m[f.Key()] = s.Has(f)
	}
	return json.Marshal(m)
}

// Policy is the immutable set of limits attached to a tier.
type Policy struct {
	Tier                Name       `json:"tier"`
	MonthlyPrompts      int        `json:"monthlyPrompts"`
	MonthlyEnrichments  int        `json:"monthlyEnrichments"`
	DailyAPICalls       int        `json:"dailyApiCalls"`
	MaxPromptsPerHour   int        `json:"maxPromptsPerHour"`
	MaxTokensPerRequest int        `json:"maxTokensPerRequest"`
	MaxSharedPrompts    int        `json:"maxSharedPrompts"`
	Features            FeatureSet `json:"features"`
}

// Has reports whether the policy enables the feature.
func (p Policy) Has(f Feature) bool {
	return p.Features.Has(f)
}
