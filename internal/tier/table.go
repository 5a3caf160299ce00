package tier

// Tiers in ascending order. Every numeric limit of a tier is >= the same limit
// of the tier before it.
var table = [...]Policy{
	{
		Tier:                Free,
		MonthlyPrompts:      100,
		MonthlyEnrichments:  10,
		DailyAPICalls:       0,
		MaxPromptsPerHour:   10,
		MaxTokensPerRequest: 2000,
		MaxSharedPrompts:    0,
		Features:            NewFeatureSet(),
	},
	{
		Tier:                Pro,
		MonthlyPrompts:      1000,
		MonthlyEnrichments:  200,
		DailyAPICalls:       1000,
		MaxPromptsPerHour:   100,
		MaxTokensPerRequest: 8000,
		MaxSharedPrompts:    50,
		Features: NewFeatureSet(
			FeaturePromptSharing,
			FeatureAPIAccess,
			FeatureAdvancedAnalytics,
		),
	},
	{
		Tier:                Enterprise,
		MonthlyPrompts:      100000,
		MonthlyEnrichments:  10000,
		DailyAPICalls:       100000,
		MaxPromptsPerHour:   1000,
		MaxTokensPerRequest: 32000,
		MaxSharedPrompts:    1000,
		Features:            NewFeatureSet(AllFeatures()...),
	},
}

// PolicyFor returns the policy of the named tier, falling back to the free
// tier for unknown or empty names.
func PolicyFor(name string) Policy {
	want := Parse(name)
	for _, p := range table {
		if p.Tier == want {
			return p
		}
	}
	return table[0]
}

// All returns every policy, lowest tier first.
func All() []Policy {
	out := make([]Policy, len(table))
	copy(out, table[:])
	return out
}
