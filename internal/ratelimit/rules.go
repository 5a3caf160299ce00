package ratelimit

// Rules maps endpoints to their rule, with a fallback for unlisted ones.
type Rules struct {
	Default   Rule
	Endpoints map[string]Rule
}

// For returns the rule for endpoint.
func (r Rules) For(endpoint string) Rule {
	if rule, ok := r.Endpoints[endpoint]; ok {
		return rule
	}
	return r.Default
}
