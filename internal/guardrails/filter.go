package guardrails

import "strings"

// RequestFilter restricts guardrail execution to an allow-list of model
// identifiers and/or API key names. An empty filter matches every request;
// when both lists are set a request must match both (AND semantics).
type RequestFilter struct {
	models   map[string]struct{}
	keyNames map[string]struct{}
}

// NewRequestFilter builds a filter from explicit allow-lists. Nil or empty
// slices leave the corresponding dimension unrestricted.
func NewRequestFilter(models, keyNames []string) *RequestFilter {
	return &RequestFilter{
		models:   toSet(models),
		keyNames: toSet(keyNames),
	}
}

// NewRequestFilterFromEnv builds a filter from comma-separated env values,
// e.g. APPLY_QUILR_GUARDRAILS_FOR_MODELS="gpt-4,gpt-4o".
func NewRequestFilterFromEnv(modelsCSV, keyNamesCSV string) *RequestFilter {
	return NewRequestFilter(splitCSV(modelsCSV), splitCSV(keyNamesCSV))
}

// Matches reports whether a request with the given model and key name is
// subject to guardrail evaluation.
func (f *RequestFilter) Matches(model, keyName string) bool {
	if f == nil {
		return true
	}
	if len(f.models) > 0 {
		if _, ok := f.models[strings.TrimSpace(model)]; !ok {
			return false
		}
	}
	if len(f.keyNames) > 0 {
		if _, ok := f.keyNames[strings.TrimSpace(keyName)]; !ok {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the filter applies to everything
func (f *RequestFilter) IsEmpty() bool {
	return f == nil || (len(f.models) == 0 && len(f.keyNames) == 0)
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return strings.Split(s, ",")
}
