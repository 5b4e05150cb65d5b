package logging

// zapFields flattens extra into the alternating key/value form zap's sugared
// logger takes.
func zapFields(extra map[ExtraKey]any) []any {
	fields := make([]any, 0, len(extra)*2)
	for k, v := range extra {
		fields = append(fields, string(k), v)
	}
	return fields
}

func zeroFields(extra map[ExtraKey]any) map[string]any {
	fields := make(map[string]any, len(extra))
	for k, v := range extra {
		fields[string(k)] = v
	}
	return fields
}
