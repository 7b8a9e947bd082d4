package config

// AdapterTypes returns the recognized adapter.type values, in preference
// order for diagnostics and CLI tab-completion.
func AdapterTypes() []string {
	return []string{"mock", "real"}
}
