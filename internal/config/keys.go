package config

// KeysConfig is the optional keys.yaml file consumed by the static key store.
type KeysConfig struct {
	Keys []KeyEntry `yaml:"keys"`
}

// KeyEntry declares one API key. Either Key (plaintext, usually ${ENV}) or
// KeyHash (sha256 hex) identifies it.
type KeyEntry struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Key           string         `yaml:"key"`
	KeyHash       string         `yaml:"key_hash"`
	AllowedModels []string       `yaml:"allowed_models"`
	AllowedGroups []string       `yaml:"allowed_groups"`
	UsePolling    bool           `yaml:"use_polling"`
	Params        map[string]any `yaml:"params"`
	SystemPrompt  string         `yaml:"system_prompt"`
	RPMLimit      *int           `yaml:"rpm_limit"`
}
