package remote

// RegistryEntry is one name@tag binding (spec §4.9, §6).
type RegistryEntry struct {
	EnvID    string `json:"env_id"`
	ShortID  string `json:"short_id"`
	Name     string `json:"name"`
	PushedAt string `json:"pushed_at"`
}

// Registry maps name@tag to the environment it currently points at.
type Registry map[string]RegistryEntry
