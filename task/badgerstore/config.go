package badgerstore

import (
	"errors"
	"path/filepath"
)

// Config holds the task record store's BadgerDB configuration.
type Config struct {
	// Dir is the directory where records are persisted. One collection
	// gets one database; the collection name is appended to Dir.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// InMemory keeps everything in memory. Used in tests.
	InMemory bool `yaml:"in_memory" mapstructure:"in_memory"`

	// SyncWrites makes every commit durable before returning. Slower,
	// but a power failure cannot lose acknowledged transitions.
	SyncWrites bool `yaml:"sync_writes" mapstructure:"sync_writes"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" && !c.InMemory {
		c.Dir = "/var/lib/sift/tasks"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Dir == "" && !c.InMemory {
		return errors.New("badgerstore: dir is required unless in_memory is set")
	}
	return nil
}

func (c *Config) path(collection string) string {
	if c.InMemory {
		return ""
	}
	return filepath.Join(c.Dir, collection)
}
