package config

import (
	"fmt"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/collection"
	"github.com/siftlab/sift/index"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/scheduler"
	"github.com/siftlab/sift/task/badgerstore"
	"github.com/siftlab/sift/worker"
)

// Config aggregates every engine section. Each section keeps its own
// ApplyDefaults and Validate; this struct just fans out to them.
type Config struct {
	Name        string        `yaml:"name" mapstructure:"name"`
	Environment string        `yaml:"environment" mapstructure:"environment"`
	Logging     logger.Config `yaml:"logging" mapstructure:"logging"`

	Blob      blob.Config        `yaml:"blob" mapstructure:"blob"`
	TaskStore badgerstore.Config `yaml:"task_store" mapstructure:"task_store"`
	Scheduler scheduler.Config   `yaml:"scheduler" mapstructure:"scheduler"`
	Worker    worker.Config      `yaml:"worker" mapstructure:"worker"`
	Index     index.HTTPConfig   `yaml:"index" mapstructure:"index"`

	// Collections lists the datasets this engine processes.
	Collections []collection.Collection `yaml:"collections" mapstructure:"collections"`
}

// ApplyDefaults applies default values to every section.
func (c *Config) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "sift"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	c.Logging.ApplyDefaults()
	c.Blob.ApplyDefaults()
	c.TaskStore.ApplyDefaults()
	c.Scheduler.ApplyDefaults()
	c.Worker.ApplyDefaults()
	c.Index.ApplyDefaults()
}

// Validate validates every section.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("config.logging: %w", err)
	}
	if err := c.Blob.Validate(); err != nil {
		return fmt.Errorf("config.blob: %w", err)
	}
	if err := c.TaskStore.Validate(); err != nil {
		return fmt.Errorf("config.task_store: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("config.scheduler: %w", err)
	}
	if err := c.Index.Validate(); err != nil {
		return fmt.Errorf("config.index: %w", err)
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("config.collections: at least one collection is required")
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, col := range c.Collections {
		if err := col.Validate(); err != nil {
			return fmt.Errorf("config.collections: %w", err)
		}
		if seen[col.Name] {
			return fmt.Errorf("config.collections: duplicate collection %q", col.Name)
		}
		seen[col.Name] = true
	}
	return nil
}
