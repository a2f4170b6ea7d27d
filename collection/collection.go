package collection

import (
	"fmt"
	"regexp"

	"github.com/siftlab/sift/errors"
)

// namePattern restricts collection names to a format that is safe to use
// directly as an object-storage prefix, a database key prefix, and an
// index name.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,63}$`)

// Collection is an isolated namespace for one dataset.
type Collection struct {
	// Name identifies the collection. Lowercase letters, digits and
	// dashes; must start with a letter; at most 64 characters.
	Name string `yaml:"name" mapstructure:"name"`

	// SourcePath is the root directory of the dataset to ingest.
	SourcePath string `yaml:"source_path" mapstructure:"source_path"`

	// Process controls whether the scheduler dispatches tasks for this
	// collection. Setting it to false stops dispatch; in-flight tasks
	// finish or time out naturally.
	Process bool `yaml:"process" mapstructure:"process"`
}

// New creates a validated collection.
func New(name string) (Collection, error) {
	c := Collection{Name: name, Process: true}
	if err := c.Validate(); err != nil {
		return Collection{}, err
	}
	return c, nil
}

// Validate checks the collection name format. An invalid name is a
// configuration error, never retried.
func (c Collection) Validate() error {
	if !namePattern.MatchString(c.Name) {
		return errors.Config(fmt.Sprintf(
			"collection name %q must match %s", c.Name, namePattern.String()))
	}
	return nil
}

// BlobPrefix returns the object-key prefix for this collection's blobs.
func (c Collection) BlobPrefix() string {
	return c.Name + "/blobs/"
}

// NamePrefix returns the object-key prefix under which observed file
// names are recorded per content digest.
func (c Collection) NamePrefix() string {
	return c.Name + "/names/"
}

// IndexName returns the downstream search index name for this collection.
func (c Collection) IndexName() string {
	return c.Name
}

func (c Collection) String() string { return c.Name }
