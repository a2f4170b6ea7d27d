package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/errors"
)

// Key is the deterministic identity of a task invocation. Two producers
// requesting the same (function, version, subject, parameters,
// dependencies) in the same collection compute the same key.
type Key string

func (k Key) String() string { return string(k) }

// Short returns a truncated key for log output.
func (k Key) Short() string {
	if len(k) < 12 {
		return string(k)
	}
	return string(k[:12])
}

// DepRef names one dependency of a task: either another task's result
// or a pre-existing blob.
type DepRef struct {
	// Name identifies the dependency slot the result is delivered under.
	Name string `json:"name"`
	// Task is the producing task's key, if the dependency is a task.
	Task Key `json:"task,omitempty"`
	// Blob is the content digest, if the dependency is a plain blob.
	Blob blob.Digest `json:"blob,omitempty"`
}

// Spec declares a task to be created. It is the input to
// Store.CreateIfAbsent and the sole source of the task's identity key.
type Spec struct {
	// Collection scopes the task; it must match the store's collection.
	Collection string `json:"collection"`
	// Func is the registered function name.
	Func string `json:"func"`
	// Version is the registered function version. Bumping it yields a
	// new identity, forcing recomputation while keeping old records as
	// history.
	Version int `json:"version"`
	// Subject is the content blob this task processes, if any.
	Subject blob.Digest `json:"subject,omitempty"`
	// Params carries scalar parameters as canonical JSON.
	Params json.RawMessage `json:"params,omitempty"`
	// Deps lists named dependencies that must resolve before this task
	// becomes runnable.
	Deps []DepRef `json:"deps,omitempty"`
	// Ancestry is the chain of content digests this task descends from,
	// outermost first. Used to reject dependency cycles (an archive
	// containing itself) at creation time.
	Ancestry []blob.Digest `json:"ancestry,omitempty"`
}

// Params encodes v as canonical JSON for use as Spec.Params. Map keys
// are sorted by encoding/json, so identical parameter sets always
// produce identical bytes.
func Params(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Config(fmt.Sprintf("unencodable task params: %v", err))
	}
	return data, nil
}

// Key computes the task's identity. The dependency set participates
// sorted by name so declaration order is irrelevant; ancestry does not
// participate (the same work reached through different paths must
// converge on one task).
func (s Spec) Key() Key {
	deps := make([]DepRef, len(s.Deps))
	copy(deps, s.Deps)
	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })

	identity := struct {
		Collection string          `json:"collection"`
		Func       string          `json:"func"`
		Version    int             `json:"version"`
		Subject    blob.Digest     `json:"subject,omitempty"`
		Params     json.RawMessage `json:"params,omitempty"`
		Deps       []DepRef        `json:"deps,omitempty"`
	}{s.Collection, s.Func, s.Version, s.Subject, s.Params, deps}

	data, err := json.Marshal(identity)
	if err != nil {
		// identity fields are all marshalable by construction
		panic(fmt.Sprintf("task: marshal identity: %v", err))
	}
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}

// Validate checks the spec for configuration problems, including the
// ancestry cycle guard: a task whose subject digest already appears in
// its own ancestor chain would recurse forever (an archive that
// contains itself), so its creation fails as a permanent content error.
func (s Spec) Validate() error {
	if s.Collection == "" {
		return errors.Config("task spec missing collection")
	}
	if s.Func == "" {
		return errors.Config("task spec missing function name")
	}
	if s.Version < 0 {
		return errors.Config(fmt.Sprintf("task %s has negative version %d", s.Func, s.Version))
	}
	for _, d := range s.Deps {
		if d.Name == "" {
			return errors.Config(fmt.Sprintf("task %s has an unnamed dependency", s.Func))
		}
		if (d.Task == "") == (d.Blob == "") {
			return errors.Config(fmt.Sprintf(
				"task %s dependency %q must reference exactly one of task or blob", s.Func, d.Name))
		}
	}
	if s.Subject != "" {
		for _, a := range s.Ancestry {
			if a == s.Subject {
				return errors.CycleDetected(s.Subject.String())
			}
		}
	}
	return nil
}

// ChildAncestry returns the ancestry chain for a child task spawned
// while processing subject.
func (s Spec) ChildAncestry() []blob.Digest {
	if s.Subject == "" {
		return s.Ancestry
	}
	out := make([]blob.Digest, 0, len(s.Ancestry)+1)
	out = append(out, s.Ancestry...)
	return append(out, s.Subject)
}
