// Package worker executes claimed tasks against registered functions.
// Function registration is explicit and injected; nothing is picked up
// from package-level globals, so two engines in one process can run
// different function sets.
package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/errors"
)

// Func is one registered task function. Name plus Version addresses an
// exact implementation; bumping Version gives new task identities, so
// already computed results stay untouched as history.
type Func struct {
	Name    string
	Version int

	// MediaTypes lists the content types this function accepts when
	// routed by media type. An exact type ("application/zip"), a
	// wildcard family ("text/*"), or empty for functions that are not
	// content-routed.
	MediaTypes []string

	// Run executes the task. A nil Ref with a nil error is a valid
	// outcome for functions whose only product is spawned child tasks.
	Run func(ctx context.Context, inv *Invocation) (*blob.Ref, error)
}

// Accepts reports whether the function is routed for mediaType.
func (f Func) Accepts(mediaType string) bool {
	// Sniffed types may carry parameters ("text/plain; charset=utf-8").
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = strings.TrimSpace(mediaType[:i])
	}
	for _, mt := range f.MediaTypes {
		if mt == mediaType {
			return true
		}
		if family, ok := strings.CutSuffix(mt, "/*"); ok &&
			strings.HasPrefix(mediaType, family+"/") {
			return true
		}
	}
	return false
}

// Registry maps function name and version to implementations.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a function. Registering the same name and version twice
// is a configuration error.
func (r *Registry) Register(f Func) error {
	if f.Name == "" || f.Run == nil {
		return errors.Config("function registration requires a name and a run body")
	}
	if f.Version < 0 {
		return errors.Config(fmt.Sprintf("function %s has negative version %d", f.Name, f.Version))
	}
	id := funcID(f.Name, f.Version)
	if _, ok := r.funcs[id]; ok {
		return errors.AlreadyExists("function", id)
	}
	r.funcs[id] = f
	return nil
}

// Resolve returns the function registered under name and version.
func (r *Registry) Resolve(name string, version int) (Func, error) {
	f, ok := r.funcs[funcID(name, version)]
	if !ok {
		return Func{}, errors.UnknownFunc(name, version)
	}
	return f, nil
}

// ForMediaType returns every function routed for the given media type.
// This is the declared capability table used when spawning per-content
// tasks; routing never inspects function bodies at run time.
func (r *Registry) ForMediaType(mediaType string) []Func {
	var out []Func
	for _, f := range r.funcs {
		if f.Accepts(mediaType) {
			out = append(out, f)
		}
	}
	return out
}

func funcID(name string, version int) string {
	return fmt.Sprintf("%s@v%d", name, version)
}
