package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/siftlab/sift/blob"
)

// Record is one attempted or completed unit of work. Its identity key
// never changes after creation; a Success record's result reference,
// once set, is never replaced.
type Record struct {
	Key        Key             `json:"key"`
	Collection string          `json:"collection"`
	Func       string          `json:"func"`
	Version    int             `json:"version"`
	Subject    blob.Digest     `json:"subject,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	Deps       []DepRef        `json:"deps,omitempty"`
	Ancestry   []blob.Digest   `json:"ancestry,omitempty"`

	Status Status `json:"status"`
	// Attempts counts failed or reclaimed executions so far.
	Attempts int `json:"attempts"`
	// AttemptID identifies the current execution claim; the reaper uses
	// it to reclaim exactly the attempt that stalled.
	AttemptID string `json:"attempt_id,omitempty"`
	// Worker identifies who claimed the current attempt.
	Worker string `json:"worker,omitempty"`
	// LastError is a human-readable summary of the last failure.
	LastError string `json:"last_error,omitempty"`
	// Reason is a short machine-readable failure identifier for audit
	// (e.g. "encrypted_archive", "dependency_failed", "timeout").
	Reason string `json:"reason,omitempty"`
	// Result is the output blob digest; present only on Success.
	Result blob.Digest `json:"result,omitempty"`

	Created  time.Time  `json:"created"`
	Updated  time.Time  `json:"updated"`
	Started  *time.Time `json:"started,omitempty"`
	Finished *time.Time `json:"finished,omitempty"`
}

// Spec reconstructs the creation spec of this record.
func (r Record) Spec() Spec {
	return Spec{
		Collection: r.Collection,
		Func:       r.Func,
		Version:    r.Version,
		Subject:    r.Subject,
		Params:     r.Params,
		Deps:       r.Deps,
		Ancestry:   r.Ancestry,
	}
}

// DecodeParams unmarshals the record's parameters into v.
func (r Record) DecodeParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	return json.Unmarshal(r.Params, v)
}

func (r Record) String() string {
	return fmt.Sprintf("%s %s(v%d) [%s]", r.Key.Short(), r.Func, r.Version, r.Status)
}

// Stats reports per-status record counts for one collection. The
// proportion of failed-permanent and deferred tasks is the visible
// health signal for a finished run.
type Stats struct {
	Counts map[Status]int64 `json:"counts"`
}

// Total returns the total number of records.
func (s Stats) Total() int64 {
	var n int64
	for _, c := range s.Counts {
		n += c
	}
	return n
}

// Remaining returns the number of records in non-terminal states. A
// collection's processing is complete when this reaches zero.
func (s Stats) Remaining() int64 {
	var n int64
	for status, c := range s.Counts {
		if !status.Terminal() {
			n += c
		}
	}
	return n
}
