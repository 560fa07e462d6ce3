// Package schema validates outbound event payloads against a versioned
// JSON-Schema registry keyed by "{version}.{event_type}" (spec §4.4), using
// github.com/santhosh-tekuri/jsonschema/v5 for compilation and validation.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/archivesum/pipeline/errs"
	"github.com/archivesum/pipeline/event"
)

// Registry holds compiled schemas keyed by "{version}.{event_type}",
// loaded once at startup and read-only thereafter (spec §9's "global
// mutable state" note: the registry is the read-only exception).
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
	strict  bool
}

// NewRegistry builds an empty registry. strict=false logs-and-proceeds on
// validation failure instead of rejecting; used only in development
// per spec §4.4.
func NewRegistry(strict bool) *Registry {
	return &Registry{schemas: make(map[string]*jsonschema.Schema), strict: strict}
}

// key is the registry lookup key for an event type under the envelope's
// current version.
func key(version, eventType string) string {
	return version + "." + eventType
}

// Register compiles and stores the schema document for an event type. Call
// once per event type at startup before any Validate call.
func (r *Registry) Register(version, eventType string, schemaDoc []byte) error {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	name := key(version, eventType)
	if err := c.AddResource(name, bytes.NewReader(schemaDoc)); err != nil {
		return errs.Permanent("schema.compile", fmt.Errorf("%s: %w", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		return errs.Permanent("schema.compile", fmt.Errorf("%s: %w", name, err))
	}

	r.mu.Lock()
	r.schemas[name] = sch
	r.mu.Unlock()
	return nil
}

// Validate checks env.Data against the schema registered for
// "{env.Version}.{env.EventType}". A missing schema is a PermanentError: it
// means the stage tried to publish an event type it never registered.
func (r *Registry) Validate(env event.Envelope) error {
	name := key(env.Version, env.EventType)

	r.mu.RLock()
	sch, ok := r.schemas[name]
	r.mu.RUnlock()
	if !ok {
		return errs.Permanent("schema.validate", fmt.Errorf("no schema registered for %s", name))
	}

	raw, err := json.Marshal(env.Data)
	if err != nil {
		return errs.Permanent("schema.validate", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return errs.Permanent("schema.validate", err)
	}

	if err := sch.Validate(v); err != nil {
		ve := &errs.ValidationError{Subject: env.EventType, Wrapped: err}
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			for _, cause := range verr.Causes {
				ve.Pointers = append(ve.Pointers, cause.InstanceLocation)
			}
			if len(ve.Pointers) == 0 {
				ve.Pointers = []string{verr.InstanceLocation}
			}
		}
		return ve
	}
	return nil
}

// Strict reports whether validation failures reject the publish. In
// non-strict mode the validating publisher logs and proceeds instead.
func (r *Registry) Strict() bool { return r.strict }
