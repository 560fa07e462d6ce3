package schema

import (
	"context"
	"log/slog"

	"github.com/archivesum/pipeline/bus"
	"github.com/archivesum/pipeline/event"
)

// ValidatingPublisher decorates a bus.Bus so every Publish call validates
// its envelope against the registry first (spec §4.4: "the validator is
// composed around the publisher as a decorator"). In strict mode a
// validation failure rejects the publish; in non-strict mode it logs and
// proceeds, for development only.
type ValidatingPublisher struct {
	bus.Bus
	Registry *Registry
	Logger   *slog.Logger
}

// NewValidatingPublisher wraps b with schema validation backed by r.
func NewValidatingPublisher(b bus.Bus, r *Registry, logger *slog.Logger) *ValidatingPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidatingPublisher{Bus: b, Registry: r, Logger: logger}
}

// Publish validates env before delegating to the wrapped bus.
func (p *ValidatingPublisher) Publish(ctx context.Context, routingKey string, env event.Envelope) error {
	if err := p.Registry.Validate(env); err != nil {
		if p.Registry.Strict() {
			return err
		}
		p.Logger.Warn("schema: validation failed in non-strict mode, publishing anyway",
			"event_type", env.EventType, "error", err)
	}
	return p.Bus.Publish(ctx, routingKey, env)
}
