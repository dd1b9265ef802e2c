package notify

import (
	"context"
	"errors"

	"safetrail/internal/domain/prompt"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// StatePublisher pushes live state to connected clients.
type StatePublisher interface {
	PublishTravelState(ctx context.Context, wardID string, s travel.Session) error
	PublishPrompt(ctx context.Context, wardID string, p prompt.Prompt) error
	PublishSOSState(ctx context.Context, wardID string, e sos.Episode) error
}

// Resolver queues the all-clear for an episode.
type Resolver interface {
	NotifyResolved(ctx context.Context, e sos.Episode) error
}

// Publisher forwards live updates and, once a dispatched episode is
// resolved, queues the all-clear email.
type Publisher struct {
	StatePublisher
	resolver Resolver
}

// WithResolvedEmails wraps inner.
func WithResolvedEmails(inner StatePublisher, r Resolver) *Publisher {
	return &Publisher{StatePublisher: inner, resolver: r}
}

// PublishSOSState publishes e and queues the all-clear when it is resolved.
// Guardians who were never alerted get no all-clear.
func (p *Publisher) PublishSOSState(ctx context.Context, wardID string, e sos.Episode) error {
	err := p.StatePublisher.PublishSOSState(ctx, wardID, e)
	if e.IsOpen() || !e.IsDispatched() {
		return err
	}
	if nerr := p.resolver.NotifyResolved(ctx, e); nerr != nil {
		return errors.Join(err, nerr)
	}
	return err
}
