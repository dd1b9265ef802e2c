package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"safetrail/internal/application/projections"
	"safetrail/internal/domain/guardian"
	"safetrail/internal/domain/prompt"
	"safetrail/internal/domain/sos"
	"safetrail/internal/domain/travel"
)

// ErrDeviceOffline is returned when a command needs a connected ward device.
var ErrDeviceOffline = errors.New("ward device is not connected")

// GuardianLister finds the guardians watching a ward.
type GuardianLister interface {
	ListByWard(ctx context.Context, wardID string) ([]guardian.Link, error)
}

// Publisher pushes engine state to the ward's devices and linked guardians.
// Every message carries the full current view, so repeats are harmless.
type Publisher struct {
	hub   *Hub
	links GuardianLister
	now   func() time.Time
}

// NewPublisher creates a publisher. now defaults to time.Now.
func NewPublisher(hub *Hub, links GuardianLister, now func() time.Time) *Publisher {
	if now == nil {
		now = time.Now
	}
	return &Publisher{hub: hub, links: links, now: now}
}

// PublishTravelState sends the session to the ward and its guardians.
func (p *Publisher) PublishTravelState(ctx context.Context, wardID string, s travel.Session) error {
	msg, err := NewMessage(TypeTravelState, wardID, projections.Travel(s, p.now()))
	if err != nil {
		return err
	}
	return p.fanout(ctx, wardID, msg)
}

// PublishPrompt sends a safety check to the ward's devices only.
func (p *Publisher) PublishPrompt(_ context.Context, wardID string, pr prompt.Prompt) error {
	msg, err := NewMessage(TypePrompt, wardID, projections.Prompt(pr, p.now()))
	if err != nil {
		return err
	}
	return p.hub.Publish(WardTopic(wardID), msg)
}

// PublishSOSState sends the episode to the ward and its guardians.
func (p *Publisher) PublishSOSState(ctx context.Context, wardID string, e sos.Episode) error {
	msg, err := NewMessage(TypeSOSState, wardID, projections.Episode(e))
	if err != nil {
		return err
	}
	return p.fanout(ctx, wardID, msg)
}

// PublishAdvisory shows a one-off notice on the ward's devices.
func (p *Publisher) PublishAdvisory(_ context.Context, wardID, code, message string) error {
	msg, err := NewMessage(TypeAdvisory, wardID, AdvisoryData{Code: code, Message: message})
	if err != nil {
		return err
	}
	return p.hub.Publish(WardTopic(wardID), msg)
}

// SendCommand delivers a command to a connected ward device.
func (p *Publisher) SendCommand(wardID, typ string, data any) error {
	if !p.hub.Connected(WardTopic(wardID)) {
		return ErrDeviceOffline
	}
	msg, err := NewMessage(typ, wardID, data)
	if err != nil {
		return err
	}
	return p.hub.Publish(WardTopic(wardID), msg)
}

// DeviceConnected reports whether the ward has a live device.
func (p *Publisher) DeviceConnected(wardID string) bool {
	return p.hub.Connected(WardTopic(wardID))
}

func (p *Publisher) fanout(ctx context.Context, wardID string, msg Message) error {
	errs := []error{p.hub.Publish(WardTopic(wardID), msg)}

	links, err := p.links.ListByWard(ctx, wardID)
	if err != nil {
		errs = append(errs, fmt.Errorf("list guardians: %w", err))
	}
	for _, l := range links {
		errs = append(errs, p.hub.Publish(GuardianTopic(l.GuardianID), msg))
	}
	return errors.Join(errs...)
}
