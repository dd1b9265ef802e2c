// Package email delivers guardian alert emails.
package email

import (
	"context"
	"time"
)

// SendRequest contains the data needed to send an email via an external provider.
type SendRequest struct {
	To      []string // Recipient email addresses
	From    string   // Sender address, e.g. "SafeTrail <alerts@safetrail.app>"; empty uses the sender default
	Subject string
	HTML    string
	Text    string            // Plain-text alternative
	Tags    map[string]string // Provider tags for tracking (episode, kind)
}

// SendResult contains the response from the email provider.
type SendResult struct {
	MessageID string // Provider's message ID for tracking
	SentAt    time.Time
}

// Sender is the interface for sending emails via an external provider.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}
