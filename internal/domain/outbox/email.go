package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNoRecipients = errors.New("email payload has no recipients")

// EmailPayload is the replayable body of an email action.
type EmailPayload struct {
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text,omitempty"`
	Tags    map[string]string `json:"tags,omitempty"`
}

// Encode serialises the payload for storage in an Entry.
func (p EmailPayload) Encode() (string, error) {
	if len(p.To) == 0 {
		return "", ErrNoRecipients
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode email payload: %w", err)
	}
	return string(b), nil
}

// DecodeEmailPayload parses a stored payload.
func DecodeEmailPayload(raw string) (EmailPayload, error) {
	var p EmailPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return EmailPayload{}, fmt.Errorf("decode email payload: %w", err)
	}
	if len(p.To) == 0 {
		return EmailPayload{}, ErrNoRecipients
	}
	return p, nil
}
