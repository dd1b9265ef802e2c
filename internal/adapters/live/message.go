package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Server to client message types.
const (
	TypeTravelState    = "travel_state"
	TypePrompt         = "prompt"
	TypeSOSState       = "sos_state"
	TypeAdvisory       = "advisory"
	TypeCaptureRequest = "capture_request"
	TypeListen         = "listen"
	TypeWardStatus     = "ward_status"
)

// Device to server message types.
const (
	TypeTelemetry  = "telemetry"
	TypeTranscript = "transcript"
	TypeVoiceError = "voice_error"
	TypePing       = "ping"
	TypePong       = "pong"
)

var ErrMissingType = errors.New("message type is required")

// Message is the envelope of every frame on the live channels.
type Message struct {
	Type      string          `json:"type"`
	WardID    string          `json:"ward_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewMessage encodes data into an envelope.
func NewMessage(typ, wardID string, data any) (Message, error) {
	msg := Message{Type: typ, WardID: wardID, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s: %w", typ, err)
		}
		msg.Data = raw
	}
	return msg, nil
}

// ParseMessage decodes an envelope.
func ParseMessage(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, fmt.Errorf("parse message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// TelemetryData is a device status report.
type TelemetryData struct {
	Battery  int      `json:"battery"`
	AreaRisk int      `json:"area_risk"`
	Lat      *float64 `json:"lat,omitempty"`
	Lng      *float64 `json:"lng,omitempty"`
}

// TranscriptData is a piece of on-device speech recognition.
type TranscriptData struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// VoiceErrorData reports that on-device recognition failed.
type VoiceErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ListenData turns on-device recognition on or off.
type ListenData struct {
	Enabled bool `json:"enabled"`
}

// CaptureRequestData asks the device to record and upload audio evidence.
type CaptureRequestData struct {
	EpisodeID       string `json:"episode_id"`
	DurationSeconds int    `json:"duration_seconds"`
	UploadPath      string `json:"upload_path"`
}

// AdvisoryData is a one-off notice shown on the ward's device.
type AdvisoryData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
