package qrcode

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// ErrMalformed is returned when QR content cannot be decoded or is missing
// the required identifiers.
var ErrMalformed = errors.New("malformed qr payload")

// Payload is the JSON carried inside the QR image, base64url-wrapped so the
// content stays an opaque single token. Only QRCodeID and SessionID are
// required on decode; the rest is enrichment.
type Payload struct {
	QRCodeID     string `json:"qrCodeId"`
	SessionID    string `json:"sessionId"`
	CourseID     string `json:"courseId,omitempty"`
	InstructorID string `json:"instructorId,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
	GeneratedAt  int64  `json:"generatedAt"`
}

// Encode wraps the payload as base64url(JSON).
func Encode(p Payload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode reverses Encode. Content that is not base64, not JSON, or missing
// qrCodeId/sessionId yields ErrMalformed.
func Decode(content string) (Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(content)
	if err != nil {
		return Payload{}, ErrMalformed
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, ErrMalformed
	}
	if p.QRCodeID == "" || p.SessionID == "" {
		return Payload{}, ErrMalformed
	}
	return p, nil
}

// NewPayload builds the payload for an issued code.
func NewPayload(qrID, sessionID, courseID, instructorID string, generatedAt, expiresAt time.Time) Payload {
	return Payload{
		QRCodeID:     qrID,
		SessionID:    sessionID,
		CourseID:     courseID,
		InstructorID: instructorID,
		ExpiresAt:    expiresAt.UnixMilli(),
		GeneratedAt:  generatedAt.UnixMilli(),
	}
}
