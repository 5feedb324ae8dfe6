package attendance

import "errors"

// Typed failures of the capture pipeline. Handlers map each to a short
// human-readable message; only store trouble is operator-noise.
var (
	ErrMalformedQR         = errors.New("qr code could not be read")
	ErrQRNotFound          = errors.New("qr code not found")
	ErrQRExpiredOrInactive = errors.New("qr code expired or inactive")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionNotActive    = errors.New("session is not accepting attendance")
	ErrDuplicateAttendance = errors.New("attendance already recorded for this session")
	ErrRecordNotFound      = errors.New("attendance record not found")
)
