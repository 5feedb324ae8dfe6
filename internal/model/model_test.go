package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestSessionStatusAt(t *testing.T) {
	session := Session{
		StartTime: base,
		EndTime:   base.Add(time.Hour),
		Status:    SessionScheduled,
	}

	tests := []struct {
		name string
		now  time.Time
		want SessionStatus
	}{
		{"before start", base.Add(-time.Minute), SessionScheduled},
		{"at start", base, SessionInProgress},
		{"mid session", base.Add(30 * time.Minute), SessionInProgress},
		{"at end", base.Add(time.Hour), SessionInProgress},
		{"after end", base.Add(time.Hour + time.Second), SessionCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, session.StatusAt(tt.now))
		})
	}
}

func TestCancelledIsSticky(t *testing.T) {
	session := Session{
		StartTime: base,
		EndTime:   base.Add(time.Hour),
		Status:    SessionCancelled,
	}
	for _, now := range []time.Time{base.Add(-time.Hour), base.Add(time.Minute), base.Add(2 * time.Hour)} {
		assert.Equal(t, SessionCancelled, session.StatusAt(now))
		assert.False(t, session.ActiveAt(now))
	}
}

func TestSessionActiveAt(t *testing.T) {
	session := Session{StartTime: base, EndTime: base.Add(time.Hour)}

	assert.False(t, session.ActiveAt(base), "boundary start is not active")
	assert.True(t, session.ActiveAt(base.Add(time.Second)))
	assert.False(t, session.ActiveAt(base.Add(time.Hour)), "boundary end is not active")
	assert.False(t, session.ActiveAt(base.Add(-time.Second)))
}

func TestQRCodeValidAt(t *testing.T) {
	qr := QRCode{Active: true, ExpiresAt: base.Add(5 * time.Minute)}

	assert.True(t, qr.ValidAt(base))
	assert.True(t, qr.ValidAt(base.Add(5*time.Minute-time.Nanosecond)))
	assert.False(t, qr.ValidAt(base.Add(5*time.Minute)), "expiry instant is invalid")
	assert.False(t, qr.ValidAt(base.Add(6*time.Minute)))

	qr.Active = false
	assert.False(t, qr.ValidAt(base), "inactive code is invalid regardless of time")
}

func TestDeriveAttendanceStatus(t *testing.T) {
	threshold := 10 * time.Minute

	tests := []struct {
		name string
		t    time.Time
		want AttendanceStatus
	}{
		{"before start", base.Add(-2 * time.Minute), AttendancePresent},
		{"exactly at start", base, AttendancePresent},
		{"within threshold", base.Add(5 * time.Minute), AttendanceLate},
		{"exactly at threshold", base.Add(threshold), AttendanceLate},
		{"one minute past threshold", base.Add(threshold + time.Minute), AttendanceAbsent},
		{"way past threshold", base.Add(15 * time.Minute), AttendanceAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveAttendanceStatus("", tt.t, base, threshold))
		})
	}
}

func TestExcusedIsSticky(t *testing.T) {
	got := DeriveAttendanceStatus(AttendanceExcused, base.Add(time.Hour), base, 10*time.Minute)
	assert.Equal(t, AttendanceExcused, got)
}
