package model

import "time"

// Collection names in the document store.
const (
	Courses           = "courses"
	Sessions          = "sessions"
	QRCodes           = "qr_codes"
	AttendanceRecords = "attendance_records"
	Users             = "users"
)

// Role discriminates user variants. The set is closed; code switches on it
// rather than sub-typing.
type Role string

const (
	RoleStudent    Role = "student"
	RoleInstructor Role = "instructor"
	RoleAdmin      Role = "admin"
)

// User is the single user document shape for all roles. Role-specific fields
// are populated only for the matching role and stay empty otherwise.
type User struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash,omitempty"`

	// Student fields. Both lists are denormalized indexes, not sources of
	// truth; they may briefly lag the authoritative records.
	EnrolledCourseIDs   []string `json:"enrolled_course_ids,omitempty"`
	AttendanceRecordIDs []string `json:"attendance_record_ids,omitempty"`

	// Instructor fields.
	CourseIDs      []string `json:"course_ids,omitempty"`
	GeneratedQRIDs []string `json:"generated_qr_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Course owns sessions and an enrollment set.
type Course struct {
	ID                     string    `json:"id"`
	Code                   string    `json:"code"`
	Name                   string    `json:"name"`
	Department             string    `json:"department"`
	Credits                int       `json:"credits"`
	StartDate              time.Time `json:"start_date"`
	EndDate                time.Time `json:"end_date"`
	InstructorID           string    `json:"instructor_id"`
	EnrolledStudentIDs     []string  `json:"enrolled_student_ids"`
	SessionIDs             []string  `json:"session_ids"`
	AttendanceThresholdPct float64   `json:"attendance_threshold_pct"`
	Active                 bool      `json:"active"`
	CreatedAt              time.Time `json:"created_at"`
}

// SessionStatus is derived from the clock on every read; only CANCELLED is
// stored as truth.
type SessionStatus string

const (
	SessionScheduled  SessionStatus = "SCHEDULED"
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionCancelled  SessionStatus = "CANCELLED"
)

// Session is one class meeting within a course.
type Session struct {
	ID                  string        `json:"id"`
	CourseID            string        `json:"course_id"`
	Title               string        `json:"title"`
	StartTime           time.Time     `json:"start_time"`
	EndTime             time.Time     `json:"end_time"`
	Location            string        `json:"location"`
	InstructorID        string        `json:"instructor_id"`
	CurrentQRCodeID     string        `json:"current_qr_code_id,omitempty"`
	AttendanceRecordIDs []string      `json:"attendance_record_ids"`
	Status              SessionStatus `json:"status"`
	LateThresholdMin    int           `json:"late_threshold_min"`
	CreatedAt           time.Time     `json:"created_at"`
}

// StatusAt recomputes the session status from the clock. CANCELLED is sticky
// and overrides the time-based result.
func (s *Session) StatusAt(now time.Time) SessionStatus {
	if s.Status == SessionCancelled {
		return SessionCancelled
	}
	switch {
	case now.Before(s.StartTime):
		return SessionScheduled
	case now.After(s.EndTime):
		return SessionCompleted
	default:
		return SessionInProgress
	}
}

// ActiveAt reports whether attendance may be captured at the given instant.
func (s *Session) ActiveAt(now time.Time) bool {
	return s.Status != SessionCancelled && now.After(s.StartTime) && now.Before(s.EndTime)
}

// LateThreshold returns the late window as a duration.
func (s *Session) LateThreshold() time.Duration {
	return time.Duration(s.LateThresholdMin) * time.Minute
}

// QRType tags what a QR code grants. Only session attendance is exercised by
// the capture pipeline.
type QRType string

const (
	QRSessionAttendance QRType = "session_attendance"
	QRCourseEnrollment  QRType = "course_enrollment"
	QRUserVerification  QRType = "user_verification"
)

// QRCode is one issued code bound to a session.
type QRCode struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	CourseID     string    `json:"course_id"`
	InstructorID string    `json:"instructor_id"`
	Content      string    `json:"content"`
	Type         QRType    `json:"type"`
	GeneratedAt  time.Time `json:"generated_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Active       bool      `json:"active"`
	ScanCount    int       `json:"scan_count"`
}

// ValidAt reports whether the code may be redeemed at the given instant.
// Expiry is inclusive: a scan at exactly ExpiresAt is rejected.
func (q *QRCode) ValidAt(now time.Time) bool {
	return q.Active && now.Before(q.ExpiresAt)
}

// AttendanceStatus classifies a record.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "PRESENT"
	AttendanceLate    AttendanceStatus = "LATE"
	AttendanceAbsent  AttendanceStatus = "ABSENT"
	AttendanceExcused AttendanceStatus = "EXCUSED"
)

// DeriveAttendanceStatus classifies a scan at t against the session start and
// late threshold. EXCUSED is sticky: an existing excused status is returned
// unchanged regardless of t.
func DeriveAttendanceStatus(current AttendanceStatus, t, start time.Time, lateThreshold time.Duration) AttendanceStatus {
	if current == AttendanceExcused {
		return AttendanceExcused
	}
	delta := t.Sub(start)
	switch {
	case delta <= 0:
		return AttendancePresent
	case delta <= lateThreshold:
		return AttendanceLate
	default:
		return AttendanceAbsent
	}
}

// GeoPoint is an optional capture location.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// AttendanceRecord is the authoritative proof of presence. At most one record
// exists per (session, student) pair; the record id is derived from that pair
// so a conditional create enforces the invariant at the store.
type AttendanceRecord struct {
	ID         string           `json:"id"`
	SessionID  string           `json:"session_id"`
	CourseID   string           `json:"course_id"`
	StudentID  string           `json:"student_id"`
	QRCodeID   string           `json:"qr_code_id"`
	Timestamp  time.Time        `json:"timestamp"`
	Location   *GeoPoint        `json:"location,omitempty"`
	Status     AttendanceStatus `json:"status"`
	Verified   bool             `json:"verified"`
	VerifierID string           `json:"verifier_id,omitempty"`
	VerifiedAt *time.Time       `json:"verified_at,omitempty"`
}
