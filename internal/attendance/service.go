package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classtrack/internal/barrier"
	"classtrack/internal/docstore"
	"classtrack/internal/metrics"
	"classtrack/internal/model"
	"classtrack/internal/qrcode"
)

// recordNamespace seeds the deterministic record id: one (session, student)
// pair always maps to the same UUID, so the conditional create is the
// uniqueness guard even when two scans race past the duplicate query.
var recordNamespace = uuid.MustParse("9c0f2a0a-5cf5-4f44-9a3b-8f4f6f1d2b7e")

// RecordID derives the attendance-record identity for a (session, student) pair.
func RecordID(sessionID, studentID string) string {
	return uuid.NewSHA1(recordNamespace, []byte(sessionID+"/"+studentID)).String()
}

// Result is the outcome of a successful capture. Settled is closed once the
// three denormalized updates have completed (success or not); the caller's
// success does not wait on it.
type Result struct {
	Record  *model.AttendanceRecord
	Message string
	Settled <-chan struct{}
}

// Service runs the attendance capture pipeline.
type Service struct {
	store docstore.Store
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a capture service.
func NewService(store docstore.Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// Capture validates a scanned payload and records presence for the student.
// Steps run strictly in order and short-circuit: decode, duplicate check,
// QR validity, session activity, then the authoritative record write. After
// that write succeeds the three denormalized copies (QR scan counter, session
// record list, student record list) are updated concurrently and best-effort.
func (s *Service) Capture(ctx context.Context, content, studentID string, loc *model.GeoPoint) (*Result, error) {
	payload, err := qrcode.Decode(content)
	if err != nil {
		metrics.Scans.WithLabelValues("malformed_qr").Inc()
		return nil, ErrMalformedQR
	}

	var existing []model.AttendanceRecord
	err = s.store.Query(ctx, model.AttendanceRecords, docstore.Filter{
		"session_id": payload.SessionID,
		"student_id": studentID,
	}, &existing)
	if err != nil {
		metrics.Scans.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if len(existing) > 0 {
		metrics.Scans.WithLabelValues("duplicate").Inc()
		s.log.Debug("duplicate scan",
			zap.String("session_id", payload.SessionID), zap.String("student_id", studentID))
		return nil, ErrDuplicateAttendance
	}

	var qr model.QRCode
	if err := s.store.Get(ctx, model.QRCodes, payload.QRCodeID, &qr); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			metrics.Scans.WithLabelValues("not_found").Inc()
			return nil, ErrQRNotFound
		}
		metrics.Scans.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("fetch qr code: %w", err)
	}
	now := s.now()
	if !qr.ValidAt(now) {
		metrics.Scans.WithLabelValues("qr_expired").Inc()
		s.log.Debug("expired or inactive qr", zap.String("qr_id", qr.ID))
		return nil, ErrQRExpiredOrInactive
	}

	var session model.Session
	if err := s.store.Get(ctx, model.Sessions, payload.SessionID, &session); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			metrics.Scans.WithLabelValues("not_found").Inc()
			return nil, ErrSessionNotFound
		}
		metrics.Scans.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	if !session.ActiveAt(now) {
		metrics.Scans.WithLabelValues("session_not_active").Inc()
		return nil, ErrSessionNotActive
	}

	courseID := payload.CourseID
	if courseID == "" {
		courseID = session.CourseID
	}

	record := &model.AttendanceRecord{
		ID:        RecordID(session.ID, studentID),
		SessionID: session.ID,
		CourseID:  courseID,
		StudentID: studentID,
		QRCodeID:  qr.ID,
		Timestamp: now,
		Location:  loc,
		Status:    model.DeriveAttendanceStatus("", now, session.StartTime, session.LateThreshold()),
	}

	// Authoritative write. The derived id makes this the real duplicate
	// guard; the query above is only the fast path.
	if err := s.store.CreateIfAbsent(ctx, model.AttendanceRecords, record.ID, record); err != nil {
		if errors.Is(err, docstore.ErrExists) {
			metrics.Scans.WithLabelValues("duplicate").Inc()
			return nil, ErrDuplicateAttendance
		}
		metrics.Scans.WithLabelValues("store_error").Inc()
		return nil, fmt.Errorf("write attendance record: %w", err)
	}
	metrics.Scans.WithLabelValues("ok").Inc()

	settled := s.propagate(ctx, record)

	msg := "attendance recorded"
	switch record.Status {
	case model.AttendanceLate:
		msg = "attendance recorded as late"
	case model.AttendanceAbsent:
		msg = "scan was after the late window; recorded as absent"
	}
	return &Result{Record: record, Message: msg, Settled: settled}, nil
}

// propagate fans out the three denormalized updates and joins them with a
// barrier. Failures are logged and counted, never surfaced: these copies are
// indexes, not truth, and may lag.
func (s *Service) propagate(ctx context.Context, record *model.AttendanceRecord) <-chan struct{} {
	// The response does not wait for these writes; keep them alive past the
	// request context.
	ctx = context.WithoutCancel(ctx)
	b := barrier.New(3, nil)

	go func() {
		defer b.Signal()
		err := s.store.Mutate(ctx, model.QRCodes, record.QRCodeID, func(raw []byte) (any, error) {
			var qr model.QRCode
			if err := json.Unmarshal(raw, &qr); err != nil {
				return nil, err
			}
			qr.ScanCount++
			return qr, nil
		})
		if err != nil {
			metrics.PropagationFailures.WithLabelValues("qr_scan_count").Inc()
			s.log.Warn("scan counter not incremented", zap.String("qr_id", record.QRCodeID), zap.Error(err))
		}
	}()

	go func() {
		defer b.Signal()
		err := s.store.Mutate(ctx, model.Sessions, record.SessionID, func(raw []byte) (any, error) {
			var sess model.Session
			if err := json.Unmarshal(raw, &sess); err != nil {
				return nil, err
			}
			sess.AttendanceRecordIDs = append(sess.AttendanceRecordIDs, record.ID)
			return sess, nil
		})
		if err != nil {
			metrics.PropagationFailures.WithLabelValues("session_records").Inc()
			s.log.Warn("session record list not updated", zap.String("session_id", record.SessionID), zap.Error(err))
		}
	}()

	go func() {
		defer b.Signal()
		err := s.store.Mutate(ctx, model.Users, record.StudentID, func(raw []byte) (any, error) {
			var u model.User
			if err := json.Unmarshal(raw, &u); err != nil {
				return nil, err
			}
			u.AttendanceRecordIDs = append(u.AttendanceRecordIDs, record.ID)
			return u, nil
		})
		if err != nil {
			metrics.PropagationFailures.WithLabelValues("student_records").Inc()
			s.log.Warn("student record list not updated", zap.String("student_id", record.StudentID), zap.Error(err))
		}
	}()

	return b.Done()
}

// Verify marks a record as checked by an instructor or admin.
func (s *Service) Verify(ctx context.Context, recordID, verifierID string) (*model.AttendanceRecord, error) {
	return s.mutateRecord(ctx, recordID, func(rec *model.AttendanceRecord) {
		now := s.now()
		rec.Verified = true
		rec.VerifierID = verifierID
		rec.VerifiedAt = &now
	})
}

// Excuse sets the sticky EXCUSED status; later re-derivation never overwrites it.
func (s *Service) Excuse(ctx context.Context, recordID, verifierID string) (*model.AttendanceRecord, error) {
	return s.mutateRecord(ctx, recordID, func(rec *model.AttendanceRecord) {
		now := s.now()
		rec.Status = model.AttendanceExcused
		rec.Verified = true
		rec.VerifierID = verifierID
		rec.VerifiedAt = &now
	})
}

func (s *Service) mutateRecord(ctx context.Context, recordID string, apply func(*model.AttendanceRecord)) (*model.AttendanceRecord, error) {
	var out model.AttendanceRecord
	err := s.store.Mutate(ctx, model.AttendanceRecords, recordID, func(raw []byte) (any, error) {
		var rec model.AttendanceRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		apply(&rec)
		out = rec
		return rec, nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRecord fetches one record by id.
func (s *Service) GetRecord(ctx context.Context, recordID string) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	if err := s.store.Get(ctx, model.AttendanceRecords, recordID, &rec); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// SessionRecords lists the authoritative records for a session.
func (s *Service) SessionRecords(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	var records []model.AttendanceRecord
	err := s.store.Query(ctx, model.AttendanceRecords, docstore.Filter{"session_id": sessionID}, &records)
	return records, err
}

// CourseRate returns the fraction of a course's started sessions (in
// progress or completed, not cancelled) the student attended. PRESENT, LATE,
// and EXCUSED count as attended. A course with no started sessions rates 1.
func (s *Service) CourseRate(ctx context.Context, courseID, studentID string) (float64, error) {
	var sessions []model.Session
	if err := s.store.Query(ctx, model.Sessions, docstore.Filter{"course_id": courseID}, &sessions); err != nil {
		return 0, err
	}
	now := s.now()
	held := 0
	for i := range sessions {
		switch sessions[i].StatusAt(now) {
		case model.SessionInProgress, model.SessionCompleted:
			held++
		}
	}
	if held == 0 {
		return 1, nil
	}

	var records []model.AttendanceRecord
	err := s.store.Query(ctx, model.AttendanceRecords, docstore.Filter{
		"course_id":  courseID,
		"student_id": studentID,
	}, &records)
	if err != nil {
		return 0, err
	}
	attended := 0
	for i := range records {
		switch records[i].Status {
		case model.AttendancePresent, model.AttendanceLate, model.AttendanceExcused:
			attended++
		}
	}
	return float64(attended) / float64(held), nil
}
