package attendance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classtrack/internal/docstore"
	"classtrack/internal/model"
	"classtrack/internal/qrcode"
)

// sessionStart is T in the capture scenarios; the clock is moved per test.
var sessionStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *docstore.Memory
	content string
	qrID    string
}

// newFixture seeds an active session (late threshold 10 minutes), a valid QR
// code, and a student, with the service clock frozen at the given instant.
func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	ctx := context.Background()
	store := docstore.NewMemory()

	session := model.Session{
		ID:               "sess-1",
		CourseID:         "course-1",
		InstructorID:     "inst-1",
		StartTime:        sessionStart,
		EndTime:          sessionStart.Add(time.Hour),
		Status:           model.SessionScheduled,
		LateThresholdMin: 10,
	}
	require.NoError(t, store.Create(ctx, model.Sessions, session.ID, session))

	qr := model.QRCode{
		ID:        "qr-1",
		SessionID: session.ID,
		CourseID:  session.CourseID,
		Active:    true,
		ExpiresAt: sessionStart.Add(30 * time.Minute),
	}
	content, err := qrcode.Encode(qrcode.NewPayload(qr.ID, session.ID, session.CourseID, session.InstructorID, sessionStart, qr.ExpiresAt))
	require.NoError(t, err)
	qr.Content = content
	require.NoError(t, store.Create(ctx, model.QRCodes, qr.ID, qr))

	require.NoError(t, store.Create(ctx, model.Users, "student-1", model.User{
		ID: "student-1", Role: model.RoleStudent,
	}))

	svc := NewService(store, zap.NewNop())
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, store: store, content: content, qrID: qr.ID}
}

func (f *fixture) recordCount(t *testing.T) int {
	t.Helper()
	var records []model.AttendanceRecord
	require.NoError(t, f.store.Query(context.Background(), model.AttendanceRecords, docstore.Filter{}, &records))
	return len(records)
}

func TestCaptureLate(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))

	result, err := f.svc.Capture(context.Background(), f.content, "student-1", nil)
	require.NoError(t, err)
	assert.Equal(t, model.AttendanceLate, result.Record.Status)
	assert.Equal(t, "course-1", result.Record.CourseID)
	assert.Equal(t, "qr-1", result.Record.QRCodeID)
	assert.Equal(t, RecordID("sess-1", "student-1"), result.Record.ID)
}

func TestCaptureTooLateIsRecordedAbsent(t *testing.T) {
	f := newFixture(t, sessionStart.Add(15*time.Minute))

	result, err := f.svc.Capture(context.Background(), f.content, "student-1", nil)
	require.NoError(t, err, "a too-late scan still produces a record")
	assert.Equal(t, model.AttendanceAbsent, result.Record.Status)
	assert.Equal(t, 1, f.recordCount(t))
}

func TestCapturePropagation(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()

	result, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	require.NoError(t, err)

	select {
	case <-result.Settled:
	case <-time.After(time.Second):
		t.Fatal("fan-out never settled")
	}

	var qr model.QRCode
	require.NoError(t, f.store.Get(ctx, model.QRCodes, f.qrID, &qr))
	assert.Equal(t, 1, qr.ScanCount)

	var session model.Session
	require.NoError(t, f.store.Get(ctx, model.Sessions, "sess-1", &session))
	assert.Contains(t, session.AttendanceRecordIDs, result.Record.ID)

	var student model.User
	require.NoError(t, f.store.Get(ctx, model.Users, "student-1", &student))
	assert.Contains(t, student.AttendanceRecordIDs, result.Record.ID)
}

func TestCaptureSucceedsWhenPropagationTargetMissing(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()
	require.NoError(t, f.store.Delete(ctx, model.Users, "student-1"))

	result, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	require.NoError(t, err, "denormalized updates are best-effort")
	<-result.Settled
	assert.Equal(t, 1, f.recordCount(t))
}

func TestCaptureDuplicate(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()

	first, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	require.NoError(t, err)
	<-first.Settled

	_, err = f.svc.Capture(ctx, f.content, "student-1", nil)
	assert.ErrorIs(t, err, ErrDuplicateAttendance)
	assert.Equal(t, 1, f.recordCount(t))
}

func TestCaptureUniquenessUnderConcurrency(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Capture(ctx, f.content, "student-1", nil)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrDuplicateAttendance)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent scan may win")
	assert.Equal(t, 1, f.recordCount(t))
}

func TestCaptureMalformedContent(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	_, err := f.svc.Capture(context.Background(), "not a payload", "student-1", nil)
	assert.ErrorIs(t, err, ErrMalformedQR)
	assert.Zero(t, f.recordCount(t))
}

func TestCaptureQRNotFound(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	content, err := qrcode.Encode(qrcode.NewPayload("qr-missing", "sess-1", "", "", sessionStart, sessionStart.Add(time.Hour)))
	require.NoError(t, err)

	_, err = f.svc.Capture(context.Background(), content, "student-1", nil)
	assert.ErrorIs(t, err, ErrQRNotFound)
	assert.Zero(t, f.recordCount(t))
}

func TestCaptureExpiredQRWritesNothing(t *testing.T) {
	// QR expires 30 minutes in; scan at 40.
	f := newFixture(t, sessionStart.Add(40*time.Minute))

	_, err := f.svc.Capture(context.Background(), f.content, "student-1", nil)
	assert.ErrorIs(t, err, ErrQRExpiredOrInactive)
	assert.Zero(t, f.recordCount(t))
}

func TestCaptureInactiveQR(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()

	var qr model.QRCode
	require.NoError(t, f.store.Get(ctx, model.QRCodes, f.qrID, &qr))
	qr.Active = false
	require.NoError(t, f.store.Update(ctx, model.QRCodes, f.qrID, qr))

	_, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	assert.ErrorIs(t, err, ErrQRExpiredOrInactive)
	assert.Zero(t, f.recordCount(t))
}

func TestCaptureSessionMissing(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()
	require.NoError(t, f.store.Delete(ctx, model.Sessions, "sess-1"))

	_, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Zero(t, f.recordCount(t))
}

func TestCaptureCancelledSessionWritesNothing(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()

	var session model.Session
	require.NoError(t, f.store.Get(ctx, model.Sessions, "sess-1", &session))
	session.Status = model.SessionCancelled
	require.NoError(t, f.store.Update(ctx, model.Sessions, "sess-1", session))

	_, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.Zero(t, f.recordCount(t))
}

func TestCaptureBeforeSessionStart(t *testing.T) {
	f := newFixture(t, sessionStart.Add(-2*time.Minute))
	_, err := f.svc.Capture(context.Background(), f.content, "student-1", nil)
	assert.ErrorIs(t, err, ErrSessionNotActive)
	assert.Zero(t, f.recordCount(t))
}

func TestCaptureCourseIDFallsBackToSession(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	content, err := qrcode.Encode(qrcode.Payload{
		QRCodeID:  f.qrID,
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	result, err := f.svc.Capture(context.Background(), content, "student-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "course-1", result.Record.CourseID)
}

func TestVerify(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()

	result, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	require.NoError(t, err)
	<-result.Settled

	rec, err := f.svc.Verify(ctx, result.Record.ID, "inst-1")
	require.NoError(t, err)
	assert.True(t, rec.Verified)
	assert.Equal(t, "inst-1", rec.VerifierID)
	require.NotNil(t, rec.VerifiedAt)
	assert.Equal(t, model.AttendanceLate, rec.Status, "verification does not change status")
}

func TestExcuseIsSticky(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()

	result, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	require.NoError(t, err)
	<-result.Settled

	rec, err := f.svc.Excuse(ctx, result.Record.ID, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, model.AttendanceExcused, rec.Status)

	// Re-derivation must never overwrite EXCUSED.
	derived := model.DeriveAttendanceStatus(rec.Status, sessionStart.Add(2*time.Hour), sessionStart, 10*time.Minute)
	assert.Equal(t, model.AttendanceExcused, derived)
}

func TestVerifyMissingRecord(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	_, err := f.svc.Verify(context.Background(), "nope", "inst-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestCourseRate(t *testing.T) {
	f := newFixture(t, sessionStart.Add(5*time.Minute))
	ctx := context.Background()

	// A second, completed session the student missed.
	missed := model.Session{
		ID:        "sess-0",
		CourseID:  "course-1",
		StartTime: sessionStart.Add(-48 * time.Hour),
		EndTime:   sessionStart.Add(-47 * time.Hour),
	}
	require.NoError(t, f.store.Create(ctx, model.Sessions, missed.ID, missed))

	result, err := f.svc.Capture(ctx, f.content, "student-1", nil)
	require.NoError(t, err)
	<-result.Settled

	rate, err := f.svc.CourseRate(ctx, "course-1", "student-1")
	require.NoError(t, err)
	assert.InDelta(t, 0.5, rate, 1e-9, "attended 1 of 2 started sessions")
}
