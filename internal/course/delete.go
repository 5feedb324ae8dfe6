package course

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"classtrack/internal/barrier"
	"classtrack/internal/docstore"
	"classtrack/internal/metrics"
	"classtrack/internal/model"
)

// DeleteCourseWithAllData removes a course and everything it owns: every
// session, every QR code and attendance record under those sessions, and the
// back-references held by the instructor and enrolled students.
//
// The course snapshot taken up front drives the whole saga; it is never
// re-fetched. Sessions are cleaned concurrently; within a session, QR and
// record deletion run concurrently and both finish before the session
// document goes. Every step is best-effort cleanup except the final course
// delete, which alone decides the saga's result. Not safe against a
// concurrent delete of the same course; callers are admin-only and rare.
func (s *Service) DeleteCourseWithAllData(ctx context.Context, courseID string) error {
	var course model.Course
	if err := s.store.Get(ctx, model.Courses, courseID, &course); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			metrics.CourseDeletions.WithLabelValues("not_found").Inc()
			return ErrCourseNotFound
		}
		metrics.CourseDeletions.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch course: %w", err)
	}
	instructorID := course.InstructorID
	studentIDs := course.EnrolledStudentIDs
	sessionIDs := course.SessionIDs

	s.log.Info("course deletion started",
		zap.String("course_id", courseID),
		zap.Int("sessions", len(sessionIDs)),
		zap.Int("students", len(studentIDs)))

	sessions := barrier.New(len(sessionIDs), nil)
	for _, sessionID := range sessionIDs {
		go func(id string) {
			defer sessions.Signal()
			s.deleteSessionCascade(ctx, id)
		}(sessionID)
	}
	<-sessions.Done()

	if err := s.mutateUser(ctx, instructorID, func(u *model.User) {
		u.CourseIDs = remove(u.CourseIDs, courseID)
	}); err != nil {
		metrics.PropagationFailures.WithLabelValues("instructor_courses").Inc()
		s.log.Warn("instructor course reference not scrubbed",
			zap.String("instructor_id", instructorID), zap.Error(err))
	}

	students := barrier.New(len(studentIDs), nil)
	for _, studentID := range studentIDs {
		go func(id string) {
			defer students.Signal()
			if err := s.mutateUser(ctx, id, func(u *model.User) {
				u.EnrolledCourseIDs = remove(u.EnrolledCourseIDs, courseID)
			}); err != nil {
				metrics.PropagationFailures.WithLabelValues("student_courses").Inc()
				s.log.Warn("student course reference not scrubbed",
					zap.String("student_id", id), zap.Error(err))
			}
		}(studentID)
	}
	<-students.Done()

	// The only step whose failure the caller sees.
	if err := s.store.Delete(ctx, model.Courses, courseID); err != nil {
		metrics.CourseDeletions.WithLabelValues("error").Inc()
		return fmt.Errorf("delete course: %w", err)
	}
	metrics.CourseDeletions.WithLabelValues("ok").Inc()
	s.log.Info("course deletion finished", zap.String("course_id", courseID))
	return nil
}

// deleteSessionCascade cleans one session: its QR codes and attendance
// records concurrently, then the session document itself.
func (s *Service) deleteSessionCascade(ctx context.Context, sessionID string) {
	groups := barrier.New(2, nil)

	go func() {
		defer groups.Signal()
		s.deleteSessionQRCodes(ctx, sessionID)
	}()
	go func() {
		defer groups.Signal()
		s.deleteSessionRecords(ctx, sessionID)
	}()
	<-groups.Done()

	if err := s.store.Delete(ctx, model.Sessions, sessionID); err != nil {
		metrics.PropagationFailures.WithLabelValues("session_delete").Inc()
		s.log.Warn("session not deleted", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *Service) deleteSessionQRCodes(ctx context.Context, sessionID string) {
	var qrs []model.QRCode
	if err := s.store.Query(ctx, model.QRCodes, docstore.Filter{"session_id": sessionID}, &qrs); err != nil {
		metrics.PropagationFailures.WithLabelValues("qr_delete").Inc()
		s.log.Warn("qr codes not listed for deletion", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	b := barrier.New(len(qrs), nil)
	for i := range qrs {
		go func(qrID string) {
			defer b.Signal()
			if err := s.store.Delete(ctx, model.QRCodes, qrID); err != nil {
				metrics.PropagationFailures.WithLabelValues("qr_delete").Inc()
				s.log.Warn("qr code not deleted", zap.String("qr_id", qrID), zap.Error(err))
			}
		}(qrs[i].ID)
	}
	<-b.Done()
}

// deleteSessionRecords removes every attendance record of the session, first
// scrubbing each record's id from its owning student's list.
func (s *Service) deleteSessionRecords(ctx context.Context, sessionID string) {
	var records []model.AttendanceRecord
	if err := s.store.Query(ctx, model.AttendanceRecords, docstore.Filter{"session_id": sessionID}, &records); err != nil {
		metrics.PropagationFailures.WithLabelValues("record_delete").Inc()
		s.log.Warn("attendance records not listed for deletion", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	b := barrier.New(len(records), nil)
	for i := range records {
		go func(rec model.AttendanceRecord) {
			defer b.Signal()
			if err := s.mutateUser(ctx, rec.StudentID, func(u *model.User) {
				u.AttendanceRecordIDs = remove(u.AttendanceRecordIDs, rec.ID)
			}); err != nil {
				metrics.PropagationFailures.WithLabelValues("student_records").Inc()
				s.log.Warn("student record reference not scrubbed",
					zap.String("student_id", rec.StudentID), zap.String("record_id", rec.ID), zap.Error(err))
			}
			if err := s.store.Delete(ctx, model.AttendanceRecords, rec.ID); err != nil {
				metrics.PropagationFailures.WithLabelValues("record_delete").Inc()
				s.log.Warn("attendance record not deleted", zap.String("record_id", rec.ID), zap.Error(err))
			}
		}(records[i])
	}
	<-b.Done()
}
