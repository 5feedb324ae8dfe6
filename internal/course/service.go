package course

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"classtrack/internal/docstore"
	"classtrack/internal/metrics"
	"classtrack/internal/model"
)

var (
	ErrCourseNotFound  = errors.New("course not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyEnrolled = errors.New("student already enrolled")
	ErrNotEnrolled     = errors.New("student not enrolled in course")
)

// Service manages courses, their sessions, and enrollment.
type Service struct {
	store docstore.Store
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates a course service.
func NewService(store docstore.Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// CreateCourseInput carries the instructor-provided course attributes.
type CreateCourseInput struct {
	Code         string
	Name         string
	Department   string
	Credits      int
	StartDate    time.Time
	EndDate      time.Time
	InstructorID string
	ThresholdPct float64
}

// CreateCourse persists a new course and indexes it on the instructor.
func (s *Service) CreateCourse(ctx context.Context, in CreateCourseInput) (*model.Course, error) {
	if in.ThresholdPct <= 0 {
		in.ThresholdPct = 75
	}
	course := &model.Course{
		ID:                     uuid.NewString(),
		Code:                   in.Code,
		Name:                   in.Name,
		Department:             in.Department,
		Credits:                in.Credits,
		StartDate:              in.StartDate,
		EndDate:                in.EndDate,
		InstructorID:           in.InstructorID,
		EnrolledStudentIDs:     []string{},
		SessionIDs:             []string{},
		AttendanceThresholdPct: in.ThresholdPct,
		Active:                 true,
		CreatedAt:              s.now(),
	}
	if err := s.store.Create(ctx, model.Courses, course.ID, course); err != nil {
		return nil, fmt.Errorf("persist course: %w", err)
	}
	if err := s.mutateUser(ctx, in.InstructorID, func(u *model.User) {
		u.CourseIDs = appendUnique(u.CourseIDs, course.ID)
	}); err != nil {
		metrics.PropagationFailures.WithLabelValues("instructor_courses").Inc()
		s.log.Warn("instructor course list not updated",
			zap.String("instructor_id", in.InstructorID), zap.Error(err))
	}
	return course, nil
}

// GetCourse fetches one course.
func (s *Service) GetCourse(ctx context.Context, courseID string) (*model.Course, error) {
	var course model.Course
	if err := s.store.Get(ctx, model.Courses, courseID, &course); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrCourseNotFound
		}
		return nil, err
	}
	return &course, nil
}

// Enroll adds the student to the course roster. The roster update is the
// read-modify-write the store serializes; concurrent enrollments cannot lose
// each other. The mirror entry on the student document is a denormalized
// index and is best-effort.
func (s *Service) Enroll(ctx context.Context, courseID, studentID string) error {
	err := s.store.Mutate(ctx, model.Courses, courseID, func(raw []byte) (any, error) {
		var c model.Course
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if contains(c.EnrolledStudentIDs, studentID) {
			return nil, ErrAlreadyEnrolled
		}
		c.EnrolledStudentIDs = append(c.EnrolledStudentIDs, studentID)
		return c, nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrCourseNotFound
	}
	if err != nil {
		return err
	}
	if err := s.mutateUser(ctx, studentID, func(u *model.User) {
		u.EnrolledCourseIDs = appendUnique(u.EnrolledCourseIDs, courseID)
	}); err != nil {
		metrics.PropagationFailures.WithLabelValues("student_courses").Inc()
		s.log.Warn("student course list not updated", zap.String("student_id", studentID), zap.Error(err))
	}
	return nil
}

// Unenroll removes the student from the roster, mirroring Enroll.
func (s *Service) Unenroll(ctx context.Context, courseID, studentID string) error {
	err := s.store.Mutate(ctx, model.Courses, courseID, func(raw []byte) (any, error) {
		var c model.Course
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		if !contains(c.EnrolledStudentIDs, studentID) {
			return nil, ErrNotEnrolled
		}
		c.EnrolledStudentIDs = remove(c.EnrolledStudentIDs, studentID)
		return c, nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrCourseNotFound
	}
	if err != nil {
		return err
	}
	if err := s.mutateUser(ctx, studentID, func(u *model.User) {
		u.EnrolledCourseIDs = remove(u.EnrolledCourseIDs, courseID)
	}); err != nil {
		metrics.PropagationFailures.WithLabelValues("student_courses").Inc()
		s.log.Warn("student course list not updated", zap.String("student_id", studentID), zap.Error(err))
	}
	return nil
}

// CreateSessionInput carries session attributes.
type CreateSessionInput struct {
	CourseID         string
	Title            string
	StartTime        time.Time
	EndTime          time.Time
	Location         string
	LateThresholdMin int
}

// CreateSession persists a session under a course and indexes it there.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*model.Session, error) {
	course, err := s.GetCourse(ctx, in.CourseID)
	if err != nil {
		return nil, err
	}
	if in.LateThresholdMin <= 0 {
		in.LateThresholdMin = 10
	}
	session := &model.Session{
		ID:                  uuid.NewString(),
		CourseID:            course.ID,
		Title:               in.Title,
		StartTime:           in.StartTime,
		EndTime:             in.EndTime,
		Location:            in.Location,
		InstructorID:        course.InstructorID,
		AttendanceRecordIDs: []string{},
		Status:              model.SessionScheduled,
		LateThresholdMin:    in.LateThresholdMin,
		CreatedAt:           s.now(),
	}
	if err := s.store.Create(ctx, model.Sessions, session.ID, session); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	if err := s.store.Mutate(ctx, model.Courses, course.ID, func(raw []byte) (any, error) {
		var c model.Course
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		c.SessionIDs = appendUnique(c.SessionIDs, session.ID)
		return c, nil
	}); err != nil {
		metrics.PropagationFailures.WithLabelValues("course_sessions").Inc()
		s.log.Warn("course session list not updated", zap.String("course_id", course.ID), zap.Error(err))
	}
	return session, nil
}

// GetSession fetches a session with its status recomputed from the clock.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	var session model.Session
	if err := s.store.Get(ctx, model.Sessions, sessionID, &session); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	session.Status = session.StatusAt(s.now())
	return &session, nil
}

// CancelSession puts a session into the sticky terminal CANCELLED state.
func (s *Service) CancelSession(ctx context.Context, sessionID string) error {
	err := s.store.Mutate(ctx, model.Sessions, sessionID, func(raw []byte) (any, error) {
		var sess model.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, err
		}
		sess.Status = model.SessionCancelled
		return sess, nil
	})
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrSessionNotFound
	}
	return err
}

func (s *Service) mutateUser(ctx context.Context, userID string, apply func(*model.User)) error {
	if userID == "" {
		return nil
	}
	return s.store.Mutate(ctx, model.Users, userID, func(raw []byte) (any, error) {
		var u model.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, err
		}
		apply(&u)
		return u, nil
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	if contains(list, v) {
		return list
	}
	return append(list, v)
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}
