package course

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"classtrack/internal/docstore"
	"classtrack/internal/model"
)

var clock = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Service, *docstore.Memory) {
	t.Helper()
	store := docstore.NewMemory()
	svc := NewService(store, zap.NewNop())
	svc.now = func() time.Time { return clock }
	return svc, store
}

func seedUser(t *testing.T, store *docstore.Memory, id string, role model.Role) {
	t.Helper()
	require.NoError(t, store.Create(context.Background(), model.Users, id, model.User{ID: id, Role: role}))
}

func TestCreateCourse(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	seedUser(t, store, "inst-1", model.RoleInstructor)

	created, err := svc.CreateCourse(ctx, CreateCourseInput{
		Code:         "CS101",
		Name:         "Intro to Computer Science",
		Department:   "CS",
		Credits:      3,
		InstructorID: "inst-1",
	})
	require.NoError(t, err)
	assert.True(t, created.Active)
	assert.Equal(t, 75.0, created.AttendanceThresholdPct, "default threshold applies")

	var inst model.User
	require.NoError(t, store.Get(ctx, model.Users, "inst-1", &inst))
	assert.Contains(t, inst.CourseIDs, created.ID)
}

func TestEnrollUnenroll(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	seedUser(t, store, "inst-1", model.RoleInstructor)
	seedUser(t, store, "student-1", model.RoleStudent)

	created, err := svc.CreateCourse(ctx, CreateCourseInput{Code: "CS101", Name: "Intro", InstructorID: "inst-1"})
	require.NoError(t, err)

	require.NoError(t, svc.Enroll(ctx, created.ID, "student-1"))
	assert.ErrorIs(t, svc.Enroll(ctx, created.ID, "student-1"), ErrAlreadyEnrolled)

	got, err := svc.GetCourse(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"student-1"}, got.EnrolledStudentIDs)

	var student model.User
	require.NoError(t, store.Get(ctx, model.Users, "student-1", &student))
	assert.Contains(t, student.EnrolledCourseIDs, created.ID)

	require.NoError(t, svc.Unenroll(ctx, created.ID, "student-1"))
	assert.ErrorIs(t, svc.Unenroll(ctx, created.ID, "student-1"), ErrNotEnrolled)

	got, err = svc.GetCourse(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.EnrolledStudentIDs)
}

func TestEnrollUnknownCourse(t *testing.T) {
	svc, _ := setup(t)
	assert.ErrorIs(t, svc.Enroll(context.Background(), "nope", "student-1"), ErrCourseNotFound)
}

func TestConcurrentEnrollmentLosesNoUpdate(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	seedUser(t, store, "inst-1", model.RoleInstructor)

	created, err := svc.CreateCourse(ctx, CreateCourseInput{Code: "CS101", Name: "Intro", InstructorID: "inst-1"})
	require.NoError(t, err)

	const students = 20
	var wg sync.WaitGroup
	for i := 0; i < students; i++ {
		id := fmt.Sprintf("student-%d", i)
		seedUser(t, store, id, model.RoleStudent)
		wg.Add(1)
		go func(sid string) {
			defer wg.Done()
			require.NoError(t, svc.Enroll(ctx, created.ID, sid))
		}(id)
	}
	wg.Wait()

	got, err := svc.GetCourse(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, got.EnrolledStudentIDs, students)
}

func TestCreateSession(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	seedUser(t, store, "inst-1", model.RoleInstructor)

	created, err := svc.CreateCourse(ctx, CreateCourseInput{Code: "CS101", Name: "Intro", InstructorID: "inst-1"})
	require.NoError(t, err)

	session, err := svc.CreateSession(ctx, CreateSessionInput{
		CourseID:  created.ID,
		Title:     "Lecture 1",
		StartTime: clock.Add(time.Hour),
		EndTime:   clock.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "inst-1", session.InstructorID, "instructor comes from the course")
	assert.Equal(t, 10, session.LateThresholdMin, "default late threshold applies")

	got, err := svc.GetCourse(ctx, created.ID)
	require.NoError(t, err)
	assert.Contains(t, got.SessionIDs, session.ID)

	fetched, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionScheduled, fetched.Status)
}

func TestCreateSessionUnknownCourse(t *testing.T) {
	svc, _ := setup(t)
	_, err := svc.CreateSession(context.Background(), CreateSessionInput{CourseID: "nope", Title: "x"})
	assert.ErrorIs(t, err, ErrCourseNotFound)
}

func TestCancelSession(t *testing.T) {
	svc, store := setup(t)
	ctx := context.Background()
	seedUser(t, store, "inst-1", model.RoleInstructor)

	created, err := svc.CreateCourse(ctx, CreateCourseInput{Code: "CS101", Name: "Intro", InstructorID: "inst-1"})
	require.NoError(t, err)
	session, err := svc.CreateSession(ctx, CreateSessionInput{
		CourseID:  created.ID,
		Title:     "Lecture 1",
		StartTime: clock.Add(-time.Hour),
		EndTime:   clock.Add(time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, svc.CancelSession(ctx, session.ID))

	fetched, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionCancelled, fetched.Status, "cancelled overrides the in-progress window")
	assert.False(t, fetched.ActiveAt(clock))

	assert.ErrorIs(t, svc.CancelSession(ctx, "nope"), ErrSessionNotFound)
}
