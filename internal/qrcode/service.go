package qrcode

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

// ErrSessionNotFound is returned when issuing against an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Service issues QR codes bound to sessions.
type Service struct {
	store docstore.Store
	log   *zap.Logger
	now   func() time.Time
}

// NewService creates an issuance service.
func NewService(store docstore.Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log, now: time.Now}
}

// Issue creates, persists, and returns a session-attendance QR code along
// with its scannable payload content. The authoritative write is the QR
// document itself; updating the session's current-code reference and the
// instructor's generated list are denormalized bookkeeping and do not fail
// the operation.
func (s *Service) Issue(ctx context.Context, sessionID string, ttl time.Duration) (*model.QRCode, string, error) {
	var session model.Session
	if err := s.store.Get(ctx, model.Sessions, sessionID, &session); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, "", ErrSessionNotFound
		}
		return nil, "", fmt.Errorf("fetch session: %w", err)
	}

	now := s.now()
	qr := &model.QRCode{
		ID:           uuid.NewString(),
		SessionID:    session.ID,
		CourseID:     session.CourseID,
		InstructorID: session.InstructorID,
		Type:         model.QRSessionAttendance,
		GeneratedAt:  now,
		ExpiresAt:    now.Add(ttl),
		Active:       true,
		ScanCount:    0,
	}
	content, err := Encode(NewPayload(qr.ID, qr.SessionID, qr.CourseID, qr.InstructorID, qr.GeneratedAt, qr.ExpiresAt))
	if err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}
	qr.Content = content

	if err := s.store.Create(ctx, model.QRCodes, qr.ID, qr); err != nil {
		return nil, "", fmt.Errorf("persist qr code: %w", err)
	}
	metrics.QRIssued.Inc()

	if err := s.attachToSession(ctx, session.ID, qr.ID); err != nil {
		metrics.PropagationFailures.WithLabelValues("session_current_qr").Inc()
		s.log.Warn("session qr reference not updated",
			zap.String("session_id", session.ID), zap.String("qr_id", qr.ID), zap.Error(err))
	}
	if err := s.recordForInstructor(ctx, session.InstructorID, qr.ID); err != nil {
		metrics.PropagationFailures.WithLabelValues("instructor_generated_qrs").Inc()
		s.log.Warn("instructor generated-list not updated",
			zap.String("instructor_id", session.InstructorID), zap.String("qr_id", qr.ID), zap.Error(err))
	}
	return qr, content, nil
}

func (s *Service) attachToSession(ctx context.Context, sessionID, qrID string) error {
	return s.store.Mutate(ctx, model.Sessions, sessionID, func(raw []byte) (any, error) {
		var sess model.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, err
		}
		sess.CurrentQRCodeID = qrID
		return sess, nil
	})
}

func (s *Service) recordForInstructor(ctx context.Context, instructorID, qrID string) error {
	if instructorID == "" {
		return nil
	}
	return s.store.Mutate(ctx, model.Users, instructorID, func(raw []byte) (any, error) {
		var u model.User
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, err
		}
		u.GeneratedQRIDs = append(u.GeneratedQRIDs, qrID)
		return u, nil
	})
}

// Deactivate turns a code off ahead of its expiry.
func (s *Service) Deactivate(ctx context.Context, qrID string) error {
	return s.store.Mutate(ctx, model.QRCodes, qrID, func(raw []byte) (any, error) {
		var qr model.QRCode
		if err := json.Unmarshal(raw, &qr); err != nil {
			return nil, err
		}
		qr.Active = false
		return qr, nil
	})
}
