package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"classtrack/internal/docstore"
	"classtrack/internal/model"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// Service resolves credentials to user identities. The core workflows only
// ever see the resolved user id and role.
type Service struct {
	store docstore.Store
}

// NewUserService creates the credential service.
func NewUserService(store docstore.Store) *Service {
	return &Service{store: store}
}

// Register creates a user with a bcrypt password hash. The email doubles as
// the lookup key via an equality query on the users collection.
func (s *Service) Register(ctx context.Context, name, email, password string, role model.Role) (*model.User, error) {
	var existing []model.User
	if err := s.store.Query(ctx, model.Users, docstore.Filter{"email": email}, &existing); err != nil {
		return nil, fmt.Errorf("email lookup: %w", err)
	}
	if len(existing) > 0 {
		return nil, ErrEmailTaken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &model.User{
		ID:           uuid.NewString(),
		Role:         role,
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.Create(ctx, model.Users, user.ID, user); err != nil {
		return nil, fmt.Errorf("persist user: %w", err)
	}
	return user, nil
}

// Authenticate checks credentials and returns the matching user.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*model.User, error) {
	var matched []model.User
	if err := s.store.Query(ctx, model.Users, docstore.Filter{"email": email}, &matched); err != nil {
		return nil, fmt.Errorf("email lookup: %w", err)
	}
	if len(matched) == 0 {
		return nil, ErrInvalidCredentials
	}
	user := matched[0]
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}
	return &user, nil
}
