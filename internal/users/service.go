package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/auth"
	"gorm.io/gorm"
)

var (
	// ErrInvalidCredentials indicates an unknown username or a wrong password.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrDuplicateUsername indicates the username is already registered.
	ErrDuplicateUsername = errors.New("users: username already registered")
	// ErrInvalidUsername indicates an empty or oversized username.
	ErrInvalidUsername = errors.New("users: invalid username")
	// ErrInvalidPassword indicates a password that is too short.
	ErrInvalidPassword = errors.New("users: invalid password")
	// ErrNotFound indicates the requested account does not exist.
	ErrNotFound = errors.New("users: not found")
)

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service registers and authenticates accounts.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	names sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Register creates an account for username with the supplied password.
func (s *Service) Register(ctx context.Context, username, password string) (User, error) {
	name := normalize(username)
	if name == "" || len(name) > maxUsernameLength {
		return User{}, ErrInvalidUsername
	}
	if len(password) < minPasswordLength {
		return User{}, ErrInvalidPassword
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("username = ?", name).Count(&existing).Error; err != nil {
		return User{}, err
	}
	if existing > 0 {
		return User{}, ErrDuplicateUsername
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return User{}, err
	}
	user := User{
		Username:     name,
		PasswordHash: hash,
		CreatedAt:    s.now(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ErrDuplicateUsername
		}
		return User{}, err
	}
	s.names.Store(user.ID, user.Username)
	return user, nil
}

// Authenticate verifies the username/password pair and returns the account.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	name := normalize(username)
	if name == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}

	var user User
	err := s.db.WithContext(ctx).Where("username = ?", name).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if err := auth.ComparePassword(user.PasswordHash, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	s.names.Store(user.ID, user.Username)
	return user, nil
}

// Username resolves a display name for the account, caching the answer.
func (s *Service) Username(ctx context.Context, userID int64) (string, error) {
	if cached, ok := s.names.Load(userID); ok {
		if name, ok := cached.(string); ok {
			return name, nil
		}
	}
	var user User
	err := s.db.WithContext(ctx).Select("id", "username").Where("id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	s.names.Store(user.ID, user.Username)
	return user.Username, nil
}
