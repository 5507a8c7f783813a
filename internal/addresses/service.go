package addresses

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "addresses.service.new"
	opCreate     = "addresses.create"
	opList       = "addresses.list"
	opUpdate     = "addresses.update"
	opDelete     = "addresses.delete"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service is the record store behind every address-like endpoint.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Create stores a new record of kind owned by userID.
func (s *Service) Create(ctx context.Context, kind Kind, userID int64, draft Draft) (Entry, error) {
	if s.db == nil {
		s.logError(opCreate, "missing_database", errMissingDatabase)
		return Entry{}, newServiceError(opCreate, "missing_database", errMissingDatabase)
	}
	if !kind.Writable() {
		return Entry{}, ErrInvalidKind
	}
	if userID <= 0 {
		return Entry{}, ErrInvalidOwner
	}
	content, err := draft.normalized()
	if err != nil {
		return Entry{}, err
	}

	record := Address{
		Kind:      kind,
		Address:   content.Address,
		Memo:      content.Memo,
		Cause:     content.Cause,
		UserID:    userID,
		CreatedAt: s.clock().Truncate(time.Second),
	}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.Int64("user_id", userID), zap.String("kind", string(kind)))
		return Entry{}, newServiceError(opCreate, "insert_failed", err)
	}

	return s.reload(ctx, opCreate, record.ID)
}

// List returns every record matching filter in insertion order.
func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if s.db == nil {
		s.logError(opList, "missing_database", errMissingDatabase)
		return nil, newServiceError(opList, "missing_database", errMissingDatabase)
	}

	query := s.joined(ctx)
	if len(filter.Kinds) > 0 {
		query = query.Where("addresses.kind IN ?", filter.Kinds)
	}
	if filter.UserID > 0 {
		query = query.Where("addresses.user_id = ?", filter.UserID)
	}

	var entries []Entry
	if err := query.Order("addresses.id ASC").Find(&entries).Error; err != nil {
		s.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return entries, nil
}

// Update replaces the content of a record the caller owns.
func (s *Service) Update(ctx context.Context, kind Kind, id, callerID int64, draft Draft) (Entry, error) {
	if s.db == nil {
		s.logError(opUpdate, "missing_database", errMissingDatabase)
		return Entry{}, newServiceError(opUpdate, "missing_database", errMissingDatabase)
	}
	content, err := draft.normalized()
	if err != nil {
		return Entry{}, err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockOwned(tx, opUpdate, kind, id, callerID)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{
			"address": content.Address,
			"memo":    content.Memo,
		}
		if kind == KindFire {
			updates["cause"] = content.Cause
		}
		if err := tx.Model(&existing).Updates(updates).Error; err != nil {
			s.logError(opUpdate, "update_failed", err, zap.Int64("address_id", id))
			return newServiceError(opUpdate, "update_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}

	return s.reload(ctx, opUpdate, id)
}

// Delete removes a record the caller owns.
func (s *Service) Delete(ctx context.Context, kind Kind, id, callerID int64) error {
	if s.db == nil {
		s.logError(opDelete, "missing_database", errMissingDatabase)
		return newServiceError(opDelete, "missing_database", errMissingDatabase)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.lockOwned(tx, opDelete, kind, id, callerID)
		if err != nil {
			return err
		}
		if err := tx.Delete(&existing).Error; err != nil {
			s.logError(opDelete, "delete_failed", err, zap.Int64("address_id", id))
			return newServiceError(opDelete, "delete_failed", err)
		}
		return nil
	})
}

func (s *Service) lockOwned(tx *gorm.DB, operation string, kind Kind, id, callerID int64) (Address, error) {
	var existing Address
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND kind = ?", id, kind).
		Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Address{}, ErrNotFound
	}
	if err != nil {
		s.logError(operation, "select_failed", err, zap.Int64("address_id", id))
		return Address{}, newServiceError(operation, "select_failed", err)
	}
	if existing.UserID != callerID {
		return Address{}, ErrForbidden
	}
	return existing, nil
}

func (s *Service) reload(ctx context.Context, operation string, id int64) (Entry, error) {
	var entry Entry
	if err := s.joined(ctx).Where("addresses.id = ?", id).Take(&entry).Error; err != nil {
		s.logError(operation, "reload_failed", err, zap.Int64("address_id", id))
		return Entry{}, newServiceError(operation, "reload_failed", err)
	}
	return entry, nil
}

func (s *Service) joined(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Table("addresses").
		Select("addresses.*, users.username AS username").
		Joins("LEFT JOIN users ON users.id = addresses.user_id")
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("addresses service error", attrs...)
}
