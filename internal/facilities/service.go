package facilities

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("database handle is required")

// Service lists seeded facilities.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("facilities: %w", errMissingDatabase)
	}
	return &Service{db: db}, nil
}

// List returns facilities of the given type ordered by id; an empty type lists all.
func (s *Service) List(ctx context.Context, facilityType Type) ([]Facility, error) {
	query := s.db.WithContext(ctx).Model(&Facility{})
	if facilityType != "" {
		query = query.Where("type = ?", facilityType)
	}
	var out []Facility
	if err := query.Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("facilities: list: %w", err)
	}
	return out, nil
}
