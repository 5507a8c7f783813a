package facilities

import (
	"errors"
	"strings"
)

// Type is the declared kind of an emergency facility.
type Type string

const (
	TypeFire    Type = "fire"
	TypeMedical Type = "medical"
)

// ErrInvalidType indicates a facility type filter other than fire or medical.
var ErrInvalidType = errors.New("facilities: invalid type")

// Facility is an emergency facility shown next to hazard markers.
type Facility struct {
	ID      int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Name    string `gorm:"column:name;size:100;not null"`
	Address string `gorm:"column:address;size:200;not null"`
	Type    Type   `gorm:"column:type;size:16;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (Facility) TableName() string {
	return "facilities"
}

// ParseType accepts the query value of a type filter. An empty value means no filter.
func ParseType(raw string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return "", nil
	case TypeFire:
		return TypeFire, nil
	case TypeMedical:
		return TypeMedical, nil
	default:
		return "", ErrInvalidType
	}
}
