package addresses

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind partitions the address records by the page that owns them.
type Kind string

const (
	// KindGeneral is a hazard address registered on the main map.
	KindGeneral Kind = "general"
	// KindFire is a fire incident address; it carries a cause.
	KindFire Kind = "fire"
	// KindUser is an address a user pinned for themselves.
	KindUser Kind = "user"
	// KindDefault is a seeded, read-only address shown to everyone.
	KindDefault Kind = "default"
)

// TimestampLayout is the wire format for created_at values.
const TimestampLayout = "2006-01-02 15:04:05"

const (
	maxAddressLength = 200
	maxMemoLength    = 300
	maxCauseLength   = 300
)

var (
	// ErrInvalidAddress indicates empty or oversized address text.
	ErrInvalidAddress = errors.New("addresses: invalid address")
	// ErrInvalidMemo indicates oversized memo or cause text.
	ErrInvalidMemo = errors.New("addresses: invalid memo")
	// ErrInvalidKind indicates a kind that cannot be written through the API.
	ErrInvalidKind = errors.New("addresses: invalid kind")
	// ErrInvalidOwner indicates a write without an owning user.
	ErrInvalidOwner = errors.New("addresses: owner required")
	// ErrNotFound indicates no record with the id exists for the kind.
	ErrNotFound = errors.New("addresses: not found")
	// ErrForbidden indicates the caller does not own the record.
	ErrForbidden = errors.New("addresses: forbidden")
)

// Address is the persisted record.
type Address struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Kind      Kind      `gorm:"column:kind;size:16;not null;index:idx_addresses_kind_user,priority:1"`
	Address   string    `gorm:"column:address;size:200;not null"`
	Memo      string    `gorm:"column:memo;size:300"`
	Cause     string    `gorm:"column:cause;size:300"`
	UserID    int64     `gorm:"column:user_id;not null;index:idx_addresses_kind_user,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Address) TableName() string {
	return "addresses"
}

// Entry is an Address joined with its author's username.
type Entry struct {
	Address
	Username string `gorm:"column:username"`
}

// Draft is the caller-supplied content of a create or update.
type Draft struct {
	Address string
	Memo    string
	Cause   string
}

func (d Draft) normalized() (Draft, error) {
	out := Draft{
		Address: strings.TrimSpace(d.Address),
		Memo:    strings.TrimSpace(d.Memo),
		Cause:   strings.TrimSpace(d.Cause),
	}
	if out.Address == "" {
		return Draft{}, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	if len([]rune(out.Address)) > maxAddressLength {
		return Draft{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidAddress, maxAddressLength)
	}
	if len([]rune(out.Memo)) > maxMemoLength {
		return Draft{}, fmt.Errorf("%w: memo exceeds %d characters", ErrInvalidMemo, maxMemoLength)
	}
	if len([]rune(out.Cause)) > maxCauseLength {
		return Draft{}, fmt.Errorf("%w: cause exceeds %d characters", ErrInvalidMemo, maxCauseLength)
	}
	return out, nil
}

// Writable reports whether records of this kind may be created through the API.
func (k Kind) Writable() bool {
	switch k {
	case KindGeneral, KindFire, KindUser:
		return true
	default:
		return false
	}
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Kinds  []Kind
	UserID int64
}
