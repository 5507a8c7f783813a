package mapview

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Category decides a marker's style and which visibility toggle governs it.
type Category string

const (
	CategoryMine            Category = "mine"
	CategoryOther           Category = "other"
	CategoryFacilityFire    Category = "facility-fire"
	CategoryFacilityMedical Category = "facility-medical"
)

// Categories lists every category in display order.
var Categories = []Category{CategoryMine, CategoryOther, CategoryFacilityFire, CategoryFacilityMedical}

// FacilityType is a facility's declared kind.
type FacilityType string

const (
	FacilityFire    FacilityType = "fire"
	FacilityMedical FacilityType = "medical"
)

// Record is an address-like record as fetched from the store.
type Record struct {
	ID        int64
	Address   string
	Memo      string
	Author    string
	CreatedAt time.Time
	OwnerID   int64
}

// Facility is an emergency facility shown alongside records.
type Facility struct {
	ID      int64
	Name    string
	Address string
	Type    FacilityType
}

// Source separates the id namespaces of records and facilities.
type Source string

const (
	SourceRecord   Source = "record"
	SourceFacility Source = "facility"
)

// Key identifies one registry entry.
type Key struct {
	Source Source `json:"source"`
	ID     int64  `json:"id"`
}

// RecordKey is the registry key for a record id.
func RecordKey(id int64) Key {
	return Key{Source: SourceRecord, ID: id}
}

// FacilityKey is the registry key for a facility id.
func FacilityKey(id int64) Key {
	return Key{Source: SourceFacility, ID: id}
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d", k.Source, k.ID)
}

// categorize derives a record's category from the session's user id.
func categorize(record Record, sessionUserID int64) Category {
	if sessionUserID != 0 && record.OwnerID == sessionUserID {
		return CategoryMine
	}
	return CategoryOther
}

func facilityCategory(facilityType FacilityType) (Category, bool) {
	switch facilityType {
	case FacilityFire:
		return CategoryFacilityFire, true
	case FacilityMedical:
		return CategoryFacilityMedical, true
	default:
		return "", false
	}
}

// Visibility holds the per-category toggles. The zero value hides everything.
type Visibility struct {
	Mine            bool `json:"mine"`
	Other           bool `json:"other"`
	FacilityFire    bool `json:"facility_fire"`
	FacilityMedical bool `json:"facility_medical"`
}

// ShowAll enables every category.
func ShowAll() Visibility {
	return Visibility{Mine: true, Other: true, FacilityFire: true, FacilityMedical: true}
}

// Enabled reports whether category is shown.
func (v Visibility) Enabled(category Category) bool {
	switch category {
	case CategoryMine:
		return v.Mine
	case CategoryOther:
		return v.Other
	case CategoryFacilityFire:
		return v.FacilityFire
	case CategoryFacilityMedical:
		return v.FacilityMedical
	default:
		return false
	}
}

// With returns a copy with category set to on.
func (v Visibility) With(category Category, on bool) Visibility {
	switch category {
	case CategoryMine:
		v.Mine = on
	case CategoryOther:
		v.Other = on
	case CategoryFacilityFire:
		v.FacilityFire = on
	case CategoryFacilityMedical:
		v.FacilityMedical = on
	}
	return v
}

// BuildReport summarises one registry rebuild.
type BuildReport struct {
	Placed  int `json:"placed"`
	Skipped int `json:"skipped"`
	// Stale counts geocode results dropped because a newer rebuild started.
	Stale int `json:"stale"`
}

// SelectOutcome is the result of a selection request.
type SelectOutcome int

const (
	// SelectUnknown means no entry exists for the key; nothing changed.
	SelectUnknown SelectOutcome = iota
	// SelectHidden means the entry exists but its category is filtered out;
	// nothing changed, the caller may give feedback.
	SelectHidden
	// SelectOpened means the map panned to the marker and opened its popup.
	SelectOpened
)

func (o SelectOutcome) String() string {
	switch o {
	case SelectHidden:
		return "hidden"
	case SelectOpened:
		return "opened"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Rebuild after Close.
var ErrClosed = errors.New("mapview: view closed")

const authorPrefix = "작성자: "

func recordContent(record Record) PopupContent {
	content := PopupContent{Title: record.Address, Body: record.Memo}
	if record.Author != "" {
		content.Footer = authorPrefix + record.Author
	}
	return content
}

func sortEntries(entries []EntryState) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Key.Source != entries[j].Key.Source {
			return entries[i].Key.Source > entries[j].Key.Source
		}
		return entries[i].Key.ID < entries[j].Key.ID
	})
}
