package mapview

import "github.com/MarcoPoloResearchLab/hazardmap/internal/geocode"

// EventClick is the marker event that opens a popup.
const EventClick = "click"

// ListenerID identifies a registered listener so it can be removed.
type ListenerID uint64

// MarkerStyle selects a marker's appearance.
type MarkerStyle struct {
	Category Category `json:"category"`
	Image    string   `json:"image,omitempty"`
	Width    int      `json:"width,omitempty"`
	Height   int      `json:"height,omitempty"`
}

// PopupContent is the text shown in an info popup.
type PopupContent struct {
	Title  string `json:"title"`
	Body   string `json:"body,omitempty"`
	Footer string `json:"footer,omitempty"`
}

// Surface is the capability set the view needs from a mapping library.
type Surface interface {
	CreateMarker(position geocode.LatLng, style MarkerStyle) Marker
	CreatePopup(content PopupContent) Popup
	PanTo(position geocode.LatLng)
	Center() geocode.LatLng
	AddListener(target Marker, event string, fn func()) ListenerID
	RemoveListener(id ListenerID)
}

// Marker is a placed marker handle. A released marker must not be used again.
type Marker interface {
	Position() geocode.LatLng
	Attach()
	Detach()
	Attached() bool
	Release()
}

// Popup is an info popup handle.
type Popup interface {
	Open(anchor Marker)
	Close()
	IsOpen() bool
}

var styles = map[Category]MarkerStyle{
	CategoryMine:            {Category: CategoryMine, Image: "/marker-mine.png", Width: 34, Height: 42},
	CategoryOther:           {Category: CategoryOther, Image: "/marker-other.png", Width: 34, Height: 42},
	CategoryFacilityFire:    {Category: CategoryFacilityFire, Image: "/fire-truck.png", Width: 24, Height: 24},
	CategoryFacilityMedical: {Category: CategoryFacilityMedical, Image: "/hospital.png", Width: 24, Height: 24},
}

// StyleFor returns the marker style of a category.
func StyleFor(category Category) MarkerStyle {
	if style, ok := styles[category]; ok {
		return style
	}
	return MarkerStyle{Category: category}
}
