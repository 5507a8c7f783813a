package geocode

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoResult indicates the provider answered but found nothing for the query.
var ErrNoResult = errors.New("geocode: no result")

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (p LatLng) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// Region is the administrative area containing a coordinate.
type Region struct {
	// DisplayName is the full administrative address, for display only.
	DisplayName string `json:"display_name"`
	// SearchKey is the province and district pair used as the alert query.
	SearchKey string `json:"search_key"`
}

// Geocoder resolves addresses to coordinates and coordinates to regions.
type Geocoder interface {
	// Forward converts an address to a coordinate. It returns ErrNoResult when
	// the provider finds no match.
	Forward(ctx context.Context, address string) (LatLng, error)

	// Reverse converts a coordinate to its region.
	Reverse(ctx context.Context, point LatLng) (Region, error)
}
