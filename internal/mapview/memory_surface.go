package mapview

import (
	"fmt"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/hazardmap/internal/geocode"
)

// MemorySurface is a Surface that keeps its state in memory. It backs tests
// and the server-side composition endpoint.
type MemorySurface struct {
	mu        sync.Mutex
	center    geocode.LatLng
	nextID    uint64
	markers   map[uint64]*memoryMarker
	popups    map[uint64]*memoryPopup
	listeners map[ListenerID]memoryListener
	pans      []geocode.LatLng
}

type memoryListener struct {
	markerID uint64
	event    string
	fn       func()
}

// NewMemorySurface creates an empty surface centred on center.
func NewMemorySurface(center geocode.LatLng) *MemorySurface {
	return &MemorySurface{
		center:    center,
		markers:   make(map[uint64]*memoryMarker),
		popups:    make(map[uint64]*memoryPopup),
		listeners: make(map[ListenerID]memoryListener),
	}
}

func (s *MemorySurface) CreateMarker(position geocode.LatLng, style MarkerStyle) Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	marker := &memoryMarker{surface: s, id: s.nextID, position: position, style: style}
	s.markers[marker.id] = marker
	return marker
}

func (s *MemorySurface) CreatePopup(content PopupContent) Popup {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	popup := &memoryPopup{surface: s, id: s.nextID, content: content}
	s.popups[popup.id] = popup
	return popup
}

func (s *MemorySurface) PanTo(position geocode.LatLng) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.center = position
	s.pans = append(s.pans, position)
}

func (s *MemorySurface) Center() geocode.LatLng {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.center
}

func (s *MemorySurface) AddListener(target Marker, event string, fn func()) ListenerID {
	marker, ok := target.(*memoryMarker)
	if !ok {
		panic(fmt.Sprintf("mapview: marker %T does not belong to a MemorySurface", target))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := ListenerID(s.nextID)
	s.listeners[id] = memoryListener{markerID: marker.id, event: event, fn: fn}
	return id
}

func (s *MemorySurface) RemoveListener(id ListenerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

// Click fires the click listeners of marker. Listeners run without the
// surface lock held.
func (s *MemorySurface) Click(target Marker) {
	marker, ok := target.(*memoryMarker)
	if !ok {
		return
	}
	s.mu.Lock()
	var fns []func()
	for _, id := range s.sortedListenerIDs() {
		listener := s.listeners[id]
		if listener.markerID == marker.id && listener.event == EventClick {
			fns = append(fns, listener.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (s *MemorySurface) sortedListenerIDs() []ListenerID {
	ids := make([]ListenerID, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Pans returns every position the surface was panned to, oldest first.
func (s *MemorySurface) Pans() []geocode.LatLng {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]geocode.LatLng, len(s.pans))
	copy(out, s.pans)
	return out
}

// Counts reports live (unreleased) markers, attached markers, open popups and
// registered listeners.
func (s *MemorySurface) Counts() (live, attached, open, listeners int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, marker := range s.markers {
		if marker.released {
			continue
		}
		live++
		if marker.attached {
			attached++
		}
	}
	for _, popup := range s.popups {
		if popup.open {
			open++
		}
	}
	return live, attached, open, len(s.listeners)
}

// MarkerSnapshot describes one attached marker.
type MarkerSnapshot struct {
	Position geocode.LatLng `json:"position"`
	Style    MarkerStyle    `json:"style"`
}

// PopupSnapshot describes the open popup.
type PopupSnapshot struct {
	Anchor  geocode.LatLng `json:"anchor"`
	Content PopupContent   `json:"content"`
}

// SurfaceSnapshot is what a viewer of the surface would currently see.
type SurfaceSnapshot struct {
	Center  geocode.LatLng   `json:"center"`
	Markers []MarkerSnapshot `json:"markers"`
	Popups  []PopupSnapshot  `json:"popups"`
}

// Snapshot returns the attached markers and open popups in creation order.
func (s *MemorySurface) Snapshot() SurfaceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := SurfaceSnapshot{Center: s.center, Markers: []MarkerSnapshot{}, Popups: []PopupSnapshot{}}
	markerIDs := make([]uint64, 0, len(s.markers))
	for id := range s.markers {
		markerIDs = append(markerIDs, id)
	}
	sort.Slice(markerIDs, func(i, j int) bool { return markerIDs[i] < markerIDs[j] })
	for _, id := range markerIDs {
		marker := s.markers[id]
		if marker.released || !marker.attached {
			continue
		}
		out.Markers = append(out.Markers, MarkerSnapshot{Position: marker.position, Style: marker.style})
	}

	popupIDs := make([]uint64, 0, len(s.popups))
	for id := range s.popups {
		popupIDs = append(popupIDs, id)
	}
	sort.Slice(popupIDs, func(i, j int) bool { return popupIDs[i] < popupIDs[j] })
	for _, id := range popupIDs {
		popup := s.popups[id]
		if !popup.open || popup.anchor == nil {
			continue
		}
		out.Popups = append(out.Popups, PopupSnapshot{Anchor: popup.anchor.position, Content: popup.content})
	}
	return out
}

type memoryMarker struct {
	surface  *MemorySurface
	id       uint64
	position geocode.LatLng
	style    MarkerStyle
	attached bool
	released bool
}

func (m *memoryMarker) Position() geocode.LatLng {
	return m.position
}

func (m *memoryMarker) Attach() {
	m.surface.mu.Lock()
	defer m.surface.mu.Unlock()
	m.mustBeLive()
	m.attached = true
}

func (m *memoryMarker) Detach() {
	m.surface.mu.Lock()
	defer m.surface.mu.Unlock()
	m.mustBeLive()
	m.attached = false
}

func (m *memoryMarker) Attached() bool {
	m.surface.mu.Lock()
	defer m.surface.mu.Unlock()
	return m.attached && !m.released
}

func (m *memoryMarker) Release() {
	m.surface.mu.Lock()
	defer m.surface.mu.Unlock()
	m.attached = false
	m.released = true
	delete(m.surface.markers, m.id)
}

func (m *memoryMarker) mustBeLive() {
	if m.released {
		panic(fmt.Sprintf("mapview: marker %d used after release", m.id))
	}
}

type memoryPopup struct {
	surface *MemorySurface
	id      uint64
	content PopupContent
	anchor  *memoryMarker
	open    bool
}

func (p *memoryPopup) Open(anchor Marker) {
	marker, _ := anchor.(*memoryMarker)
	p.surface.mu.Lock()
	defer p.surface.mu.Unlock()
	p.anchor = marker
	p.open = true
}

func (p *memoryPopup) Close() {
	p.surface.mu.Lock()
	defer p.surface.mu.Unlock()
	p.open = false
}

func (p *memoryPopup) IsOpen() bool {
	p.surface.mu.Lock()
	defer p.surface.mu.Unlock()
	return p.open
}
