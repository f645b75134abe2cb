package gateway

import "sync"

// Viewport is the rectangle of the map a client currently displays.
type Viewport struct {
	Left   int32
	Top    int32
	Right  int32
	Bottom int32
}

// PositionTracker records which part of the room each listener sees.
type PositionTracker interface {
	SetViewport(listenerID string, vp Viewport)
	RemoveViewport(listenerID string)
	Len() int
}

// ViewportSet is an in-memory PositionTracker.
type ViewportSet struct {
	mu        sync.Mutex
	viewports map[string]Viewport
}

// NewViewportSet returns an empty ViewportSet.
func NewViewportSet() *ViewportSet {
	return &ViewportSet{viewports: make(map[string]Viewport)}
}

func (s *ViewportSet) SetViewport(listenerID string, vp Viewport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.viewports[listenerID] = vp
}

func (s *ViewportSet) RemoveViewport(listenerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.viewports, listenerID)
}

func (s *ViewportSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewports)
}

// Viewport returns the viewport recorded for listenerID.
func (s *ViewportSet) Viewport(listenerID string) (Viewport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vp, ok := s.viewports[listenerID]
	return vp, ok
}
