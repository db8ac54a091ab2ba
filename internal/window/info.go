// Package window locates the mirroring application window on the X server.
package window

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// ErrNotFound is returned when no window matches the title pattern.
var ErrNotFound = errors.New("window: no matching window")

// Geometry is a window's position and size in root coordinates.
type Geometry struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns width times height.
func (g Geometry) Area() int {
	return g.Width * g.Height
}

// Info describes one top-level window.
type Info struct {
	ID       uint32   `json:"id"`
	Title    string   `json:"title"`
	Class    string   `json:"class"`
	PID      int      `json:"pid"`
	Geometry Geometry `json:"geometry"`
	Matched  bool     `json:"matched,omitempty"`
}

func (i Info) String() string {
	return fmt.Sprintf("0x%x %q (%s) %dx%d", i.ID, i.Title, i.Class, i.Geometry.Width, i.Geometry.Height)
}

// Matches reports whether the title or class matches pattern.
func (i Info) Matches(pattern *regexp.Regexp) bool {
	if pattern == nil {
		return false
	}
	return pattern.MatchString(i.Title) || pattern.MatchString(i.Class)
}

// Mark sets Matched on every window that matches pattern.
func Mark(windows []Info, pattern *regexp.Regexp) []Info {
	out := make([]Info, len(windows))
	for i, w := range windows {
		w.Matched = w.Matches(pattern)
		out[i] = w
	}
	return out
}

// Best picks the matching window with the largest visible area. Mirroring
// apps often own small helper windows with the same title.
func Best(windows []Info, pattern *regexp.Regexp) (Info, error) {
	var candidates []Info
	for _, w := range windows {
		if w.Matches(pattern) && w.Geometry.Area() > 0 {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return Info{}, fmt.Errorf("%w for %q", ErrNotFound, pattern)
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].Geometry.Area() > candidates[b].Geometry.Area()
	})
	return candidates[0], nil
}
