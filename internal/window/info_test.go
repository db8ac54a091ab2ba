package window

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBest_PrefersLargestMatch(t *testing.T) {
	pattern := regexp.MustCompile(`(?i)scrcpy`)
	windows := []Info{
		{ID: 1, Title: "Terminal", Geometry: Geometry{Width: 2000, Height: 2000}},
		{ID: 2, Title: "scrcpy tooltip", Geometry: Geometry{Width: 10, Height: 10}},
		{ID: 3, Title: "Pixel 8", Class: "scrcpy", Geometry: Geometry{Width: 400, Height: 800}},
		{ID: 4, Title: "SCRCPY hidden", Geometry: Geometry{}},
	}

	got, err := Best(windows, pattern)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got.ID)
}

func TestBest_NotFound(t *testing.T) {
	_, err := Best([]Info{{ID: 1, Title: "Firefox", Geometry: Geometry{Width: 1, Height: 1}}}, regexp.MustCompile("glasses"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMark(t *testing.T) {
	pattern := regexp.MustCompile(`Mirroring`)
	marked := Mark([]Info{{Title: "iPhone Mirroring"}, {Title: "Files"}}, pattern)
	assert.True(t, marked[0].Matched)
	assert.False(t, marked[1].Matched)
	assert.False(t, Info{Title: "x"}.Matches(nil))
}
