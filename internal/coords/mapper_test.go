package coords

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMap_CenterMapsToCenter(t *testing.T) {
	tests := []struct {
		name                       string
		rectW, rectH               float64
		contentW, contentH         float64
	}{
		{"same aspect", 1920, 1080, 1920, 1080},
		{"portrait content in landscape box", 1600, 900, 750, 1334},
		{"landscape content in portrait box", 900, 1600, 1920, 1080},
		{"tiny box", 10, 10, 2732, 2048},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, ok := Map(tt.rectW, tt.rectH, tt.contentW, tt.contentH, tt.rectW/2, tt.rectH/2)
			require.True(t, ok)
			assert.InDelta(t, 0.5, p.X, 1e-9)
			assert.InDelta(t, 0.5, p.Y, 1e-9)
		})
	}
}

func TestMap_LetterboxMarginFails(t *testing.T) {
	// 750×1334 portrait content centered in a 1600×900 box is pillarboxed:
	// displayed width = 900*(750/1334) ≈ 505.9, offset ≈ 547 either side.
	_, ok := Map(1600, 900, 750, 1334, 100, 450)
	assert.False(t, ok, "pointer in the left pillarbox margin must not map")

	_, ok = Map(1600, 900, 750, 1334, 1500, 450)
	assert.False(t, ok, "pointer in the right pillarbox margin must not map")

	// Landscape content in a portrait box letterboxes top/bottom.
	_, ok = Map(900, 1600, 1920, 1080, 450, 50)
	assert.False(t, ok, "pointer in the top letterbox margin must not map")
}

func TestMap_EdgesInclusive(t *testing.T) {
	p, ok := Map(1000, 1000, 500, 500, 0, 0)
	require.True(t, ok)
	assert.Equal(t, Point{0, 0}, p)

	p, ok = Map(1000, 1000, 500, 500, 1000, 1000)
	require.True(t, ok)
	assert.Equal(t, Point{1, 1}, p)
}

func TestMap_DegenerateInputsFail(t *testing.T) {
	tests := []struct {
		name                                 string
		rectW, rectH, contentW, contentH float64
	}{
		{"zero content width", 800, 600, 0, 1080},
		{"zero content height", 800, 600, 1920, 0},
		{"negative content", 800, 600, -1, -1},
		{"zero rect", 0, 0, 1920, 1080},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Map(tt.rectW, tt.rectH, tt.contentW, tt.contentH, 10, 10)
			assert.False(t, ok)
		})
	}
}

func TestMap_Idempotent(t *testing.T) {
	first, ok1 := Map(1280, 720, 828, 1792, 640, 360)
	second, ok2 := Map(1280, 720, 828, 1792, 640, 360)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second)
}

func TestDevice_ScalesAndRounds(t *testing.T) {
	x, y := Point{X: 0.5, Y: 0.5}.Device(750, 1334)
	assert.Equal(t, 375, x)
	assert.Equal(t, 667, y)

	x, y = Point{X: 1, Y: 0}.Device(1080, 1920)
	assert.Equal(t, 1080, x)
	assert.Equal(t, 0, y)
}
