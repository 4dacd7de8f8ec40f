// Package coords maps pointer positions on an aspect-fit display surface
// into normalized content coordinates. Pure functions only, no state.
package coords

import "math"

// Point is a normalized position within the displayed content, each axis
// in [0, 1].
type Point struct {
	X float64
	Y float64
}

// Map translates a pointer position (x, y), given relative to the top-left
// of a bounding rect of rectW×rectH, into a normalized position within
// content of intrinsic size contentW×contentH rendered with
// fit-within-bounds (letterbox/pillarbox) semantics.
//
// Returns ok=false when the content dimensions are degenerate or the
// pointer falls in a letterbox margin outside the displayed content.
func Map(rectW, rectH, contentW, contentH, x, y float64) (Point, bool) {
	if contentW <= 0 || contentH <= 0 || rectW <= 0 || rectH <= 0 {
		return Point{}, false
	}

	contentAspect := contentW / contentH
	boxAspect := rectW / rectH

	var dispW, dispH, offX, offY float64
	if contentAspect > boxAspect {
		// Content fills the width, bars top and bottom.
		dispW = rectW
		dispH = rectW / contentAspect
		offY = (rectH - dispH) / 2
	} else {
		// Content fills the height, bars left and right.
		dispH = rectH
		dispW = rectH * contentAspect
		offX = (rectW - dispW) / 2
	}

	cx := x - offX
	cy := y - offY
	if cx < 0 || cx > dispW || cy < 0 || cy > dispH {
		return Point{}, false
	}

	return Point{X: cx / dispW, Y: cy / dispH}, true
}

// Device scales a normalized point to device-pixel coordinates, rounding
// to the nearest pixel.
func (p Point) Device(pixelW, pixelH int) (int, int) {
	return int(math.Round(p.X * float64(pixelW))), int(math.Round(p.Y * float64(pixelH)))
}
