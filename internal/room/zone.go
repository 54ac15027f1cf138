package room

import "github.com/meridian-spaces/relay/internal/protocol"

// zone is one spatial cell of a room. It exists only while at least one
// member listens to it.
type zone struct {
	cell      protocol.Cell
	listeners map[string]*member // connection id → member
}

func newZone(cell protocol.Cell) *zone {
	return &zone{
		cell:      cell,
		listeners: make(map[string]*member),
	}
}

// floorDiv is integer division rounding toward negative infinity, so cells
// tile correctly across negative room coordinates.
func floorDiv(a, b int32) int32 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// cellsForViewport returns the set of cells whose bounds intersect the
// viewport rectangle for the given cell dimensions.
//
// Precondition: width and height must be >= 1.
func cellsForViewport(vp protocol.Viewport, width, height int32) map[protocol.Cell]struct{} {
	cells := make(map[protocol.Cell]struct{})
	if vp.Right < vp.Left || vp.Bottom < vp.Top {
		return cells
	}
	minX := floorDiv(vp.Left, width)
	maxX := floorDiv(vp.Right, width)
	minY := floorDiv(vp.Top, height)
	maxY := floorDiv(vp.Bottom, height)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			cells[protocol.Cell{X: x, Y: y}] = struct{}{}
		}
	}
	return cells
}

// cellForPosition returns the cell containing a point.
func cellForPosition(pos protocol.Position, width, height int32) protocol.Cell {
	return protocol.Cell{
		X: floorDiv(pos.X, width),
		Y: floorDiv(pos.Y, height),
	}
}
