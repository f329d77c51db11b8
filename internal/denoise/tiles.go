package denoise

import (
	"fmt"
	"image"
)

// TileDescriptor is one tile of a tiled run. Inner regions of all tiles
// partition the image; Input is Inner grown by the overlap and clipped to
// the image.
type TileDescriptor struct {
	Index int
	Inner image.Rectangle
	Input image.Rectangle
}

func (t TileDescriptor) Origin() image.Point { return t.Inner.Min }

// Margins returns the overlap actually available on each side.
func (t TileDescriptor) Margins() (left, top, right, bottom int) {
	return t.Inner.Min.X - t.Input.Min.X,
		t.Inner.Min.Y - t.Input.Min.Y,
		t.Input.Max.X - t.Inner.Max.X,
		t.Input.Max.Y - t.Inner.Max.Y
}

// InputOffset locates Inner inside Input.
func (t TileDescriptor) InputOffset() (x, y int) {
	return t.Inner.Min.X - t.Input.Min.X, t.Inner.Min.Y - t.Input.Min.Y
}

func (t TileDescriptor) String() string {
	l, tp, r, b := t.Margins()
	return fmt.Sprintf("tile %d %v margins l=%d t=%d r=%d b=%d", t.Index, t.Inner, l, tp, r, b)
}

// TileCount is ceil(w/tw) * ceil(h/th).
func TileCount(width, height, tileWidth, tileHeight int) int {
	if width <= 0 || height <= 0 || tileWidth <= 0 || tileHeight <= 0 {
		return 0
	}
	return ((width + tileWidth - 1) / tileWidth) * ((height + tileHeight - 1) / tileHeight)
}

// ComputeTiles scans the image in row-major order with stride exactly the
// tile size. The result depends only on the arguments.
func ComputeTiles(width, height, tileWidth, tileHeight, overlap int) ([]TileDescriptor, error) {
	if width <= 0 || height <= 0 {
		return nil, newError(KindInvalidArgument, "compute tiles", fmt.Errorf("invalid image size %dx%d", width, height))
	}
	if tileWidth <= 0 || tileHeight <= 0 {
		return nil, newError(KindInvalidArgument, "compute tiles", fmt.Errorf("invalid tile size %dx%d", tileWidth, tileHeight))
	}
	if overlap < 0 {
		return nil, newError(KindInvalidArgument, "compute tiles", fmt.Errorf("negative overlap %d", overlap))
	}

	bounds := image.Rect(0, 0, width, height)
	tiles := make([]TileDescriptor, 0, TileCount(width, height, tileWidth, tileHeight))
	for y := 0; y < height; y += tileHeight {
		for x := 0; x < width; x += tileWidth {
			inner := image.Rect(x, y, x+tileWidth, y+tileHeight).Intersect(bounds)
			input := image.Rect(
				inner.Min.X-overlap, inner.Min.Y-overlap,
				inner.Max.X+overlap, inner.Max.Y+overlap,
			).Intersect(bounds)
			tiles = append(tiles, TileDescriptor{Index: len(tiles), Inner: inner, Input: input})
		}
	}
	return tiles, nil
}
