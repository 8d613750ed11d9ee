package vocscale

// Bounding box geometry.

// BoundingBox is an axis-aligned box in absolute pixel coordinates.
type BoundingBox struct {
	XMin, YMin, XMax, YMax int
}

// Width is the horizontal extent of the box.
func (b BoundingBox) Width() int {
	return b.XMax - b.XMin
}

// Height is the vertical extent of the box.
func (b BoundingBox) Height() int {
	return b.YMax - b.YMin
}

// ImageExtent is the pixel size of the image an annotation file describes.
type ImageExtent struct {
	Width, Height int
}

// ScaleBox grows (positive factor) or shrinks (negative factor) the box
// symmetrically around its center by factor times each half-extent, then
// clamps every coordinate to [0, extent].
//
// The clamp is applied unconditionally. A factor of -1 or less collapses or
// inverts the box, and a box touching a border can come out with min > max;
// such boxes are returned as computed, not corrected.
func ScaleBox(box BoundingBox, extent ImageExtent, factor float64) BoundingBox {
	halfW := float64(box.XMax-box.XMin) / 2
	halfH := float64(box.YMax-box.YMin) / 2

	// One delta per axis, truncated toward zero, applied to both edges.
	dx := int(halfW * factor)
	dy := int(halfH * factor)

	box.XMin -= dx
	box.XMax += dx
	box.YMin -= dy
	box.YMax += dy

	// For factors >= -1 each coordinate stays on its own side of the box
	// center and only one bound can bind; below that the box inverts and
	// both bounds apply.
	box.XMax = max(0, min(extent.Width, box.XMax))
	box.XMin = max(0, min(extent.Width, box.XMin))
	box.YMax = max(0, min(extent.Height, box.YMax))
	box.YMin = max(0, min(extent.Height, box.YMin))

	return box
}
