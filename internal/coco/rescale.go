package coco

// Rescale maps every bounding box into the coordinate system of a
// letterboxed image: coordinates are scaled, then shifted by the padding
// offsets, and the recorded image dimensions are rewritten to the square
// target size. Box extents are scaled without the offset.
func (d *Document) Rescale(scale float64, padLeft, padTop, targetSize int) {
	for i := range d.Annotations {
		b := &d.Annotations[i].BBox
		b[0] = b[0]*scale + float64(padLeft)
		b[1] = b[1]*scale + float64(padTop)
		b[2] *= scale
		b[3] *= scale
		if d.Annotations[i].Area != 0 {
			d.Annotations[i].Area *= scale * scale
		}
	}
	for i := range d.Images {
		d.Images[i].Width = targetSize
		d.Images[i].Height = targetSize
	}
}
