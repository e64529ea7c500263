// Package yolo reads and writes YOLO-format label files and the dataset.yaml
// descriptor consumed by detection training frameworks.
package yolo

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/medvision/pillpipe/internal/coco"
)

// Box is one labeled object in YOLO format: class id plus a bounding box as
// normalized center coordinates and extents, all in [0, 1].
type Box struct {
	Class int
	CX    float64
	CY    float64
	W     float64
	H     float64
}

// Encode writes boxes as YOLO label lines: "class cx cy w h" with six decimal
// places, one object per line.
func Encode(w io.Writer, boxes []Box) error {
	for _, b := range boxes {
		if _, err := fmt.Fprintf(w, "%d %.6f %.6f %.6f %.6f\n", b.Class, b.CX, b.CY, b.W, b.H); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses YOLO label lines. Blank lines are skipped; malformed lines
// are an error.
func Decode(r io.Reader) ([]Box, error) {
	var boxes []Box
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 5 {
			return nil, fmt.Errorf("line %d: expected 5 fields, got %d", line, len(fields))
		}
		class, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: class id: %w", line, err)
		}
		var vals [4]float64
		for i, f := range fields[1:5] {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: field %d: %w", line, i+1, err)
			}
			vals[i] = v
		}
		boxes = append(boxes, Box{Class: class, CX: vals[0], CY: vals[1], W: vals[2], H: vals[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return boxes, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FromCOCO converts the absolute-pixel boxes of one image entry into
// normalized YOLO boxes with the given class id. Coordinates are clamped to
// [0, 1]; boxes that collapse to zero extent after clamping are dropped.
func FromCOCO(doc *coco.Document, img coco.Image, classID int) []Box {
	if img.Width <= 0 || img.Height <= 0 {
		return nil
	}
	anns := doc.ByImageID(img.ID)
	boxes := make([]Box, 0, len(anns))
	for _, ann := range anns {
		x, y, w, h := ann.BBox[0], ann.BBox[1], ann.BBox[2], ann.BBox[3]
		b := Box{
			Class: classID,
			CX:    clamp01((x + w/2) / float64(img.Width)),
			CY:    clamp01((y + h/2) / float64(img.Height)),
			W:     clamp01(w / float64(img.Width)),
			H:     clamp01(h / float64(img.Height)),
		}
		if b.W == 0 || b.H == 0 {
			continue
		}
		boxes = append(boxes, b)
	}
	return boxes
}
