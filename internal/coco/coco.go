// Package coco models the COCO-style annotation documents shipped with the
// raw pill image corpus: one JSON document per image, holding image metadata
// and absolute-pixel bounding boxes.
package coco

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

// Image describes one image entry of an annotation document.
type Image struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

// Annotation is a single labeled object. BBox is [x, y, w, h] in absolute
// pixels with the origin at the top-left corner.
type Annotation struct {
	ID         int        `json:"id,omitempty"`
	ImageID    int        `json:"image_id"`
	CategoryID int        `json:"category_id,omitempty"`
	BBox       [4]float64 `json:"bbox"`
	Area       float64    `json:"area,omitempty"`
}

// Category maps a category id to its name.
type Category struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Document is one COCO annotation file.
type Document struct {
	Images      []Image      `json:"images"`
	Annotations []Annotation `json:"annotations"`
	Categories  []Category   `json:"categories,omitempty"`
}

// Parse decodes a document from r. Documents without an images or annotations
// section are rejected: every train image must carry at least its own entry.
func Parse(r io.Reader) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode annotation: %w", err)
	}
	if len(doc.Images) == 0 {
		return nil, fmt.Errorf("annotation has no images section")
	}
	if doc.Annotations == nil {
		return nil, fmt.Errorf("annotation has no annotations section")
	}
	return &doc, nil
}

// Load reads and parses the annotation document at path.
func Load(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	doc, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// ByImageID returns the annotations belonging to the given image id.
func (d *Document) ByImageID(id int) []Annotation {
	var out []Annotation
	for _, ann := range d.Annotations {
		if ann.ImageID == id {
			out = append(out, ann)
		}
	}
	return out
}

// PillCode extracts the pill product code from an image or annotation file
// name. Corpus names look like "K-003544-010221-016551-027926_0_2_...".
// The second dash-separated field is the code of the pill the sample was
// captured for; older exports used the first underscore field. Both forms are
// handled, in that order.
func PillCode(filename string) string {
	name := filename
	for _, ext := range []string{".png", ".jpg", ".json"} {
		name = strings.TrimSuffix(name, ext)
	}
	if name == "" {
		return "unknown"
	}
	if parts := strings.Split(name, "-"); len(parts) >= 2 {
		return parts[1]
	}
	if i := strings.IndexByte(name, '_'); i > 0 {
		return name[:i]
	}
	return name
}
