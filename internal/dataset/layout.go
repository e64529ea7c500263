// Package dataset describes the on-disk layouts the pipeline reads and
// writes: the raw corpus layout (train_images/, test_images/,
// train_annotations/<dl>/<code>/) and the final YOLO split tree.
package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/medvision/pillpipe/internal/coco"
)

// Raw corpus subdirectories.
const (
	TrainImagesDir = "train_images"
	TestImagesDir  = "test_images"
	AnnotationsDir = "train_annotations"
)

// Splits in the final YOLO tree, in canonical order.
var Splits = []string{"train", "val", "test"}

// Pair is a training image together with its annotation document.
type Pair struct {
	Image      string // absolute path to the PNG
	Annotation string // absolute path to the JSON document
	Name       string // image base name without extension
	PillCode   string
}

// DiscoverPairs walks the raw layout under root and returns every training
// image that has a matching annotation. Images without one are returned by
// name in missing.
func DiscoverPairs(root string) (pairs []Pair, missing []string, err error) {
	images, err := filepath.Glob(filepath.Join(root, TrainImagesDir, "*.png"))
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(images)

	index, err := annotationIndex(filepath.Join(root, AnnotationsDir))
	if err != nil {
		return nil, nil, err
	}

	for _, img := range images {
		name := strings.TrimSuffix(filepath.Base(img), ".png")
		ann, ok := index[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		pairs = append(pairs, Pair{
			Image:      img,
			Annotation: ann,
			Name:       name,
			PillCode:   coco.PillCode(name),
		})
	}
	return pairs, missing, nil
}

// annotationIndex maps image names to annotation paths. Annotations live two
// levels deep (per-source, per-pill directories); the first match wins.
func annotationIndex(dir string) (map[string]string, error) {
	index := make(map[string]string)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*", "*", "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".json")
		if _, ok := index[name]; !ok {
			index[name] = m
		}
	}
	return index, nil
}

// DiscoverTest returns the test images under root, sorted.
func DiscoverTest(root string) ([]string, error) {
	images, err := filepath.Glob(filepath.Join(root, TestImagesDir, "*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(images)
	return images, nil
}

// AnnotationRel returns the annotation path of p relative to the raw
// annotations root, preserving the two-level subtree on copy.
func (p Pair) AnnotationRel(root string) (string, error) {
	rel, err := filepath.Rel(filepath.Join(root, AnnotationsDir), p.Annotation)
	if err != nil {
		return "", fmt.Errorf("annotation outside %s: %w", AnnotationsDir, err)
	}
	return rel, nil
}

// EnsureRawLayout creates the raw corpus directory skeleton under root.
func EnsureRawLayout(root string) error {
	for _, sub := range []string{TrainImagesDir, TestImagesDir, AnnotationsDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// EnsureYOLOLayout creates the images/ and labels/ split tree under root.
func EnsureYOLOLayout(root string) error {
	for _, kind := range []string{"images", "labels"} {
		for _, split := range Splits {
			if err := os.MkdirAll(filepath.Join(root, kind, split), 0o755); err != nil {
				return err
			}
		}
	}
	return nil
}
