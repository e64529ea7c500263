// Package validate implements the dataset integrity stage: every image must
// decode to a usable size and every training image must carry a parseable
// annotation document.
package validate

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // corpus is PNG, but stray JPEGs must fail on size, not decode
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/medvision/pillpipe/internal/coco"
	"github.com/medvision/pillpipe/internal/dataset"
	"github.com/medvision/pillpipe/internal/log"
)

// Options configure a validation pass.
type Options struct {
	MinImageSize     int
	MaxBoxesPerImage int
}

// Summary counts one validated artifact class.
type Summary struct {
	Valid  int      `json:"valid"`
	Total  int      `json:"total"`
	Issues []string `json:"issues,omitempty"`
}

// Report is the outcome of a validation pass.
type Report struct {
	Images      Summary `json:"images"`
	Annotations Summary `json:"annotations"`
}

// OK reports whether every artifact validated cleanly.
func (r Report) OK() bool {
	return r.Images.Valid == r.Images.Total && r.Annotations.Valid == r.Annotations.Total
}

// Dataset validates the raw dataset under root.
func Dataset(ctx context.Context, root string, opts Options) (*Report, error) {
	logger := log.WithComponentFromContext(ctx, "validate")

	pairs, missing, err := dataset.DiscoverPairs(root)
	if err != nil {
		return nil, fmt.Errorf("discover pairs: %w", err)
	}
	testImages, err := dataset.DiscoverTest(root)
	if err != nil {
		return nil, fmt.Errorf("discover test images: %w", err)
	}
	if len(pairs) == 0 && len(missing) == 0 && len(testImages) == 0 {
		return nil, fmt.Errorf("no images found under %s", root)
	}

	report := &Report{}

	var allImages []string
	for _, p := range pairs {
		allImages = append(allImages, p.Image)
	}
	allImages = append(allImages, testImages...)

	for _, img := range allImages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		report.Images.Total++
		if issue := checkImage(img, opts.MinImageSize); issue != "" {
			report.Images.Issues = append(report.Images.Issues, issue)
			continue
		}
		report.Images.Valid++
	}

	report.Annotations.Total = len(pairs) + len(missing)
	for _, name := range missing {
		report.Annotations.Issues = append(report.Annotations.Issues,
			fmt.Sprintf("missing annotation: %s", name))
	}
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if issue := checkAnnotation(p, opts.MaxBoxesPerImage); issue != "" {
			report.Annotations.Issues = append(report.Annotations.Issues, issue)
			continue
		}
		report.Annotations.Valid++
	}

	logger.Info().
		Str("event", "validate.done").
		Int("images_valid", report.Images.Valid).
		Int("images_total", report.Images.Total).
		Int("annotations_valid", report.Annotations.Valid).
		Int("annotations_total", report.Annotations.Total).
		Int("issues", len(report.Images.Issues)+len(report.Annotations.Issues)).
		Msg("dataset validated")

	return report, nil
}

func checkImage(path string, minSize int) string {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Sprintf("unreadable image: %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Sprintf("corrupted image: %s: %v", path, err)
	}
	if format != "png" {
		return fmt.Sprintf("unexpected format: %s (%s)", path, format)
	}
	if cfg.Width < minSize || cfg.Height < minSize {
		return fmt.Sprintf("small image: %s (%dx%d)", path, cfg.Width, cfg.Height)
	}
	return ""
}

func checkAnnotation(p dataset.Pair, maxBoxes int) string {
	doc, err := coco.Load(p.Annotation)
	if err != nil {
		return fmt.Sprintf("invalid annotation: %v", err)
	}
	base := filepath.Base(p.Annotation)
	for _, img := range doc.Images {
		if n := len(doc.ByImageID(img.ID)); n > maxBoxes {
			return fmt.Sprintf("too many objects: %s (%d > %d)", base, n, maxBoxes)
		}
	}
	return ""
}
