// Package imgproc implements the image stage of the pipeline: letterbox
// resizing to a square training resolution plus the per-image measurements
// used by sampling and analysis.
package imgproc

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/medvision/pillpipe/internal/fsutil"
)

// Params describes a letterbox transform: uniform scale followed by centered
// padding onto a TargetSize square canvas. The same parameters map annotation
// coordinates into the output image.
type Params struct {
	Scale      float64
	NewWidth   int
	NewHeight  int
	PadLeft    int
	PadTop     int
	TargetSize int
}

// LetterboxParams computes the transform for a width x height source image.
func LetterboxParams(width, height, targetSize int) (Params, error) {
	if width <= 0 || height <= 0 {
		return Params{}, fmt.Errorf("invalid source size %dx%d", width, height)
	}
	if targetSize <= 0 {
		return Params{}, fmt.Errorf("invalid target size %d", targetSize)
	}

	scale := float64(targetSize) / float64(width)
	if s := float64(targetSize) / float64(height); s < scale {
		scale = s
	}
	newW := int(float64(width) * scale)
	newH := int(float64(height) * scale)

	return Params{
		Scale:      scale,
		NewWidth:   newW,
		NewHeight:  newH,
		PadLeft:    (targetSize - newW) / 2,
		PadTop:     (targetSize - newH) / 2,
		TargetSize: targetSize,
	}, nil
}

// Letterbox resizes img with Lanczos resampling and pastes it centered onto a
// black square canvas of targetSize.
func Letterbox(img image.Image, targetSize int) (image.Image, Params, error) {
	bounds := img.Bounds()
	params, err := LetterboxParams(bounds.Dx(), bounds.Dy(), targetSize)
	if err != nil {
		return nil, Params{}, err
	}

	resized := imaging.Resize(img, params.NewWidth, params.NewHeight, imaging.Lanczos)
	canvas := imaging.New(targetSize, targetSize, color.NRGBA{A: 255})
	out := imaging.Paste(canvas, resized, image.Pt(params.PadLeft, params.PadTop))
	return out, params, nil
}

// ProcessFile letterboxes the image at inPath and writes the result as PNG to
// outPath atomically. The returned params feed the annotation rescale.
func ProcessFile(inPath, outPath string, targetSize int) (Params, error) {
	img, err := imaging.Open(inPath)
	if err != nil {
		return Params{}, fmt.Errorf("open %s: %w", inPath, err)
	}

	out, params, err := Letterbox(img, targetSize)
	if err != nil {
		return Params{}, fmt.Errorf("letterbox %s: %w", inPath, err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Params{}, fmt.Errorf("create output dir: %w", err)
	}
	err = fsutil.WriteFileAtomic(outPath, func(w io.Writer) error {
		return imaging.Encode(w, out, imaging.PNG)
	})
	if err != nil {
		return Params{}, err
	}
	return params, nil
}
