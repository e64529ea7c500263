package imgproc

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// MeasureFile opens an image and returns its sharpness score together with
// its dominant color.
func MeasureFile(path string) (float64, ColorStats, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return 0, ColorStats{}, fmt.Errorf("open %s: %w", path, err)
	}
	return Sharpness(img), DominantColor(img), nil
}

// Sharpness scores the edge energy of an image: the mean intensity of its
// edge-detected grayscale rendering, normalized to [0, 1]. Blurry captures
// score low; the quality sampling strategy prefers high scores.
func Sharpness(img image.Image) float64 {
	edges := effect.EdgeDetection(effect.Grayscale(img), 1.0)
	bounds := edges.Bounds()
	if bounds.Empty() {
		return 0
	}

	var sum uint64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, _, _, _ := edges.At(x, y).RGBA()
			sum += uint64(r >> 8)
		}
	}
	pixels := uint64(bounds.Dx() * bounds.Dy())
	return float64(sum) / float64(pixels) / 255.0
}

// ColorStats summarizes the dominant color of an image.
type ColorStats struct {
	Hex        string  `json:"hex"`
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
	Lightness  float64 `json:"lightness"`
}

// DominantColor averages all pixels in linear RGB space and reports the
// result as hex and HSL. Fully transparent pixels are ignored.
func DominantColor(img image.Image) ColorStats {
	bounds := img.Bounds()
	var sumR, sumG, sumB float64
	var n int

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()
			if a == 0 {
				continue
			}
			c := colorful.Color{
				R: float64(r) / 65535.0,
				G: float64(g) / 65535.0,
				B: float64(b) / 65535.0,
			}
			lr, lg, lb := c.LinearRgb()
			sumR += lr
			sumG += lg
			sumB += lb
			n++
		}
	}
	if n == 0 {
		return ColorStats{Hex: "#000000"}
	}

	avg := colorful.LinearRgb(sumR/float64(n), sumG/float64(n), sumB/float64(n)).Clamped()
	h, s, l := avg.Hsl()
	return ColorStats{
		Hex:        avg.Hex(),
		Hue:        h,
		Saturation: s,
		Lightness:  l,
	}
}
