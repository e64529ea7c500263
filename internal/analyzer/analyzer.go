// Package analyzer computes class distribution, bounding box statistics and
// image quality measures for a finished dataset, and writes the analysis
// report consumed by the packaging stage.
package analyzer

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"time"

	"github.com/medvision/pillpipe/internal/catalog"
	"github.com/medvision/pillpipe/internal/fsutil"
	"github.com/medvision/pillpipe/internal/imgproc"
	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/metrics"
	"github.com/medvision/pillpipe/internal/yolo"
)

// ReportFileName is the analysis artifact written next to the dataset.
const ReportFileName = "analysis_report.json"

// qualitySampleSize caps how many train images get the per-pixel quality
// measurements; sharpness and color extraction are too slow for full passes.
const qualitySampleSize = 25

// Options configure an analysis run.
type Options struct {
	// SampleSize overrides qualitySampleSize when positive.
	SampleSize int
}

// ClassStat describes one pill class across the whole dataset.
type ClassStat struct {
	Class string  `json:"class"`
	Count int     `json:"count"`
	Share float64 `json:"share"`
}

// SplitStat describes one split.
type SplitStat struct {
	Split   string  `json:"split"`
	Images  int     `json:"images"`
	Objects int     `json:"objects"`
	Labels  int     `json:"labels"`
	Share   float64 `json:"share"`

	// Consistency is the label file to image ratio; 1.0 means every image in
	// the split has its label file.
	Consistency float64 `json:"consistency"`
}

// BoxStats aggregates normalized bounding box geometry.
type BoxStats struct {
	Count     int     `json:"count"`
	MeanW     float64 `json:"mean_width"`
	MeanH     float64 `json:"mean_height"`
	MeanArea  float64 `json:"mean_area"`
	MinArea   float64 `json:"min_area"`
	MaxArea   float64 `json:"max_area"`
	PerImage  float64 `json:"per_image"`
	MaxPerImg int     `json:"max_per_image"`
}

// QualityStats aggregates sampled image measurements.
type QualityStats struct {
	Sampled       int      `json:"sampled"`
	MeanSharpness float64  `json:"mean_sharpness"`
	MinSharpness  float64  `json:"min_sharpness"`
	DominantHues  []string `json:"dominant_hues,omitempty"`
}

// Report is the full analysis artifact.
type Report struct {
	GeneratedAt  time.Time    `json:"generated_at"`
	TotalImages  int          `json:"total_images"`
	TotalObjects int          `json:"total_objects"`
	Classes      []ClassStat  `json:"classes"`
	Splits       []SplitStat  `json:"splits"`
	Boxes        BoxStats     `json:"boxes"`
	Quality      QualityStats `json:"quality"`

	// BalanceScore is 1/(1+cv) over per-class counts: 1.0 for a perfectly
	// even distribution, approaching 0 as the spread grows.
	BalanceScore float64 `json:"balance_score"`

	// MeanConsistency averages the per-split label/image consistency.
	MeanConsistency float64 `json:"mean_consistency"`

	// SizeFactor discounts datasets with fewer than 100 images.
	SizeFactor float64 `json:"size_factor"`

	// QualityScore is the mean of consistency and size factor.
	QualityScore float64 `json:"quality_score"`
}

// Run analyzes the dataset rooted at datasetRoot using cat for counts, and
// writes the report into reportDir.
func Run(ctx context.Context, datasetRoot, reportDir string, cat *catalog.Catalog, opts Options) (*Report, error) {
	logger := log.WithComponentFromContext(ctx, "analyze")

	classes, err := yolo.ReadClasses(filepath.Join(datasetRoot, yolo.ClassesFileName))
	if err != nil {
		logger.Warn().Str("event", "analyze.classes_missing").Err(err).Msg("class names unavailable, using numeric ids")
		classes = nil
	}

	rep := &Report{GeneratedAt: time.Now().UTC()}

	if err := fillCounts(ctx, rep, cat, classes, datasetRoot); err != nil {
		return nil, err
	}
	if err := fillBoxStats(ctx, rep, cat); err != nil {
		return nil, err
	}
	if err := fillQuality(ctx, rep, datasetRoot, opts); err != nil {
		return nil, err
	}

	rep.BalanceScore = balanceScore(rep.Classes)
	fillQualityScore(rep)

	out := filepath.Join(reportDir, ReportFileName)
	if err := fsutil.WriteJSONAtomic(out, rep); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	metrics.SetQualityScores(rep.QualityScore, rep.BalanceScore)

	logger.Info().
		Str("event", "analyze.done").
		Int("images", rep.TotalImages).
		Int("objects", rep.TotalObjects).
		Int("classes", len(rep.Classes)).
		Float64("balance_score", rep.BalanceScore).
		Float64("quality_score", rep.QualityScore).
		Str("report", out).
		Msg("dataset analysis complete")

	return rep, nil
}

func fillCounts(ctx context.Context, rep *Report, cat *catalog.Catalog, classes yolo.Classes, datasetRoot string) error {
	imageCounts, err := cat.SplitCounts(ctx)
	if err != nil {
		return fmt.Errorf("split counts: %w", err)
	}
	objectCounts, err := cat.SplitObjectCounts(ctx)
	if err != nil {
		return fmt.Errorf("object counts: %w", err)
	}
	for _, n := range imageCounts {
		rep.TotalImages += n
	}
	for _, n := range objectCounts {
		rep.TotalObjects += n
	}
	var names []string
	for split := range imageCounts {
		names = append(names, split)
	}
	sort.Strings(names)
	for _, split := range names {
		share := 0.0
		if rep.TotalImages > 0 {
			share = float64(imageCounts[split]) / float64(rep.TotalImages)
		}
		labels := countLabels(datasetRoot, split)
		consistency := 0.0
		if imageCounts[split] > 0 {
			consistency = float64(labels) / float64(imageCounts[split])
		}
		rep.Splits = append(rep.Splits, SplitStat{
			Split:       split,
			Images:      imageCounts[split],
			Objects:     objectCounts[split],
			Labels:      labels,
			Share:       share,
			Consistency: consistency,
		})
	}

	counts, err := cat.ClassCounts(ctx, "")
	if err != nil {
		return fmt.Errorf("class counts: %w", err)
	}
	for id, count := range counts {
		name := fmt.Sprintf("class_%d", id)
		if id >= 0 && id < len(classes) {
			name = classes[id]
		}
		share := 0.0
		if rep.TotalObjects > 0 {
			share = float64(count) / float64(rep.TotalObjects)
		}
		rep.Classes = append(rep.Classes, ClassStat{Class: name, Count: count, Share: share})
	}
	sort.Slice(rep.Classes, func(i, j int) bool {
		if rep.Classes[i].Count != rep.Classes[j].Count {
			return rep.Classes[i].Count > rep.Classes[j].Count
		}
		return rep.Classes[i].Class < rep.Classes[j].Class
	})
	return nil
}

// countLabels counts the YOLO label files present for one split.
func countLabels(datasetRoot, split string) int {
	files, err := filepath.Glob(filepath.Join(datasetRoot, "labels", split, "*.txt"))
	if err != nil {
		return 0
	}
	return len(files)
}

func fillBoxStats(ctx context.Context, rep *Report, cat *catalog.Catalog) error {
	boxes, perImage, err := cat.Boxes(ctx)
	if err != nil {
		return fmt.Errorf("boxes: %w", err)
	}
	if len(boxes) == 0 {
		return nil
	}

	bs := BoxStats{Count: len(boxes), MinArea: math.Inf(1)}
	for _, b := range boxes {
		area := b.W * b.H
		bs.MeanW += b.W
		bs.MeanH += b.H
		bs.MeanArea += area
		bs.MinArea = math.Min(bs.MinArea, area)
		bs.MaxArea = math.Max(bs.MaxArea, area)
	}
	n := float64(len(boxes))
	bs.MeanW /= n
	bs.MeanH /= n
	bs.MeanArea /= n

	for _, c := range perImage {
		if c > bs.MaxPerImg {
			bs.MaxPerImg = c
		}
	}
	if len(perImage) > 0 {
		bs.PerImage = n / float64(len(perImage))
	}

	rep.Boxes = bs
	return nil
}

func fillQuality(ctx context.Context, rep *Report, datasetRoot string, opts Options) error {
	sampleSize := opts.SampleSize
	if sampleSize <= 0 {
		sampleSize = qualitySampleSize
	}

	images, err := filepath.Glob(filepath.Join(datasetRoot, "images", "train", "*.png"))
	if err != nil {
		return err
	}
	sort.Strings(images)
	if len(images) > sampleSize {
		// evenly spaced sample keeps the pass deterministic
		step := len(images) / sampleSize
		var picked []string
		for i := 0; i < len(images) && len(picked) < sampleSize; i += step {
			picked = append(picked, images[i])
		}
		images = picked
	}

	q := QualityStats{MinSharpness: math.Inf(1)}
	hues := make(map[string]struct{})
	for _, path := range images {
		if err := ctx.Err(); err != nil {
			return err
		}
		sharp, stats, err := imgproc.MeasureFile(path)
		if err != nil {
			continue
		}
		q.Sampled++
		q.MeanSharpness += sharp
		q.MinSharpness = math.Min(q.MinSharpness, sharp)
		hues[stats.Hex] = struct{}{}
	}
	if q.Sampled > 0 {
		q.MeanSharpness /= float64(q.Sampled)
	} else {
		q.MinSharpness = 0
	}
	for h := range hues {
		q.DominantHues = append(q.DominantHues, h)
	}
	sort.Strings(q.DominantHues)

	rep.Quality = q
	return nil
}

// balanceScore maps the coefficient of variation of per-class counts onto
// (0,1], where 1 means every class has the same count.
func balanceScore(classes []ClassStat) float64 {
	if len(classes) == 0 {
		return 0
	}
	var sum float64
	for _, c := range classes {
		sum += float64(c.Count)
	}
	mean := sum / float64(len(classes))
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, c := range classes {
		d := float64(c.Count) - mean
		variance += d * d
	}
	variance /= float64(len(classes))
	cv := math.Sqrt(variance) / mean
	return 1 / (1 + cv)
}

// fillQualityScore derives the overall score from per-split label/image
// consistency and a factor that discounts datasets under 100 images.
func fillQualityScore(rep *Report) {
	if len(rep.Splits) > 0 {
		var sum float64
		for _, s := range rep.Splits {
			sum += s.Consistency
		}
		rep.MeanConsistency = sum / float64(len(rep.Splits))
	}

	rep.SizeFactor = 1.0
	if rep.TotalImages < 100 {
		rep.SizeFactor = float64(rep.TotalImages) / 100
	}

	rep.QualityScore = (rep.MeanConsistency + rep.SizeFactor) / 2
}

// CheckBalance returns an error when the dataset's class balance falls below
// min, so callers can gate packaging on it.
func CheckBalance(rep *Report, min float64) error {
	if rep.BalanceScore < min {
		return fmt.Errorf("class balance score %.3f below threshold %.3f", rep.BalanceScore, min)
	}
	return nil
}
