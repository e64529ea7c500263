// Package preprocess implements the image normalization stage: every image is
// letterboxed to the square training resolution and its annotation document is
// rewritten into the new coordinate system.
package preprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/medvision/pillpipe/internal/coco"
	"github.com/medvision/pillpipe/internal/dataset"
	"github.com/medvision/pillpipe/internal/fsutil"
	"github.com/medvision/pillpipe/internal/imgproc"
	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/metrics"
)

// Options configure a preprocessing run.
type Options struct {
	TargetSize int
	Workers    int

	// ImagesPerSecond throttles decode/encode work; 0 disables the limiter.
	ImagesPerSecond float64
}

// Result summarizes a preprocessing run.
type Result struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Run letterboxes the raw dataset under srcRoot into a mirrored layout under
// dstRoot. Per-image failures are counted, not fatal; the first systemic
// error (context cancellation, unwritable output) aborts the run.
func Run(ctx context.Context, srcRoot, dstRoot string, opts Options) (*Result, error) {
	logger := log.WithComponentFromContext(ctx, "preprocess")

	if opts.TargetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive")
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}
	var limiter *rate.Limiter
	if opts.ImagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ImagesPerSecond), workers)
	}

	pairs, _, err := dataset.DiscoverPairs(srcRoot)
	if err != nil {
		return nil, fmt.Errorf("discover pairs: %w", err)
	}
	testImages, err := dataset.DiscoverTest(srcRoot)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 && len(testImages) == 0 {
		return nil, fmt.Errorf("nothing to preprocess under %s", srcRoot)
	}

	if err := dataset.EnsureRawLayout(dstRoot); err != nil {
		return nil, fmt.Errorf("create output layout: %w", err)
	}

	var processed, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, p := range pairs {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if err := processPair(gctx, srcRoot, dstRoot, p, opts.TargetSize); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				metrics.ImageProcessed("preprocess", "failure")
				logger.Warn().
					Err(err).
					Str("event", "preprocess.image_failed").
					Str("image", p.Name).
					Msg("image skipped")
				return nil
			}
			processed.Add(1)
			metrics.ImageProcessed("preprocess", "success")
			return nil
		})
	}

	for _, img := range testImages {
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
			}
			out := filepath.Join(dstRoot, dataset.TestImagesDir, filepath.Base(img))
			if _, err := imgproc.ProcessFile(img, out, opts.TargetSize); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				metrics.ImageProcessed("preprocess", "failure")
				logger.Warn().
					Err(err).
					Str("event", "preprocess.image_failed").
					Str("image", filepath.Base(img)).
					Msg("image skipped")
				return nil
			}
			processed.Add(1)
			metrics.ImageProcessed("preprocess", "success")
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Processed: int(processed.Load()), Failed: int(failed.Load())}
	logger.Info().
		Str("event", "preprocess.done").
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Int("target_size", opts.TargetSize).
		Msg("preprocessing complete")

	return res, nil
}

func processPair(ctx context.Context, srcRoot, dstRoot string, p dataset.Pair, targetSize int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	outImg := filepath.Join(dstRoot, dataset.TrainImagesDir, filepath.Base(p.Image))
	params, err := imgproc.ProcessFile(p.Image, outImg, targetSize)
	if err != nil {
		return err
	}

	doc, err := coco.Load(p.Annotation)
	if err != nil {
		return err
	}
	doc.Rescale(params.Scale, params.PadLeft, params.PadTop, params.TargetSize)

	rel, err := p.AnnotationRel(srcRoot)
	if err != nil {
		return err
	}
	outAnn := filepath.Join(dstRoot, dataset.AnnotationsDir, rel)
	if err := os.MkdirAll(filepath.Dir(outAnn), 0o755); err != nil {
		return err
	}
	if err := fsutil.WriteJSONAtomic(outAnn, doc); err != nil {
		return fmt.Errorf("write annotation: %w", err)
	}
	return nil
}
