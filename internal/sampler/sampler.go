// Package sampler carves a smaller working dataset out of the raw corpus so
// the team can iterate without processing the full Kaggle drop.
package sampler

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/medvision/pillpipe/internal/config"
	"github.com/medvision/pillpipe/internal/dataset"
	"github.com/medvision/pillpipe/internal/fsutil"
	"github.com/medvision/pillpipe/internal/log"
)

// Options configure a sampling run.
type Options struct {
	TrainSize int
	TestSize  int
	Strategy  string

	// Score ranks a candidate image for the quality strategy; higher is
	// better. Defaults to file size, which tracks capture detail well enough
	// for ranking and costs one stat instead of a decode.
	Score func(path string) float64

	// Rand drives shuffling and sampling; defaults to a time-seeded source.
	Rand *rand.Rand
}

// Result summarizes a sampling run.
type Result struct {
	TrainCopied int `json:"train_copied"`
	TestCopied  int `json:"test_copied"`
}

// Run selects pairs from srcRoot per Options and materializes them as a raw
// layout under dstRoot.
func Run(ctx context.Context, srcRoot, dstRoot string, opts Options) (*Result, error) {
	logger := log.WithComponentFromContext(ctx, "sampler")

	if opts.TrainSize <= 0 || opts.TestSize <= 0 {
		return nil, fmt.Errorf("train and test sizes must be positive")
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}

	pairs, _, err := dataset.DiscoverPairs(srcRoot)
	if err != nil {
		return nil, fmt.Errorf("discover pairs: %w", err)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no image-annotation pairs under %s", srcRoot)
	}

	selected, err := Plan(pairs, opts.TrainSize, opts.Strategy, opts.Score, rnd)
	if err != nil {
		return nil, err
	}

	if err := dataset.EnsureRawLayout(dstRoot); err != nil {
		return nil, fmt.Errorf("create output layout: %w", err)
	}

	res := &Result{}
	for _, p := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := fsutil.CopyFile(p.Image, filepath.Join(dstRoot, dataset.TrainImagesDir, filepath.Base(p.Image))); err != nil {
			return nil, fmt.Errorf("copy train image: %w", err)
		}
		rel, err := p.AnnotationRel(srcRoot)
		if err != nil {
			return nil, err
		}
		if err := fsutil.CopyFile(p.Annotation, filepath.Join(dstRoot, dataset.AnnotationsDir, rel)); err != nil {
			return nil, fmt.Errorf("copy annotation: %w", err)
		}
		res.TrainCopied++
	}

	testImages, err := dataset.DiscoverTest(srcRoot)
	if err != nil {
		return nil, err
	}
	for _, img := range pickN(testImages, opts.TestSize, rnd) {
		if err := fsutil.CopyFile(img, filepath.Join(dstRoot, dataset.TestImagesDir, filepath.Base(img))); err != nil {
			return nil, fmt.Errorf("copy test image: %w", err)
		}
		res.TestCopied++
	}

	logger.Info().
		Str("event", "sample.done").
		Str("strategy", opts.Strategy).
		Int("train", res.TrainCopied).
		Int("test", res.TestCopied).
		Str("output", dstRoot).
		Msg("working dataset created")

	return res, nil
}

// Plan selects up to size pairs using the given strategy.
func Plan(pairs []dataset.Pair, size int, strategy string, score func(string) float64, rnd *rand.Rand) ([]dataset.Pair, error) {
	switch strategy {
	case config.StrategyBalanced:
		return balancedSample(pairs, size, rnd), nil
	case config.StrategyQuality:
		return qualitySample(pairs, size, score), nil
	case config.StrategyRandom, "":
		return pickN(pairs, size, rnd), nil
	default:
		return nil, fmt.Errorf("unknown sampling strategy %q", strategy)
	}
}

// balancedSample draws an even quota from every pill code group, then tops up
// randomly from the remainder.
func balancedSample(pairs []dataset.Pair, size int, rnd *rand.Rand) []dataset.Pair {
	groups := make(map[string][]dataset.Pair)
	var codes []string
	for _, p := range pairs {
		if _, ok := groups[p.PillCode]; !ok {
			codes = append(codes, p.PillCode)
		}
		groups[p.PillCode] = append(groups[p.PillCode], p)
	}
	sort.Strings(codes)

	quota := size / len(codes)
	if quota < 1 {
		quota = 1
	}

	picked := make(map[string]struct{})
	var selected []dataset.Pair
	for _, code := range codes {
		for _, p := range pickN(groups[code], quota, rnd) {
			selected = append(selected, p)
			picked[p.Name] = struct{}{}
		}
	}

	if len(selected) < size {
		var rest []dataset.Pair
		for _, p := range pairs {
			if _, ok := picked[p.Name]; !ok {
				rest = append(rest, p)
			}
		}
		selected = append(selected, pickN(rest, size-len(selected), rnd)...)
	} else if len(selected) > size {
		selected = pickN(selected, size, rnd)
	}
	return selected
}

// qualitySample keeps the top-scoring pairs.
func qualitySample(pairs []dataset.Pair, size int, score func(string) float64) []dataset.Pair {
	if score == nil {
		score = fileSizeScore
	}
	scored := make([]dataset.Pair, len(pairs))
	copy(scored, pairs)
	scores := make(map[string]float64, len(scored))
	for _, p := range scored {
		scores[p.Image] = score(p.Image)
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scores[scored[i].Image] > scores[scored[j].Image]
	})
	if size > len(scored) {
		size = len(scored)
	}
	return scored[:size]
}

func fileSizeScore(path string) float64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return float64(info.Size())
}

// pickN samples n elements uniformly without replacement.
func pickN[T any](items []T, n int, rnd *rand.Rand) []T {
	if n >= len(items) {
		out := make([]T, len(items))
		copy(out, items)
		rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}
	idx := rnd.Perm(len(items))[:n]
	out := make([]T, 0, n)
	for _, i := range idx {
		out = append(out, items[i])
	}
	return out
}
