// Package splitter builds the final YOLO dataset tree: a stratified
// train/val/test split of preprocessed images and their label files, plus the
// dataset.yaml descriptor.
package splitter

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/medvision/pillpipe/internal/catalog"
	"github.com/medvision/pillpipe/internal/coco"
	"github.com/medvision/pillpipe/internal/dataset"
	"github.com/medvision/pillpipe/internal/fsutil"
	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/metrics"
	"github.com/medvision/pillpipe/internal/yolo"
)

// Options configure a split run.
type Options struct {
	TrainRatio float64
	ValRatio   float64
	TestRatio  float64

	// TargetSize is recorded in the catalog as the image dimensions; the
	// split stage runs on letterboxed images, which are all square.
	TargetSize int

	// Catalog, when set, is reset and refilled with the produced dataset.
	Catalog *catalog.Catalog

	// Rand drives per-group shuffling; defaults to a time-seeded source.
	Rand *rand.Rand
}

// Result summarizes a split run.
type Result struct {
	Train   int    `json:"train"`
	Val     int    `json:"val"`
	Test    int    `json:"test"`
	Classes int    `json:"classes"`
	Output  string `json:"output"`
}

type pair struct {
	name     string
	image    string
	label    string
	pillCode string
	boxes    []yolo.Box
}

// Run splits the preprocessed images under imagesRoot with labels under
// labelsDir into a YOLO tree at dstRoot.
func Run(ctx context.Context, imagesRoot, labelsDir, dstRoot string, opts Options) (*Result, error) {
	logger := log.WithComponentFromContext(ctx, "split")

	if opts.TrainRatio <= 0 {
		return nil, fmt.Errorf("train ratio must be positive")
	}
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}

	classes, err := yolo.ReadClasses(filepath.Join(labelsDir, yolo.ClassesFileName))
	if err != nil {
		return nil, fmt.Errorf("read classes: %w", err)
	}

	pairs, err := collectPairs(imagesRoot, labelsDir)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no image-label pairs to split")
	}

	train, val, test := stratify(pairs, opts.TrainRatio, opts.ValRatio, rnd)

	if err := dataset.EnsureYOLOLayout(dstRoot); err != nil {
		return nil, fmt.Errorf("create split layout: %w", err)
	}

	if opts.Catalog != nil {
		if err := opts.Catalog.Reset(ctx); err != nil {
			return nil, fmt.Errorf("reset catalog: %w", err)
		}
	}

	for split, group := range map[string][]pair{"train": train, "val": val, "test": test} {
		for _, p := range group {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := place(ctx, dstRoot, split, p, opts); err != nil {
				return nil, err
			}
		}
	}

	if err := classes.Write(filepath.Join(dstRoot, yolo.ClassesFileName)); err != nil {
		return nil, fmt.Errorf("write classes: %w", err)
	}
	df := yolo.NewDatasetFile(dstRoot, classes)
	if err := df.Write(filepath.Join(dstRoot, yolo.DatasetFileName)); err != nil {
		return nil, fmt.Errorf("write dataset descriptor: %w", err)
	}

	res := &Result{
		Train:   len(train),
		Val:     len(val),
		Test:    len(test),
		Classes: len(classes),
		Output:  dstRoot,
	}
	metrics.SetDatasetImages("train", res.Train)
	metrics.SetDatasetImages("val", res.Val)
	metrics.SetDatasetImages("test", res.Test)

	logger.Info().
		Str("event", "split.done").
		Int("train", res.Train).
		Int("val", res.Val).
		Int("test", res.Test).
		Int("classes", res.Classes).
		Str("output", dstRoot).
		Msg("dataset split complete")

	return res, nil
}

func collectPairs(imagesRoot, labelsDir string) ([]pair, error) {
	images, err := filepath.Glob(filepath.Join(imagesRoot, dataset.TrainImagesDir, "*.png"))
	if err != nil {
		return nil, err
	}
	sort.Strings(images)

	var pairs []pair
	for _, img := range images {
		name := strings.TrimSuffix(filepath.Base(img), ".png")
		label := filepath.Join(labelsDir, name+".txt")
		if err := fsutil.IsRegularFile(label); err != nil {
			continue
		}
		f, err := os.Open(label)
		if err != nil {
			return nil, err
		}
		boxes, err := yolo.Decode(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("label %s: %w", label, err)
		}
		pairs = append(pairs, pair{
			name:     name,
			image:    img,
			label:    label,
			pillCode: coco.PillCode(name),
			boxes:    boxes,
		})
	}
	return pairs, nil
}

// stratify groups pairs by pill code, shuffles each group and cuts it with
// the configured ratios, so every class lands in every split proportionally.
func stratify(pairs []pair, trainRatio, valRatio float64, rnd *rand.Rand) (train, val, test []pair) {
	groups := make(map[string][]pair)
	var codes []string
	for _, p := range pairs {
		if _, ok := groups[p.pillCode]; !ok {
			codes = append(codes, p.pillCode)
		}
		groups[p.pillCode] = append(groups[p.pillCode], p)
	}
	sort.Strings(codes)

	for _, code := range codes {
		group := groups[code]
		rnd.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })

		n := len(group)
		trainEnd := int(float64(n) * trainRatio)
		valEnd := trainEnd + int(float64(n)*valRatio)

		train = append(train, group[:trainEnd]...)
		val = append(val, group[trainEnd:valEnd]...)
		test = append(test, group[valEnd:]...)
	}

	for _, s := range [][]pair{train, val, test} {
		rnd.Shuffle(len(s), func(i, j int) { s[i], s[j] = s[j], s[i] })
	}
	return train, val, test
}

func place(ctx context.Context, dstRoot, split string, p pair, opts Options) error {
	imgDst := filepath.Join(dstRoot, "images", split, p.name+".png")
	if err := fsutil.CopyFile(p.image, imgDst); err != nil {
		return fmt.Errorf("copy image: %w", err)
	}
	labelDst := filepath.Join(dstRoot, "labels", split, p.name+".txt")
	if err := fsutil.CopyFile(p.label, labelDst); err != nil {
		return fmt.Errorf("copy label: %w", err)
	}
	if opts.Catalog != nil {
		if err := opts.Catalog.AddImage(ctx, p.name, split, opts.TargetSize, opts.TargetSize, p.boxes); err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
	}
	return nil
}

// Verify checks the produced tree: required directories exist and every split
// has matching image and label counts.
func Verify(root string) error {
	for _, kind := range []string{"images", "labels"} {
		for _, split := range dataset.Splits {
			dir := filepath.Join(root, kind, split)
			if info, err := os.Stat(dir); err != nil || !info.IsDir() {
				return fmt.Errorf("missing directory %s", filepath.Join(kind, split))
			}
		}
	}

	for _, split := range dataset.Splits {
		images, err := filepath.Glob(filepath.Join(root, "images", split, "*.png"))
		if err != nil {
			return err
		}
		labels, err := filepath.Glob(filepath.Join(root, "labels", split, "*.txt"))
		if err != nil {
			return err
		}
		if len(images) != len(labels) {
			return fmt.Errorf("split %s: %d images vs %d labels", split, len(images), len(labels))
		}
	}

	if err := fsutil.IsRegularFile(filepath.Join(root, yolo.DatasetFileName)); err != nil {
		return fmt.Errorf("missing %s: %w", yolo.DatasetFileName, err)
	}
	return nil
}
