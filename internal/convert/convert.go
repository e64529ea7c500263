// Package convert implements the COCO to YOLO stage: annotation documents
// become one label file per image plus a classes.txt mapping pill codes to
// class ids.
package convert

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/medvision/pillpipe/internal/coco"
	"github.com/medvision/pillpipe/internal/dataset"
	"github.com/medvision/pillpipe/internal/fsutil"
	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/metrics"
	"github.com/medvision/pillpipe/internal/yolo"
)

// Result summarizes a conversion run.
type Result struct {
	Converted   int          `json:"converted"`
	Objects     int          `json:"objects"`
	Classes     yolo.Classes `json:"classes"`
	ClassesFile string       `json:"classes_file"`
}

// Run converts every annotation document under srcRoot into YOLO label files
// under dstDir. Class ids are assigned by sorted pill code, so the mapping is
// stable across runs over the same corpus.
func Run(ctx context.Context, srcRoot, dstDir string) (*Result, error) {
	logger := log.WithComponentFromContext(ctx, "convert")

	files, err := filepath.Glob(filepath.Join(srcRoot, dataset.AnnotationsDir, "*", "*", "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("no annotation files under %s", srcRoot)
	}

	type loaded struct {
		path string
		doc  *coco.Document
	}

	// First pass: parse everything and collect the class universe.
	codes := make(map[string]struct{})
	var docs []loaded
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc, err := coco.Load(path)
		if err != nil {
			logger.Warn().
				Err(err).
				Str("event", "convert.annotation_skipped").
				Str("path", path).
				Msg("unparseable annotation skipped")
			continue
		}
		for _, img := range doc.Images {
			codes[coco.PillCode(img.FileName)] = struct{}{}
		}
		docs = append(docs, loaded{path: path, doc: doc})
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no parseable annotations under %s", srcRoot)
	}

	classes := yolo.NewClasses(codes)

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return nil, err
	}
	classesFile := filepath.Join(dstDir, yolo.ClassesFileName)
	if err := classes.Write(classesFile); err != nil {
		return nil, fmt.Errorf("write classes: %w", err)
	}

	res := &Result{Classes: classes, ClassesFile: classesFile}

	// Second pass: one label file per image entry that has boxes.
	for _, l := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, img := range l.doc.Images {
			classID := classes.ID(coco.PillCode(img.FileName))
			if classID < 0 {
				classID = 0
			}
			boxes := yolo.FromCOCO(l.doc, img, classID)
			if len(boxes) == 0 {
				continue
			}

			base := strings.TrimSuffix(strings.TrimSuffix(img.FileName, ".png"), ".jpg")
			// file_name comes from the annotation document; confine it so a
			// crafted name cannot write outside the label directory.
			labelPath, err := fsutil.ConfineRelPath(dstDir, base+".txt")
			if err != nil {
				logger.Warn().
					Err(err).
					Str("event", "convert.label_rejected").
					Str("file_name", img.FileName).
					Msg("label path escapes output directory, skipped")
				continue
			}
			err = fsutil.WriteFileAtomic(labelPath, func(w io.Writer) error {
				return yolo.Encode(w, boxes)
			})
			if err != nil {
				return nil, fmt.Errorf("write label %s: %w", labelPath, err)
			}
			res.Converted++
			res.Objects += len(boxes)
		}
	}

	metrics.ObjectsConverted(res.Objects)
	logger.Info().
		Str("event", "convert.done").
		Int("converted", res.Converted).
		Int("objects", res.Objects).
		Int("classes", len(classes)).
		Msg("annotations converted to YOLO")

	return res, nil
}
