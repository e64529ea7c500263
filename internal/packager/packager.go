// Package packager assembles the delivery artifact: the final dataset tree,
// the analysis report, generated documentation and a checksum manifest,
// zipped into a single archive.
package packager

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/medvision/pillpipe/internal/analyzer"
	"github.com/medvision/pillpipe/internal/fsutil"
	"github.com/medvision/pillpipe/internal/log"
	"github.com/medvision/pillpipe/internal/yolo"
)

// DocsDirName is the documentation directory inside a package.
const DocsDirName = "docs"

// MetadataFileName is the manifest written into the docs directory.
const MetadataFileName = "metadata.json"

// Options configure packaging.
type Options struct {
	// Name is the base name of the package directory and archive.
	Name string

	// Version is stamped into the metadata and documentation.
	Version string

	// Report is the analysis output; packaging proceeds without it but the
	// generated documentation then omits the statistics section.
	Report *analyzer.Report
}

// FileEntry is one checksummed file in the manifest.
type FileEntry struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Metadata is the machine-readable package manifest.
type Metadata struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	CreatedAt   time.Time   `json:"created_at"`
	Files       []FileEntry `json:"files"`
	TotalFiles  int         `json:"total_files"`
	TotalBytes  int64       `json:"total_bytes"`
	PipelineRun []string    `json:"pipeline_stages"`
}

// Result summarizes a packaging run.
type Result struct {
	Dir         string  `json:"dir"`
	ArchivePath string  `json:"archive"`
	Files       int     `json:"files"`
	SizeMB      float64 `json:"size_mb"`

	// DirSizeMB is the uncompressed size of the package directory.
	DirSizeMB float64 `json:"dir_size_mb"`
}

var pipelineStages = []string{
	"sample", "validate", "preprocess", "convert", "split", "analyze", "package",
}

// Run copies the dataset at datasetRoot into outDir/<name>, adds docs and a
// manifest, verifies the layout and zips the result.
func Run(ctx context.Context, datasetRoot, outDir string, opts Options) (*Result, error) {
	logger := log.WithComponentFromContext(ctx, "package")

	if opts.Name == "" {
		opts.Name = "pill_dataset"
	}
	pkgDir := filepath.Join(outDir, opts.Name)
	if err := os.RemoveAll(pkgDir); err != nil {
		return nil, fmt.Errorf("clear package dir: %w", err)
	}

	if err := copyTree(ctx, datasetRoot, filepath.Join(pkgDir, "dataset")); err != nil {
		return nil, fmt.Errorf("copy dataset: %w", err)
	}

	if opts.Report != nil {
		if err := fsutil.WriteJSONAtomic(filepath.Join(pkgDir, analyzer.ReportFileName), opts.Report); err != nil {
			return nil, fmt.Errorf("copy report: %w", err)
		}
	}

	if err := writeDocs(pkgDir, opts); err != nil {
		return nil, err
	}

	meta, err := buildMetadata(pkgDir, opts)
	if err != nil {
		return nil, err
	}
	if err := fsutil.WriteJSONAtomic(filepath.Join(pkgDir, DocsDirName, MetadataFileName), meta); err != nil {
		return nil, fmt.Errorf("write metadata: %w", err)
	}

	if err := Validate(pkgDir); err != nil {
		return nil, fmt.Errorf("package validation: %w", err)
	}

	archive := pkgDir + ".zip"
	if err := zipDir(ctx, pkgDir, archive); err != nil {
		return nil, fmt.Errorf("create archive: %w", err)
	}

	info, err := os.Stat(archive)
	if err != nil {
		return nil, err
	}
	dirBytes, err := fsutil.DirSize(pkgDir)
	if err != nil {
		return nil, fmt.Errorf("measure package dir: %w", err)
	}
	res := &Result{
		Dir:         pkgDir,
		ArchivePath: archive,
		Files:       meta.TotalFiles,
		SizeMB:      float64(info.Size()) / (1024 * 1024),
		DirSizeMB:   float64(dirBytes) / (1024 * 1024),
	}

	logger.Info().
		Str("event", "package.done").
		Str("archive", archive).
		Int("files", res.Files).
		Float64("size_mb", res.SizeMB).
		Float64("dir_size_mb", res.DirSizeMB).
		Msg("package created")

	return res, nil
}

func copyTree(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return fsutil.CopyFile(path, target)
	})
}

func buildMetadata(pkgDir string, opts Options) (*Metadata, error) {
	meta := &Metadata{
		Name:        opts.Name,
		Version:     opts.Version,
		CreatedAt:   time.Now().UTC(),
		PipelineRun: pipelineStages,
	}

	err := filepath.WalkDir(pkgDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(pkgDir, path)
		if err != nil {
			return err
		}
		sum, size, err := checksum(path)
		if err != nil {
			return err
		}
		meta.Files = append(meta.Files, FileEntry{
			Path:   filepath.ToSlash(rel),
			Size:   size,
			SHA256: sum,
		})
		meta.TotalBytes += size
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checksum walk: %w", err)
	}

	sort.Slice(meta.Files, func(i, j int) bool { return meta.Files[i].Path < meta.Files[j].Path })
	meta.TotalFiles = len(meta.Files)
	return meta, nil
}

func checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Validate checks that a package directory has the pieces a consumer needs:
// the dataset descriptor, class names and non-empty train images.
func Validate(pkgDir string) error {
	dataset := filepath.Join(pkgDir, "dataset")
	for _, required := range []string{
		filepath.Join(dataset, yolo.DatasetFileName),
		filepath.Join(dataset, yolo.ClassesFileName),
		filepath.Join(pkgDir, DocsDirName, "README.md"),
	} {
		if err := fsutil.IsRegularFile(required); err != nil {
			return fmt.Errorf("missing %s: %w", filepath.Base(required), err)
		}
	}

	train, err := filepath.Glob(filepath.Join(dataset, "images", "train", "*.png"))
	if err != nil {
		return err
	}
	if len(train) == 0 {
		return fmt.Errorf("no training images in package")
	}
	return nil
}

func zipDir(ctx context.Context, dir, archive string) error {
	return fsutil.WriteFileAtomic(archive, func(w io.Writer) error {
		zw := zip.NewWriter(w)
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			entry, err := zw.Create(filepath.ToSlash(filepath.Join(filepath.Base(dir), rel)))
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(entry, f)
			_ = f.Close()
			return err
		})
		if err != nil {
			return err
		}
		return zw.Close()
	})
}

func writeDocs(pkgDir string, opts Options) error {
	docsDir := filepath.Join(pkgDir, DocsDirName)
	if err := os.MkdirAll(docsDir, 0o755); err != nil {
		return fmt.Errorf("create docs dir: %w", err)
	}

	readme := buildReadme(opts)
	if err := fsutil.WriteFileAtomic(filepath.Join(docsDir, "README.md"), func(w io.Writer) error {
		_, err := io.WriteString(w, readme)
		return err
	}); err != nil {
		return fmt.Errorf("write readme: %w", err)
	}

	guide := buildUsageGuide(opts)
	if err := fsutil.WriteFileAtomic(filepath.Join(docsDir, "USAGE_GUIDE.md"), func(w io.Writer) error {
		_, err := io.WriteString(w, guide)
		return err
	}); err != nil {
		return fmt.Errorf("write usage guide: %w", err)
	}
	return nil
}

func buildReadme(opts Options) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", opts.Name)
	fmt.Fprintf(&b, "Pill detection dataset in YOLO format, generated %s.\n\n",
		time.Now().UTC().Format("2006-01-02"))

	b.WriteString("## Layout\n\n")
	b.WriteString("```\ndataset/\n  dataset.yaml\n  classes.txt\n  images/{train,val,test}/\n  labels/{train,val,test}/\n```\n\n")
	b.WriteString("Each label file holds one object per line: `class cx cy w h`, all coordinates normalized to [0, 1].\n")

	if r := opts.Report; r != nil {
		b.WriteString("\n## Statistics\n\n")
		fmt.Fprintf(&b, "- Images: %d\n", r.TotalImages)
		fmt.Fprintf(&b, "- Objects: %d\n", r.TotalObjects)
		fmt.Fprintf(&b, "- Classes: %d\n", len(r.Classes))
		fmt.Fprintf(&b, "- Class balance score: %.3f\n", r.BalanceScore)
		fmt.Fprintf(&b, "- Quality score: %.3f\n", r.QualityScore)
		for _, s := range r.Splits {
			fmt.Fprintf(&b, "- %s: %d images (%.0f%%)\n", s.Split, s.Images, s.Share*100)
		}
	}

	if opts.Version != "" {
		fmt.Fprintf(&b, "\nGenerated by pillpipe %s.\n", opts.Version)
	}
	return b.String()
}

func buildUsageGuide(opts Options) string {
	var b strings.Builder
	b.WriteString("# Usage Guide\n\n")
	b.WriteString("## Training with Ultralytics YOLO\n\n")
	b.WriteString("```bash\nyolo detect train data=dataset/dataset.yaml model=yolov8n.pt epochs=100 imgsz=1280\n```\n\n")
	b.WriteString("## Verifying integrity\n\n")
	fmt.Fprintf(&b, "Every file is listed with its SHA-256 digest in `docs/%s`:\n\n", MetadataFileName)
	b.WriteString("```bash\njq -r '.files[] | \"\\(.sha256)  \\(.path)\"' docs/metadata.json | sha256sum -c\n```\n\n")
	b.WriteString("## Delivery checklist\n\n")
	b.WriteString("- [ ] dataset.yaml points at images/{train,val,test}\n")
	b.WriteString("- [ ] classes.txt matches the class ids used in labels/\n")
	b.WriteString("- [ ] image and label counts match per split\n")
	b.WriteString("- [ ] checksums in metadata.json verify\n")
	return b.String()
}
