package packager

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/medvision/pillpipe/internal/analyzer"
	"github.com/medvision/pillpipe/internal/yolo"
)

func datasetFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for _, split := range []string{"train", "val", "test"} {
		for _, kind := range []string{"images", "labels"} {
			if err := os.MkdirAll(filepath.Join(root, kind, split), 0o755); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := os.WriteFile(filepath.Join(root, "images", "train", "a.png"), []byte("png-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "labels", "train", "a.txt"), []byte("0 0.5 0.5 0.1 0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	classes := yolo.Classes{"003544"}
	if err := classes.Write(filepath.Join(root, yolo.ClassesFileName)); err != nil {
		t.Fatal(err)
	}
	if err := yolo.NewDatasetFile(root, classes).Write(filepath.Join(root, yolo.DatasetFileName)); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRun(t *testing.T) {
	dataset := datasetFixture(t)
	out := t.TempDir()

	rep := &analyzer.Report{
		TotalImages:  1,
		TotalObjects: 1,
		BalanceScore: 1.0,
		QualityScore: 0.9,
	}

	res, err := Run(context.Background(), dataset, out, Options{
		Name:    "pill_dataset",
		Version: "v1.2.0",
		Report:  rep,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// generated docs and manifest live under docs/
	for _, f := range []string{"README.md", "USAGE_GUIDE.md", MetadataFileName} {
		if _, err := os.Stat(filepath.Join(res.Dir, DocsDirName, f)); err != nil {
			t.Errorf("missing docs/%s: %v", f, err)
		}
	}
	if _, err := os.Stat(filepath.Join(res.Dir, analyzer.ReportFileName)); err != nil {
		t.Errorf("missing %s: %v", analyzer.ReportFileName, err)
	}

	readme, err := os.ReadFile(filepath.Join(res.Dir, DocsDirName, "README.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(readme), "Class balance score: 1.000") {
		t.Errorf("README missing statistics:\n%s", readme)
	}

	// manifest checksums match the actual files
	data, err := os.ReadFile(filepath.Join(res.Dir, DocsDirName, MetadataFileName))
	if err != nil {
		t.Fatal(err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("parse metadata: %v", err)
	}
	if meta.Name != "pill_dataset" || meta.Version != "v1.2.0" {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.TotalFiles != len(meta.Files) || meta.TotalFiles == 0 {
		t.Errorf("file counts: total=%d entries=%d", meta.TotalFiles, len(meta.Files))
	}
	for _, entry := range meta.Files {
		raw, err := os.ReadFile(filepath.Join(res.Dir, filepath.FromSlash(entry.Path)))
		if err != nil {
			t.Errorf("manifest entry unreadable: %s", entry.Path)
			continue
		}
		sum := sha256.Sum256(raw)
		if hex.EncodeToString(sum[:]) != entry.SHA256 {
			t.Errorf("checksum mismatch for %s", entry.Path)
		}
	}

	// archive contains the dataset descriptor
	zr, err := zip.OpenReader(res.ArchivePath)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer zr.Close()
	found := false
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, yolo.DatasetFileName) {
			found = true
		}
	}
	if !found {
		t.Error("archive missing dataset.yaml")
	}
	if res.SizeMB <= 0 {
		t.Errorf("size = %v, want positive", res.SizeMB)
	}
	if res.DirSizeMB <= 0 {
		t.Errorf("dir size = %v, want positive", res.DirSizeMB)
	}
}

func TestValidateRejectsIncompletePackage(t *testing.T) {
	pkg := t.TempDir()
	if err := os.MkdirAll(filepath.Join(pkg, "dataset"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Validate(pkg); err == nil {
		t.Error("expected error for package without descriptor")
	}
}

func TestRunWithoutReport(t *testing.T) {
	dataset := datasetFixture(t)
	res, err := Run(context.Background(), dataset, t.TempDir(), Options{Name: "bare"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	readme, _ := os.ReadFile(filepath.Join(res.Dir, DocsDirName, "README.md"))
	if strings.Contains(string(readme), "## Statistics") {
		t.Error("README should omit statistics without a report")
	}
}
