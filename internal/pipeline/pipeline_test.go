package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/medvision/pillpipe/internal/catalog"
	"github.com/medvision/pillpipe/internal/coco"
	"github.com/medvision/pillpipe/internal/config"
	"github.com/medvision/pillpipe/internal/dataset"
	"github.com/medvision/pillpipe/internal/store"
)

func writeRawCorpus(t *testing.T, dataDir string) {
	t.Helper()
	raw := filepath.Join(dataDir, "raw")

	colors := []color.NRGBA{
		{R: 220, G: 60, B: 60, A: 255},
		{R: 60, G: 220, B: 60, A: 255},
	}
	for ci, code := range []string{"003544", "016551"} {
		for i := 0; i < 5; i++ {
			name := fmt.Sprintf("K-%s-010221_0_%d", code, i)

			img := imaging.New(96, 64, colors[ci])
			imgPath := filepath.Join(raw, dataset.TrainImagesDir, name+".png")
			if err := os.MkdirAll(filepath.Dir(imgPath), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := imaging.Save(img, imgPath); err != nil {
				t.Fatal(err)
			}

			doc := coco.Document{
				Images: []coco.Image{{ID: 1, FileName: name + ".png", Width: 96, Height: 64}},
				Annotations: []coco.Annotation{
					{ID: 1, ImageID: 1, BBox: [4]float64{10, 10, 30, 20}},
				},
			}
			data, err := json.Marshal(doc)
			if err != nil {
				t.Fatal(err)
			}
			annPath := filepath.Join(raw, dataset.AnnotationsDir, "dl", code, name+".json")
			if err := os.MkdirAll(filepath.Dir(annPath), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(annPath, data, 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}

	for i := 0; i < 3; i++ {
		img := imaging.New(96, 64, color.NRGBA{R: 120, G: 120, B: 120, A: 255})
		imgPath := filepath.Join(raw, dataset.TestImagesDir, fmt.Sprintf("K-027926-010221_0_%d.png", i))
		if err := os.MkdirAll(filepath.Dir(imgPath), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := imaging.Save(img, imgPath); err != nil {
			t.Fatal(err)
		}
	}
}

func testConfig(t *testing.T, dataDir string) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		DataDir:          dataDir,
		Profile:          "tiny",
		TargetSize:       64,
		TrainRatio:       0.8,
		ValRatio:         0.1,
		TestRatio:        0.1,
		MinImageSize:     32,
		MaxBoxesPerImage: 4,
		MinBalanceScore:  0.1,
		Workers:          2,
		PackageName:      "test_dataset",
		Version:          "test",
		Profiles: map[string]config.Profile{
			"tiny": {
				TrainSize: 8,
				TestSize:  2,
				Strategy:  config.StrategyBalanced,
				OutputDir: "tiny_data",
			},
		},
	}
}

func TestRunnerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline run")
	}

	dataDir := t.TempDir()
	writeRawCorpus(t, dataDir)
	cfg := testConfig(t, dataDir)

	st, err := store.Open(filepath.Join(dataDir, "runstore"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	cat, err := catalog.Open(filepath.Join(dataDir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	runner := New(cfg, st, cat)
	rec, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rec.Error != "" {
		t.Errorf("run error = %q", rec.Error)
	}
	if len(rec.Stages) != 7 {
		t.Errorf("stages = %d, want 7: %+v", len(rec.Stages), rec.Stages)
	}
	if rec.TrainImages+rec.ValImages+rec.TestImages != 8 {
		t.Errorf("split sizes = %d/%d/%d, want 8 total",
			rec.TrainImages, rec.ValImages, rec.TestImages)
	}
	if rec.BalanceScore <= 0 {
		t.Errorf("balance score = %v", rec.BalanceScore)
	}
	if rec.PackagePath == "" {
		t.Error("package path not recorded")
	} else if _, err := os.Stat(rec.PackagePath); err != nil {
		t.Errorf("package archive missing: %v", err)
	}

	// run record was persisted
	stored, err := st.Get(rec.ID)
	if err != nil {
		t.Fatalf("stored run: %v", err)
	}
	if stored.Profile != "tiny" {
		t.Errorf("stored profile = %q", stored.Profile)
	}

	// catalog describes the produced dataset
	summary, err := cat.Summarize(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, n := range summary.Images {
		total += n
	}
	if total != 8 {
		t.Errorf("catalog images = %d, want 8", total)
	}
}

func TestRunnerToleratesFlaggedAnnotation(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline run")
	}

	dataDir := t.TempDir()
	writeRawCorpus(t, dataDir)

	// one crowded annotation: validation flags it but the run must proceed
	name := "K-003544-010221_0_9"
	img := imaging.New(96, 64, color.NRGBA{R: 220, G: 60, B: 60, A: 255})
	imgPath := filepath.Join(dataDir, "raw", dataset.TrainImagesDir, name+".png")
	if err := imaging.Save(img, imgPath); err != nil {
		t.Fatal(err)
	}
	var crowded []coco.Annotation
	for i := 0; i < 5; i++ {
		crowded = append(crowded, coco.Annotation{
			ID: i + 1, ImageID: 1, BBox: [4]float64{float64(i * 10), 10, 8, 8},
		})
	}
	doc := coco.Document{
		Images:      []coco.Image{{ID: 1, FileName: name + ".png", Width: 96, Height: 64}},
		Annotations: crowded,
	}
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatal(err)
	}
	annPath := filepath.Join(dataDir, "raw", dataset.AnnotationsDir, "dl", "003544", name+".json")
	if err := os.WriteFile(annPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, dataDir)
	// sample everything so the flagged pair is always part of the run
	cfg.Profiles["tiny"] = config.Profile{
		TrainSize: 11,
		TestSize:  2,
		Strategy:  config.StrategyBalanced,
	}

	cat, err := catalog.Open(filepath.Join(dataDir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	rec, err := New(cfg, nil, cat).Run(context.Background())
	if err != nil {
		t.Fatalf("Run with flagged annotation: %v", err)
	}
	if rec.Error != "" {
		t.Errorf("run error = %q", rec.Error)
	}
	if len(rec.Stages) != 7 {
		t.Errorf("stages = %d, want 7: %+v", len(rec.Stages), rec.Stages)
	}
}

func TestRunnerProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline run")
	}

	dataDir := t.TempDir()
	writeRawCorpus(t, dataDir)
	cfg := testConfig(t, dataDir)
	existing := filepath.Join(dataDir, "raw")

	st, err := store.Open(filepath.Join(dataDir, "runstore"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	cat, err := catalog.Open(filepath.Join(dataDir, "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()

	rec, err := New(cfg, st, cat).Process(context.Background(), existing)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if rec.Error != "" {
		t.Errorf("run error = %q", rec.Error)
	}
	if len(rec.Stages) != 6 {
		t.Fatalf("stages = %d, want 6 (no sampling): %+v", len(rec.Stages), rec.Stages)
	}
	if rec.Stages[0].Stage != "validate" {
		t.Errorf("first stage = %q, want validate", rec.Stages[0].Stage)
	}

	// artifacts land underneath the processed directory, not the data root
	if rec.PackagePath == "" {
		t.Fatal("package path not recorded")
	}
	if filepath.Dir(rec.PackagePath) != filepath.Join(existing, "packages") {
		t.Errorf("package at %s, want under %s", rec.PackagePath, existing)
	}
	if _, err := os.Stat(rec.PackagePath); err != nil {
		t.Errorf("package archive missing: %v", err)
	}
}

func TestRunnerRecordsFailure(t *testing.T) {
	dataDir := t.TempDir() // no raw corpus: sample stage must fail
	cfg := testConfig(t, dataDir)

	st, err := store.Open(filepath.Join(dataDir, "runstore"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	runner := New(cfg, st, nil)
	rec, err := runner.Run(context.Background())
	if err == nil {
		t.Fatal("expected failure without raw data")
	}
	if rec == nil || rec.Error == "" {
		t.Fatalf("failure not recorded: %+v", rec)
	}
	if len(rec.Stages) != 1 || rec.Stages[0].Stage != "sample" {
		t.Errorf("stages = %+v, want failed sample stage", rec.Stages)
	}

	stored, err := st.Get(rec.ID)
	if err != nil {
		t.Fatalf("stored run: %v", err)
	}
	if stored.Error == "" {
		t.Error("stored run lost its error")
	}
}

func TestRunnerUnknownProfile(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.Profile = "missing"
	if _, err := New(cfg, nil, nil).Run(context.Background()); err == nil {
		t.Error("expected error for unknown profile")
	}
}

func TestDirsFor(t *testing.T) {
	d := DirsFor("/data")
	if d.Raw != filepath.Join("/data", "raw") || d.Packages != filepath.Join("/data", "packages") {
		t.Errorf("dirs = %+v", d)
	}
}
