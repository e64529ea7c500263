package analyzer

import (
	"context"
	"encoding/json"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/medvision/pillpipe/internal/catalog"
	"github.com/medvision/pillpipe/internal/yolo"
)

func seedCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cat.Close() })

	ctx := context.Background()
	box := func(class int, w, h float64) yolo.Box {
		return yolo.Box{Class: class, CX: 0.5, CY: 0.5, W: w, H: h}
	}
	adds := []struct {
		name, split string
		boxes       []yolo.Box
	}{
		{"img-1", "train", []yolo.Box{box(0, 0.2, 0.2), box(1, 0.1, 0.1)}},
		{"img-2", "train", []yolo.Box{box(0, 0.4, 0.2)}},
		{"img-3", "val", []yolo.Box{box(1, 0.2, 0.1)}},
		{"img-4", "test", []yolo.Box{box(0, 0.3, 0.3)}},
	}
	for _, a := range adds {
		if err := cat.AddImage(ctx, a.name, a.split, 1280, 1280, a.boxes); err != nil {
			t.Fatal(err)
		}
	}
	return cat
}

func datasetFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "images", "train")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i, c := range []color.NRGBA{
		{R: 200, G: 40, B: 40, A: 255},
		{R: 40, G: 200, B: 40, A: 255},
	} {
		img := imaging.New(32, 32, c)
		if err := imaging.Save(img, filepath.Join(dir, "img-"+string(rune('a'+i))+".png")); err != nil {
			t.Fatal(err)
		}
	}
	// one label file per catalog image, so every split is fully consistent
	for split, names := range map[string][]string{
		"train": {"img-1", "img-2"},
		"val":   {"img-3"},
		"test":  {"img-4"},
	} {
		labelDir := filepath.Join(root, "labels", split)
		if err := os.MkdirAll(labelDir, 0o755); err != nil {
			t.Fatal(err)
		}
		for _, name := range names {
			if err := os.WriteFile(filepath.Join(labelDir, name+".txt"), []byte("0 0.5 0.5 0.2 0.2\n"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := (yolo.Classes{"003544", "016551"}).Write(filepath.Join(root, yolo.ClassesFileName)); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestRun(t *testing.T) {
	cat := seedCatalog(t)
	root := datasetFixture(t)
	reports := t.TempDir()

	rep, err := Run(context.Background(), root, reports, cat, Options{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if rep.TotalImages != 4 || rep.TotalObjects != 5 {
		t.Errorf("totals = %d images / %d objects, want 4 / 5", rep.TotalImages, rep.TotalObjects)
	}
	if len(rep.Classes) != 2 {
		t.Fatalf("classes = %+v", rep.Classes)
	}
	// class 0 (003544) has 3 objects, class 1 (016551) has 2
	if rep.Classes[0].Class != "003544" || rep.Classes[0].Count != 3 {
		t.Errorf("top class = %+v", rep.Classes[0])
	}
	if rep.Boxes.Count != 5 || rep.Boxes.MaxPerImg != 2 {
		t.Errorf("box stats = %+v", rep.Boxes)
	}
	if rep.Quality.Sampled != 2 {
		t.Errorf("sampled = %d, want 2", rep.Quality.Sampled)
	}
	if rep.BalanceScore <= 0 || rep.BalanceScore > 1 {
		t.Errorf("balance score = %v", rep.BalanceScore)
	}

	// every split has a label per image, so consistency is perfect and the
	// overall score is (1 + 4/100) / 2
	if math.Abs(rep.MeanConsistency-1.0) > 1e-9 {
		t.Errorf("mean consistency = %v, want 1", rep.MeanConsistency)
	}
	if math.Abs(rep.SizeFactor-0.04) > 1e-9 {
		t.Errorf("size factor = %v, want 0.04", rep.SizeFactor)
	}
	if math.Abs(rep.QualityScore-0.52) > 1e-9 {
		t.Errorf("quality score = %v, want 0.52", rep.QualityScore)
	}
	for _, s := range rep.Splits {
		if s.Labels != s.Images {
			t.Errorf("split %s: %d labels for %d images", s.Split, s.Labels, s.Images)
		}
	}

	// report is written as a JSON artifact
	data, err := os.ReadFile(filepath.Join(reports, ReportFileName))
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var onDisk Report
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if onDisk.TotalImages != rep.TotalImages {
		t.Errorf("persisted report differs: %d vs %d", onDisk.TotalImages, rep.TotalImages)
	}
}

func TestBalanceScore(t *testing.T) {
	even := []ClassStat{{Count: 10}, {Count: 10}, {Count: 10}}
	if s := balanceScore(even); math.Abs(s-1.0) > 1e-9 {
		t.Errorf("even distribution score = %v, want 1", s)
	}

	skewed := []ClassStat{{Count: 100}, {Count: 1}, {Count: 1}}
	if s := balanceScore(skewed); s >= 0.5 {
		t.Errorf("skewed distribution score = %v, want below 0.5", s)
	}

	if s := balanceScore(nil); s != 0 {
		t.Errorf("empty score = %v, want 0", s)
	}
}

func TestFillQualityScore(t *testing.T) {
	rep := &Report{
		TotalImages: 200,
		Splits: []SplitStat{
			{Split: "train", Consistency: 1},
			{Split: "val", Consistency: 0.5},
		},
	}
	fillQualityScore(rep)
	if rep.SizeFactor != 1 {
		t.Errorf("size factor = %v, want 1 above 100 images", rep.SizeFactor)
	}
	if math.Abs(rep.MeanConsistency-0.75) > 1e-9 {
		t.Errorf("mean consistency = %v, want 0.75", rep.MeanConsistency)
	}
	if math.Abs(rep.QualityScore-0.875) > 1e-9 {
		t.Errorf("quality score = %v, want 0.875", rep.QualityScore)
	}

	empty := &Report{}
	fillQualityScore(empty)
	if empty.QualityScore != 0 {
		t.Errorf("empty dataset score = %v, want 0", empty.QualityScore)
	}
}

func TestCheckBalance(t *testing.T) {
	rep := &Report{BalanceScore: 0.6}
	if err := CheckBalance(rep, 0.5); err != nil {
		t.Errorf("CheckBalance above threshold: %v", err)
	}
	if err := CheckBalance(rep, 0.7); err == nil {
		t.Error("expected error below threshold")
	}
}
