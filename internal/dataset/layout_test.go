package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestDiscoverPairs(t *testing.T) {
	root := t.TempDir()

	writeFile(t, filepath.Join(root, TrainImagesDir, "K-003544-010221_0_2.png"))
	writeFile(t, filepath.Join(root, TrainImagesDir, "K-016551-010221_0_1.png"))
	writeFile(t, filepath.Join(root, TrainImagesDir, "K-027926-010221_0_9.png")) // no annotation
	writeFile(t, filepath.Join(root, AnnotationsDir, "dl1", "003544", "K-003544-010221_0_2.json"))
	writeFile(t, filepath.Join(root, AnnotationsDir, "dl2", "016551", "K-016551-010221_0_1.json"))

	pairs, missing, err := DiscoverPairs(root)
	if err != nil {
		t.Fatalf("DiscoverPairs: %v", err)
	}
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs, want 2", len(pairs))
	}
	if pairs[0].Name != "K-003544-010221_0_2" || pairs[0].PillCode != "003544" {
		t.Errorf("first pair = %+v", pairs[0])
	}
	if len(missing) != 1 || missing[0] != "K-027926-010221_0_9" {
		t.Errorf("missing = %v", missing)
	}
}

func TestDiscoverPairsFirstAnnotationWins(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, TrainImagesDir, "K-003544-010221_0_2.png"))
	writeFile(t, filepath.Join(root, AnnotationsDir, "a", "x", "K-003544-010221_0_2.json"))
	writeFile(t, filepath.Join(root, AnnotationsDir, "b", "y", "K-003544-010221_0_2.json"))

	pairs, _, err := DiscoverPairs(root)
	if err != nil {
		t.Fatalf("DiscoverPairs: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	want := filepath.Join(root, AnnotationsDir, "a", "x", "K-003544-010221_0_2.json")
	if pairs[0].Annotation != want {
		t.Errorf("annotation = %s, want %s", pairs[0].Annotation, want)
	}
}

func TestDiscoverPairsEmptyRoot(t *testing.T) {
	pairs, missing, err := DiscoverPairs(t.TempDir())
	if err != nil {
		t.Fatalf("DiscoverPairs: %v", err)
	}
	if len(pairs) != 0 || len(missing) != 0 {
		t.Errorf("expected nothing, got pairs=%d missing=%d", len(pairs), len(missing))
	}
}

func TestAnnotationRel(t *testing.T) {
	root := t.TempDir()
	p := Pair{Annotation: filepath.Join(root, AnnotationsDir, "dl1", "003544", "a.json")}
	rel, err := p.AnnotationRel(root)
	if err != nil {
		t.Fatalf("AnnotationRel: %v", err)
	}
	if rel != filepath.Join("dl1", "003544", "a.json") {
		t.Errorf("rel = %s", rel)
	}
}

func TestEnsureLayouts(t *testing.T) {
	root := t.TempDir()
	if err := EnsureRawLayout(root); err != nil {
		t.Fatalf("EnsureRawLayout: %v", err)
	}
	for _, sub := range []string{TrainImagesDir, TestImagesDir, AnnotationsDir} {
		if info, err := os.Stat(filepath.Join(root, sub)); err != nil || !info.IsDir() {
			t.Errorf("missing %s", sub)
		}
	}

	if err := EnsureYOLOLayout(root); err != nil {
		t.Fatalf("EnsureYOLOLayout: %v", err)
	}
	for _, split := range Splits {
		for _, kind := range []string{"images", "labels"} {
			if info, err := os.Stat(filepath.Join(root, kind, split)); err != nil || !info.IsDir() {
				t.Errorf("missing %s/%s", kind, split)
			}
		}
	}
}
