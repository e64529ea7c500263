// Package catalog maintains a sqlite index of the produced dataset: one row
// per image and one per labeled object. The analyzer and the HTTP API query
// it instead of re-walking the split tree.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/medvision/pillpipe/internal/yolo"
)

const schema = `
CREATE TABLE IF NOT EXISTS images (
	name    TEXT NOT NULL,
	split   TEXT NOT NULL,
	width   INTEGER NOT NULL,
	height  INTEGER NOT NULL,
	objects INTEGER NOT NULL,
	PRIMARY KEY (name, split)
);
CREATE TABLE IF NOT EXISTS objects (
	image    TEXT NOT NULL,
	split    TEXT NOT NULL,
	class_id INTEGER NOT NULL,
	cx REAL NOT NULL,
	cy REAL NOT NULL,
	w  REAL NOT NULL,
	h  REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_objects_split_class ON objects (split, class_id);
`

// Catalog is a sqlite-backed dataset index. It expects a single writer.
type Catalog struct {
	db *sql.DB
}

// Open opens or creates the catalog at path and applies the schema.
func Open(path string) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply catalog schema: %w", err)
	}
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Reset clears all rows; called at the start of every split stage so the
// catalog always describes the latest dataset.
func (c *Catalog) Reset(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM objects`); err != nil {
		return err
	}
	_, err := c.db.ExecContext(ctx, `DELETE FROM images`)
	return err
}

// AddImage records one image and its labeled objects.
func (c *Catalog) AddImage(ctx context.Context, name, split string, width, height int, boxes []yolo.Box) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO images (name, split, width, height, objects) VALUES (?, ?, ?, ?, ?)`,
		name, split, width, height, len(boxes)); err != nil {
		return fmt.Errorf("insert image %s: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM objects WHERE image = ? AND split = ?`, name, split); err != nil {
		return fmt.Errorf("clear objects for %s: %w", name, err)
	}
	for _, b := range boxes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO objects (image, split, class_id, cx, cy, w, h) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			name, split, b.Class, b.CX, b.CY, b.W, b.H); err != nil {
			return fmt.Errorf("insert object for %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// SplitCounts returns the number of images per split.
func (c *Catalog) SplitCounts(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT split, COUNT(*) FROM images GROUP BY split`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var split string
		var n int
		if err := rows.Scan(&split, &n); err != nil {
			return nil, err
		}
		out[split] = n
	}
	return out, rows.Err()
}

// ClassCounts returns object counts per class id for one split, or for the
// whole dataset when split is empty.
func (c *Catalog) ClassCounts(ctx context.Context, split string) (map[int]int, error) {
	query := `SELECT class_id, COUNT(*) FROM objects GROUP BY class_id`
	args := []any{}
	if split != "" {
		query = `SELECT class_id, COUNT(*) FROM objects WHERE split = ? GROUP BY class_id`
		args = append(args, split)
	}
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]int)
	for rows.Next() {
		var class, n int
		if err := rows.Scan(&class, &n); err != nil {
			return nil, err
		}
		out[class] = n
	}
	return out, rows.Err()
}

// SplitObjectCounts returns the number of objects per split.
func (c *Catalog) SplitObjectCounts(ctx context.Context) (map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT split, COUNT(*) FROM objects GROUP BY split`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var split string
		var n int
		if err := rows.Scan(&split, &n); err != nil {
			return nil, err
		}
		out[split] = n
	}
	return out, rows.Err()
}

// Boxes returns every stored box plus the per-image object counts, which the
// analysis stage turns into geometry statistics.
func (c *Catalog) Boxes(ctx context.Context) ([]yolo.Box, map[string]int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT image, class_id, cx, cy, w, h FROM objects`)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = rows.Close() }()

	var boxes []yolo.Box
	perImage := make(map[string]int)
	for rows.Next() {
		var image string
		var b yolo.Box
		if err := rows.Scan(&image, &b.Class, &b.CX, &b.CY, &b.W, &b.H); err != nil {
			return nil, nil, err
		}
		boxes = append(boxes, b)
		perImage[image]++
	}
	return boxes, perImage, rows.Err()
}

// Summary aggregates the headline numbers served by the API.
type Summary struct {
	Images  map[string]int `json:"images"`
	Objects int            `json:"objects"`
	Classes int            `json:"classes"`
}

// Summarize returns the catalog's headline numbers.
func (c *Catalog) Summarize(ctx context.Context) (*Summary, error) {
	images, err := c.SplitCounts(ctx)
	if err != nil {
		return nil, err
	}
	s := &Summary{Images: images}
	row := c.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT class_id) FROM objects`)
	if err := row.Scan(&s.Objects, &s.Classes); err != nil {
		return nil, err
	}
	return s, nil
}
