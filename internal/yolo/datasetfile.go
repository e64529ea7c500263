package yolo

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/medvision/pillpipe/internal/fsutil"
)

// DatasetFileName is the conventional name of the dataset descriptor.
const DatasetFileName = "dataset.yaml"

// DatasetFile is the dataset.yaml descriptor expected by YOLO trainers.
type DatasetFile struct {
	Path  string   `yaml:"path"`
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	Test  string   `yaml:"test"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names"`
}

// NewDatasetFile builds the descriptor for a dataset rooted at root with the
// standard images/{train,val,test} layout.
func NewDatasetFile(root string, classes Classes) DatasetFile {
	return DatasetFile{
		Path:  root,
		Train: "images/train",
		Val:   "images/val",
		Test:  "images/test",
		NC:    len(classes),
		Names: []string(classes),
	}
}

// Write stores the descriptor atomically.
func (d DatasetFile) Write(path string) error {
	return fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		if err := enc.Encode(d); err != nil {
			return err
		}
		return enc.Close()
	})
}

// ReadDatasetFile loads and strictly decodes a dataset descriptor.
func ReadDatasetFile(path string) (DatasetFile, error) {
	var d DatasetFile
	f, err := os.Open(path)
	if err != nil {
		return d, err
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return d, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}
