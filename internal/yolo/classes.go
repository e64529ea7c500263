package yolo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/medvision/pillpipe/internal/fsutil"
)

// ClassesFileName is the conventional name of the class list artifact.
const ClassesFileName = "classes.txt"

// Classes is the ordered class list of a dataset. The index of a name is its
// YOLO class id.
type Classes []string

// NewClasses builds a deterministic class list from a set of pill codes.
func NewClasses(codes map[string]struct{}) Classes {
	out := make(Classes, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// ID returns the class id for name, or -1 if unknown.
func (c Classes) ID(name string) int {
	for i, n := range c {
		if n == name {
			return i
		}
	}
	return -1
}

// Write stores the class list atomically, one name per line.
func (c Classes) Write(path string) error {
	return fsutil.WriteFileAtomic(path, func(w io.Writer) error {
		for _, name := range c {
			if _, err := fmt.Fprintln(w, name); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadClasses loads a class list, skipping blank lines.
func ReadClasses(path string) (Classes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out Classes
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name != "" {
			out = append(out, name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
