package datasource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Decode reads one or more YAML documents from r, each a single
// descriptor. Unknown fields are rejected. source labels the descriptors.
func Decode(r io.Reader, source string) ([]Descriptor, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []Descriptor
	for i := 0; ; i++ {
		var d Descriptor
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", source, i, err)
		}
		d.Source = source
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", source, i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadDir loads descriptors from every .yaml/.yml file under dir, in
// lexical path order.
func LoadDir(dir string) ([]Descriptor, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("data source directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", dir)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isYAML(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(files)

	var out []Descriptor
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		ds, err := Decode(bytes.NewReader(data), path)
		if err != nil {
			return nil, err
		}
		out = append(out, ds...)
	}
	return out, nil
}

func isYAML(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}
