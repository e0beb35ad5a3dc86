// Package persistence writes archival results to disk.
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"time"
)

// File is a results file open for writing.
type File struct {
	fp *os.File
}

// New creates a results file named <kind>-<uuid>.json under a
// datadir/YYYY/MM/DD directory.
func New(datadir, kind, uuid string) (*File, error) {
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	name := path.Join(dir, fmt.Sprintf("%s-%s.json", kind, uuid))
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{fp: fp}, nil
}

// Write serializes result as indented JSON.
func (f *File) Write(result interface{}) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	_, err = f.fp.Write(data)
	return err
}

// Name returns the path of the file.
func (f *File) Name() string {
	return f.fp.Name()
}

// Close closes the file.
func (f *File) Close() error {
	return f.fp.Close()
}
