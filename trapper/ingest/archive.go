package ingest

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"
)

// Archive indexes the entries of an uploaded zip by their path, and also by their path with the
// top level directory removed when every entry shares one.
type Archive struct {
	reader   *zip.ReadCloser
	entries  map[string]*zip.File
	stripped map[string]*zip.File
}

func OpenArchive(filename string) (*Archive, error) {
	reader, err := zip.OpenReader(filename)
	if err != nil {
		return nil, fmt.Errorf("this is not a valid zip file: %w", err)
	}

	prefix := commonRoot(reader.File)
	a := &Archive{reader: reader, entries: map[string]*zip.File{}, stripped: map[string]*zip.File{}}
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		a.entries[path.Clean(f.Name)] = f
		if prefix != "" {
			a.stripped[path.Clean(strings.TrimPrefix(f.Name, prefix))] = f
		}
	}
	return a, nil
}

func commonRoot(files []*zip.File) string {
	root := ""
	for _, f := range files {
		first, rest, found := strings.Cut(f.Name, "/")
		if !found || rest == "" && !f.FileInfo().IsDir() {
			return ""
		}
		if root == "" {
			root = first
		} else if root != first {
			return ""
		}
	}
	if root == "" {
		return ""
	}
	return root + "/"
}

// Entry returns the first of the candidate paths present in the archive.
func (a *Archive) Entry(candidates ...string) (*zip.File, bool) {
	for _, name := range candidates {
		name = path.Clean(name)
		if f, ok := a.entries[name]; ok {
			return f, true
		}
		if f, ok := a.stripped[name]; ok {
			return f, true
		}
	}
	return nil, false
}

func (a *Archive) Len() int { return len(a.entries) }

// Extract copies an entry into w.
func (a *Archive) Extract(f *zip.File, w io.Writer) error {
	r, err := f.Open()
	if err != nil {
		return fmt.Errorf("file %v from the archive could not be opened: %w", f.Name, err)
	}
	defer r.Close()
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("file %v from the archive could not be read: %w", f.Name, err)
	}
	return nil
}

func (a *Archive) Close() error {
	return a.reader.Close()
}
