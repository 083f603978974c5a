package storage

import (
	"io"
)

type UsageStats struct {
	TotalBytes uint64
	FreeBytes  uint64
}

type Storage interface {
	Read(path string) (io.ReadCloser, error)
	Write(path string, data io.Reader) error
	// Create opens path for streaming writes, creating parent directories.
	Create(path string) (io.WriteCloser, error)
	// CreateNew is Create for a path that must not exist yet. An existing path is reported
	// with an error matching fs.ErrExist.
	CreateNew(path string) (io.WriteCloser, error)
	Delete(path string) error
	List(path string) ([]string, error)
	Exists(path string) (bool, error)
	Size(path string) (int64, error)
	MkdirAll(path string) error
	Usage() (UsageStats, error)
	// FullPath resolves path on the local filesystem, for tools that need a real file.
	FullPath(path string) string
	Location() string
}
