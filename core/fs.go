package core

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// FS is the file system the engine reads schema files from.
type FS interface {
	Get(path string) (data []byte, err error)
	Put(path string, data []byte) error
	Exists(path string) (exists bool, err error)
}

type aferoFS struct {
	fs       afero.Fs
	basePath string
}

// NewAferoFS returns an FS rooted at basePath on fs.
func NewAferoFS(fs afero.Fs, basePath string) FS {
	return &aferoFS{fs: fs, basePath: basePath}
}

// NewOsFS returns an FS rooted at basePath on the local disk.
func NewOsFS(basePath string) FS {
	return NewAferoFS(afero.NewOsFs(), basePath)
}

func (f *aferoFS) Get(path string) ([]byte, error) {
	return afero.ReadFile(f.fs, f.path(path))
}

func (f *aferoFS) Put(path string, data []byte) error {
	fp := f.path(path)
	if err := f.fs.MkdirAll(filepath.Dir(fp), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(f.fs, fp, data, 0o644)
}

func (f *aferoFS) Exists(path string) (bool, error) {
	return afero.Exists(f.fs, f.path(path))
}

func (f *aferoFS) path(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(f.basePath, path)
}

// getFS returns the file system to be used by the engine
func getFS(conf *Config) (fs FS, err error) {
	if v, ok := conf.FS.(FS); ok {
		fs = v
		return
	}

	v, err := os.Getwd()
	if err != nil {
		return
	}

	fs = NewOsFS(filepath.Join(v, "config"))
	return
}
