package artifactcache

import (
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
)

// NewFileCache returns a Cache that stores each entry as one file named by
// the hex checksum under dir, creating dir if needed. Writes go through a
// temporary file and rename so a crash never leaves a partial entry
// readable.
func NewFileCache(dir string) (Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileCache{dirPath: dir}, nil
}

type fileCache struct {
	dirPath string
}

func (fc *fileCache) path(key Checksum) string {
	return filepath.Join(fc.dirPath, hex.EncodeToString(key[:]))
}

func (fc *fileCache) Get(key Checksum) (io.ReadCloser, bool, error) {
	f, err := os.Open(fc.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func (fc *fileCache) Put(key Checksum, content io.Reader) (err error) {
	tmp, err := os.CreateTemp(fc.dirPath, "*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		tmp.Close()
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, content); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), fc.path(key))
}

func (fc *fileCache) Delete(key Checksum) error {
	err := os.Remove(fc.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
