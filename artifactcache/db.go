package artifactcache

import (
	"bytes"
	"io"

	dbm "github.com/cometbft/cometbft-db"
)

// NewDBCache returns a Cache backed by a key-value database, for embedders
// that already run one and want artifact persistence to share its
// lifecycle and backups. The cache does not own db; closing it is the
// caller's job.
func NewDBCache(db dbm.DB) Cache {
	return &dbCache{db: db}
}

type dbCache struct {
	db dbm.DB
}

// keyPrefix keeps artifact entries apart from whatever else lives in the
// database.
var keyPrefix = []byte("artifact/")

func dbKey(key Checksum) []byte {
	return append(append(make([]byte, 0, len(keyPrefix)+len(key)), keyPrefix...), key[:]...)
}

func (dc *dbCache) Get(key Checksum) (io.ReadCloser, bool, error) {
	content, err := dc.db.Get(dbKey(key))
	if err != nil {
		return nil, false, err
	}
	if content == nil {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(content)), true, nil
}

func (dc *dbCache) Put(key Checksum, content io.Reader) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	return dc.db.SetSync(dbKey(key), data)
}

func (dc *dbCache) Delete(key Checksum) error {
	return dc.db.DeleteSync(dbKey(key))
}
