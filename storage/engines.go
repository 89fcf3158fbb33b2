package storage

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/Connor1996/badger"
	"github.com/docshard/docshard/config"
	"github.com/pingcap/errors"
)

// Engines keeps references to the badger databases backing one shard.
// Kv holds the documents. Log holds the replicated record log and the durable
// coordinator state.
type Engines struct {
	Kv     *badger.DB
	KvPath string

	Log     *badger.DB
	LogPath string
}

func NewEngines(kvEngine, logEngine *badger.DB, kvPath, logPath string) *Engines {
	return &Engines{
		Kv:      kvEngine,
		KvPath:  kvPath,
		Log:     logEngine,
		LogPath: logPath,
	}
}

// CreateEngines opens both databases under conf.DBPath, creating the
// directories when missing.
func CreateEngines(conf *config.Config) (*Engines, error) {
	kvPath := filepath.Join(conf.DBPath, "kv")
	logPath := filepath.Join(conf.DBPath, "log")
	kvDB, err := CreateDB(kvPath)
	if err != nil {
		return nil, err
	}
	logDB, err := CreateDB(logPath)
	if err != nil {
		kvDB.Close()
		return nil, err
	}
	return NewEngines(kvDB, logDB, kvPath, logPath), nil
}

// CreateTestEngines opens engines in a fresh temporary directory. The caller
// is expected to call Destroy when done.
func CreateTestEngines() (*Engines, error) {
	dir, err := ioutil.TempDir("", "docshard-test")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	conf := config.NewTestConfig()
	conf.DBPath = dir
	return CreateEngines(conf)
}

func (en *Engines) Close() error {
	if err := en.Kv.Close(); err != nil {
		return err
	}
	if err := en.Log.Close(); err != nil {
		return err
	}
	return nil
}

func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(en.KvPath); err != nil {
		return err
	}
	if err := os.RemoveAll(en.LogPath); err != nil {
		return err
	}
	return nil
}

// CreateDB opens a badger database at the given path, creating it if missing.
func CreateDB(path string) (*badger.DB, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return db, nil
}
