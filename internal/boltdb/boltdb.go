package boltdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"github.com/alanbriolat/m3u8dl/internal/session"
)

var Buckets = struct {
	Metadata []byte
	Runs     []byte
}{
	Metadata: []byte("__metadata__"),
	Runs:     []byte("runs"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

type Database interface {
	Close() error

	session.Database
}

type database struct {
	*bbolt.DB
}

var ErrUnsupportedVersion = errors.New("unsupported history database version")

// New opens (creating if needed) the bbolt file at path. Opening fails after a second if another process holds the
// file, instead of blocking forever.
func New(path string) (Database, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if err := db.Update(prepare); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &database{db}, nil
}

// prepare creates the buckets and stamps the schema version, refusing files written by a newer schema.
func prepare(tx *bbolt.Tx) error {
	metadata, err := tx.CreateBucketIfNotExists(Buckets.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists(Buckets.Runs); err != nil {
		return err
	}
	if raw := metadata.Get(MetadataKeys.Version); raw != nil {
		version, err := strconv.Atoi(string(raw))
		if err != nil {
			return fmt.Errorf("%w: %q", ErrUnsupportedVersion, raw)
		}
		if version > currentVersion {
			return fmt.Errorf("%w: %d is newer than %d", ErrUnsupportedVersion, version, currentVersion)
		}
	}
	return metadata.Put(MetadataKeys.Version, []byte(strconv.Itoa(currentVersion)))
}

func (d database) ListRuns() (runs []session.RunRecord, err error) {
	err = d.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Runs)
		return bucket.ForEach(func(k, v []byte) error {
			var record session.RunRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return fmt.Errorf("corrupt run %s: %w", k, err)
			}
			runs = append(runs, record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

func (d database) WriteRun(record *session.RunRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Runs).Put([]byte(record.ID), data)
	})
}

func (d database) DeleteRun(id session.RunID) error {
	return d.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Runs)
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", session.ErrRunNotFound, id)
		}
		return bucket.Delete([]byte(id))
	})
}
