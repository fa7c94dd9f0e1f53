// Package ledger keeps a record of past builds in a bbolt database inside
// the output directory.
package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileName is the database file inside the output directory.
const FileName = "pgqbuild.db"

var bucketBuilds = []byte("builds")

// Record contains metadata about a single successful build.
type Record struct {
	Fingerprint    string    `json:"fingerprint" yaml:"fingerprint"`
	Target         string    `json:"target" yaml:"target"`
	Profile        string    `json:"profile" yaml:"profile"`
	Mode           string    `json:"mode" yaml:"mode"`
	StagedDigest   string    `json:"staged_digest,omitempty" yaml:"staged_digest,omitempty"`
	ArchiveDigest  string    `json:"archive_digest,omitempty" yaml:"archive_digest,omitempty"`
	BindingsDigest string    `json:"bindings_digest" yaml:"bindings_digest"`
	PGVersion      string    `json:"pg_version,omitempty" yaml:"pg_version,omitempty"`
	BuildTime      time.Time `json:"build_time" yaml:"build_time"`
}

// Drift lists which outputs changed between two builds of the same
// configuration.
type Drift struct {
	Staged   bool
	Archive  bool
	Bindings bool
}

// Compare reports the drift from prev to next. A nil prev never drifts.
func Compare(prev, next *Record) Drift {
	if prev == nil || next == nil {
		return Drift{}
	}
	return Drift{
		Staged:   prev.StagedDigest != next.StagedDigest,
		Archive:  prev.ArchiveDigest != next.ArchiveDigest,
		Bindings: prev.BindingsDigest != next.BindingsDigest,
	}
}

// Ledger stores Records keyed by configuration fingerprint.
type Ledger struct {
	db *bolt.DB
}

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}
	return &Ledger{db: db}, nil
}

// OpenDir opens the ledger kept in outDir, creating the directory if needed.
func OpenDir(outDir string) (*Ledger, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}
	return Open(filepath.Join(outDir, FileName))
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Put stores r, replacing any record with the same fingerprint.
func (l *Ledger) Put(r *Record) error {
	if r == nil || r.Fingerprint == "" {
		return fmt.Errorf("ledger: record without fingerprint")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketBuilds)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.Fingerprint), data)
	})
}

// Get returns the record for fingerprint, or nil, nil when there is none.
func (l *Ledger) Get(fingerprint string) (*Record, error) {
	var data []byte
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(fingerprint)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", fingerprint, err)
	}
	return &r, nil
}

// List returns every record, most recent build first.
func (l *Ledger) List() ([]*Record, error) {
	var records []*Record
	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBuilds)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal record %s: %w", k, err)
			}
			records = append(records, &r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].BuildTime.After(records[j].BuildTime)
	})
	return records, nil
}
