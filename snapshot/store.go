// Copyright 2017 Pilosa Corp.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions
// are met:
//
// 1. Redistributions of source code must retain the above copyright
// notice, this list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright
// notice, this list of conditions and the following disclaimer in the
// documentation and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
// contributors may be used to endorse or promote products derived
// from this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND
// CONTRIBUTORS "AS IS" AND ANY EXPRESS OR IMPLIED WARRANTIES,
// INCLUDING, BUT NOT LIMITED TO, THE IMPLIED WARRANTIES OF
// MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR
// CONTRIBUTORS BE LIABLE FOR ANY DIRECT, INDIRECT, INCIDENTAL,
// SPECIAL, EXEMPLARY, OR CONSEQUENTIAL DAMAGES (INCLUDING,
// BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS
// INTERRUPTION) HOWEVER CAUSED AND ON ANY THEORY OF LIABILITY,
// WHETHER IN CONTRACT, STRICT LIABILITY, OR TORT (INCLUDING
// NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH
// DAMAGE.

// Package snapshot stores immutable, versioned columnar snapshots of each
// dataset class and the aggregation tables built from them, and publishes
// complete sets of them atomically.
//
// A store directory looks like:
//
//	snapshots/<class>/<version>/{data.parquet,manifest.json}
//	aggregates/<table>/<version>/{data.parquet,manifest.json}
//	published.json
//	catalog.db
//
// Readers only follow published.json. Writers must hold the Lock, which
// serializes runs in this process and, through the catalog's file lock,
// across processes.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// Store layout names.
const (
	SnapshotsDir  = "snapshots"
	AggregatesDir = "aggregates"
	PublishedFile = "published.json"
	CatalogFile   = "catalog.db"
)

// DefaultRowGroupSize is the number of rows per parquet row group.
const DefaultRowGroupSize = 65536

// ErrLocked is returned by Lock when another run holds the store.
var ErrLocked = errors.New("store is locked by another run")

// ErrRetired is returned when the files of a version were pruned after a
// reader resolved it from an older published set.
var ErrRetired = errors.New("snapshot version retired")

var (
	publishedBucket = []byte("published")
	runsBucket      = []byte("runs")
)

// Options configures a Store.
type Options struct {
	Dir          string        `toml:"dir" help:"Directory holding snapshots, aggregation tables and the catalog."`
	Retain       int           `toml:"retain" help:"Number of published versions whose files are kept."`
	LockTimeout  time.Duration `toml:"lock-timeout" help:"How long to wait for another run to release the store."`
	RowGroupSize int           `toml:"row-group-size" help:"Rows per parquet row group."`
}

// NewOptions returns the default Options.
func NewOptions() Options {
	return Options{
		Dir:          "data",
		Retain:       2,
		LockTimeout:  5 * time.Second,
		RowGroupSize: DefaultRowGroupSize,
	}
}

// Store is a snapshot store directory.
type Store struct {
	opts Options
	lock chan struct{}
	log  pubsafe.Logger
	now  func() time.Time
}

// StoreOption is a functional option type for Store.
type StoreOption func(*Store)

// OptLogger sets the logger of a Store.
func OptLogger(l pubsafe.Logger) StoreOption {
	return func(s *Store) {
		s.log = l
	}
}

// OptClock sets the clock used to stamp manifests.
func OptClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens the store in opts.Dir, creating it if needed.
func Open(opts Options, options ...StoreOption) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("store directory is required")
	}
	if opts.Retain < 1 {
		opts.Retain = 1
	}
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = DefaultRowGroupSize
	}
	for _, d := range []string{opts.Dir, filepath.Join(opts.Dir, SnapshotsDir), filepath.Join(opts.Dir, AggregatesDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, errors.Wrap(err, "creating store directory")
		}
	}
	s := &Store{
		opts: opts,
		lock: make(chan struct{}, 1),
		log:  pubsafe.NopLogger{},
		now:  time.Now,
	}
	for _, opt := range options {
		opt(s)
	}
	return s, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.opts.Dir }

// NewVersion returns a new version string. Versions sort by creation time.
func (s *Store) NewVersion() string {
	return s.now().UTC().Format("20060102T150405Z") + "-" + uuid.New().String()[:8]
}

// Published returns the published set. It returns pubsafe.ErrNoSnapshot if
// nothing has been published yet.
func (s *Store) Published() (*Published, error) {
	data, err := os.ReadFile(filepath.Join(s.opts.Dir, PublishedFile))
	if os.IsNotExist(err) {
		return nil, pubsafe.ErrNoSnapshot
	} else if err != nil {
		return nil, errors.Wrap(err, "reading published set")
	}
	p := &Published{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, errors.Wrap(err, "decoding published set")
	}
	return p, nil
}

// Manifest reads the manifest of a published entry. It fails with
// ErrRetired if the entry's version has been pruned.
func (s *Store) Manifest(e *Entry) (*Manifest, error) {
	m, err := ReadManifest(filepath.Join(s.opts.Dir, filepath.FromSlash(e.Path)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(ErrRetired, "reading manifest of %s", e.Path)
	}
	return m, err
}

// Snapshot returns the manifest of the published snapshot of class.
func (s *Store) Snapshot(class pubsafe.Class) (*Manifest, error) {
	p, err := s.Published()
	if err != nil {
		return nil, err
	}
	e, ok := p.Snapshots[class]
	if !ok {
		return nil, errors.Wrapf(pubsafe.ErrNoSnapshot, "class %s", class)
	}
	return s.Manifest(e)
}

// Lock takes the store's write lock. It fails with ErrLocked once
// LockTimeout has passed.
func (s *Store) Lock() (*Lock, error) {
	select {
	case s.lock <- struct{}{}:
	case <-time.After(s.opts.LockTimeout):
		return nil, ErrLocked
	}
	db, err := bolt.Open(filepath.Join(s.opts.Dir, CatalogFile), 0600, &bolt.Options{Timeout: s.opts.LockTimeout})
	if err == bolt.ErrTimeout {
		<-s.lock
		return nil, ErrLocked
	} else if err != nil {
		<-s.lock
		return nil, errors.Wrap(err, "opening catalog")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{publishedBucket, runsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return errors.Wrapf(err, "creating %s bucket", b)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		<-s.lock
		return nil, errors.Wrap(err, "ensuring bucket existence")
	}
	return &Lock{store: s, db: db}, nil
}

// Lock is the write lock of a Store. All staging and publishing happens
// through it.
type Lock struct {
	store *Store
	db    *bolt.DB
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	<-l.store.lock
	return errors.Wrap(err, "closing catalog")
}

// Stage begins a new version. Nothing written to a Stage is visible to
// readers until it is published.
func (l *Lock) Stage(version string) *Stage {
	return &Stage{
		store:      l.store,
		version:    version,
		snapshots:  make(map[pubsafe.Class]*Manifest),
		aggregates: make(map[string]*Manifest),
	}
}

// Publish verifies every file of st against its manifest checksum and
// atomically makes st the published set. Classes and aggregation tables
// that st does not contain stay as previously published. Versions older
// than the last Retain publishes are then removed.
func (l *Lock) Publish(st *Stage) (*Published, error) {
	if l.db == nil {
		return nil, errors.New("publish without lock")
	}
	root := l.store.opts.Dir
	prev, err := l.store.Published()
	if err != nil && errors.Cause(err) != pubsafe.ErrNoSnapshot {
		return nil, err
	}
	pub := &Published{
		Version:     st.version,
		PublishedAt: l.store.now().UTC(),
		Snapshots:   make(map[pubsafe.Class]*Entry),
		Aggregates:  make(map[string]*Entry),
	}
	if prev != nil {
		for c, e := range prev.Snapshots {
			pub.Snapshots[c] = e
		}
		for id, e := range prev.Aggregates {
			pub.Aggregates[id] = e
		}
	}
	for _, m := range st.manifests() {
		sum, err := Checksum(m.DataPath())
		if err != nil {
			return nil, err
		}
		if sum != m.Checksum {
			return nil, errors.Errorf("checksum mismatch for %s %s: manifest has %s, file has %s", m.Kind, m.Name, m.Checksum, sum)
		}
		e, err := entryOf(root, m)
		if err != nil {
			return nil, err
		}
		if m.Kind == KindSnapshot {
			pub.Snapshots[m.Class] = e
		} else {
			pub.Aggregates[m.Name] = e
		}
	}
	// an aggregation table carried over from before must not outlive the
	// snapshot it was built from
	for id, e := range pub.Aggregates {
		if _, staged := st.aggregates[id]; staged {
			continue
		}
		m, err := l.store.Manifest(e)
		if err != nil || !pub.Fresh(m) {
			delete(pub.Aggregates, id)
		}
	}

	data, err := json.MarshalIndent(pub, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshaling published set")
	}
	if err := writeFileAtomic(filepath.Join(root, PublishedFile), data); err != nil {
		return nil, errors.Wrap(err, "writing published set")
	}
	st.published = true
	err = l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(publishedBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
	if err != nil {
		return pub, errors.Wrap(err, "recording publish in catalog")
	}
	if err := l.prune(); err != nil {
		l.store.log.Warnf("pruning old versions: %v", err)
	}
	return pub, nil
}

// History returns up to n of the most recently published sets, newest
// first.
func (l *Lock) History(n int) ([]*Published, error) {
	var hist []*Published
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(publishedBucket).Cursor()
		for k, v := c.Last(); k != nil && (n <= 0 || len(hist) < n); k, v = c.Prev() {
			p := &Published{}
			if err := json.Unmarshal(v, p); err != nil {
				return errors.Wrapf(err, "decoding catalog entry %d", binary.BigEndian.Uint64(k))
			}
			hist = append(hist, p)
		}
		return nil
	})
	return hist, errors.Wrap(err, "reading catalog")
}

// RecordRun stores the outcome of a pipeline run in the catalog.
func (l *Lock) RecordRun(run *Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return errors.Wrap(err, "marshaling run")
	}
	return errors.Wrap(l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put([]byte(run.ID), data)
	}), "recording run")
}

// Run returns a recorded pipeline run.
func (l *Lock) Run(id string) (*Run, error) {
	var run *Run
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(runsBucket).Get([]byte(id))
		if v == nil {
			return errors.Errorf("no run '%s'", id)
		}
		run = &Run{}
		return json.Unmarshal(v, run)
	})
	return run, err
}

// Run is the catalog record of one pipeline run.
type Run struct {
	ID         string                  `json:"id"`
	Started    time.Time               `json:"started"`
	Finished   time.Time               `json:"finished"`
	Published  bool                    `json:"published"`
	Error      string                  `json:"error,omitempty"`
	Rows       map[pubsafe.Class]int64 `json:"rows,omitempty"`
	Violations []pubsafe.Violation     `json:"violations,omitempty"`
}

// prune removes version directories which are referenced by none of the
// last Retain published sets.
func (l *Lock) prune() error {
	hist, err := l.History(l.store.opts.Retain)
	if err != nil {
		return err
	}
	keep := make(map[string]bool)
	for _, p := range hist {
		for _, e := range p.Snapshots {
			keep[e.Path] = true
		}
		for _, e := range p.Aggregates {
			keep[e.Path] = true
		}
	}
	root := l.store.opts.Dir
	for _, kind := range []string{SnapshotsDir, AggregatesDir} {
		dirs, err := filepath.Glob(filepath.Join(root, kind, "*", "*"))
		if err != nil {
			return errors.Wrap(err, "listing versions")
		}
		for _, d := range dirs {
			rel, err := filepath.Rel(root, d)
			if err != nil {
				return errors.Wrap(err, "relativizing path")
			}
			if keep[filepath.ToSlash(rel)] {
				continue
			}
			l.store.log.Debugf("removing unreferenced version %s", rel)
			if err := os.RemoveAll(d); err != nil {
				return errors.Wrapf(err, "removing %s", rel)
			}
		}
	}
	return nil
}

// Stage collects the files of one unpublished version.
type Stage struct {
	store      *Store
	version    string
	snapshots  map[pubsafe.Class]*Manifest
	aggregates map[string]*Manifest
	dirs       []string
	published  bool
}

// Version returns the version being staged.
func (st *Stage) Version() string { return st.version }

// Snapshot returns the staged snapshot of class.
func (st *Stage) Snapshot(class pubsafe.Class) (*Manifest, bool) {
	m, ok := st.snapshots[class]
	return m, ok
}

// Snapshots returns every staged snapshot in class order.
func (st *Stage) Snapshots() []*Manifest {
	var ms []*Manifest
	for _, c := range pubsafe.Classes {
		if m, ok := st.snapshots[c]; ok {
			ms = append(ms, m)
		}
	}
	return ms
}

func (st *Stage) manifests() []*Manifest {
	ms := st.Snapshots()
	for _, id := range sortedKeys(st.aggregates) {
		ms = append(ms, st.aggregates[id])
	}
	return ms
}

func (st *Stage) mkdir(kind, name string) (string, error) {
	dir := filepath.Join(st.store.opts.Dir, kind, name, st.version)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "creating version directory")
	}
	st.dirs = append(st.dirs, dir)
	return dir, nil
}

// SnapshotWriter returns a Writer for the snapshot of class. presence holds
// the presence flags of every contributing source. The manifest is staged
// when the Writer is closed.
func (st *Stage) SnapshotWriter(class pubsafe.Class, presence pubsafe.SourcePresence) (*Writer, error) {
	if _, dup := st.snapshots[class]; dup {
		return nil, errors.Errorf("snapshot of %s already staged", class)
	}
	dir, err := st.mkdir(SnapshotsDir, string(class))
	if err != nil {
		return nil, err
	}
	layout := NewLayout(pubsafe.SchemaFor(class), true)
	w, err := NewWriter(filepath.Join(dir, DataFile), layout, st.store.opts.RowGroupSize)
	if err != nil {
		return nil, err
	}
	w.onClose = func(rows int64, sum string) (*Manifest, error) {
		m := &Manifest{
			SchemaVersion: layout.Schema.Version,
			Kind:          KindSnapshot,
			Name:          string(class),
			Class:         class,
			Version:       st.version,
			CreatedAt:     st.store.now().UTC(),
			Rows:          rows,
			Checksum:      sum,
			Columns:       layout.ColumnNames(),
			Fields:        layout.Schema.Fields,
			Presence:      presence,
			dir:           dir,
			layout:        layout,
		}
		if err := m.write(); err != nil {
			return nil, err
		}
		st.snapshots[class] = m
		return m, nil
	}
	return w, nil
}

// AggregateWriter returns a Writer for the aggregation table id with the
// given schema, built from the snapshot described by src.
func (st *Stage) AggregateWriter(id string, schema *pubsafe.Schema, src *Manifest) (*Writer, error) {
	if _, dup := st.aggregates[id]; dup {
		return nil, errors.Errorf("aggregation table %s already staged", id)
	}
	dir, err := st.mkdir(AggregatesDir, id)
	if err != nil {
		return nil, err
	}
	layout := NewLayout(schema, false)
	w, err := NewWriter(filepath.Join(dir, DataFile), layout, st.store.opts.RowGroupSize)
	if err != nil {
		return nil, err
	}
	w.onClose = func(rows int64, sum string) (*Manifest, error) {
		m := &Manifest{
			SchemaVersion: schema.Version,
			Kind:          KindAggregate,
			Name:          id,
			Class:         src.Class,
			Version:       st.version,
			CreatedAt:     st.store.now().UTC(),
			Rows:          rows,
			Checksum:      sum,
			Columns:       layout.ColumnNames(),
			Fields:        schema.Fields,
			Presence:      src.Presence,
			Source:        &SourceStamp{Class: src.Class, Version: src.Version, Checksum: src.Checksum},
			dir:           dir,
			layout:        layout,
		}
		if err := m.write(); err != nil {
			return nil, err
		}
		st.aggregates[id] = m
		return m, nil
	}
	return w, nil
}

// Discard removes every file staged so far. It is a no-op once the stage
// has been published.
func (st *Stage) Discard() error {
	if st.published {
		return nil
	}
	var first error
	for _, d := range st.dirs {
		if err := os.RemoveAll(d); err != nil && first == nil {
			first = errors.Wrapf(err, "removing %s", d)
		}
	}
	st.dirs = nil
	st.snapshots = make(map[pubsafe.Class]*Manifest)
	st.aggregates = make(map[string]*Manifest)
	return first
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

