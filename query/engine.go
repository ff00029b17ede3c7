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

// Package query answers aggregate queries over published snapshots. Every
// query runs in its own execution context with a memory budget taken from
// a process-wide ceiling and a wall-clock timeout. Queries are answered
// from precomputed aggregation tables when one covers them.
package query

import (
	"context"
	"sync"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Config configures query execution. Memory sizes are in bytes.
type Config struct {
	MemoryLimit int64         `toml:"memory-limit" help:"Memory shared by all running queries."`
	QueryMemory int64         `toml:"query-memory" help:"Memory budget of a single query."`
	Timeout     time.Duration `toml:"timeout" help:"Wall-clock limit of a single query."`
	BatchSize   int           `toml:"batch-size" help:"Rows read per batch."`
}

// NewConfig returns the default Config.
func NewConfig() Config {
	return Config{
		MemoryLimit: 1 << 30,
		QueryMemory: 256 << 20,
		Timeout:     30 * time.Second,
		BatchSize:   snapshot.DefaultBatchSize,
	}
}

func (c Config) validate() error {
	if c.QueryMemory <= 0 || c.MemoryLimit <= 0 {
		return errors.New("memory limits must be positive")
	}
	if c.QueryMemory > c.MemoryLimit {
		return errors.Errorf("query memory %d exceeds memory limit %d", c.QueryMemory, c.MemoryLimit)
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	return nil
}

type options struct {
	log     pubsafe.Logger
	statter pubsafe.Statter
}

// Option is a functional option type for Engine and Builder.
type Option func(o *options)

// OptLogger sets the logger.
func OptLogger(l pubsafe.Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// OptStatter sets the statter.
func OptStatter(s pubsafe.Statter) Option {
	return func(o *options) {
		o.statter = s
	}
}

func newOptions(opts []Option) options {
	o := options{log: pubsafe.NopLogger{}, statter: pubsafe.NopStatter{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Engine answers queries over the published content of a snapshot.Store.
// It is safe for concurrent use.
type Engine struct {
	store *snapshot.Store
	conf  Config
	sem   *semaphore.Weighted
	options

	mu        sync.Mutex
	version   string
	live      map[string]bool
	manifests map[string]*snapshot.Manifest

	// testHookResolved runs after a query has resolved its snapshot and
	// plan, before any data is read.
	testHookResolved func()
}

// NewEngine returns an Engine reading from store.
func NewEngine(store *snapshot.Store, conf Config, opts ...Option) (*Engine, error) {
	if err := conf.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid query config")
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = snapshot.DefaultBatchSize
	}
	return &Engine{
		store:     store,
		conf:      conf,
		sem:       semaphore.NewWeighted(conf.MemoryLimit),
		options:   newOptions(opts),
		manifests: make(map[string]*snapshot.Manifest),
	}, nil
}

// published reads the published set. When it has changed since the last
// call, cached manifests it no longer references are dropped.
func (e *Engine) published() (*snapshot.Published, error) {
	pub, err := e.store.Published()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if pub.Version == e.version {
		return pub, nil
	}
	e.version = pub.Version
	e.live = make(map[string]bool, len(pub.Snapshots)+len(pub.Aggregates))
	for _, entry := range pub.Snapshots {
		e.live[entry.Path] = true
	}
	for _, entry := range pub.Aggregates {
		e.live[entry.Path] = true
	}
	for path := range e.manifests {
		if !e.live[path] {
			delete(e.manifests, path)
		}
	}
	return pub, nil
}

// manifest returns the manifest of a published entry. Published files are
// immutable, so manifests of the live published set are cached by path.
func (e *Engine) manifest(entry *snapshot.Entry) (*snapshot.Manifest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.manifests[entry.Path]; ok {
		return m, nil
	}
	m, err := e.store.Manifest(entry)
	if err != nil {
		return nil, err
	}
	if e.live[entry.Path] {
		e.manifests[entry.Path] = m
	}
	return m, nil
}

func (e *Engine) snapshot(pub *snapshot.Published, class pubsafe.Class) (*snapshot.Manifest, error) {
	entry, ok := pub.Snapshots[class]
	if !ok {
		return nil, errors.Wrapf(pubsafe.ErrNoSnapshot, "class %s", class)
	}
	return e.manifest(entry)
}

// Schema returns the field list and presence flags of every published
// dataset class.
func (e *Engine) Schema() ([]pubsafe.ClassSchema, error) {
	pub, err := e.published()
	if err != nil {
		return nil, err
	}
	var out []pubsafe.ClassSchema
	for _, class := range pubsafe.Classes {
		if _, ok := pub.Snapshots[class]; !ok {
			continue
		}
		m, err := e.snapshot(pub, class)
		if err != nil {
			return nil, err
		}
		out = append(out, m.ClassSchema())
	}
	return out, nil
}

// Query answers req from a single published set. It fails with
// pubsafe.ErrNoSnapshot if nothing is published for the class,
// *pubsafe.UnsupportedFieldError for fields no source populates,
// *pubsafe.ResourceExceededError if the query outgrows its memory budget,
// *pubsafe.TimeoutError if it outlasts its timeout and snapshot.ErrRetired
// if the version it resolved was pruned before it could be read.
func (e *Engine) Query(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := e.query(ctx, req)
	if err != nil {
		e.statter.Count(metrics.MetricQueryFailures, 1, 1, metrics.Tag("kind", FailureKind(err)))
		e.log.Debugf("query on %s failed: %v", req.Class, err)
		return nil, err
	}
	e.statter.Count(metrics.MetricQueries, 1, 1, metrics.Tag("class", string(req.Class)), metrics.Tag("plan", res.Plan.String()))
	e.statter.Timing(metrics.MetricQueryDuration, time.Since(start), 1, metrics.Tag("class", string(req.Class)))
	return res, nil
}

func (e *Engine) query(ctx context.Context, req Request) (*Result, error) {
	if _, err := pubsafe.ParseClass(string(req.Class)); err != nil {
		return nil, badRequest("%v", err)
	}
	pub, err := e.published()
	if err != nil {
		return nil, err
	}
	snap, err := e.snapshot(pub, req.Class)
	if err != nil {
		return nil, err
	}
	p, err := prepare(req, snap.Schema(), snap.Presence)
	if err != nil {
		return nil, err
	}

	var tables []*snapshot.Manifest
	for _, entry := range pub.Aggregates {
		t, err := e.manifest(entry)
		if err != nil {
			e.log.Debugf("skipping aggregation table %s: %v", entry.Path, err)
			continue
		}
		tables = append(tables, t)
	}
	target, plan := snap, Plan{Version: snap.Version}
	r := choose(pub, snap, p, tables)
	if r != nil {
		target, plan.Table = r.manifest, r.grouping.ID
	}
	if e.testHookResolved != nil {
		e.testHookResolved()
	}

	ctx, cancel := context.WithTimeout(ctx, e.conf.Timeout)
	defer cancel()
	if err := e.sem.Acquire(ctx, e.conf.QueryMemory); err != nil {
		return nil, e.contextErr(err)
	}
	defer e.sem.Release(e.conf.QueryMemory)

	b := newBudget(e.conf.QueryMemory)
	rows, err := execute(ctx, target, p, r, b, e.conf.BatchSize)
	if err != nil {
		if berr := b.err(); berr != nil {
			return nil, berr
		}
		return nil, e.contextErr(err)
	}
	return &Result{Class: req.Class, Columns: p.columns, Rows: rows, Plan: plan}, nil
}

func (e *Engine) contextErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &pubsafe.TimeoutError{Timeout: e.conf.Timeout, Err: err}
	}
	return err
}

// FailureKind classifies a query error for metrics and status mapping.
func FailureKind(err error) string {
	var (
		unsupported *pubsafe.UnsupportedFieldError
		exceeded    *pubsafe.ResourceExceededError
		timeout     *pubsafe.TimeoutError
		bad         *RequestError
	)
	switch {
	case errors.As(err, &unsupported):
		return "unsupported_field"
	case errors.As(err, &bad):
		return "bad_request"
	case errors.As(err, &exceeded):
		return "resource_exceeded"
	case errors.As(err, &timeout):
		return "timeout"
	case errors.Is(err, pubsafe.ErrNoSnapshot):
		return "no_snapshot"
	case errors.Is(err, snapshot.ErrRetired):
		return "retired"
	}
	return "internal"
}
