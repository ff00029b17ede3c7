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

// Package pipeline runs the batch: every source of each dataset class is
// fetched, normalized and transformed into a staged snapshot, the staged
// snapshots are validated, their aggregation tables are built, and the
// whole set is published at once.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/logger"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pilosa/pubsafe/normalize"
	"github.com/pilosa/pubsafe/query"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pilosa/pubsafe/soda"
	"github.com/pilosa/pubsafe/transform"
	"github.com/pilosa/pubsafe/validate"
	"github.com/pkg/errors"
)

// SinceLayout is the layout of Main.Since.
const SinceLayout = "2006-01-02"

// Main holds all config for a pipeline run.
type Main struct {
	GroupA       soda.Config     `flag:"group-a" toml:"group-a" help:"CIBRS Group A incidents."`
	GroupB       soda.Config     `flag:"group-b" toml:"group-b" help:"CIBRS Group B arrests."`
	CFS          CSVConfig       `flag:"cfs" toml:"cfs" help:"Police calls for service."`
	CallTypes    ReferenceConfig `flag:"call-types" toml:"call-types" help:"Call type descriptions."`
	Dispositions ReferenceConfig `flag:"dispositions" toml:"dispositions" help:"Disposition descriptions."`

	Since   string   `help:"Only fetch records on or after this date (YYYY-MM-DD). Empty fetches everything."`
	Classes []string `help:"Dataset classes to rebuild. Classes not listed stay as published. Empty rebuilds all of them."`
	DryRun  bool     `help:"Stage and validate, but publish nothing."`

	Normalize normalize.Config `flag:"normalize" toml:"normalize"`
	Transform transform.Config `flag:"transform" toml:"transform"`
	Validate  validate.Config  `flag:"validate" toml:"validate"`
	Query     query.Config     `flag:"query" toml:"query"`
	Store     snapshot.Options `flag:"store" toml:"store"`

	LogPath string `help:"Log file to write to. Empty means stderr."`
	Verbose bool   `help:"Enable verbose logging."`

	// Sources replaces the sources built from the configuration above.
	Sources []pubsafe.Source `flag:"-"`
	// Mappings replaces the built-in mappings.
	Mappings []*normalize.Mapping `flag:"-"`
	Stats    pubsafe.Statter      `flag:"-"`
	Log      pubsafe.Logger       `flag:"-"`

	since  time.Time
	closer io.Closer
}

// NewMain returns a Main with the defaults for the San Diego County feeds.
func NewMain() *Main {
	groupA := soda.NewConfig()
	groupA.Dataset = "7sps-5pd9"
	groupA.DateField = "incident_date"

	groupB := soda.NewConfig()
	groupB.Dataset = "huzf-mi2z"
	groupB.DateField = "arrest_date"
	codes := make([]string, len(normalize.ArrestOffenseCodes))
	for i, c := range normalize.ArrestOffenseCodes {
		codes[i] = fmt.Sprintf("offense_code='%s'", c)
	}
	groupB.Where = strings.Join(codes, " OR ")

	return &Main{
		GroupA: groupA,
		GroupB: groupB,
		CFS:    NewCFSConfig(),
		CallTypes: ReferenceConfig{
			URL:         seshat + "/police_calls_for_service/pd_cfs_calltypes_datasd.csv",
			KeyColumn:   "CALL_TYPE",
			ValueColumn: "DESCRIPTION",
		},
		Dispositions: ReferenceConfig{
			URL:         seshat + "/pd/pd_dispo_codes_datasd.csv",
			KeyColumn:   "DISPO_CODE",
			ValueColumn: "DESCRIPTION",
		},
		Normalize: normalize.NewConfig(),
		Transform: transform.NewConfig(),
		Validate:  validate.NewConfig(),
		Query:     query.NewConfig(),
		Store:     snapshot.NewOptions(),
	}
}

func (m *Main) setup() error {
	if m.Since != "" {
		t, err := time.Parse(SinceLayout, m.Since)
		if err != nil {
			return errors.Wrap(err, "parsing since")
		}
		m.since = t
	}
	if m.Log == nil {
		l, err := logger.New(m.LogPath, m.Verbose)
		if err != nil {
			return err
		}
		m.Log, m.closer = l, l
	}
	if m.Stats == nil {
		m.Stats = pubsafe.NopStatter{}
	}
	if m.Mappings == nil {
		m.Mappings = normalize.Builtin()
	}
	return nil
}

func (m *Main) classes() ([]pubsafe.Class, error) {
	if len(m.Classes) == 0 {
		return pubsafe.Classes, nil
	}
	out := make([]pubsafe.Class, 0, len(m.Classes))
	for _, name := range m.Classes {
		c, err := pubsafe.ParseClass(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (m *Main) sources(now time.Time) ([]pubsafe.Source, error) {
	if m.Sources != nil {
		return m.Sources, nil
	}
	a, err := soda.NewSource(pubsafe.SourceGroupA, m.GroupA, soda.OptLogger(m.Log), soda.OptStatter(m.Stats))
	if err != nil {
		return nil, err
	}
	b, err := soda.NewSource(pubsafe.SourceGroupB, m.GroupB, soda.OptLogger(m.Log), soda.OptStatter(m.Stats))
	if err != nil {
		return nil, err
	}
	cfs, err := m.CFS.source(pubsafe.SourceCFS, now, m.Log, m.Stats)
	if err != nil {
		return nil, err
	}
	return []pubsafe.Source{a, b, cfs}, nil
}

// references loads the reference tables. A table which fails to load is
// left out, so its descriptions are not present.
func (m *Main) references(ctx context.Context) transform.References {
	var refs transform.References
	var err error
	if refs.CallTypes, err = m.CallTypes.load(ctx, "call_types", m.CFS, m.Log); err != nil {
		m.Log.Warnf("call type descriptions unavailable: %v", err)
	}
	if refs.Dispositions, err = m.Dispositions.load(ctx, "dispositions", m.CFS, m.Log); err != nil {
		m.Log.Warnf("disposition descriptions unavailable: %v", err)
	}
	return refs
}

// Run executes one pipeline run against the store and records its outcome
// in the store's catalog. Nothing is published unless every class was
// staged and passed validation.
func (m *Main) Run(ctx context.Context) (run *snapshot.Run, err error) {
	if err := m.setup(); err != nil {
		return nil, errors.Wrap(err, "setting up")
	}
	if m.closer != nil {
		defer func() {
			m.closer.Close()
			m.Log, m.closer = nil, nil
		}()
	}
	store, err := snapshot.Open(m.Store, snapshot.OptLogger(m.Log))
	if err != nil {
		return nil, errors.Wrap(err, "opening store")
	}
	lock, err := store.Lock()
	if err != nil {
		return nil, errors.Wrap(err, "locking store")
	}
	defer func() {
		if uerr := lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
	}()

	run = &snapshot.Run{
		ID:      uuid.New().String(),
		Started: time.Now().UTC(),
		Rows:    make(map[pubsafe.Class]int64),
	}
	m.Log.Infof("starting run %s", run.ID)
	err = m.run(ctx, store, lock, run)
	run.Finished = time.Now().UTC()
	if err != nil {
		run.Error = err.Error()
		m.Log.Errorf("run %s failed: %v", run.ID, err)
	} else {
		m.Log.Infof("run %s finished in %v", run.ID, run.Finished.Sub(run.Started))
	}
	if rerr := lock.RecordRun(run); rerr != nil {
		m.Log.Warnf("recording run %s: %v", run.ID, rerr)
	}
	return run, err
}

func (m *Main) run(ctx context.Context, store *snapshot.Store, lock *snapshot.Lock, run *snapshot.Run) (err error) {
	classes, err := m.classes()
	if err != nil {
		return err
	}
	srcs, err := m.sources(run.Started)
	if err != nil {
		return errors.Wrap(err, "configuring sources")
	}
	fetcher, err := pubsafe.NewFetcher(srcs...)
	if err != nil {
		return err
	}
	norm, err := normalize.New(m.Normalize, m.Mappings, normalize.OptLogger(m.Log), normalize.OptStatter(m.Stats))
	if err != nil {
		return errors.Wrap(err, "creating normalizer")
	}
	var refs transform.References
	for _, c := range classes {
		if c == pubsafe.CallsForService {
			refs = m.references(ctx)
			break
		}
	}
	tr, err := transform.New(m.Transform, transform.OptReferences(refs), transform.OptLogger(m.Log), transform.OptStatter(m.Stats))
	if err != nil {
		return errors.Wrap(err, "creating transformer")
	}

	st := lock.Stage(store.NewVersion())
	defer func() {
		if derr := st.Discard(); derr != nil {
			m.Log.Warnf("discarding stage %s: %v", st.Version(), derr)
		}
	}()

	for _, class := range classes {
		if err := m.stage(ctx, class, fetcher, norm, tr, st, run); err != nil {
			return errors.Wrapf(err, "staging %s", class)
		}
	}

	results, verr := validate.New(m.Validate, validate.OptLogger(m.Log), validate.OptStatter(m.Stats)).ValidateAll(ctx, st.Snapshots())
	for _, res := range results {
		run.Violations = append(run.Violations, res.Violations...)
	}
	if verr != nil {
		return errors.Wrap(verr, "validating")
	}

	tables, err := query.NewBuilder(m.Query, query.OptLogger(m.Log), query.OptStatter(m.Stats)).Build(ctx, st)
	if err != nil {
		return errors.Wrap(err, "building aggregation tables")
	}
	m.Log.Infof("staged version %s: %d snapshots, %d aggregation tables", st.Version(), len(st.Snapshots()), len(tables))

	if m.DryRun {
		m.Log.Infof("dry run, not publishing %s", st.Version())
		return nil
	}
	pub, err := lock.Publish(st)
	if err != nil {
		return errors.Wrap(err, "publishing")
	}
	run.Published = true
	m.Log.Infof("published version %s", pub.Version)
	return nil
}

// stage fetches, normalizes and transforms every source of class into the
// staged snapshot of class.
func (m *Main) stage(ctx context.Context, class pubsafe.Class, fetcher *pubsafe.Fetcher, norm *normalize.Normalizer, tr *transform.Transformer, st *snapshot.Stage, run *snapshot.Run) error {
	registered := make(map[string]bool)
	for _, id := range fetcher.Sources() {
		registered[id] = true
	}
	presence := make(pubsafe.SourcePresence)
	var ids []string
	for _, id := range normalize.SourcesOf(class, m.Mappings) {
		if !registered[id] {
			continue
		}
		mapping, _ := norm.Mapping(id)
		presence[id] = mapping.Presence()
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return errors.New("no sources")
	}

	recs := &records{ctx: ctx, fetcher: fetcher, norm: norm, sources: ids, since: m.since, stats: m.Stats}
	defer recs.Close()
	snap, stats, err := tr.Transform(ctx, class, recs, st, presence)
	if err != nil {
		return err
	}
	if err := norm.Check(); err != nil {
		return err
	}
	for _, id := range ids {
		s := norm.Stats().Source(id)
		m.Log.Infof("%s: %d seen, %d normalized, %d dropped, %d excluded, %d coerced to null", id, s.Seen, s.Normalized, s.Dropped, s.Excluded, s.Coerced)
	}
	run.Rows[class] = stats.Written
	m.Log.Debugf("staged %s snapshot with %d rows", class, snap.Rows)
	return nil
}

// records is the stream of canonical records of one class: the raw records
// of each source in turn, normalized. Excluded and malformed records are
// skipped; the Normalizer counts them.
type records struct {
	ctx     context.Context
	fetcher *pubsafe.Fetcher
	norm    *normalize.Normalizer
	sources []string
	since   time.Time
	stats   pubsafe.Statter

	id     string
	stream pubsafe.Stream
}

// Next implements pubsafe.Records.
func (r *records) Next() (*pubsafe.Record, error) {
	for {
		if r.stream == nil {
			if len(r.sources) == 0 {
				return nil, io.EOF
			}
			r.id, r.sources = r.sources[0], r.sources[1:]
			stream, err := r.fetcher.Fetch(r.ctx, r.id, r.since)
			if err != nil {
				return nil, err
			}
			r.stream = stream
		}
		raw, err := r.stream.Record()
		if err == io.EOF {
			if err := r.Close(); err != nil {
				return nil, err
			}
			continue
		} else if err != nil {
			return nil, err
		}
		r.stats.Count(metrics.MetricRecordsFetched, 1, 1, metrics.Tag("source", r.id))

		rec, err := r.norm.Normalize(raw)
		if err != nil {
			var malformed *pubsafe.NormalizationError
			if errors.Is(err, pubsafe.ErrExcluded) || errors.As(err, &malformed) {
				continue
			}
			return nil, err
		}
		return rec, nil
	}
}

// Close closes the current source's stream.
func (r *records) Close() error {
	if r.stream == nil {
		return nil
	}
	err := r.stream.Close()
	r.stream = nil
	return errors.Wrapf(err, "closing %s", r.id)
}
