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

// Package transform derives the computed fields of canonical records, joins
// calls for service against their reference tables, deduplicates, and writes
// each dataset class as a staged snapshot.
package transform

import (
	"context"
	"io"
	"os"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/geo"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pkg/errors"
)

// Config configures a Transformer.
type Config struct {
	KeepDuplicates   []string `toml:"keep-duplicates" help:"Dataset classes for which records with duplicate ids are all kept."`
	GeohashPrecision uint     `toml:"geohash-precision" help:"Geohash length used for geo_bucket when no boundary file is given."`
	BoundaryFile     string   `toml:"boundary-file" help:"GeoJSON FeatureCollection of named areas used for geo_bucket."`
	BoundaryName     string   `toml:"boundary-name" help:"Feature property holding the area name."`
	SpillDir         string   `toml:"spill-dir" help:"Directory for temporary files used while deduplicating. Defaults to the system temp dir."`
	SpillBatch       int      `toml:"spill-batch" help:"Records per spill transaction."`
}

// NewConfig returns the default Config.
func NewConfig() Config {
	return Config{
		GeohashPrecision: geo.DefaultPrecision,
		BoundaryName:     "name",
		SpillBatch:       10000,
	}
}

// References holds the reference tables calls for service are joined
// against. A nil table leaves the matching description Absent.
type References struct {
	CallTypes    map[string]string
	Dispositions map[string]string
}

// Transformer turns streams of canonical Records into staged snapshots.
type Transformer struct {
	conf     Config
	refs     References
	bucketer geo.Bucketer
	keep     map[pubsafe.Class]bool
	log      pubsafe.Logger
	statter  pubsafe.Statter
}

// Option is a functional option type for Transformer.
type Option func(t *Transformer)

// OptLogger sets the logger of a Transformer.
func OptLogger(l pubsafe.Logger) Option {
	return func(t *Transformer) {
		t.log = l
	}
}

// OptStatter sets the statter of a Transformer.
func OptStatter(s pubsafe.Statter) Option {
	return func(t *Transformer) {
		t.statter = s
	}
}

// OptReferences sets the reference tables.
func OptReferences(refs References) Option {
	return func(t *Transformer) {
		t.refs = refs
	}
}

// OptBucketer overrides the geo_bucket assignment configured in Config.
func OptBucketer(b geo.Bucketer) Option {
	return func(t *Transformer) {
		t.bucketer = b
	}
}

// New returns a Transformer. It loads the boundary file, if one is
// configured.
func New(conf Config, opts ...Option) (*Transformer, error) {
	if conf.SpillBatch <= 0 {
		conf.SpillBatch = NewConfig().SpillBatch
	}
	t := &Transformer{
		conf:    conf,
		keep:    make(map[pubsafe.Class]bool),
		log:     pubsafe.NopLogger{},
		statter: pubsafe.NopStatter{},
	}
	for _, opt := range opts {
		opt(t)
	}
	for _, name := range conf.KeepDuplicates {
		c, err := pubsafe.ParseClass(name)
		if err != nil {
			return nil, errors.Wrap(err, "parsing keep-duplicates")
		}
		t.keep[c] = true
	}
	if t.bucketer == nil {
		if conf.BoundaryFile != "" {
			b, err := geo.LoadBoundaries(conf.BoundaryFile, conf.BoundaryName)
			if err != nil {
				return nil, errors.Wrap(err, "loading boundaries")
			}
			t.log.Infof("using %d boundary areas from %s for geo buckets", len(b.Areas), conf.BoundaryFile)
			t.bucketer = b
		} else {
			precision := conf.GeohashPrecision
			if precision == 0 {
				precision = geo.DefaultPrecision
			}
			t.bucketer = geo.Geohash{Precision: precision}
		}
	}
	return t, nil
}

// Steps returns the derivation steps applied to records of class, in order.
func (t *Transformer) Steps(class pubsafe.Class) []Step {
	steps := []Step{TimeParts(class)}
	switch class {
	case pubsafe.Incidents:
		steps = append(steps, AgeBins(), GeoBuckets(class, t.bucketer))
	case pubsafe.Arrests:
		steps = append(steps, GeoBuckets(class, t.bucketer))
	case pubsafe.CallsForService:
		steps = append(steps,
			Join(class, pubsafe.FieldCallType, pubsafe.FieldCallTypeDesc, t.refs.CallTypes),
			Join(class, pubsafe.FieldDisposition, pubsafe.FieldDispoDesc, t.refs.Dispositions))
	}
	return steps
}

// Presence returns the presence flags of a source's records of class after
// transformation.
func (t *Transformer) Presence(class pubsafe.Class, p pubsafe.Presence) pubsafe.Presence {
	out := DerivedPresence(class, p)
	if class == pubsafe.CallsForService {
		if t.refs.CallTypes == nil {
			out[pubsafe.FieldCallTypeDesc] = false
		}
		if t.refs.Dispositions == nil {
			out[pubsafe.FieldDispoDesc] = false
		}
	}
	return out
}

// Stats describes one Transform.
type Stats struct {
	Class      pubsafe.Class
	Read       int64
	Duplicates int64
	Written    int64
}

// Transform reads every record of class from recs, derives computed fields,
// deduplicates by id unless the class is configured to keep duplicates, and
// writes the result sorted by id as the staged snapshot of class. presence
// holds the mapping presence flags of every contributing source.
func (t *Transformer) Transform(ctx context.Context, class pubsafe.Class, recs pubsafe.Records, st *snapshot.Stage, presence pubsafe.SourcePresence) (*snapshot.Manifest, Stats, error) {
	stats := Stats{Class: class}
	dir := t.conf.SpillDir
	if dir == "" {
		dir = os.TempDir()
	}
	sp, err := newSpill(dir, class, !t.keep[class], t.conf.SpillBatch)
	if err != nil {
		return nil, stats, err
	}
	defer func() {
		if err := sp.Close(); err != nil {
			t.log.Warnf("removing spill for %s: %v", class, err)
		}
	}()

	steps := t.Steps(class)
	for {
		if stats.Read%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		rec, err := recs.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, stats, errors.Wrap(err, "reading records")
		}
		if rec.Class != class {
			return nil, stats, errors.Errorf("got %s record from %s in %s stream", rec.Class, rec.Source, class)
		}
		for _, s := range steps {
			s.Apply(rec)
		}
		if err := sp.Put(rec); err != nil {
			return nil, stats, errors.Wrapf(err, "spilling %s record", class)
		}
		stats.Read++
	}
	stats.Duplicates = sp.Duplicates

	sources := make(pubsafe.SourcePresence, len(presence))
	for src, p := range presence {
		sources[src] = t.Presence(class, p)
	}
	w, err := st.SnapshotWriter(class, sources)
	if err != nil {
		return nil, stats, errors.Wrap(err, "creating snapshot writer")
	}
	err = sp.Each(func(rec *pubsafe.Record) error {
		return w.WriteRecord(rec)
	})
	if err != nil {
		w.Abort()
		return nil, stats, errors.Wrapf(err, "writing %s snapshot", class)
	}
	m, err := w.Close()
	if err != nil {
		return nil, stats, errors.Wrapf(err, "closing %s snapshot", class)
	}
	stats.Written = m.Rows
	t.statter.Count(metrics.MetricRowsWritten, m.Rows, 1, metrics.Tag("class", string(class)))
	t.log.Infof("wrote %s snapshot %s: %d rows from %d records (%d duplicate ids)", class, m.Version, m.Rows, stats.Read, stats.Duplicates)
	return m, stats, nil
}
