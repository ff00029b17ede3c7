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

// Package normalize maps RawRecords onto the canonical Schema of their
// dataset class using declarative per-source Mappings.
package normalize

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pkg/errors"
)

// Config configures a Normalizer.
type Config struct {
	// DropThreshold is the fraction of a source's records which may be
	// dropped as malformed before the run fails.
	DropThreshold float64 `toml:"drop-threshold" help:"Fraction of malformed records per source tolerated before failing."`
}

// NewConfig returns the default Config.
func NewConfig() Config {
	return Config{DropThreshold: 0.05}
}

// Normalizer maps RawRecords to canonical Records. It is safe for concurrent
// use.
type Normalizer struct {
	conf     Config
	mappings map[string]*Mapping
	stats    *Stats
	log      pubsafe.Logger
	statter  pubsafe.Statter
}

// Option is a functional option type for Normalizer.
type Option func(n *Normalizer)

// OptLogger sets the logger of a Normalizer.
func OptLogger(l pubsafe.Logger) Option {
	return func(n *Normalizer) {
		n.log = l
	}
}

// OptStatter sets the statter of a Normalizer.
func OptStatter(s pubsafe.Statter) Option {
	return func(n *Normalizer) {
		n.statter = s
	}
}

// New returns a Normalizer for mappings.
func New(conf Config, mappings []*Mapping, opts ...Option) (*Normalizer, error) {
	n := &Normalizer{
		conf:     conf,
		mappings: make(map[string]*Mapping, len(mappings)),
		stats:    &Stats{sources: make(map[string]*SourceStats)},
		log:      pubsafe.NopLogger{},
		statter:  pubsafe.NopStatter{},
	}
	for _, opt := range opts {
		opt(n)
	}
	for _, m := range mappings {
		if err := m.validate(); err != nil {
			return nil, errors.Wrap(err, "validating mapping")
		}
		if _, dup := n.mappings[m.Source]; dup {
			return nil, errors.Errorf("duplicate mapping for source '%s'", m.Source)
		}
		n.mappings[m.Source] = m
	}
	return n, nil
}

// Mapping returns the mapping for source.
func (n *Normalizer) Mapping(source string) (*Mapping, bool) {
	m, ok := n.mappings[source]
	return m, ok
}

// Normalize maps raw onto the canonical Schema of its source's class. It
// returns an error wrapping pubsafe.ErrExcluded if an exclusion predicate
// removes the record and a *pubsafe.NormalizationError if the record is
// malformed. Both are counted in Stats.
func (n *Normalizer) Normalize(raw *pubsafe.RawRecord) (*pubsafe.Record, error) {
	m, ok := n.mappings[raw.Source]
	if !ok {
		return nil, &pubsafe.NormalizationError{Source: raw.Source, Err: errors.New("no mapping for source")}
	}
	n.stats.add(raw.Source, func(s *SourceStats) { s.Seen++ })

	for _, ex := range m.Exclusions {
		if ex.Excludes(raw) {
			n.stats.add(raw.Source, func(s *SourceStats) {
				s.Excluded++
				s.ExcludedBy[ex.Name]++
			})
			n.statter.Count(metrics.MetricRecordsExcluded, 1, 1, metrics.Tag("source", raw.Source), metrics.Tag("rule", ex.Name))
			return nil, errors.Wrap(pubsafe.ErrExcluded, ex.Name)
		}
	}

	rec, coerced, err := m.apply(raw)
	if err != nil {
		n.stats.add(raw.Source, func(s *SourceStats) { s.Dropped++ })
		n.statter.Count(metrics.MetricRecordsDropped, 1, 1, metrics.Tag("source", raw.Source))
		n.log.Debugf("dropping record: %v", err)
		return nil, err
	}
	n.stats.add(raw.Source, func(s *SourceStats) {
		s.Normalized++
		s.Coerced += int64(coerced)
	})
	n.statter.Count(metrics.MetricRecordsNormalized, 1, 1, metrics.Tag("source", raw.Source))
	return rec, nil
}

// apply maps raw with every rule of m. It returns the number of lenient
// conversions which failed and were stored as Null.
func (m *Mapping) apply(raw *pubsafe.RawRecord) (*pubsafe.Record, int, error) {
	schema := pubsafe.SchemaFor(m.Class)
	rec := pubsafe.NewRecord(m.Class, raw.Source)
	coerced := 0
	for _, r := range m.Rules {
		i := schema.MustIndex(r.Field)
		v, err := r.apply(raw, schema.Fields[i].Type)
		if err != nil {
			if !r.Lenient {
				return nil, 0, &pubsafe.NormalizationError{Source: raw.Source, Field: r.Field, Err: err}
			}
			coerced++
			v = pubsafe.NullValue()
		}
		rec.Values[i] = v
	}
	for i, f := range schema.Fields {
		if f.Required && rec.Values[i].State != pubsafe.Set {
			return nil, 0, &pubsafe.NormalizationError{
				Source: raw.Source,
				Field:  f.Name,
				Err:    errors.Errorf("required field is %s", rec.Values[i].State),
			}
		}
	}
	return rec, coerced, nil
}

func (r Rule) apply(raw *pubsafe.RawRecord, typ pubsafe.FieldType) (pubsafe.Value, error) {
	if r.Kind == KindCombine {
		vals := make([]interface{}, len(r.From))
		present, marked := false, false
		for i, key := range r.From {
			v, ok := raw.Fields[key]
			if !ok {
				continue
			} else if pubsafe.IsNotPresent(v) {
				marked = true
				continue
			}
			present = true
			vals[i] = v
		}
		if marked && !present {
			return pubsafe.AbsentValue(), nil
		}
		out, err := r.Combine(vals)
		if err != nil {
			return pubsafe.Value{}, err
		}
		return r.value(out), nil
	}

	// A key missing from the raw record is null: the SODA API omits null
	// fields. The field is Absent only if some key is marked NotPresent
	// and no other key is there.
	var found interface{}
	present, marked := false, false
	for _, key := range r.From {
		v, ok := raw.Fields[key]
		if !ok {
			continue
		} else if pubsafe.IsNotPresent(v) {
			marked = true
			continue
		}
		present = true
		if v != nil {
			found = v
			break
		}
	}
	if marked && !present {
		return pubsafe.AbsentValue(), nil
	}
	if found == nil {
		return r.value(nil), nil
	}
	conv := r.Conv
	if conv == nil {
		conv = defaultConverter(typ)
	}
	out, err := conv(found)
	if err != nil {
		return pubsafe.Value{}, errors.Wrapf(err, "converting '%s'", strings.Join(r.From, "|"))
	}
	return r.value(out), nil
}

func (r Rule) value(v interface{}) pubsafe.Value {
	if s, ok := v.(string); ok && s == "" {
		v = nil
	}
	if v == nil {
		if r.OnNull != nil {
			return pubsafe.Of(r.OnNull)
		}
		return pubsafe.NullValue()
	}
	return pubsafe.Of(v)
}

// Stats counts what a Normalizer did, per source.
type Stats struct {
	mu      sync.Mutex
	sources map[string]*SourceStats
}

// SourceStats are the counts for one source.
type SourceStats struct {
	Seen       int64
	Normalized int64
	Dropped    int64
	Excluded   int64
	// Coerced counts lenient conversions which failed and were stored as
	// Null.
	Coerced    int64
	ExcludedBy map[string]int64
}

// DropRate is the fraction of seen records dropped as malformed. Excluded
// records do not count as drops.
func (s SourceStats) DropRate() float64 {
	if s.Seen == 0 {
		return 0
	}
	return float64(s.Dropped) / float64(s.Seen)
}

// Stats returns the Normalizer's counts.
func (n *Normalizer) Stats() *Stats { return n.stats }

func (s *Stats) add(source string, fn func(*SourceStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sources[source]
	if !ok {
		ss = &SourceStats{ExcludedBy: make(map[string]int64)}
		s.sources[source] = ss
	}
	fn(ss)
}

// Source returns a copy of the counts for source.
func (s *Stats) Source(source string) SourceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	ss, ok := s.sources[source]
	if !ok {
		return SourceStats{ExcludedBy: map[string]int64{}}
	}
	cp := *ss
	cp.ExcludedBy = make(map[string]int64, len(ss.ExcludedBy))
	for k, v := range ss.ExcludedBy {
		cp.ExcludedBy[k] = v
	}
	return cp
}

// Check returns an error naming every source whose drop rate exceeds
// threshold.
func (s *Stats) Check(threshold float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bad []string
	for src, ss := range s.sources {
		if ss.DropRate() > threshold {
			bad = append(bad, fmt.Sprintf("%s dropped %d of %d (%.1f%%)", src, ss.Dropped, ss.Seen, 100*ss.DropRate()))
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return errors.Errorf("drop rate over %.1f%%: %s", 100*threshold, strings.Join(bad, "; "))
}

// Check applies the configured drop threshold to Stats.
func (n *Normalizer) Check() error {
	return n.stats.Check(n.conf.DropThreshold)
}
