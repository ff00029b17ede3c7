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

package validate

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/geo"
	"github.com/pilosa/pubsafe/snapshot"
)

// Check names.
const (
	CheckRowCount        = "row_count"
	CheckRequiredNotNull = "required_not_null"
	CheckCoordinates     = "coordinates"
	CheckDateRange       = "date_range"
	CheckDuplicates      = "duplicate_ids"
	CheckNullRate        = "null_rate"
	CheckYearOverYear    = "year_over_year"
)

// Check is one validation rule.
type Check interface {
	Name() string
	DefaultSeverity() pubsafe.Severity
	// Start returns a Tally for one snapshot, or nil if the check does not
	// apply to it.
	Start(m *snapshot.Manifest) Tally
}

// Tally accumulates what a Check needs while a snapshot is scanned once.
type Tally interface {
	// Fields returns the fields the tally reads.
	Fields() []string
	Observe(rows *snapshot.Rows, row int)
	// Finish returns a message for every violation found.
	Finish() []string
}

// RowCount requires the number of rows to lie in [Min, Max]. Max 0 means no
// upper bound.
type RowCount struct {
	Min, Max int64
}

func (RowCount) Name() string                      { return CheckRowCount }
func (RowCount) DefaultSeverity() pubsafe.Severity { return pubsafe.Fatal }

func (c RowCount) Start(m *snapshot.Manifest) Tally {
	return &rowCountTally{conf: c, rows: m.Rows}
}

type rowCountTally struct {
	conf RowCount
	rows int64
}

func (p *rowCountTally) Fields() []string { return nil }

func (p *rowCountTally) Observe(*snapshot.Rows, int) {}

func (p *rowCountTally) Finish() []string {
	if p.rows < p.conf.Min {
		return []string{fmt.Sprintf("%d rows, want at least %d", p.rows, p.conf.Min)}
	}
	if p.conf.Max > 0 && p.rows > p.conf.Max {
		return []string{fmt.Sprintf("%d rows, want at most %d", p.rows, p.conf.Max)}
	}
	return nil
}

// RequiredNotNull requires every required field to be set on every row.
type RequiredNotNull struct{}

func (RequiredNotNull) Name() string                      { return CheckRequiredNotNull }
func (RequiredNotNull) DefaultSeverity() pubsafe.Severity { return pubsafe.Fatal }

func (RequiredNotNull) Start(m *snapshot.Manifest) Tally {
	p := &requiredTally{missing: make(map[string]int64)}
	for i, f := range m.Schema().Fields {
		if f.Required {
			p.names = append(p.names, f.Name)
			p.idx = append(p.idx, i)
		}
	}
	if len(p.idx) == 0 {
		return nil
	}
	return p
}

type requiredTally struct {
	names   []string
	idx     []int
	missing map[string]int64
}

func (p *requiredTally) Fields() []string { return p.names }

func (p *requiredTally) Observe(rows *snapshot.Rows, row int) {
	for i, fi := range p.idx {
		if rows.Value(row, fi).State != pubsafe.Set {
			p.missing[p.names[i]]++
		}
	}
}

func (p *requiredTally) Finish() []string {
	var msgs []string
	for _, name := range p.names {
		if n := p.missing[name]; n > 0 {
			msgs = append(msgs, fmt.Sprintf("required field '%s' is empty on %d rows", name, n))
		}
	}
	return msgs
}

// Coordinates requires every location to fall inside BBox or to be
// not-present. A null location is reported, since it is neither.
type Coordinates struct {
	BBox geo.BBox
}

func (Coordinates) Name() string                      { return CheckCoordinates }
func (Coordinates) DefaultSeverity() pubsafe.Severity { return pubsafe.Warning }

func (c Coordinates) Start(m *snapshot.Manifest) Tally {
	i, ok := m.Schema().Index(pubsafe.FieldLocation)
	if !ok {
		return nil
	}
	return &coordTally{bbox: c.BBox, idx: i}
}

type coordTally struct {
	bbox    geo.BBox
	idx     int
	outside int64
	null    int64
	example pubsafe.LatLng
}

func (p *coordTally) Fields() []string { return []string{pubsafe.FieldLocation} }

func (p *coordTally) Observe(rows *snapshot.Rows, row int) {
	v := rows.Value(row, p.idx)
	switch v.State {
	case pubsafe.Absent:
		return
	case pubsafe.Null:
		p.null++
		return
	}
	ll := v.V.(pubsafe.LatLng)
	if !p.bbox.Contains(ll) {
		if p.outside == 0 {
			p.example = ll
		}
		p.outside++
	}
}

func (p *coordTally) Finish() []string {
	var msgs []string
	if p.outside > 0 {
		msgs = append(msgs, fmt.Sprintf("%d locations outside the bounding box, e.g. %v", p.outside, p.example))
	}
	if p.null > 0 {
		msgs = append(msgs, fmt.Sprintf("%d rows have a null location", p.null))
	}
	return msgs
}

// DateRange requires occurred_at to cover the years [MinYear, MaxYear] and
// no row to fall outside them. A zero bound is not checked.
type DateRange struct {
	MinYear, MaxYear int
}

func (DateRange) Name() string                      { return CheckDateRange }
func (DateRange) DefaultSeverity() pubsafe.Severity { return pubsafe.Warning }

func (c DateRange) Start(m *snapshot.Manifest) Tally {
	if c.MinYear == 0 && c.MaxYear == 0 {
		return nil
	}
	return &dateTally{conf: c, idx: m.Schema().MustIndex(pubsafe.FieldOccurredAt)}
}

type dateTally struct {
	conf          DateRange
	idx           int
	first, last   time.Time
	before, after int64
}

func (p *dateTally) Fields() []string { return []string{pubsafe.FieldOccurredAt} }

func (p *dateTally) Observe(rows *snapshot.Rows, row int) {
	v := rows.Value(row, p.idx)
	if v.State != pubsafe.Set {
		return
	}
	t := v.V.(time.Time)
	if p.first.IsZero() || t.Before(p.first) {
		p.first = t
	}
	if t.After(p.last) {
		p.last = t
	}
	if p.conf.MinYear != 0 && t.Year() < p.conf.MinYear {
		p.before++
	}
	if p.conf.MaxYear != 0 && t.Year() > p.conf.MaxYear {
		p.after++
	}
}

func (p *dateTally) Finish() []string {
	if p.first.IsZero() {
		return []string{"no dated rows"}
	}
	var msgs []string
	if p.conf.MinYear != 0 && p.first.Year() > p.conf.MinYear {
		msgs = append(msgs, fmt.Sprintf("earliest row is from %d, expected data from %d", p.first.Year(), p.conf.MinYear))
	}
	if p.conf.MaxYear != 0 && p.last.Year() < p.conf.MaxYear {
		msgs = append(msgs, fmt.Sprintf("latest row is from %d, expected data through %d", p.last.Year(), p.conf.MaxYear))
	}
	if p.before > 0 {
		msgs = append(msgs, fmt.Sprintf("%d rows before %d", p.before, p.conf.MinYear))
	}
	if p.after > 0 {
		msgs = append(msgs, fmt.Sprintf("%d rows after %d", p.after, p.conf.MaxYear))
	}
	return msgs
}

// Duplicates requires ids to be unique. Snapshots are sorted by id, so only
// neighbouring rows are compared.
type Duplicates struct{}

func (Duplicates) Name() string                      { return CheckDuplicates }
func (Duplicates) DefaultSeverity() pubsafe.Severity { return pubsafe.Fatal }

func (Duplicates) Start(m *snapshot.Manifest) Tally {
	return &dupTally{idx: m.Schema().MustIndex(pubsafe.FieldID)}
}

type dupTally struct {
	idx     int
	prev    string
	started bool
	dups    int64
	example string
}

func (p *dupTally) Fields() []string { return []string{pubsafe.FieldID} }

func (p *dupTally) Observe(rows *snapshot.Rows, row int) {
	v := rows.Value(row, p.idx)
	if v.State != pubsafe.Set {
		return
	}
	id := v.V.(string)
	if p.started && id == p.prev {
		if p.dups == 0 {
			p.example = id
		}
		p.dups++
	}
	p.prev, p.started = id, true
}

func (p *dupTally) Finish() []string {
	if p.dups == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%d duplicate ids, e.g. '%s'", p.dups, p.example)}
}

// NullRate caps the fraction of Null values of each named field, counted
// over the rows whose source populates the field.
type NullRate struct {
	Fields []string
	Max    float64
}

func (NullRate) Name() string                      { return CheckNullRate }
func (NullRate) DefaultSeverity() pubsafe.Severity { return pubsafe.Warning }

func (c NullRate) Start(m *snapshot.Manifest) Tally {
	p := &nullTally{max: c.Max}
	for _, name := range c.Fields {
		if i, ok := m.Schema().Index(name); ok {
			p.names = append(p.names, name)
			p.idx = append(p.idx, i)
		}
	}
	if len(p.idx) == 0 {
		return nil
	}
	p.nulls = make([]int64, len(p.idx))
	p.seen = make([]int64, len(p.idx))
	return p
}

type nullTally struct {
	max   float64
	names []string
	idx   []int
	nulls []int64
	seen  []int64
}

func (p *nullTally) Fields() []string { return p.names }

func (p *nullTally) Observe(rows *snapshot.Rows, row int) {
	for i, fi := range p.idx {
		switch rows.Value(row, fi).State {
		case pubsafe.Null:
			p.nulls[i]++
			p.seen[i]++
		case pubsafe.Set:
			p.seen[i]++
		}
	}
}

func (p *nullTally) Finish() []string {
	var msgs []string
	for i, name := range p.names {
		if p.seen[i] == 0 {
			continue
		}
		if rate := float64(p.nulls[i]) / float64(p.seen[i]); rate > p.max {
			msgs = append(msgs, fmt.Sprintf("'%s' is null on %.1f%% of rows, limit %.1f%%", name, rate*100, p.max*100))
		}
	}
	return msgs
}

// YearOverYear flags consecutive years whose row counts differ by more than
// MaxSwing, as a fraction of the earlier year. The latest year is usually
// incomplete and is skipped.
type YearOverYear struct {
	MaxSwing float64
}

func (YearOverYear) Name() string                      { return CheckYearOverYear }
func (YearOverYear) DefaultSeverity() pubsafe.Severity { return pubsafe.Warning }

func (c YearOverYear) Start(m *snapshot.Manifest) Tally {
	if c.MaxSwing <= 0 {
		return nil
	}
	return &yoyTally{max: c.MaxSwing, idx: m.Schema().MustIndex(pubsafe.FieldOccurredAt), counts: make(map[int]int64)}
}

type yoyTally struct {
	max    float64
	idx    int
	counts map[int]int64
}

func (p *yoyTally) Fields() []string { return []string{pubsafe.FieldOccurredAt} }

func (p *yoyTally) Observe(rows *snapshot.Rows, row int) {
	if v := rows.Value(row, p.idx); v.State == pubsafe.Set {
		p.counts[v.V.(time.Time).Year()]++
	}
}

func (p *yoyTally) Finish() []string {
	years := make([]int, 0, len(p.counts))
	for y := range p.counts {
		years = append(years, y)
	}
	sort.Ints(years)
	if len(years) > 0 {
		years = years[:len(years)-1]
	}
	var swings []string
	for i := 1; i < len(years); i++ {
		prev, cur := p.counts[years[i-1]], p.counts[years[i]]
		if years[i] != years[i-1]+1 || prev == 0 {
			continue
		}
		swing := float64(cur-prev) / float64(prev)
		if swing > p.max || swing < -p.max {
			swings = append(swings, fmt.Sprintf("%d->%d %+.0f%%", years[i-1], years[i], swing*100))
		}
	}
	if len(swings) == 0 {
		return nil
	}
	return []string{"volume swings beyond limit: " + strings.Join(swings, ", ")}
}
