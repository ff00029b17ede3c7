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

package query

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pkg/errors"
)

// Approximate footprint of group table entries, used for accounting.
const (
	groupOverhead = 96
	valueSize     = 32
	accSize       = 24
)

type acc struct {
	n   int64
	f   float64
	set bool
}

type measure struct {
	update func(a *acc, rows *snapshot.Rows, row int)
	result func(a *acc) pubsafe.Value
}

type group struct {
	keys []pubsafe.Value
	accs []acc
}

type predicate func(rows *snapshot.Rows, row int) bool

// compiled is a prepared query bound to the schema of the file it reads.
type compiled struct {
	filters  []predicate
	keys     []int
	measures []measure
	columns  []string
}

func compile(p *prepared, m *snapshot.Manifest, r *rollup) (*compiled, error) {
	schema := m.Schema()
	c := &compiled{}
	var fields []string
	index := func(name string) (int, error) {
		i, ok := schema.Index(name)
		if !ok {
			return 0, errors.Errorf("no field '%s' in %s", name, m.Name)
		}
		fields = append(fields, name)
		return i, nil
	}

	for _, cd := range p.conds {
		if r != nil && !contains(r.grouping.Keys, cd.field) {
			continue
		}
		i, err := index(cd.field)
		if err != nil {
			return nil, err
		}
		c.filters = append(c.filters, condPredicate(i, cd))
	}
	for _, g := range p.req.GroupBy {
		i, err := index(g)
		if err != nil {
			return nil, err
		}
		c.keys = append(c.keys, i)
	}
	for j, a := range p.aggs {
		var (
			i   int
			err error
		)
		switch {
		case r != nil:
			i, err = index(schema.Fields[r.measures[j]].Name)
		case a.field != "":
			i, err = index(a.field)
		}
		if err != nil {
			return nil, err
		}
		c.measures = append(c.measures, newMeasure(a, i, r != nil))
	}

	cols, err := m.Layout().Columns(dedup(fields)...)
	if err != nil {
		return nil, err
	}
	c.columns = cols
	return c, nil
}

func condPredicate(i int, c cond) predicate {
	set := func(rows *snapshot.Rows, row int) (interface{}, bool) {
		v := rows.Value(row, i)
		return v.V, v.State == pubsafe.Set
	}
	switch c.op {
	case OpNotNull:
		return func(rows *snapshot.Rows, row int) bool {
			_, ok := set(rows, row)
			return ok
		}
	case OpEq:
		return func(rows *snapshot.Rows, row int) bool {
			v, ok := set(rows, row)
			return ok && equal(v, c.vals[0])
		}
	case OpNe:
		return func(rows *snapshot.Rows, row int) bool {
			v, ok := set(rows, row)
			return ok && !equal(v, c.vals[0])
		}
	case OpIn:
		return func(rows *snapshot.Rows, row int) bool {
			v, ok := set(rows, row)
			if !ok {
				return false
			}
			for _, w := range c.vals {
				if equal(v, w) {
					return true
				}
			}
			return false
		}
	case OpGte:
		return func(rows *snapshot.Rows, row int) bool {
			v, ok := set(rows, row)
			return ok && compare(v, c.vals[0]) >= 0
		}
	case OpLte:
		return func(rows *snapshot.Rows, row int) bool {
			v, ok := set(rows, row)
			return ok && compare(v, c.vals[0]) <= 0
		}
	}
	// between
	return func(rows *snapshot.Rows, row int) bool {
		v, ok := set(rows, row)
		return ok && compare(v, c.vals[0]) >= 0 && compare(v, c.vals[1]) <= 0
	}
}

// newMeasure returns the accumulator of s reading field i. Rolled up
// measures sum a precomputed column instead.
func newMeasure(s spec, i int, rolled bool) measure {
	count := func(a *acc) pubsafe.Value { return pubsafe.Of(a.n) }
	sum := func(a *acc) pubsafe.Value {
		switch {
		case !a.set:
			return pubsafe.NullValue()
		case s.typ == pubsafe.TypeFloat:
			return pubsafe.Of(a.f)
		}
		return pubsafe.Of(a.n)
	}
	add := func(a *acc, rows *snapshot.Rows, row int) {
		v := rows.Value(row, i)
		if v.State != pubsafe.Set {
			return
		}
		a.set = true
		if f, ok := v.V.(float64); ok {
			a.f += f
		} else {
			a.n += v.V.(int64)
		}
	}

	if rolled {
		if s.fn == FuncSum {
			return measure{update: add, result: sum}
		}
		return measure{update: add, result: count}
	}
	switch s.fn {
	case FuncCountIf:
		return measure{
			update: func(a *acc, rows *snapshot.Rows, row int) {
				if v := rows.Value(row, i); v.State == pubsafe.Set && equal(v.V, s.val) {
					a.n++
				}
			},
			result: count,
		}
	case FuncSum:
		return measure{update: add, result: sum}
	}
	return measure{
		update: func(a *acc, _ *snapshot.Rows, _ int) { a.n++ },
		result: count,
	}
}

// execute runs p against the file described by m. r is the aggregation
// table m belongs to, or nil if m is a snapshot.
func execute(ctx context.Context, m *snapshot.Manifest, p *prepared, r *rollup, b *budget, batchSize int) ([][]pubsafe.Value, error) {
	c, err := compile(p, m, r)
	if err != nil {
		return nil, err
	}
	groups := make(map[string]*group)
	var (
		order []*group
		buf   []byte
	)
	lookup := func(rows *snapshot.Rows, row int) (*group, error) {
		buf = buf[:0]
		for _, k := range c.keys {
			buf = appendKey(buf, rows.Value(row, k))
		}
		if g, ok := groups[string(buf)]; ok {
			return g, nil
		}
		if err := b.reserve(int64(len(buf) + groupOverhead + valueSize*len(c.keys) + accSize*len(c.measures))); err != nil {
			return nil, err
		}
		g := &group{keys: make([]pubsafe.Value, len(c.keys)), accs: make([]acc, len(c.measures))}
		for i, k := range c.keys {
			g.keys[i] = own(rows.Value(row, k))
		}
		groups[string(buf)] = g
		order = append(order, g)
		return g, nil
	}
	if len(c.keys) == 0 {
		if _, err := lookup(nil, 0); err != nil {
			return nil, err
		}
	}

	if m.Rows > 0 {
		err = snapshot.ScanRows(ctx, m.DataPath(), m.Layout(), func(rows *snapshot.Rows) error {
			if err := b.err(); err != nil {
				return err
			}
		next:
			for row := 0; row < rows.Len(); row++ {
				for _, f := range c.filters {
					if !f(rows, row) {
						continue next
					}
				}
				g, err := lookup(rows, row)
				if err != nil {
					return err
				}
				for i, ms := range c.measures {
					ms.update(&g.accs[i], rows, row)
				}
			}
			return ctx.Err()
		},
			snapshot.WithColumns(c.columns...),
			snapshot.WithAllocator(newAllocator(b)),
			snapshot.WithBatchSize(batchSize),
		)
		if err == nil {
			err = b.err()
		}
		if err != nil {
			return nil, err
		}
	}

	out := make([][]pubsafe.Value, len(order))
	for i, g := range order {
		row := make([]pubsafe.Value, 0, len(g.keys)+len(g.accs))
		row = append(row, g.keys...)
		for j, ms := range c.measures {
			row = append(row, ms.result(&g.accs[j]))
		}
		out[i] = row
	}
	sortRows(out, p)
	if p.req.Limit > 0 && len(out) > p.req.Limit {
		out = out[:p.req.Limit]
	}
	return out, nil
}

// sortRows orders rows by their group keys, nulls last, then stably by the
// requested order.
func sortRows(rows [][]pubsafe.Value, p *prepared) {
	nkeys := len(p.req.GroupBy)
	sort.Slice(rows, func(i, j int) bool {
		for k := 0; k < nkeys; k++ {
			if c := compareValues(rows[i][k], rows[j][k], false); c != 0 {
				return c < 0
			}
		}
		return false
	})
	if len(p.req.OrderBy) == 0 {
		return
	}
	idx := make([]int, len(p.req.OrderBy))
	for i, o := range p.req.OrderBy {
		for j, name := range p.columns {
			if name == o.Field {
				idx[i] = j
			}
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for n, o := range p.req.OrderBy {
			if c := compareValues(rows[i][idx[n]], rows[j][idx[n]], o.Desc); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// compareValues orders set values before null ones, and null before
// absent ones, whatever the direction.
func compareValues(a, b pubsafe.Value, desc bool) int {
	if a.State != b.State {
		return rank(a.State) - rank(b.State)
	}
	if a.State != pubsafe.Set {
		return 0
	}
	c := compare(a.V, b.V)
	if desc {
		return -c
	}
	return c
}

func rank(s pubsafe.State) int {
	switch s {
	case pubsafe.Set:
		return 0
	case pubsafe.Null:
		return 1
	}
	return 2
}

// appendKey appends the encoding of v to buf. Encodings of distinct values
// of one field type are distinct.
func appendKey(buf []byte, v pubsafe.Value) []byte {
	buf = append(buf, byte(v.State))
	if v.State != pubsafe.Set {
		return buf
	}
	switch x := v.V.(type) {
	case string:
		buf = binary.AppendUvarint(buf, uint64(len(x)))
		buf = append(buf, x...)
	case int64:
		buf = binary.AppendVarint(buf, x)
	case float64:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(x))
	case bool:
		if x {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case time.Time:
		buf = binary.AppendVarint(buf, x.UnixNano())
	case pubsafe.LatLng:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(x.Lat))
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(x.Lng))
	}
	return buf
}

// own copies strings out of the arrow buffers they alias.
func own(v pubsafe.Value) pubsafe.Value {
	if s, ok := v.V.(string); ok {
		v.V = string(append([]byte(nil), s...))
	}
	return v
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func dedup(ss []string) []string {
	seen := make(map[string]bool, len(ss))
	out := ss[:0]
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
