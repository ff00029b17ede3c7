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

package snapshot

import (
	"fmt"
	"time"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// Reserved column names.
const (
	ColumnSource = "_source"
	ColumnAbsent = "_absent"
	ColumnLat    = "lat"
	ColumnLng    = "lng"
)

// maxFields is the number of fields the _absent bitmask can describe.
const maxFields = 63

// Layout maps the fields of a Schema onto arrow columns. Every field becomes
// one column except location fields, which become a lat and a lng column.
// Null and Absent values are both stored as arrow nulls; the _absent bitmask
// column has bit i set when field i is Absent on that row.
type Layout struct {
	Schema *pubsafe.Schema
	Arrow  *arrow.Schema

	cols       [][]int
	withSource bool
}

// NewLayout returns the Layout of s. Class snapshots carry a _source column;
// aggregation tables do not.
func NewLayout(s *pubsafe.Schema, withSource bool) *Layout {
	if len(s.Fields) > maxFields {
		panic(fmt.Sprintf("schema for %s has %d fields, at most %d are supported", s.Class, len(s.Fields), maxFields))
	}
	l := &Layout{
		Schema:     s,
		cols:       make([][]int, len(s.Fields)),
		withSource: withSource,
	}
	fields := make([]arrow.Field, 0, len(s.Fields)+2)
	for i, f := range s.Fields {
		if f.Type == pubsafe.TypeLocation {
			l.cols[i] = []int{len(fields), len(fields) + 1}
			fields = append(fields,
				arrow.Field{Name: ColumnLat, Type: arrow.PrimitiveTypes.Float64, Nullable: true},
				arrow.Field{Name: ColumnLng, Type: arrow.PrimitiveTypes.Float64, Nullable: true})
			continue
		}
		l.cols[i] = []int{len(fields)}
		fields = append(fields, arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: true})
	}
	if withSource {
		fields = append(fields, arrow.Field{Name: ColumnSource, Type: arrow.BinaryTypes.String})
	}
	fields = append(fields, arrow.Field{Name: ColumnAbsent, Type: arrow.PrimitiveTypes.Int64})
	l.Arrow = arrow.NewSchema(fields, nil)
	return l
}

func arrowType(t pubsafe.FieldType) arrow.DataType {
	switch t {
	case pubsafe.TypeString:
		return arrow.BinaryTypes.String
	case pubsafe.TypeInt:
		return arrow.PrimitiveTypes.Int64
	case pubsafe.TypeFloat:
		return arrow.PrimitiveTypes.Float64
	case pubsafe.TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case pubsafe.TypeTime:
		return arrow.FixedWidthTypes.Timestamp_us
	}
	panic(fmt.Sprintf("no arrow type for %v", t))
}

// ColumnNames returns the names of every column in order.
func (l *Layout) ColumnNames() []string {
	names := make([]string, len(l.Arrow.Fields()))
	for i, f := range l.Arrow.Fields() {
		names[i] = f.Name
	}
	return names
}

// Columns returns the columns backing the named fields, followed by the
// _absent column. Unknown field names are an error.
func (l *Layout) Columns(fields ...string) ([]string, error) {
	cols := make([]string, 0, len(fields)+1)
	for _, name := range fields {
		i, ok := l.Schema.Index(name)
		if !ok {
			return nil, errors.Errorf("no field '%s' in %s", name, l.Schema.Class)
		}
		for _, c := range l.cols[i] {
			cols = append(cols, l.Arrow.Field(c).Name)
		}
	}
	return append(cols, ColumnAbsent), nil
}

// append adds one row to b.
func (l *Layout) append(b *array.RecordBuilder, vals []pubsafe.Value, source string) error {
	if len(vals) != len(l.Schema.Fields) {
		return errors.Errorf("row has %d values, schema has %d fields", len(vals), len(l.Schema.Fields))
	}
	var absent int64
	for i, f := range l.Schema.Fields {
		v := vals[i]
		cols := l.cols[i]
		if v.State != pubsafe.Set {
			if v.State == pubsafe.Absent {
				absent |= 1 << uint(i)
			}
			for _, c := range cols {
				b.Field(c).AppendNull()
			}
			continue
		}
		if err := appendValue(b, cols, f, v.V); err != nil {
			return err
		}
	}
	next := len(l.Arrow.Fields()) - 1
	if l.withSource {
		b.Field(next - 1).(*array.StringBuilder).Append(source)
	}
	b.Field(next).(*array.Int64Builder).Append(absent)
	return nil
}

func appendValue(b *array.RecordBuilder, cols []int, f pubsafe.Field, v interface{}) (err error) {
	defer func() {
		// builders are type-asserted against the field type below
		if r := recover(); r != nil {
			err = errors.Errorf("field '%s': cannot store %T as %v", f.Name, v, f.Type)
		}
	}()
	switch f.Type {
	case pubsafe.TypeString:
		b.Field(cols[0]).(*array.StringBuilder).Append(v.(string))
	case pubsafe.TypeInt:
		b.Field(cols[0]).(*array.Int64Builder).Append(v.(int64))
	case pubsafe.TypeFloat:
		b.Field(cols[0]).(*array.Float64Builder).Append(v.(float64))
	case pubsafe.TypeBool:
		b.Field(cols[0]).(*array.BooleanBuilder).Append(v.(bool))
	case pubsafe.TypeTime:
		b.Field(cols[0]).(*array.TimestampBuilder).Append(arrow.Timestamp(v.(time.Time).UnixMicro()))
	case pubsafe.TypeLocation:
		ll := v.(pubsafe.LatLng)
		b.Field(cols[0]).(*array.Float64Builder).Append(ll.Lat)
		b.Field(cols[1]).(*array.Float64Builder).Append(ll.Lng)
	}
	return nil
}

// Rows gives row-wise access to an arrow record written with a Layout. The
// record may hold any subset of the Layout's columns; fields whose columns
// were not read are reported Absent.
type Rows struct {
	layout *Layout
	rec    arrow.Record
	cols   [][]arrow.Array
	source *array.String
	absent *array.Int64
}

// Rows binds rec to l by column name.
func (l *Layout) Rows(rec arrow.Record) (*Rows, error) {
	r := &Rows{
		layout: l,
		rec:    rec,
		cols:   make([][]arrow.Array, len(l.Schema.Fields)),
	}
	sc := rec.Schema()
	column := func(name string) arrow.Array {
		idx := sc.FieldIndices(name)
		if len(idx) == 0 {
			return nil
		}
		return rec.Column(idx[0])
	}
	for i, ci := range l.cols {
		var arrs []arrow.Array
		for _, c := range ci {
			a := column(l.Arrow.Field(c).Name)
			if a == nil {
				arrs = nil
				break
			}
			if !arrow.TypeEqual(a.DataType(), l.Arrow.Field(c).Type) {
				return nil, errors.Errorf("column '%s' has type %v, want %v", l.Arrow.Field(c).Name, a.DataType(), l.Arrow.Field(c).Type)
			}
			arrs = append(arrs, a)
		}
		r.cols[i] = arrs
	}
	if a := column(ColumnAbsent); a != nil {
		r.absent = a.(*array.Int64)
	} else {
		return nil, errors.New("record has no _absent column")
	}
	if a := column(ColumnSource); a != nil {
		r.source = a.(*array.String)
	}
	return r, nil
}

// Len returns the number of rows.
func (r *Rows) Len() int { return int(r.rec.NumRows()) }

// Source returns the _source of row, or "" if it was not read.
func (r *Rows) Source(row int) string {
	if r.source == nil {
		return ""
	}
	return r.source.Value(row)
}

// Value returns field of row.
func (r *Rows) Value(row, field int) pubsafe.Value {
	arrs := r.cols[field]
	if arrs == nil || r.absent.Value(row)&(1<<uint(field)) != 0 {
		return pubsafe.AbsentValue()
	}
	if arrs[0].IsNull(row) {
		return pubsafe.NullValue()
	}
	switch a := arrs[0].(type) {
	case *array.String:
		return pubsafe.Of(a.Value(row))
	case *array.Int64:
		return pubsafe.Of(a.Value(row))
	case *array.Boolean:
		return pubsafe.Of(a.Value(row))
	case *array.Timestamp:
		return pubsafe.Of(time.UnixMicro(int64(a.Value(row))).UTC())
	case *array.Float64:
		if len(arrs) == 2 {
			return pubsafe.Of(pubsafe.LatLng{Lat: a.Value(row), Lng: arrs[1].(*array.Float64).Value(row)})
		}
		return pubsafe.Of(a.Value(row))
	}
	panic(fmt.Sprintf("unexpected column type %T", arrs[0]))
}

// Values fills dst with every field of row. dst is grown if needed.
func (r *Rows) Values(row int, dst []pubsafe.Value) []pubsafe.Value {
	n := len(r.layout.Schema.Fields)
	if cap(dst) < n {
		dst = make([]pubsafe.Value, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = r.Value(row, i)
	}
	return dst
}
