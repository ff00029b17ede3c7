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
	"sort"
	"strings"
	"time"

	"github.com/pilosa/pubsafe"
)

// cond is a Filter with its operands converted to the field type.
type cond struct {
	field string
	op    Op
	vals  []interface{}
}

// implies reports whether every value matching c also matches o.
func (c cond) implies(o cond) bool {
	if c.field != o.field {
		return false
	}
	switch o.op {
	case OpNotNull:
		return true
	case OpEq:
		return (c.op == OpEq || c.op == OpIn && len(c.vals) == 1) && equal(c.vals[0], o.vals[0])
	}
	return c.same(o)
}

func (c cond) same(o cond) bool {
	if c.field != o.field || c.op != o.op || len(c.vals) != len(o.vals) {
		return false
	}
	for i := range c.vals {
		if !equal(c.vals[i], o.vals[i]) {
			return false
		}
	}
	return true
}

// spec is an Aggregate with its operand converted to the field type.
type spec struct {
	fn    Func
	field string
	val   interface{}
	name  string
	typ   pubsafe.FieldType
}

func (s spec) matches(o spec) bool {
	if s.fn != o.fn || s.field != o.field {
		return false
	}
	return s.fn != FuncCountIf || equal(s.val, o.val)
}

// prepared is a Request checked against the schema and presence flags of
// one snapshot.
type prepared struct {
	req     Request
	conds   []cond
	aggs    []spec
	columns []string
}

// prepare checks req against schema and presence. Fields which are not part
// of schema, or which no contributing source populates, are rejected with a
// *pubsafe.UnsupportedFieldError. Anything else malformed is a
// *RequestError.
func prepare(req Request, schema *pubsafe.Schema, presence pubsafe.SourcePresence) (*prepared, error) {
	p := &prepared{req: req}
	field := func(name string) (pubsafe.Field, error) {
		if name == "" {
			return pubsafe.Field{}, badRequest("missing field name")
		}
		f, ok := schema.Field(name)
		if !ok {
			return f, &pubsafe.UnsupportedFieldError{Class: req.Class, Field: name, Reason: "not a field of this dataset"}
		}
		if !presence.Any(name) {
			return f, &pubsafe.UnsupportedFieldError{Class: req.Class, Field: name, Reason: "not populated by any source (" + strings.Join(sortedSources(presence), ", ") + ")"}
		}
		return f, nil
	}

	for _, flt := range req.Filters {
		f, err := field(flt.Field)
		if err != nil {
			return nil, err
		}
		c := cond{field: f.Name, op: flt.Op}
		var raw []interface{}
		switch flt.Op {
		case OpNotNull:
		case OpEq, OpNe, OpGte, OpLte:
			if flt.Value == nil {
				return nil, badRequest("filter '%s %s' needs a value", flt.Field, flt.Op)
			}
			raw = []interface{}{flt.Value}
		case OpIn:
			if len(flt.Values) == 0 {
				return nil, badRequest("filter '%s in' needs at least one value", flt.Field)
			}
			raw = flt.Values
		case OpBetween:
			if len(flt.Values) != 2 {
				return nil, badRequest("filter '%s between' needs two values", flt.Field)
			}
			raw = flt.Values
		default:
			return nil, badRequest("unknown filter operator '%s'", flt.Op)
		}
		if len(raw) > 0 && f.Type == pubsafe.TypeLocation {
			return nil, badRequest("location field '%s' only supports not_null", f.Name)
		}
		if (flt.Op == OpGte || flt.Op == OpLte || flt.Op == OpBetween) && f.Type == pubsafe.TypeBool {
			return nil, badRequest("range filter on bool field '%s'", f.Name)
		}
		for _, v := range raw {
			cv, err := coerce(f.Type, v)
			if err != nil {
				return nil, badRequest("filter on '%s': %v", f.Name, err)
			}
			c.vals = append(c.vals, cv)
		}
		p.conds = append(p.conds, c)
	}

	for _, g := range req.GroupBy {
		if _, err := field(g); err != nil {
			return nil, err
		}
		p.columns = append(p.columns, g)
	}

	aggs := req.Aggregates
	if len(aggs) == 0 {
		aggs = []Aggregate{Count("")}
	}
	for _, a := range aggs {
		s := spec{fn: a.Func, field: a.Field, name: a.Name(), typ: pubsafe.TypeInt}
		switch a.Func {
		case FuncCount:
			s.field = ""
		case FuncCountIf:
			f, err := field(a.Field)
			if err != nil {
				return nil, err
			}
			if a.Value == nil {
				if f.Type != pubsafe.TypeBool {
					return nil, badRequest("count_if on '%s' needs a value", f.Name)
				}
				s.val = true
			} else {
				if f.Type == pubsafe.TypeLocation {
					return nil, badRequest("count_if on location field '%s'", f.Name)
				}
				v, err := coerce(f.Type, a.Value)
				if err != nil {
					return nil, badRequest("count_if on '%s': %v", f.Name, err)
				}
				s.val = v
			}
		case FuncSum:
			f, err := field(a.Field)
			if err != nil {
				return nil, err
			}
			if f.Type != pubsafe.TypeInt && f.Type != pubsafe.TypeFloat {
				return nil, badRequest("sum of non-numeric field '%s'", f.Name)
			}
			s.typ = f.Type
		default:
			return nil, badRequest("unknown aggregate '%s'", a.Func)
		}
		p.aggs = append(p.aggs, s)
		p.columns = append(p.columns, s.name)
	}

	seen := make(map[string]bool, len(p.columns))
	for _, c := range p.columns {
		if seen[c] {
			return nil, badRequest("duplicate result column '%s'", c)
		}
		seen[c] = true
	}
	for _, o := range req.OrderBy {
		if !seen[o.Field] {
			return nil, badRequest("cannot order by '%s': not a result column", o.Field)
		}
	}
	if req.Limit < 0 {
		return nil, badRequest("negative limit %d", req.Limit)
	}
	return p, nil
}

func sortedSources(sp pubsafe.SourcePresence) []string {
	out := make([]string, 0, len(sp))
	for src := range sp {
		out = append(out, src)
	}
	sort.Strings(out)
	return out
}

func equal(a, b interface{}) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return a == b
}

// compare orders two values of the same field type.
func compare(a, b interface{}) int {
	switch av := a.(type) {
	case string:
		return strings.Compare(av, b.(string))
	case int64:
		bv := b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	case time.Time:
		bv := b.(time.Time)
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		}
		return 0
	case pubsafe.LatLng:
		bv := b.(pubsafe.LatLng)
		if c := compare(av.Lat, bv.Lat); c != 0 {
			return c
		}
		return compare(av.Lng, bv.Lng)
	}
	return 0
}
