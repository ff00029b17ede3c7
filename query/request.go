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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// Op is a filter operator.
type Op string

const (
	OpEq      Op = "eq"
	OpNe      Op = "ne"
	OpIn      Op = "in"
	OpGte     Op = "gte"
	OpLte     Op = "lte"
	OpBetween Op = "between"
	OpNotNull Op = "not_null"
)

// Filter restricts the rows a query aggregates. Every operator except
// not_null takes its operand from Value, except in and between which take
// Values. Only Set values ever match.
type Filter struct {
	Field  string        `json:"field"`
	Op     Op            `json:"op"`
	Value  interface{}   `json:"value,omitempty"`
	Values []interface{} `json:"values,omitempty"`
}

func (f Filter) String() string {
	switch f.Op {
	case OpNotNull:
		return f.Field + " not_null"
	case OpIn, OpBetween:
		return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Values)
	}
	return fmt.Sprintf("%s %s %v", f.Field, f.Op, f.Value)
}

// Func is an aggregate function.
type Func string

const (
	// FuncCount counts rows.
	FuncCount Func = "count"
	// FuncCountIf counts rows whose Field equals Value, or, if Value is
	// nil, whose Field is true.
	FuncCountIf Func = "count_if"
	// FuncSum sums Field over the rows where it is set.
	FuncSum Func = "sum"
)

// Aggregate is one output measure of a query.
type Aggregate struct {
	Func  Func        `json:"func"`
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`
	// As names the result column. It defaults to the function name, followed
	// by the field name for count_if and sum.
	As string `json:"as,omitempty"`
}

// Name returns the result column name of a.
func (a Aggregate) Name() string {
	if a.As != "" {
		return a.As
	}
	if a.Func == FuncCount {
		return string(FuncCount)
	}
	return string(a.Func) + "_" + a.Field
}

// Count returns a count aggregate named as.
func Count(as string) Aggregate { return Aggregate{Func: FuncCount, As: as} }

// CountIf returns a count_if aggregate named as.
func CountIf(as, field string, value interface{}) Aggregate {
	return Aggregate{Func: FuncCountIf, Field: field, Value: value, As: as}
}

// Sum returns a sum aggregate named as.
func Sum(as, field string) Aggregate { return Aggregate{Func: FuncSum, Field: field, As: as} }

// Order sorts results by a group-by field or an aggregate name.
type Order struct {
	Field string `json:"field"`
	Desc  bool   `json:"desc,omitempty"`
}

// Request is an aggregate query against one dataset class.
type Request struct {
	Class      pubsafe.Class `json:"class"`
	Filters    []Filter      `json:"filters,omitempty"`
	GroupBy    []string      `json:"group_by,omitempty"`
	Aggregates []Aggregate   `json:"aggregates,omitempty"`
	OrderBy    []Order       `json:"order_by,omitempty"`
	Limit      int           `json:"limit,omitempty"`
}

// Plan names how a query was answered.
type Plan struct {
	// Table is the aggregation table the query was answered from, or "" if
	// the snapshot was scanned.
	Table   string `json:"table,omitempty"`
	Version string `json:"version"`
}

func (p Plan) String() string {
	if p.Table == "" {
		return "scan"
	}
	return "table:" + p.Table
}

// Result is the answer to a Request. Rows hold the group-by values followed
// by the aggregates, in the order named by Columns.
type Result struct {
	Class   pubsafe.Class     `json:"class"`
	Columns []string          `json:"columns"`
	Rows    [][]pubsafe.Value `json:"rows"`
	Plan    Plan              `json:"plan"`
}

// Maps returns the rows of r keyed by column name.
func (r *Result) Maps() []map[string]interface{} {
	out := make([]map[string]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]interface{}, len(row))
		for j, v := range row {
			m[r.Columns[j]] = v.Interface()
		}
		out[i] = m
	}
	return out
}

// RequestError rejects a malformed Request.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return "bad query: " + e.Msg }

func badRequest(format string, args ...interface{}) error {
	return &RequestError{Msg: fmt.Sprintf(format, args...)}
}

// ParseRequest decodes a JSON Request.
func ParseRequest(data []byte) (*Request, error) {
	req := &Request{}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, &RequestError{Msg: errors.Wrap(err, "decoding request").Error()}
	}
	return req, nil
}

// coerce converts a filter or count_if operand to the Go type of t.
func coerce(t pubsafe.FieldType, v interface{}) (interface{}, error) {
	switch t {
	case pubsafe.TypeString:
		switch vt := v.(type) {
		case string:
			return vt, nil
		case json.Number:
			return vt.String(), nil
		case int, int64:
			return fmt.Sprint(vt), nil
		}
	case pubsafe.TypeInt:
		switch vt := v.(type) {
		case int:
			return int64(vt), nil
		case int64:
			return vt, nil
		case float64:
			if vt == math.Trunc(vt) {
				return int64(vt), nil
			}
		case json.Number:
			if i, err := vt.Int64(); err == nil {
				return i, nil
			}
		case string:
			if i, err := strconv.ParseInt(vt, 10, 64); err == nil {
				return i, nil
			}
		}
	case pubsafe.TypeFloat:
		switch vt := v.(type) {
		case float64:
			return vt, nil
		case int:
			return float64(vt), nil
		case int64:
			return float64(vt), nil
		case json.Number:
			if f, err := vt.Float64(); err == nil {
				return f, nil
			}
		case string:
			if f, err := strconv.ParseFloat(vt, 64); err == nil {
				return f, nil
			}
		}
	case pubsafe.TypeBool:
		switch vt := v.(type) {
		case bool:
			return vt, nil
		case string:
			if b, err := strconv.ParseBool(vt); err == nil {
				return b, nil
			}
		}
	case pubsafe.TypeTime:
		switch vt := v.(type) {
		case time.Time:
			return vt.UTC(), nil
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
				if t, err := time.Parse(layout, vt); err == nil {
					return t.UTC(), nil
				}
			}
		}
	}
	return nil, errors.Errorf("cannot use %T %v as %v", v, v, t)
}
