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

package transform

import (
	"fmt"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/geo"
)

// Step computes derived fields of a Record in place.
type Step interface {
	Apply(rec *pubsafe.Record)
}

// StepFunc can be wrapped around a function to make it implement the Step
// interface. Similar to http.HandlerFunc.
type StepFunc func(*pubsafe.Record)

// Apply implements Step for StepFunc.
func (f StepFunc) Apply(rec *pubsafe.Record) { f(rec) }

// inherit returns in unchanged if it is not Set. Derived fields are Absent
// when their input is Absent and Null when it is Null.
func inherit(in pubsafe.Value, fn func(v interface{}) pubsafe.Value) pubsafe.Value {
	if in.State != pubsafe.Set {
		return pubsafe.Value{State: in.State}
	}
	return fn(in.V)
}

// TimeParts derives year, month, quarter, dow (0 is Sunday), month_start
// (YYYY-MM) and, for calls for service, hour from occurred_at.
func TimeParts(class pubsafe.Class) Step {
	schema := pubsafe.SchemaFor(class)
	_, withHour := schema.Index(pubsafe.FieldHour)
	parts := []struct {
		field string
		fn    func(t time.Time) interface{}
	}{
		{pubsafe.FieldYear, func(t time.Time) interface{} { return int64(t.Year()) }},
		{pubsafe.FieldMonth, func(t time.Time) interface{} { return int64(t.Month()) }},
		{pubsafe.FieldQuarter, func(t time.Time) interface{} { return int64((t.Month()-1)/3 + 1) }},
		{pubsafe.FieldDOW, func(t time.Time) interface{} { return int64(t.Weekday()) }},
		{pubsafe.FieldMonthStart, func(t time.Time) interface{} { return t.Format("2006-01") }},
	}
	if withHour {
		parts = append(parts, struct {
			field string
			fn    func(t time.Time) interface{}
		}{pubsafe.FieldHour, func(t time.Time) interface{} { return int64(t.Hour()) }})
	}
	at := schema.MustIndex(pubsafe.FieldOccurredAt)
	idx := make([]int, len(parts))
	for i, p := range parts {
		idx[i] = schema.MustIndex(p.field)
	}
	return StepFunc(func(rec *pubsafe.Record) {
		in := rec.Values[at]
		for i, p := range parts {
			fn := p.fn
			rec.Values[idx[i]] = inherit(in, func(v interface{}) pubsafe.Value {
				return pubsafe.Of(fn(v.(time.Time).UTC()))
			})
		}
	})
}

// Age bins.
const (
	AgeUnder18 = "Under 18"
	Age65Plus  = "65+"
)

var ageBins = []struct {
	max  int64
	name string
}{
	{17, AgeUnder18},
	{24, "18-24"},
	{34, "25-34"},
	{44, "35-44"},
	{54, "45-54"},
	{64, "55-64"},
}

// AgeBin returns the bin of a victim age.
func AgeBin(age int64) string {
	for _, b := range ageBins {
		if age <= b.max {
			return b.name
		}
	}
	return Age65Plus
}

// AgeBins derives age_bin from victim_age.
func AgeBins() Step {
	schema := pubsafe.SchemaFor(pubsafe.Incidents)
	age, bin := schema.MustIndex(pubsafe.FieldVictimAge), schema.MustIndex(pubsafe.FieldAgeBin)
	return StepFunc(func(rec *pubsafe.Record) {
		rec.Values[bin] = inherit(rec.Values[age], func(v interface{}) pubsafe.Value {
			return pubsafe.Of(AgeBin(v.(int64)))
		})
	})
}

// GeoBuckets derives geo_bucket from location using b. Points which fall in
// no bucket are Null.
func GeoBuckets(class pubsafe.Class, b geo.Bucketer) Step {
	schema := pubsafe.SchemaFor(class)
	loc, bucket := schema.MustIndex(pubsafe.FieldLocation), schema.MustIndex(pubsafe.FieldGeoBucket)
	return StepFunc(func(rec *pubsafe.Record) {
		rec.Values[bucket] = inherit(rec.Values[loc], func(v interface{}) pubsafe.Value {
			name, ok := b.Bucket(v.(pubsafe.LatLng))
			if !ok {
				return pubsafe.NullValue()
			}
			return pubsafe.Of(name)
		})
	})
}

// Join sets to from the description of the code in from. Codes missing from
// table, and every code when table is nil, leave to Absent.
func Join(class pubsafe.Class, from, to string, table map[string]string) Step {
	schema := pubsafe.SchemaFor(class)
	fi, ti := schema.MustIndex(from), schema.MustIndex(to)
	return StepFunc(func(rec *pubsafe.Record) {
		rec.Values[ti] = inherit(rec.Values[fi], func(v interface{}) pubsafe.Value {
			desc, ok := table[fmt.Sprint(v)]
			if !ok {
				return pubsafe.AbsentValue()
			}
			return pubsafe.Of(desc)
		})
	})
}

// derivedInputs names the input of every derived field. A derived field is
// present for a source when its input is.
var derivedInputs = map[string]string{
	pubsafe.FieldYear:       pubsafe.FieldOccurredAt,
	pubsafe.FieldMonth:      pubsafe.FieldOccurredAt,
	pubsafe.FieldQuarter:    pubsafe.FieldOccurredAt,
	pubsafe.FieldDOW:        pubsafe.FieldOccurredAt,
	pubsafe.FieldHour:       pubsafe.FieldOccurredAt,
	pubsafe.FieldMonthStart: pubsafe.FieldOccurredAt,
	pubsafe.FieldAgeBin:     pubsafe.FieldVictimAge,
	pubsafe.FieldGeoBucket:  pubsafe.FieldLocation,

	pubsafe.FieldCallTypeDesc: pubsafe.FieldCallType,
	pubsafe.FieldDispoDesc:    pubsafe.FieldDisposition,
}

// DerivedPresence extends the presence flags of a source's mapping with the
// derived fields of class.
func DerivedPresence(class pubsafe.Class, p pubsafe.Presence) pubsafe.Presence {
	out := make(pubsafe.Presence, len(p))
	for k, v := range p {
		out[k] = v
	}
	for _, f := range pubsafe.SchemaFor(class).Fields {
		if !f.Derived {
			continue
		}
		if in, ok := derivedInputs[f.Name]; ok {
			out[f.Name] = p[in]
		}
	}
	return out
}
