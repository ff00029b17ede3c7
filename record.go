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

package pubsafe

import (
	"encoding/json"
	"fmt"
	"time"
)

// RawRecord is a single record as delivered by a Source. Fields holds
// whatever the upstream system returned; a nil value means the field was
// present but empty, and NotPresent means the column does not exist for this
// record at all.
type RawRecord struct {
	Source   string
	Ingested time.Time
	Fields   map[string]interface{}
}

// Get returns the raw value at key. The boolean is false if the key is
// missing from the record or marked NotPresent.
func (r *RawRecord) Get(key string) (interface{}, bool) {
	v, ok := r.Fields[key]
	if !ok || IsNotPresent(v) {
		return nil, false
	}
	return v, true
}

type notPresent struct{}

func (notPresent) String() string { return "<not present>" }

// MarshalJSON encodes NotPresent so that consumers of query results can tell
// it apart from null.
func (notPresent) MarshalJSON() ([]byte, error) {
	return []byte(`{"not_present":true}`), nil
}

// NotPresent is the marker value for a column which does not exist for a
// record. It is distinct from nil, which means present but null.
var NotPresent interface{} = notPresent{}

// IsNotPresent reports whether v is the NotPresent marker.
func IsNotPresent(v interface{}) bool {
	_, ok := v.(notPresent)
	return ok
}

// State describes whether a canonical field carries a value.
type State uint8

const (
	// Absent means the field is not populated by the record's source (or
	// the record's era of that source). It is never the same as Null.
	Absent State = iota
	// Null means the source populates the field but this record is empty.
	Null
	// Set means the field holds a value.
	Set
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Null:
		return "null"
	case Set:
		return "set"
	}
	return fmt.Sprintf("State(%d)", s)
}

// Value is one canonical field of a Record. V is a string, int64, float64,
// bool, time.Time or LatLng depending on the field's Type, and is only
// meaningful when State is Set.
type Value struct {
	State State
	V     interface{}
}

// Of returns a Set value.
func Of(v interface{}) Value { return Value{State: Set, V: v} }

// NullValue returns a Null value.
func NullValue() Value { return Value{State: Null} }

// AbsentValue returns an Absent value.
func AbsentValue() Value { return Value{} }

// Interface returns V for Set values, nil for Null values and NotPresent for
// Absent values.
func (v Value) Interface() interface{} {
	switch v.State {
	case Set:
		return v.V
	case Null:
		return nil
	}
	return NotPresent
}

// MarshalJSON encodes Set values as their V, Null values as null and Absent
// values as {"not_present":true}.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v Value) String() string {
	switch v.State {
	case Set:
		return fmt.Sprint(v.V)
	case Null:
		return "<null>"
	}
	return NotPresent.(fmt.Stringer).String()
}

// Record is a canonical record of one dataset Class. Values is indexed by the
// position of each field in the class Schema.
type Record struct {
	Class  Class
	Source string
	Values []Value
}

// NewRecord returns a Record for class with every field Absent.
func NewRecord(class Class, source string) *Record {
	return &Record{
		Class:  class,
		Source: source,
		Values: make([]Value, len(SchemaFor(class).Fields)),
	}
}

// Get returns the value of the named field. It panics if the field is not
// part of the record's Schema.
func (r *Record) Get(name string) Value {
	return r.Values[SchemaFor(r.Class).MustIndex(name)]
}

// Set sets the value of the named field.
func (r *Record) Set(name string, v Value) {
	r.Values[SchemaFor(r.Class).MustIndex(name)] = v
}

// ID returns the record identifier, or "" if it is not set.
func (r *Record) ID() string {
	v := r.Get(FieldID)
	if v.State != Set {
		return ""
	}
	s, _ := v.V.(string)
	return s
}

// LatLng is a geographic coordinate. Coordinates are always held as
// (latitude, longitude) inside pubsafe, whatever order a file format uses.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l LatLng) String() string {
	return fmt.Sprintf("(%g, %g)", l.Lat, l.Lng)
}
