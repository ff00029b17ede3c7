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
	"fmt"

	"github.com/pkg/errors"
)

// SchemaVersion is bumped whenever a canonical Schema changes shape. It is
// recorded in every snapshot manifest.
const SchemaVersion = 3

// FieldType is the type of a canonical field.
type FieldType uint8

const (
	TypeString FieldType = iota
	TypeInt
	TypeFloat
	TypeBool
	TypeTime
	// TypeLocation values are LatLng pairs. They are stored as two float
	// columns named lat and lng.
	TypeLocation
)

var typeNames = [...]string{"string", "int", "float", "bool", "time", "location"}

func (t FieldType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("FieldType(%d)", t)
}

// MarshalText implements encoding.TextMarshaler.
func (t FieldType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *FieldType) UnmarshalText(b []byte) error {
	for i, n := range typeNames {
		if n == string(b) {
			*t = FieldType(i)
			return nil
		}
	}
	return errors.Errorf("unknown field type '%s'", b)
}

// Field is one canonical field.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	// Derived fields are computed by the Transformer from other fields
	// rather than mapped from a source.
	Derived bool `json:"derived,omitempty"`
}

// Schema is the ordered list of fields for one dataset class (or for an
// aggregation table).
type Schema struct {
	Class   Class   `json:"class,omitempty"`
	Version int     `json:"version"`
	Fields  []Field `json:"fields"`

	index map[string]int
}

// NewSchema builds a Schema and its name index. Field names must be unique.
func NewSchema(class Class, fields []Field) *Schema {
	s := &Schema{
		Class:   class,
		Version: SchemaVersion,
		Fields:  fields,
	}
	s.reindex()
	return s
}

func (s *Schema) reindex() {
	s.index = make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if _, dup := s.index[f.Name]; dup {
			panic(fmt.Sprintf("duplicate field '%s' in schema for %s", f.Name, s.Class))
		}
		s.index[f.Name] = i
	}
}

// Index returns the position of the named field.
func (s *Schema) Index(name string) (int, bool) {
	if s.index == nil {
		s.reindex()
	}
	i, ok := s.index[name]
	return i, ok
}

// MustIndex is like Index, but panics if the field does not exist.
func (s *Schema) MustIndex(name string) int {
	i, ok := s.Index(name)
	if !ok {
		panic(fmt.Sprintf("no field '%s' in schema for %s", name, s.Class))
	}
	return i
}

// Field returns the named field.
func (s *Schema) Field(name string) (Field, bool) {
	i, ok := s.Index(name)
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// Names returns the field names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Common field names.
const (
	FieldID                 = "id"
	FieldOccurredAt         = "occurred_at"
	FieldAgency             = "agency"
	FieldAgencyShort        = "agency_short"
	FieldCrimeAgainst       = "crime_against"
	FieldOffenseGroup       = "offense_group"
	FieldOffenseDescription = "offense_description"
	FieldOffenseCode        = "offense_code"
	FieldVictimAge          = "victim_age"
	FieldVictimRace         = "victim_race"
	FieldVictimSex          = "victim_sex"
	FieldZipCode            = "zip_code"
	FieldCity               = "city"
	FieldDomesticViolence   = "is_domestic_violence"
	FieldStolenVehicle      = "is_stolen_vehicle"
	FieldLocation           = "location"
	FieldClearanceStatus    = "clearance_status"
	FieldCallType           = "call_type"
	FieldCallTypeDesc       = "call_type_desc"
	FieldPriority           = "priority"
	FieldDisposition        = "disposition"
	FieldDispoDesc          = "dispo_desc"
	FieldBeat               = "beat"

	FieldYear       = "year"
	FieldMonth      = "month"
	FieldQuarter    = "quarter"
	FieldDOW        = "dow"
	FieldHour       = "hour"
	FieldMonthStart = "month_start"
	FieldAgeBin     = "age_bin"
	FieldGeoBucket  = "geo_bucket"
)

func derived(name string, typ FieldType) Field {
	return Field{Name: name, Type: typ, Derived: true}
}

var (
	incidentSchema = NewSchema(Incidents, []Field{
		{Name: FieldID, Type: TypeString, Required: true},
		{Name: FieldOccurredAt, Type: TypeTime, Required: true},
		{Name: FieldAgency, Type: TypeString},
		{Name: FieldAgencyShort, Type: TypeString},
		{Name: FieldCrimeAgainst, Type: TypeString},
		{Name: FieldOffenseGroup, Type: TypeString},
		{Name: FieldOffenseDescription, Type: TypeString},
		{Name: FieldOffenseCode, Type: TypeString},
		{Name: FieldVictimAge, Type: TypeInt},
		{Name: FieldVictimRace, Type: TypeString},
		{Name: FieldVictimSex, Type: TypeString},
		{Name: FieldZipCode, Type: TypeString},
		{Name: FieldCity, Type: TypeString},
		{Name: FieldDomesticViolence, Type: TypeBool},
		{Name: FieldStolenVehicle, Type: TypeBool},
		{Name: FieldLocation, Type: TypeLocation},
		{Name: FieldClearanceStatus, Type: TypeString},
		derived(FieldYear, TypeInt),
		derived(FieldMonth, TypeInt),
		derived(FieldQuarter, TypeInt),
		derived(FieldDOW, TypeInt),
		derived(FieldMonthStart, TypeString),
		derived(FieldAgeBin, TypeString),
		derived(FieldGeoBucket, TypeString),
	})

	arrestSchema = NewSchema(Arrests, []Field{
		{Name: FieldID, Type: TypeString, Required: true},
		{Name: FieldOccurredAt, Type: TypeTime, Required: true},
		{Name: FieldAgency, Type: TypeString},
		{Name: FieldAgencyShort, Type: TypeString},
		{Name: FieldOffenseCode, Type: TypeString},
		{Name: FieldOffenseDescription, Type: TypeString},
		{Name: FieldLocation, Type: TypeLocation},
		{Name: FieldClearanceStatus, Type: TypeString},
		derived(FieldYear, TypeInt),
		derived(FieldMonth, TypeInt),
		derived(FieldQuarter, TypeInt),
		derived(FieldDOW, TypeInt),
		derived(FieldMonthStart, TypeString),
		derived(FieldGeoBucket, TypeString),
	})

	callSchema = NewSchema(CallsForService, []Field{
		{Name: FieldID, Type: TypeString, Required: true},
		{Name: FieldOccurredAt, Type: TypeTime, Required: true},
		{Name: FieldCallType, Type: TypeString},
		{Name: FieldCallTypeDesc, Type: TypeString, Derived: true},
		{Name: FieldPriority, Type: TypeInt},
		{Name: FieldDisposition, Type: TypeString},
		{Name: FieldDispoDesc, Type: TypeString, Derived: true},
		{Name: FieldBeat, Type: TypeString},
		derived(FieldYear, TypeInt),
		derived(FieldMonth, TypeInt),
		derived(FieldQuarter, TypeInt),
		derived(FieldDOW, TypeInt),
		derived(FieldHour, TypeInt),
		derived(FieldMonthStart, TypeString),
	})
)

// SchemaFor returns the canonical Schema of class. It panics on an unknown
// class.
func SchemaFor(class Class) *Schema {
	switch class {
	case Incidents:
		return incidentSchema
	case Arrests:
		return arrestSchema
	case CallsForService:
		return callSchema
	}
	panic(fmt.Sprintf("no schema for class '%s'", class))
}

// Presence maps canonical field names to whether a source populates them.
type Presence map[string]bool

// SourcePresence holds the Presence of every source contributing to one
// dataset class.
type SourcePresence map[string]Presence

// Any reports whether at least one contributing source populates field.
func (sp SourcePresence) Any(field string) bool {
	for _, p := range sp {
		if p[field] {
			return true
		}
	}
	return false
}

// FieldInfo describes one canonical field together with its presence flags.
type FieldInfo struct {
	Field
	Present map[string]bool `json:"present"`
}

// ClassSchema is what the query layer reports for one dataset class: the
// canonical field list with presence flags per contributing source.
type ClassSchema struct {
	Class   Class       `json:"class"`
	Version int         `json:"version"`
	Sources []string    `json:"sources"`
	Fields  []FieldInfo `json:"fields"`
}
