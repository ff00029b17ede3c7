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

package normalize

import (
	"sort"
	"strings"

	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// Mapping is the declarative field-mapping table of one source.
type Mapping struct {
	Source     string
	Class      pubsafe.Class
	Rules      []Rule
	Exclusions []Exclusion
}

// Presence reports, for every non-derived field of the mapping's class,
// whether the mapping populates it.
func (m *Mapping) Presence() pubsafe.Presence {
	p := make(pubsafe.Presence)
	for _, f := range pubsafe.SchemaFor(m.Class).Fields {
		if !f.Derived {
			p[f.Name] = false
		}
	}
	for _, r := range m.Rules {
		p[r.Field] = true
	}
	return p
}

func (m *Mapping) validate() error {
	schema := pubsafe.SchemaFor(m.Class)
	seen := make(map[string]struct{})
	for _, r := range m.Rules {
		f, ok := schema.Field(r.Field)
		if !ok {
			return errors.Errorf("%s: rule for unknown field '%s'", m.Source, r.Field)
		}
		if f.Derived {
			return errors.Errorf("%s: rule for derived field '%s'", m.Source, r.Field)
		}
		if _, dup := seen[r.Field]; dup {
			return errors.Errorf("%s: more than one rule for '%s'", m.Source, r.Field)
		}
		seen[r.Field] = struct{}{}
		if len(r.From) == 0 {
			return errors.Errorf("%s: rule for '%s' has no raw keys", m.Source, r.Field)
		}
		if r.Kind == KindConvert && r.Conv == nil || r.Kind == KindCombine && r.Combine == nil {
			return errors.Errorf("%s: %s rule for '%s' has no function", m.Source, r.Kind, r.Field)
		}
	}
	for _, f := range schema.Fields {
		if _, ok := seen[f.Name]; f.Required && !ok {
			return errors.Errorf("%s: required field '%s' is not mapped", m.Source, f.Name)
		}
	}
	for _, e := range m.Exclusions {
		if e.Name == "" || e.Pred == nil {
			return errors.Errorf("%s: exclusions need a name and a predicate", m.Source)
		}
	}
	return nil
}

// CatchAllOffense is the NIBRS Group B code for "All Other Offenses".
const CatchAllOffense = "90Z"

// ArrestOffenseCodes are the Group B offense codes fetched for arrests:
// disorderly conduct, drunkenness, DUI and liquor law violations.
var ArrestOffenseCodes = []string{"90D", "90C", "90B", "90E"}

// ExcludeCatchAllOffense removes arrests booked under the catch-all offense
// code.
var ExcludeCatchAllOffense = Exclusion{
	Name: "catch-all-offense",
	Doc:  "Group B arrests coded 90Z (All Other Offenses) are a catch-all bucket with no analytical meaning and are excluded.",
	Pred: FieldEquals("offense_code", CatchAllOffense),
}

// GroupA maps CIBRS Group A incident records from the SODA API.
func GroupA() *Mapping {
	return &Mapping{
		Source: pubsafe.SourceGroupA,
		Class:  pubsafe.Incidents,
		Rules: []Rule{
			// an incident has one record per offense
			Combine(pubsafe.FieldID, joinKey, "incidentuid", "cibrs_offense_description"),
			Convert(pubsafe.FieldOccurredAt, Timestamp, "incident_date"),
			Rename(pubsafe.FieldAgency, "agency"),
			Convert(pubsafe.FieldAgencyShort, AgencyShort, "agency"),
			Rename(pubsafe.FieldCrimeAgainst, "crime_against_category"),
			Rename(pubsafe.FieldOffenseGroup, "cibrs_grouped_offense_description"),
			Rename(pubsafe.FieldOffenseDescription, "cibrs_offense_description"),
			Convert(pubsafe.FieldVictimAge, Int, "victim_age").AsLenient(),
			Copy(pubsafe.FieldVictimRace),
			Copy(pubsafe.FieldVictimSex),
			Copy(pubsafe.FieldZipCode),
			Copy(pubsafe.FieldCity),
			Convert(pubsafe.FieldDomesticViolence, Bool, "domestic_violence_incident").WithDefault(false),
			Combine(pubsafe.FieldStolenVehicle, stolenVehicle, "stolen_vehicles", "cibrs_offense_description"),
			Convert(pubsafe.FieldLocation, Point, "location").AsLenient(),
		},
	}
}

// GroupB maps CIBRS Group B arrest records from the SODA API.
func GroupB() *Mapping {
	return &Mapping{
		Source: pubsafe.SourceGroupB,
		Class:  pubsafe.Arrests,
		Rules: []Rule{
			Combine(pubsafe.FieldID, joinKey, "incident_uid", "offense_code"),
			Convert(pubsafe.FieldOccurredAt, Timestamp, "arrest_date"),
			Rename(pubsafe.FieldAgency, "arrest_agency"),
			Convert(pubsafe.FieldAgencyShort, AgencyShort, "arrest_agency"),
			Convert(pubsafe.FieldOffenseCode, Upper, "offense_code"),
			Copy(pubsafe.FieldOffenseDescription),
		},
		Exclusions: []Exclusion{ExcludeCatchAllOffense},
	}
}

// CFS maps police calls for service from the yearly CSV files. Older files
// use lower case headers.
func CFS() *Mapping {
	return &Mapping{
		Source: pubsafe.SourceCFS,
		Class:  pubsafe.CallsForService,
		Rules: []Rule{
			Rename(pubsafe.FieldID, "INCIDENT_NUM", "incident_num"),
			Convert(pubsafe.FieldOccurredAt, Timestamp, "DATE_TIME", "date_time"),
			Rename(pubsafe.FieldCallType, "CALL_TYPE", "call_type"),
			Convert(pubsafe.FieldPriority, Int, "PRIORITY", "priority").AsLenient(),
			Rename(pubsafe.FieldDisposition, "DISPOSITION", "disposition"),
			Rename(pubsafe.FieldBeat, "BEAT", "beat"),
		},
	}
}

// Builtin returns the mappings of every known source.
func Builtin() []*Mapping {
	return []*Mapping{GroupA(), GroupB(), CFS()}
}

// Presence returns the presence flags of the built-in mapping for source.
func Presence(source string) (pubsafe.Presence, error) {
	for _, m := range Builtin() {
		if m.Source == source {
			return m.Presence(), nil
		}
	}
	return nil, errors.Errorf("no mapping for source '%s'", source)
}

// SourcesOf returns the sources among mappings contributing to class, sorted.
func SourcesOf(class pubsafe.Class, mappings []*Mapping) []string {
	var out []string
	for _, m := range mappings {
		if m.Class == class {
			out = append(out, m.Source)
		}
	}
	sort.Strings(out)
	return out
}

func joinKey(vals []interface{}) (interface{}, error) {
	if vals[0] == nil {
		return nil, nil
	}
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		if v == nil {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, strings.TrimSpace(toString(v)))
	}
	return strings.Join(parts, "|"), nil
}

// stolenVehicle is true if any vehicles were recorded stolen or the offense
// is a motor vehicle theft.
func stolenVehicle(vals []interface{}) (interface{}, error) {
	if vals[0] != nil {
		if n, err := Int(vals[0]); err == nil && n.(int64) > 0 {
			return true, nil
		}
	}
	if vals[1] != nil && strings.Contains(strings.ToLower(toString(vals[1])), "motor vehicle theft") {
		return true, nil
	}
	return false, nil
}
