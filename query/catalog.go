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
	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// Grouping defines one aggregation table: the rows of Class matching Where,
// grouped by Keys, with Measures computed per group. Every measure is
// additive, so a table answers any query whose groups are a coarsening of
// its own.
type Grouping struct {
	ID       string
	Class    pubsafe.Class
	Keys     []string
	Where    []Filter
	Measures []Aggregate
}

// Request returns the query computing the table.
func (g *Grouping) Request() Request {
	return Request{
		Class:      g.Class,
		Filters:    g.Where,
		GroupBy:    g.Keys,
		Aggregates: g.Measures,
	}
}

// Schema returns the schema of the table: the key fields followed by one
// field per measure.
func (g *Grouping) Schema() (*pubsafe.Schema, error) {
	src := pubsafe.SchemaFor(g.Class)
	fields := make([]pubsafe.Field, 0, len(g.Keys)+len(g.Measures))
	for _, k := range g.Keys {
		f, ok := src.Field(k)
		if !ok {
			return nil, errors.Errorf("grouping %s: no field '%s' in %s", g.ID, k, g.Class)
		}
		fields = append(fields, pubsafe.Field{Name: f.Name, Type: f.Type})
	}
	for _, m := range g.Measures {
		typ := pubsafe.TypeInt
		if m.Func == FuncSum {
			f, ok := src.Field(m.Field)
			if !ok {
				return nil, errors.Errorf("grouping %s: no field '%s' in %s", g.ID, m.Field, g.Class)
			}
			typ = f.Type
		}
		fields = append(fields, pubsafe.Field{Name: m.Name(), Type: typ})
	}
	return pubsafe.NewSchema(g.Class, fields), nil
}

func notNull(field string) Filter { return Filter{Field: field, Op: OpNotNull} }

// Catalog is the set of aggregation tables built by every pipeline run.
var Catalog = []*Grouping{
	{
		ID:       "crime_overview_monthly",
		Class:    pubsafe.Incidents,
		Keys:     []string{pubsafe.FieldMonthStart, pubsafe.FieldYear, pubsafe.FieldAgencyShort, pubsafe.FieldCrimeAgainst},
		Where:    []Filter{notNull(pubsafe.FieldMonthStart)},
		Measures: []Aggregate{Count("total_incidents")},
	},
	{
		ID:       "crime_by_type",
		Class:    pubsafe.Incidents,
		Keys:     []string{pubsafe.FieldOffenseGroup, pubsafe.FieldOffenseDescription, pubsafe.FieldCrimeAgainst, pubsafe.FieldYear},
		Where:    []Filter{notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{Count("count")},
	},
	{
		ID:       "crime_by_zip",
		Class:    pubsafe.Incidents,
		Keys:     []string{pubsafe.FieldZipCode, pubsafe.FieldCity, pubsafe.FieldYear, pubsafe.FieldCrimeAgainst},
		Where:    []Filter{notNull(pubsafe.FieldZipCode), notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{Count("count")},
	},
	{
		ID:    "crime_by_agency",
		Class: pubsafe.Incidents,
		Keys:  []string{pubsafe.FieldAgencyShort, pubsafe.FieldYear, pubsafe.FieldCrimeAgainst},
		Where: []Filter{notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{
			Count("count"),
			CountIf("dv_count", pubsafe.FieldDomesticViolence, true),
		},
	},
	{
		ID:       "victim_demographics",
		Class:    pubsafe.Incidents,
		Keys:     []string{pubsafe.FieldAgeBin, pubsafe.FieldVictimRace, pubsafe.FieldVictimSex, pubsafe.FieldCrimeAgainst, pubsafe.FieldYear},
		Where:    []Filter{notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{Count("count")},
	},
	{
		ID:    "domestic_violence",
		Class: pubsafe.Incidents,
		Keys:  []string{pubsafe.FieldAgencyShort, pubsafe.FieldOffenseGroup, pubsafe.FieldVictimSex, pubsafe.FieldYear, pubsafe.FieldMonthStart},
		Where: []Filter{
			{Field: pubsafe.FieldDomesticViolence, Op: OpEq, Value: true},
			notNull(pubsafe.FieldYear),
		},
		Measures: []Aggregate{Count("count")},
	},
	{
		ID:       "temporal_patterns",
		Class:    pubsafe.Incidents,
		Keys:     []string{pubsafe.FieldDOW, pubsafe.FieldMonth, pubsafe.FieldYear, pubsafe.FieldCrimeAgainst},
		Where:    []Filter{notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{Count("count")},
	},
	{
		ID:    "yearly_summary",
		Class: pubsafe.Incidents,
		Keys:  []string{pubsafe.FieldYear},
		Where: []Filter{notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{
			Count("total"),
			CountIf("person_crimes", pubsafe.FieldCrimeAgainst, "People"),
			CountIf("property_crimes", pubsafe.FieldCrimeAgainst, "Property"),
			CountIf("society_crimes", pubsafe.FieldCrimeAgainst, "Society"),
			CountIf("dv_total", pubsafe.FieldDomesticViolence, true),
			CountIf("stolen_vehicle_total", pubsafe.FieldStolenVehicle, true),
		},
	},
	{
		ID:       "crime_by_city",
		Class:    pubsafe.Incidents,
		Keys:     []string{pubsafe.FieldCity, pubsafe.FieldYear, pubsafe.FieldCrimeAgainst},
		Where:    []Filter{notNull(pubsafe.FieldCity), notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{Count("count")},
	},
	{
		ID:       "arrests_by_type",
		Class:    pubsafe.Arrests,
		Keys:     []string{pubsafe.FieldOffenseDescription, pubsafe.FieldAgencyShort, pubsafe.FieldYear, pubsafe.FieldMonthStart},
		Where:    []Filter{notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{Count("count")},
	},
	{
		ID:       "cfs_monthly",
		Class:    pubsafe.CallsForService,
		Keys:     []string{pubsafe.FieldMonthStart, pubsafe.FieldYear, pubsafe.FieldCallTypeDesc, pubsafe.FieldPriority},
		Where:    []Filter{notNull(pubsafe.FieldMonthStart)},
		Measures: []Aggregate{Count("total_calls")},
	},
	{
		ID:       "cfs_by_beat",
		Class:    pubsafe.CallsForService,
		Keys:     []string{pubsafe.FieldBeat, pubsafe.FieldYear, pubsafe.FieldCallTypeDesc, pubsafe.FieldPriority, pubsafe.FieldDisposition},
		Where:    []Filter{notNull(pubsafe.FieldBeat), notNull(pubsafe.FieldYear)},
		Measures: []Aggregate{Count("total_calls")},
	},
	{
		ID:       "cfs_temporal",
		Class:    pubsafe.CallsForService,
		Keys:     []string{pubsafe.FieldDOW, pubsafe.FieldHour, pubsafe.FieldPriority},
		Where:    []Filter{notNull(pubsafe.FieldDOW), notNull(pubsafe.FieldHour)},
		Measures: []Aggregate{Count("total_calls")},
	},
}

// Lookup returns the grouping with the given id.
func Lookup(id string) (*Grouping, bool) {
	for _, g := range Catalog {
		if g.ID == id {
			return g, true
		}
	}
	return nil, false
}

// Groupings returns the groupings of class.
func Groupings(class pubsafe.Class) []*Grouping {
	var gs []*Grouping
	for _, g := range Catalog {
		if g.Class == class {
			gs = append(gs, g)
		}
	}
	return gs
}
