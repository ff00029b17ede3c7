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
	"sort"

	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// Params parameterize the named views. Zero values are not filtered on.
type Params struct {
	YearMin      int    `json:"year_min,omitempty"`
	YearMax      int    `json:"year_max,omitempty"`
	Agency       string `json:"agency,omitempty"`
	CrimeAgainst string `json:"crime_against,omitempty"`
	Priority     *int   `json:"priority,omitempty"`
}

// Part is one request of a view.
type Part struct {
	Name    string
	Request Request
}

// View is a named, parameterized set of requests.
type View struct {
	Name  string
	Help  string
	Parts func(p Params) []Part
}

// ViewResult holds the result of every part of a view, in order.
type ViewResult struct {
	View    string    `json:"view"`
	Params  Params    `json:"params"`
	Parts   []string  `json:"parts"`
	Results []*Result `json:"results"`
}

// years returns the filters on year for p. Without bounds, rows without a
// year are still excluded.
func (p Params) years() []Filter {
	switch {
	case p.YearMin != 0 && p.YearMax != 0:
		return []Filter{{Field: pubsafe.FieldYear, Op: OpBetween, Values: []interface{}{p.YearMin, p.YearMax}}}
	case p.YearMin != 0:
		return []Filter{{Field: pubsafe.FieldYear, Op: OpGte, Value: p.YearMin}}
	case p.YearMax != 0:
		return []Filter{{Field: pubsafe.FieldYear, Op: OpLte, Value: p.YearMax}}
	}
	return []Filter{notNull(pubsafe.FieldYear)}
}

func (p Params) filters(agency, crimeAgainst bool) []Filter {
	fs := p.years()
	if agency && p.Agency != "" {
		fs = append(fs, Filter{Field: pubsafe.FieldAgencyShort, Op: OpEq, Value: p.Agency})
	}
	if crimeAgainst && p.CrimeAgainst != "" {
		fs = append(fs, Filter{Field: pubsafe.FieldCrimeAgainst, Op: OpEq, Value: p.CrimeAgainst})
	}
	return fs
}

func (p Params) calls() []Filter {
	fs := p.years()
	if p.Priority != nil {
		fs = append(fs, Filter{Field: pubsafe.FieldPriority, Op: OpEq, Value: *p.Priority})
	}
	return fs
}

func single(name string, req Request) []Part {
	return []Part{{Name: name, Request: req}}
}

var byCount = []Order{{Field: "count", Desc: true}}

// Views lists the named views.
var Views = []*View{
	{
		Name: "filters",
		Help: "Values available for the year, agency, crime category and city filters.",
		Parts: func(p Params) []Part {
			distinct := func(field string) Request {
				return Request{
					Class:   pubsafe.Incidents,
					Filters: []Filter{notNull(pubsafe.FieldYear), notNull(field)},
					GroupBy: []string{field},
				}
			}
			return []Part{
				{Name: "years", Request: Request{Class: pubsafe.Incidents, Filters: []Filter{notNull(pubsafe.FieldYear)}, GroupBy: []string{pubsafe.FieldYear}}},
				{Name: "agencies", Request: distinct(pubsafe.FieldAgencyShort)},
				{Name: "crime_categories", Request: distinct(pubsafe.FieldCrimeAgainst)},
				{Name: "cities", Request: distinct(pubsafe.FieldCity)},
			}
		},
	},
	{
		Name: "overview",
		Help: "Yearly incident totals by crime category.",
		Parts: func(p Params) []Part {
			g, _ := Lookup("yearly_summary")
			return single("overview", Request{
				Class:      pubsafe.Incidents,
				Filters:    p.filters(true, false),
				GroupBy:    []string{pubsafe.FieldYear},
				Aggregates: g.Measures,
			})
		},
	},
	{
		Name: "trends",
		Help: "Monthly incident counts by crime category.",
		Parts: func(p Params) []Part {
			return single("trends", Request{
				Class:      pubsafe.Incidents,
				Filters:    append(p.filters(true, true), notNull(pubsafe.FieldMonthStart)),
				GroupBy:    []string{pubsafe.FieldMonthStart, pubsafe.FieldCrimeAgainst},
				Aggregates: []Aggregate{Count("total_incidents")},
			})
		},
	},
	{
		Name: "crime-types",
		Help: "Incident counts by offense.",
		Parts: func(p Params) []Part {
			return single("crime_types", Request{
				Class:      pubsafe.Incidents,
				Filters:    p.filters(false, true),
				GroupBy:    []string{pubsafe.FieldOffenseGroup, pubsafe.FieldOffenseDescription, pubsafe.FieldCrimeAgainst},
				Aggregates: []Aggregate{Count("count")},
				OrderBy:    byCount,
			})
		},
	},
	{
		Name: "geography",
		Help: "Incident counts by ZIP code.",
		Parts: func(p Params) []Part {
			return single("geography", Request{
				Class:      pubsafe.Incidents,
				Filters:    append(p.filters(false, true), notNull(pubsafe.FieldZipCode)),
				GroupBy:    []string{pubsafe.FieldZipCode, pubsafe.FieldCity, pubsafe.FieldCrimeAgainst},
				Aggregates: []Aggregate{Count("count")},
				OrderBy:    byCount,
			})
		},
	},
	{
		Name: "agencies",
		Help: "Incident and domestic violence counts by agency.",
		Parts: func(p Params) []Part {
			return single("agencies", Request{
				Class:   pubsafe.Incidents,
				Filters: p.filters(true, true),
				GroupBy: []string{pubsafe.FieldAgencyShort, pubsafe.FieldCrimeAgainst},
				Aggregates: []Aggregate{
					Count("count"),
					CountIf("dv_count", pubsafe.FieldDomesticViolence, true),
				},
				OrderBy: byCount,
			})
		},
	},
	{
		Name: "victims",
		Help: "Incident counts by victim age band, race and sex.",
		Parts: func(p Params) []Part {
			return single("victims", Request{
				Class:      pubsafe.Incidents,
				Filters:    p.filters(false, true),
				GroupBy:    []string{pubsafe.FieldAgeBin, pubsafe.FieldVictimRace, pubsafe.FieldVictimSex, pubsafe.FieldCrimeAgainst},
				Aggregates: []Aggregate{Count("count")},
				OrderBy:    byCount,
			})
		},
	},
	{
		Name: "domestic-violence",
		Help: "Monthly domestic violence incident counts.",
		Parts: func(p Params) []Part {
			return single("domestic_violence", Request{
				Class:      pubsafe.Incidents,
				Filters:    append(p.filters(true, false), Filter{Field: pubsafe.FieldDomesticViolence, Op: OpEq, Value: true}),
				GroupBy:    []string{pubsafe.FieldAgencyShort, pubsafe.FieldOffenseGroup, pubsafe.FieldVictimSex, pubsafe.FieldMonthStart},
				Aggregates: []Aggregate{Count("count")},
				OrderBy:    []Order{{Field: pubsafe.FieldMonthStart}},
			})
		},
	},
	{
		Name: "temporal-patterns",
		Help: "Incident counts by day of week and month.",
		Parts: func(p Params) []Part {
			return single("temporal_patterns", Request{
				Class:      pubsafe.Incidents,
				Filters:    p.filters(false, true),
				GroupBy:    []string{pubsafe.FieldDOW, pubsafe.FieldMonth, pubsafe.FieldCrimeAgainst},
				Aggregates: []Aggregate{Count("count")},
			})
		},
	},
	{
		Name: "cities",
		Help: "Incident counts by city.",
		Parts: func(p Params) []Part {
			return single("cities", Request{
				Class:      pubsafe.Incidents,
				Filters:    append(p.filters(false, true), notNull(pubsafe.FieldCity)),
				GroupBy:    []string{pubsafe.FieldCity, pubsafe.FieldCrimeAgainst},
				Aggregates: []Aggregate{Count("count")},
				OrderBy:    byCount,
			})
		},
	},
	{
		Name: "arrests",
		Help: "Monthly arrest counts by offense and agency.",
		Parts: func(p Params) []Part {
			return single("arrests", Request{
				Class:      pubsafe.Arrests,
				Filters:    p.filters(true, false),
				GroupBy:    []string{pubsafe.FieldOffenseDescription, pubsafe.FieldAgencyShort, pubsafe.FieldMonthStart},
				Aggregates: []Aggregate{Count("count")},
				OrderBy:    []Order{{Field: pubsafe.FieldMonthStart}},
			})
		},
	},
	{
		Name: "calls-for-service",
		Help: "Monthly calls for service by priority.",
		Parts: func(p Params) []Part {
			return single("calls_for_service", Request{
				Class:      pubsafe.CallsForService,
				Filters:    append(p.calls(), notNull(pubsafe.FieldMonthStart)),
				GroupBy:    []string{pubsafe.FieldMonthStart, pubsafe.FieldPriority},
				Aggregates: []Aggregate{Count("total_calls")},
			})
		},
	},
	{
		Name: "calls-by-beat",
		Help: "The 100 beats with the most calls for service.",
		Parts: func(p Params) []Part {
			return single("calls_by_beat", Request{
				Class:      pubsafe.CallsForService,
				Filters:    append(p.calls(), notNull(pubsafe.FieldBeat)),
				GroupBy:    []string{pubsafe.FieldBeat, pubsafe.FieldPriority},
				Aggregates: []Aggregate{Count("total_calls")},
				OrderBy:    []Order{{Field: "total_calls", Desc: true}},
				Limit:      100,
			})
		},
	},
	{
		Name: "calls-temporal",
		Help: "Calls for service by day of week and hour.",
		Parts: func(p Params) []Part {
			fs := []Filter{notNull(pubsafe.FieldDOW), notNull(pubsafe.FieldHour)}
			if p.Priority != nil {
				fs = append(fs, Filter{Field: pubsafe.FieldPriority, Op: OpEq, Value: *p.Priority})
			}
			return single("calls_temporal", Request{
				Class:      pubsafe.CallsForService,
				Filters:    fs,
				GroupBy:    []string{pubsafe.FieldDOW, pubsafe.FieldHour, pubsafe.FieldPriority},
				Aggregates: []Aggregate{Count("total_calls")},
			})
		},
	},
}

// LookupView returns the named view.
func LookupView(name string) (*View, bool) {
	for _, v := range Views {
		if v.Name == name {
			return v, true
		}
	}
	return nil, false
}

// ViewNames returns the names of every view, sorted.
func ViewNames() []string {
	names := make([]string, len(Views))
	for i, v := range Views {
		names[i] = v.Name
	}
	sort.Strings(names)
	return names
}

// View runs every part of the named view.
func (e *Engine) View(ctx context.Context, name string, p Params) (*ViewResult, error) {
	v, ok := LookupView(name)
	if !ok {
		return nil, badRequest("unknown view '%s'", name)
	}
	out := &ViewResult{View: v.Name, Params: p}
	for _, part := range v.Parts(p) {
		res, err := e.Query(ctx, part.Request)
		if err != nil {
			return nil, errors.Wrapf(err, "view %s, part %s", v.Name, part.Name)
		}
		out.Parts = append(out.Parts, part.Name)
		out.Results = append(out.Results, res)
	}
	return out, nil
}
