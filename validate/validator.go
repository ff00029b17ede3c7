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

// Package validate gates publication of staged snapshots. Each Check is
// independent; all of them are evaluated in a single scan of a snapshot.
package validate

import (
	"context"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/geo"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pkg/errors"
)

// ClassConfig holds per-class thresholds. A zero MaxRows or MaxYear is no
// upper bound; the defaults set none, since the published history only grows.
type ClassConfig struct {
	MinRows   int64    `toml:"min-rows"`
	MaxRows   int64    `toml:"max-rows"`
	MinYear   int      `toml:"min-year"`
	MaxYear   int      `toml:"max-year"`
	NullRates []string `toml:"null-rate-fields"`
}

// Config configures a Validator.
type Config struct {
	Classes     map[pubsafe.Class]ClassConfig `toml:"classes" flag:"-"`
	BBox        geo.BBox                      `flag:"bbox" toml:"bbox"`
	MaxNullRate float64                       `toml:"max-null-rate" help:"Largest tolerated fraction of nulls in the null-rate fields."`
	MaxSwing    float64                       `toml:"max-swing" help:"Largest tolerated year-over-year change in row count."`
	// Severities overrides the default severity of checks by name.
	Severities map[string]pubsafe.Severity `toml:"severities" flag:"-"`
}

// NewConfig returns the default Config.
func NewConfig() Config {
	return Config{
		Classes: map[pubsafe.Class]ClassConfig{
			pubsafe.Incidents: {
				MinRows:   1,
				MinYear:   2021,
				NullRates: []string{pubsafe.FieldAgency, pubsafe.FieldCrimeAgainst, pubsafe.FieldOffenseDescription},
			},
			pubsafe.Arrests: {
				MinRows:   1,
				MinYear:   2021,
				NullRates: []string{pubsafe.FieldAgency, pubsafe.FieldOffenseCode},
			},
			pubsafe.CallsForService: {
				MinRows:   1,
				MinYear:   2015,
				NullRates: []string{pubsafe.FieldCallType, pubsafe.FieldPriority},
			},
		},
		BBox:        geo.SanDiegoCounty,
		MaxNullRate: 0.2,
		MaxSwing:    0.5,
	}
}

// Result is the outcome of validating one snapshot.
type Result struct {
	Class      pubsafe.Class
	OK         bool
	Violations []pubsafe.Violation
}

// Err returns a *pubsafe.ValidationError if r has fatal violations.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	return &pubsafe.ValidationError{Violations: r.Violations}
}

// Validator runs Checks against snapshots.
type Validator struct {
	conf    Config
	extra   []Check
	log     pubsafe.Logger
	statter pubsafe.Statter
}

// Option is a functional option type for Validator.
type Option func(v *Validator)

// OptLogger sets the logger of a Validator.
func OptLogger(l pubsafe.Logger) Option {
	return func(v *Validator) {
		v.log = l
	}
}

// OptStatter sets the statter of a Validator.
func OptStatter(s pubsafe.Statter) Option {
	return func(v *Validator) {
		v.statter = s
	}
}

// OptChecks adds checks to those built from Config.
func OptChecks(checks ...Check) Option {
	return func(v *Validator) {
		v.extra = append(v.extra, checks...)
	}
}

// New returns a Validator.
func New(conf Config, opts ...Option) *Validator {
	v := &Validator{
		conf:    conf,
		log:     pubsafe.NopLogger{},
		statter: pubsafe.NopStatter{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Checks returns the checks run against snapshots of class.
func (v *Validator) Checks(class pubsafe.Class) []Check {
	cc := v.conf.Classes[class]
	checks := []Check{
		RowCount{Min: cc.MinRows, Max: cc.MaxRows},
		RequiredNotNull{},
		Coordinates{BBox: v.conf.BBox},
		DateRange{MinYear: cc.MinYear, MaxYear: cc.MaxYear},
		Duplicates{},
		NullRate{Fields: cc.NullRates, Max: v.conf.MaxNullRate},
		YearOverYear{MaxSwing: v.conf.MaxSwing},
	}
	return append(checks, v.extra...)
}

func (v *Validator) severity(c Check) pubsafe.Severity {
	if s, ok := v.conf.Severities[c.Name()]; ok {
		return s
	}
	return c.DefaultSeverity()
}

// Validate runs every check against the snapshot described by m.
func (v *Validator) Validate(ctx context.Context, m *snapshot.Manifest) (*Result, error) {
	type running struct {
		check Check
		tally Tally
	}
	var tallies []running
	fields := make(map[string]bool)
	for _, c := range v.Checks(m.Class) {
		p := c.Start(m)
		if p == nil {
			continue
		}
		tallies = append(tallies, running{c, p})
		for _, f := range p.Fields() {
			fields[f] = true
		}
	}

	if m.Rows > 0 {
		names := make([]string, 0, len(fields))
		for _, f := range m.Schema().Names() {
			if fields[f] {
				names = append(names, f)
			}
		}
		cols, err := m.Layout().Columns(names...)
		if err != nil {
			return nil, errors.Wrap(err, "selecting columns")
		}
		err = snapshot.ScanRows(ctx, m.DataPath(), m.Layout(), func(rows *snapshot.Rows) error {
			for i := 0; i < rows.Len(); i++ {
				for _, r := range tallies {
					r.tally.Observe(rows, i)
				}
			}
			return nil
		}, snapshot.WithColumns(cols...))
		if err != nil {
			return nil, errors.Wrapf(err, "scanning %s snapshot", m.Class)
		}
	}

	res := &Result{Class: m.Class, OK: true}
	for _, r := range tallies {
		sev := v.severity(r.check)
		for _, msg := range r.tally.Finish() {
			viol := pubsafe.Violation{Check: r.check.Name(), Class: m.Class, Severity: sev, Message: msg}
			res.Violations = append(res.Violations, viol)
			v.statter.Count(metrics.MetricValidationViolations, 1, 1, metrics.Tag("check", viol.Check), metrics.Tag("severity", sev.String()))
			if sev == pubsafe.Fatal {
				res.OK = false
				v.log.Errorf("validation: %v", viol)
			} else {
				v.log.Warnf("validation: %v", viol)
			}
		}
	}
	return res, nil
}

// ValidateAll validates every snapshot and returns the results in order.
// The error is a *pubsafe.ValidationError carrying every violation if any
// of them is fatal.
func (v *Validator) ValidateAll(ctx context.Context, ms []*snapshot.Manifest) ([]*Result, error) {
	var (
		results []*Result
		all     []pubsafe.Violation
		fatal   bool
	)
	for _, m := range ms {
		res, err := v.Validate(ctx, m)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		all = append(all, res.Violations...)
		fatal = fatal || !res.OK
	}
	if fatal {
		return results, &pubsafe.ValidationError{Violations: all}
	}
	return results, nil
}
