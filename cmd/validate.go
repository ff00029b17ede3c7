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

package cmd

import (
	"context"
	"io"

	"github.com/jaffee/commandeer"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pilosa/pubsafe/validate"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// ValidateMain re-runs the validation checks against the published snapshots.
type ValidateMain struct {
	Store    snapshot.Options `flag:"store" toml:"store"`
	Validate validate.Config  `flag:"validate" toml:"validate"`

	Stdout io.Writer `flag:"-"`
}

// Run validates every published snapshot. The error is a
// *pubsafe.ValidationError if any violation is fatal.
func (m *ValidateMain) Run(ctx context.Context) error {
	store, err := snapshot.Open(m.Store)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	var ms []*snapshot.Manifest
	for _, class := range pubsafe.Classes {
		snap, err := store.Snapshot(class)
		if errors.Is(err, pubsafe.ErrNoSnapshot) {
			continue
		} else if err != nil {
			return errors.Wrapf(err, "reading %s snapshot", class)
		}
		ms = append(ms, snap)
	}
	if len(ms) == 0 {
		return pubsafe.ErrNoSnapshot
	}

	results, err := validate.New(m.Validate).ValidateAll(ctx, ms)
	var vs []pubsafe.Violation
	for _, res := range results {
		vs = append(vs, res.Violations...)
	}
	writeViolations(m.Stdout, vs)
	return err
}

// NewValidateCommand returns a new cobra command validating the published
// snapshots.
func NewValidateCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	m := &ValidateMain{
		Store:    snapshot.NewOptions(),
		Validate: validate.NewConfig(),
		Stdout:   stdout,
	}
	validateCommand := &cobra.Command{
		Use:   "validate",
		Short: "check the published snapshots against the validation rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return m.Run(cmd.Context())
		},
	}
	err := commandeer.Flags(validateCommand.Flags(), m)
	if err != nil {
		panic(err)
	}
	configSections[validateCommand] = validateSections("validate", &m.Validate)
	return validateCommand
}

// validateSections returns the readers of the per-class thresholds and the
// severity overrides of conf, found under prefix in the config file:
//
//	[validate.classes.arrests]
//	min-rows = 1000
//	max-rows = 500000
//
//	[validate.severities]
//	null_rate = "fatal"
func validateSections(prefix string, conf *validate.Config) []section {
	classes := prefix + ".classes"
	severities := prefix + ".severities"
	return []section{
		{key: classes, read: func(v *viper.Viper) error {
			sub := v.Sub(classes)
			if sub == nil {
				return nil
			}
			if conf.Classes == nil {
				conf.Classes = make(map[pubsafe.Class]validate.ClassConfig)
			}
			for name := range sub.AllSettings() {
				class, err := pubsafe.ParseClass(name)
				if err != nil {
					return err
				}
				cs := sub.Sub(name)
				if cs == nil {
					return errors.Errorf("%s must be a table", name)
				}
				cc := conf.Classes[class]
				if cs.IsSet("min-rows") {
					cc.MinRows = cs.GetInt64("min-rows")
				}
				if cs.IsSet("max-rows") {
					cc.MaxRows = cs.GetInt64("max-rows")
				}
				if cs.IsSet("min-year") {
					cc.MinYear = cs.GetInt("min-year")
				}
				if cs.IsSet("max-year") {
					cc.MaxYear = cs.GetInt("max-year")
				}
				if cs.IsSet("null-rate-fields") {
					cc.NullRates = cs.GetStringSlice("null-rate-fields")
				}
				conf.Classes[class] = cc
			}
			return nil
		}},
		{key: severities, read: func(v *viper.Viper) error {
			for check, name := range v.GetStringMapString(severities) {
				var sev pubsafe.Severity
				if err := sev.UnmarshalText([]byte(name)); err != nil {
					return errors.Wrapf(err, "check %s", check)
				}
				if conf.Severities == nil {
					conf.Severities = make(map[string]pubsafe.Severity)
				}
				conf.Severities[check] = sev
			}
			return nil
		}},
	}
}

func init() {
	subcommandFns["validate"] = NewValidateCommand
}
