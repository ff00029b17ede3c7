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
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read by every command.
const EnvPrefix = "PUBSAFE"

var (
	// Version of pubsafe, set with -ldflags "-X".
	Version string
	// BuildTime of this binary, set with -ldflags "-X".
	BuildTime string
)

func setupVersionBuild() {
	if Version == "" {
		Version = "v0.0.0"
	}
	if BuildTime == "" {
		BuildTime = "not recorded"
	}
}

var subcommandFns = map[string]func(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command{}

// section is a table of the config file with no flag equivalents, such as
// the per-class validation thresholds. read is called with the whole
// config once flags, environment and file have been applied.
type section struct {
	key  string
	read func(v *viper.Viper) error
}

// configSections holds the sections each subcommand accepts.
var configSections = map[*cobra.Command][]section{}

// NewRootCommand reads the map of subcommandFns and creates a top level cobra
// command with each of them as subcommands.
func NewRootCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	setupVersionBuild()
	rc := &cobra.Command{
		Use:   "pubsafe",
		Short: "pubsafe - public safety open data pipeline and query server",
		Long: `Fetches San Diego County incident, arrest and calls for service
data, normalizes it onto canonical schemas, and publishes validated
snapshots and aggregation tables for bounded-memory queries.

Every flag can also be given in the TOML file named by --config, where
dotted flag names become tables ("--store.dir" is "dir" under [store]),
or as an environment variable ("--store.dir" is PUBSAFE_STORE_DIR).
Flags override the environment, which overrides the file.

Version: ` + Version + `
Build Time: ` + BuildTime + "\n",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			return setAllConfig(v, cmd.Flags(), EnvPrefix, configSections[cmd]...)
		},
	}
	rc.PersistentFlags().StringP("config", "c", "", "Configuration file to read from.")
	for _, subcomFn := range subcommandFns {
		rc.AddCommand(subcomFn(stdin, stdout, stderr))
	}
	rc.SetOutput(stderr)
	return rc
}

// setAllConfig applies configuration from the command line, the environment
// and the TOML file named by the "config" flag, in that priority order, to
// every flag in flags. Environment variables are the upper cased flag names
// with dashes and dots replaced by underscores, prefixed with envPrefix and
// an underscore.
//
// Keys in the file must name a flag or fall under one of sections, whose
// readers are then called.
func setAllConfig(v *viper.Viper, flags *pflag.FlagSet, envPrefix string, sections ...section) error {
	err := v.BindPFlags(flags)
	if err != nil {
		return err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if c := v.GetString("config"); c != "" {
		v.SetConfigFile(c)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading configuration file '%s': %v", c, err)
		}
		for _, key := range v.AllKeys() {
			if flags.Lookup(key) == nil && !inSection(key, sections) {
				return fmt.Errorf("invalid option in configuration file '%s': %v", c, key)
			}
		}
	}

	var flagErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if flagErr != nil || f.Changed {
			// a flag given on the command line wins, and setting a slice
			// flag again would append to it
			return
		}
		var value string
		if f.Value.Type() == "stringSlice" {
			// a slice from the file isn't a comma separated string
			value = strings.Join(v.GetStringSlice(f.Name), ",")
		} else {
			value = v.GetString(f.Name)
		}
		flagErr = f.Value.Set(value)
	})
	if flagErr != nil {
		return flagErr
	}

	for _, s := range sections {
		if err := s.read(v); err != nil {
			return fmt.Errorf("reading [%s]: %v", s.key, err)
		}
	}
	return nil
}

func inSection(key string, sections []section) bool {
	for _, s := range sections {
		if strings.HasPrefix(key, s.key+".") {
			return true
		}
	}
	return false
}
