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
	"encoding/json"
	"io"
	"os"

	"github.com/jaffee/commandeer"
	"github.com/pilosa/pubsafe/query"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// QueryMain runs one query or named view against the published snapshots.
type QueryMain struct {
	Store        snapshot.Options `flag:"store" toml:"store"`
	Query        query.Config     `flag:"query" toml:"query"`
	Request      string           `help:"File holding a JSON query request. - reads stdin. Ignored if a view is named."`
	YearMin      int              `help:"View parameter: first year."`
	YearMax      int              `help:"View parameter: last year."`
	Agency       string           `help:"View parameter: agency short name."`
	CrimeAgainst string           `help:"View parameter: crime category."`
	Priority     int              `help:"View parameter: call priority. Negative means any."`
	JSON         bool             `help:"Write JSON instead of tables."`

	Stdin  io.Reader `flag:"-"`
	Stdout io.Writer `flag:"-"`
}

// NewQueryMain gets a new QueryMain with default values.
func NewQueryMain() *QueryMain {
	return &QueryMain{
		Store:    snapshot.NewOptions(),
		Query:    query.NewConfig(),
		Request:  "-",
		Priority: -1,
		Stdin:    os.Stdin,
		Stdout:   os.Stdout,
	}
}

func (m *QueryMain) params() query.Params {
	p := query.Params{
		YearMin:      m.YearMin,
		YearMax:      m.YearMax,
		Agency:       m.Agency,
		CrimeAgainst: m.CrimeAgainst,
	}
	if m.Priority >= 0 {
		prio := m.Priority
		p.Priority = &prio
	}
	return p
}

func (m *QueryMain) readRequest() (*query.Request, error) {
	r := m.Stdin
	if m.Request != "-" {
		f, err := os.Open(m.Request)
		if err != nil {
			return nil, errors.Wrap(err, "opening request")
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading request")
	}
	return query.ParseRequest(data)
}

// Run answers the named view, or the JSON request if view is empty.
func (m *QueryMain) Run(ctx context.Context, view string) error {
	store, err := snapshot.Open(m.Store)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	e, err := query.NewEngine(store, m.Query)
	if err != nil {
		return errors.Wrap(err, "creating engine")
	}

	if view != "" {
		vr, err := e.View(ctx, view, m.params())
		if err != nil {
			return err
		}
		if m.JSON {
			return writeJSON(m.Stdout, vr)
		}
		writeView(m.Stdout, vr)
		return nil
	}

	req, err := m.readRequest()
	if err != nil {
		return err
	}
	res, err := e.Query(ctx, *req)
	if err != nil {
		return err
	}
	if m.JSON {
		return writeJSON(m.Stdout, res)
	}
	writeResult(m.Stdout, res)
	return nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return errors.Wrap(enc.Encode(v), "writing JSON")
}

// QueryCmd is wrapped by NewQueryCommand and only exported for testing purposes.
var QueryCmd *QueryMain

// NewQueryCommand returns a new cobra command wrapping QueryCmd.
func NewQueryCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	QueryCmd = NewQueryMain()
	QueryCmd.Stdin, QueryCmd.Stdout = stdin, stdout
	queryCommand := &cobra.Command{
		Use:   "query [view]",
		Short: "answer a JSON query request or a named view",
		Long: `Reads a JSON query request from --request (stdin by default) and
writes the result. If a view is named, the view is run instead with the
year, agency, crime category and priority parameters.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view string
			if len(args) == 1 {
				view = args[0]
			}
			return QueryCmd.Run(cmd.Context(), view)
		},
	}
	err := commandeer.Flags(queryCommand.Flags(), QueryCmd)
	if err != nil {
		panic(err)
	}
	return queryCommand
}

// SchemaMain reports the published schema.
type SchemaMain struct {
	Store snapshot.Options `flag:"store" toml:"store"`
	JSON  bool             `help:"Write JSON instead of a table."`

	Stdout io.Writer `flag:"-"`
}

// Run writes the schema of every published class.
func (m *SchemaMain) Run() error {
	store, err := snapshot.Open(m.Store)
	if err != nil {
		return errors.Wrap(err, "opening store")
	}
	e, err := query.NewEngine(store, query.NewConfig())
	if err != nil {
		return errors.Wrap(err, "creating engine")
	}
	schema, err := e.Schema()
	if err != nil {
		return errors.Wrap(err, "reading schema")
	}
	if m.JSON {
		return writeJSON(m.Stdout, schema)
	}
	writeSchema(m.Stdout, schema)
	return nil
}

// NewSchemaCommand returns a new cobra command printing the schema.
func NewSchemaCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	m := &SchemaMain{Store: snapshot.NewOptions(), Stdout: stdout}
	schemaCommand := &cobra.Command{
		Use:   "schema",
		Short: "list the canonical fields of every published class and the sources populating them",
		RunE: func(cmd *cobra.Command, args []string) error {
			return m.Run()
		},
	}
	err := commandeer.Flags(schemaCommand.Flags(), m)
	if err != nil {
		panic(err)
	}
	return schemaCommand
}

func init() {
	subcommandFns["query"] = NewQueryCommand
	subcommandFns["schema"] = NewSchemaCommand
}
