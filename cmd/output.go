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
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/query"
	"github.com/pilosa/pubsafe/snapshot"
)

func newTable(w io.Writer, header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row(header))
	return t
}

// writeResult writes the rows of res as a table followed by its plan.
func writeResult(w io.Writer, res *query.Result) {
	header := make([]interface{}, len(res.Columns))
	for i, c := range res.Columns {
		header[i] = c
	}
	t := newTable(w, header...)
	for _, row := range res.Rows {
		r := make(table.Row, len(row))
		for i, v := range row {
			r[i] = v.String()
		}
		t.AppendRow(r)
	}
	t.Render()
	fmt.Fprintf(w, "%d rows, plan %s, version %s\n", len(res.Rows), res.Plan, res.Plan.Version)
}

func writeView(w io.Writer, vr *query.ViewResult) {
	for i, res := range vr.Results {
		if len(vr.Results) > 1 {
			fmt.Fprintf(w, "%s:\n", vr.Parts[i])
		}
		writeResult(w, res)
	}
}

// writeSchema writes one row per field of every class, with the sources
// populating it.
func writeSchema(w io.Writer, schema []pubsafe.ClassSchema) {
	t := newTable(w, "class", "field", "type", "sources")
	for _, cs := range schema {
		for _, f := range cs.Fields {
			var srcs []string
			for src, present := range f.Present {
				if present {
					srcs = append(srcs, src)
				}
			}
			sort.Strings(srcs)
			populated := strings.Join(srcs, ",")
			if populated == "" {
				populated = "-"
			}
			t.AppendRow(table.Row{cs.Class, f.Name, f.Type, populated})
		}
	}
	t.Render()
}

func writeViolations(w io.Writer, vs []pubsafe.Violation) {
	if len(vs) == 0 {
		return
	}
	t := newTable(w, "class", "check", "severity", "message")
	for _, v := range vs {
		t.AppendRow(table.Row{v.Class, v.Check, v.Severity, v.Message})
	}
	t.Render()
}

// writeRun summarizes a pipeline run.
func writeRun(w io.Writer, run *snapshot.Run) {
	t := newTable(w, "class", "rows")
	for _, class := range pubsafe.Classes {
		if rows, ok := run.Rows[class]; ok {
			t.AppendRow(table.Row{class, rows})
		}
	}
	t.Render()
	writeViolations(w, run.Violations)
	status := "not published"
	if run.Published {
		status = "published"
	}
	fmt.Fprintf(w, "run %s %s\n", run.ID, status)
}
