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
	"github.com/pilosa/pubsafe/snapshot"
)

// rollup is an aggregation table able to answer a prepared query. measures
// holds, for each aggregate of the query, the position of the table field
// it is summed from.
type rollup struct {
	grouping *Grouping
	manifest *snapshot.Manifest
	measures []int
}

// answers reports whether the table built from g can answer p. presence
// is that of the snapshot the table was built from.
func (g *Grouping) answers(p *prepared, presence pubsafe.SourcePresence) ([]int, bool) {
	if g.Class != p.req.Class {
		return nil, false
	}
	own, err := prepare(g.Request(), pubsafe.SchemaFor(g.Class), presence)
	if err != nil {
		return nil, false
	}
	keys := make(map[string]bool, len(g.Keys))
	for _, k := range g.Keys {
		keys[k] = true
	}
	for _, f := range p.req.GroupBy {
		if !keys[f] {
			return nil, false
		}
	}
	// Filters on fields the table dropped must be ones it already applied.
	for _, c := range p.conds {
		if keys[c.field] {
			continue
		}
		absorbed := false
		for _, o := range own.conds {
			if c.same(o) {
				absorbed = true
				break
			}
		}
		if !absorbed {
			return nil, false
		}
	}
	for _, o := range own.conds {
		implied := false
		for _, c := range p.conds {
			if c.implies(o) {
				implied = true
				break
			}
		}
		if !implied {
			return nil, false
		}
	}
	measures := make([]int, len(p.aggs))
	for i, a := range p.aggs {
		found := false
		for j, m := range own.aggs {
			if a.matches(m) {
				measures[i] = len(g.Keys) + j
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return measures, true
}

// choose returns the smallest fresh aggregation table able to answer p, or
// nil if the snapshot has to be scanned. tables holds the manifests of the
// published aggregation tables.
func choose(pub *snapshot.Published, snap *snapshot.Manifest, p *prepared, tables []*snapshot.Manifest) *rollup {
	var best *rollup
	for _, t := range tables {
		if t.Class != snap.Class || !pub.Fresh(t) {
			continue
		}
		g, ok := Lookup(t.Name)
		if !ok {
			continue
		}
		measures, ok := g.answers(p, snap.Presence)
		if !ok {
			continue
		}
		if best == nil || t.Rows < best.manifest.Rows {
			best = &rollup{grouping: g, manifest: t, measures: measures}
		}
	}
	return best
}
