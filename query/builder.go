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

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pkg/errors"
)

// Builder computes the aggregation tables of staged snapshots.
type Builder struct {
	conf      Config
	groupings []*Grouping
	options
}

// NewBuilder returns a Builder for every grouping in Catalog.
func NewBuilder(conf Config, opts ...Option) *Builder {
	if conf.BatchSize <= 0 {
		conf.BatchSize = snapshot.DefaultBatchSize
	}
	return &Builder{conf: conf, groupings: Catalog, options: newOptions(opts)}
}

// Build stages one aggregation table for each grouping of every snapshot in
// st. Groupings over fields no source of a snapshot populates are skipped.
func (b *Builder) Build(ctx context.Context, st *snapshot.Stage) ([]*snapshot.Manifest, error) {
	var out []*snapshot.Manifest
	for _, snap := range st.Snapshots() {
		for _, g := range b.groupings {
			if g.Class != snap.Class {
				continue
			}
			m, err := b.build(ctx, st, snap, g)
			if err != nil {
				var unsupported *pubsafe.UnsupportedFieldError
				if errors.As(err, &unsupported) {
					b.log.Infof("skipping aggregation table %s: %v", g.ID, err)
					continue
				}
				return out, errors.Wrapf(err, "building aggregation table %s", g.ID)
			}
			b.log.Debugf("built aggregation table %s: %d rows", g.ID, m.Rows)
			out = append(out, m)
		}
	}
	return out, nil
}

func (b *Builder) build(ctx context.Context, st *snapshot.Stage, snap *snapshot.Manifest, g *Grouping) (*snapshot.Manifest, error) {
	p, err := prepare(g.Request(), snap.Schema(), snap.Presence)
	if err != nil {
		return nil, err
	}
	schema, err := g.Schema()
	if err != nil {
		return nil, err
	}
	rows, err := execute(ctx, snap, p, nil, newBudget(b.conf.QueryMemory), b.conf.BatchSize)
	if err != nil {
		return nil, err
	}
	w, err := st.AggregateWriter(g.ID, schema, snap)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := w.Write(row, ""); err != nil {
			w.Abort()
			return nil, err
		}
	}
	return w.Close()
}
