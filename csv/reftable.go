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

package csv

import (
	"context"
	"io"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// LoadReference reads a code table (e.g. call-type code to description) from
// src. Rows whose key or value is empty or not present are skipped. If a code
// appears more than once the first description wins.
func LoadReference(ctx context.Context, src pubsafe.Source, keyCol, valueCol string) (map[string]string, error) {
	stream, err := src.Open(ctx, time.Time{})
	if err != nil {
		return nil, errors.Wrapf(err, "opening reference table %s", src.ID())
	}
	defer stream.Close()

	table := make(map[string]string)
	for {
		rec, err := stream.Record()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, errors.Wrapf(err, "reading reference table %s", src.ID())
		}
		k, ok := rec.Get(keyCol)
		if !ok || k == nil {
			continue
		}
		v, ok := rec.Get(valueCol)
		if !ok || v == nil {
			continue
		}
		key, _ := k.(string)
		if _, dup := table[key]; !dup {
			table[key], _ = v.(string)
		}
	}
	return table, nil
}
