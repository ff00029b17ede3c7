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

package snapshot

import (
	"context"
	"io"
	"os"

	"github.com/apache/arrow/go/v10/arrow"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/file"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"
	"github.com/pkg/errors"
)

// DefaultBatchSize is the number of rows Scan reads per batch.
const DefaultBatchSize = 8192

// ScanOption configures Scan.
type ScanOption func(*scanConfig)

type scanConfig struct {
	columns   []string
	mem       memory.Allocator
	batchSize int64
}

// WithColumns restricts a scan to the named columns.
func WithColumns(cols ...string) ScanOption {
	return func(c *scanConfig) {
		c.columns = cols
	}
}

// WithAllocator sets the allocator page buffers and batches are read into.
func WithAllocator(mem memory.Allocator) ScanOption {
	return func(c *scanConfig) {
		c.mem = mem
	}
}

// WithBatchSize sets the number of rows per batch.
func WithBatchSize(n int) ScanOption {
	return func(c *scanConfig) {
		c.batchSize = int64(n)
	}
}

// Scan reads the parquet file at path batch by batch and calls fn for each
// batch. The record passed to fn is only valid for the duration of the call.
// A file removed by pruning fails with ErrRetired.
func Scan(ctx context.Context, path string, fn func(arrow.Record) error, opts ...ScanOption) error {
	conf := scanConfig{mem: memory.DefaultAllocator, batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(&conf)
	}
	pf, err := file.OpenParquetFile(path, false, file.WithReadProps(parquet.NewReaderProperties(conf.mem)))
	if err != nil {
		if _, serr := os.Stat(path); os.IsNotExist(serr) {
			return errors.Wrapf(ErrRetired, "opening %s", path)
		}
		return errors.Wrap(err, "opening parquet file")
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: conf.batchSize}, conf.mem)
	if err != nil {
		return errors.Wrap(err, "creating parquet reader")
	}
	var indices []int
	if conf.columns != nil {
		sc, err := fr.Schema()
		if err != nil {
			return errors.Wrap(err, "reading schema")
		}
		for _, name := range conf.columns {
			idx := sc.FieldIndices(name)
			if len(idx) == 0 {
				return errors.Errorf("no column '%s' in %s", name, path)
			}
			indices = append(indices, idx[0])
		}
	}
	if pf.NumRows() == 0 {
		return nil
	}
	rr, err := fr.GetRecordReader(ctx, indices, nil)
	if err != nil {
		return errors.Wrap(err, "creating record reader")
	}
	defer rr.Release()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := rr.Read()
		if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "reading batch")
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// ScanRows is like Scan, but binds every batch to layout.
func ScanRows(ctx context.Context, path string, layout *Layout, fn func(*Rows) error, opts ...ScanOption) error {
	return Scan(ctx, path, func(rec arrow.Record) error {
		rows, err := layout.Rows(rec)
		if err != nil {
			return err
		}
		return fn(rows)
	}, opts...)
}
