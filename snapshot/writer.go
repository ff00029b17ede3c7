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
	"encoding/hex"
	"io"
	"os"

	"github.com/apache/arrow/go/v10/arrow/array"
	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/apache/arrow/go/v10/parquet"
	"github.com/apache/arrow/go/v10/parquet/compress"
	"github.com/apache/arrow/go/v10/parquet/pqarrow"
	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// DataFile is the name of the parquet file in every version directory.
const DataFile = "data.parquet"

// Writer writes rows of one Layout to a ZSTD-compressed parquet file in
// batches of at most batchSize rows.
type Writer struct {
	layout    *Layout
	f         *os.File
	fw        *pqarrow.FileWriter
	rb        *array.RecordBuilder
	batchSize int
	pending   int
	rows      int64
	closed    bool

	// onClose is called with the row count and checksum once the file is
	// complete.
	onClose func(rows int64, checksum string) (*Manifest, error)
}

// NewWriter creates the parquet file at path.
func NewWriter(path string, layout *Layout, batchSize int) (*Writer, error) {
	if batchSize <= 0 {
		batchSize = DefaultRowGroupSize
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "creating data file")
	}
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithMaxRowGroupLength(int64(batchSize)),
	)
	fw, err := pqarrow.NewFileWriter(layout.Arrow, f, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "creating parquet writer")
	}
	return &Writer{
		layout:    layout,
		f:         f,
		fw:        fw,
		rb:        array.NewRecordBuilder(memory.NewGoAllocator(), layout.Arrow),
		batchSize: batchSize,
	}, nil
}

// Write appends one row.
func (w *Writer) Write(vals []pubsafe.Value, source string) error {
	if w.closed {
		return errors.New("write to closed snapshot writer")
	}
	if err := w.layout.append(w.rb, vals, source); err != nil {
		return errors.Wrapf(err, "row %d", w.rows)
	}
	w.pending++
	w.rows++
	if w.pending >= w.batchSize {
		return w.flush()
	}
	return nil
}

// WriteRecord appends rec.
func (w *Writer) WriteRecord(rec *pubsafe.Record) error {
	return w.Write(rec.Values, rec.Source)
}

// Rows returns the number of rows written so far.
func (w *Writer) Rows() int64 { return w.rows }

func (w *Writer) flush() error {
	if w.pending == 0 {
		return nil
	}
	rec := w.rb.NewRecord()
	defer rec.Release()
	w.pending = 0
	return errors.Wrap(w.fw.Write(rec), "writing row group")
}

// Close flushes buffered rows, finishes the file, and returns its manifest.
func (w *Writer) Close() (*Manifest, error) {
	if w.closed {
		return nil, errors.New("snapshot writer already closed")
	}
	w.closed = true
	defer w.rb.Release()
	if err := w.flush(); err != nil {
		w.fw.Close()
		w.f.Close()
		return nil, err
	}
	if err := w.fw.Close(); err != nil {
		w.f.Close()
		return nil, errors.Wrap(err, "closing parquet writer")
	}
	// the parquet writer may already have closed the file
	if err := w.f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return nil, errors.Wrap(err, "closing data file")
	}
	sum, err := Checksum(w.f.Name())
	if err != nil {
		return nil, err
	}
	if w.onClose == nil {
		return &Manifest{Rows: w.rows, Checksum: sum, Columns: w.layout.ColumnNames()}, nil
	}
	return w.onClose(w.rows, sum)
}

// Abort closes the file without producing a manifest.
func (w *Writer) Abort() {
	if w.closed {
		return
	}
	w.closed = true
	w.rb.Release()
	w.fw.Close()
	w.f.Close()
}

// Checksum returns the hex blake3 digest of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "opening file to checksum")
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errors.Wrapf(err, "checksumming %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
