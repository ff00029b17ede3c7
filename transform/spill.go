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

package transform

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var rowsBucket = []byte("rows")

// spill holds the records of one class on disk, keyed by id, so that they
// can be deduplicated and written back in id order without holding the
// whole class in memory.
type spill struct {
	db     *bolt.DB
	dir    string
	schema *pubsafe.Schema
	at     int
	dedup  bool

	tx      *bolt.Tx
	pending int
	batch   int

	// Duplicates counts records replaced or discarded because of a
	// duplicate id.
	Duplicates int64
}

func newSpill(parent string, class pubsafe.Class, dedup bool, batch int) (*spill, error) {
	dir, err := os.MkdirTemp(parent, "pubsafe-spill-"+string(class)+"-")
	if err != nil {
		return nil, errors.Wrap(err, "creating spill directory")
	}
	db, err := bolt.Open(filepath.Join(dir, "spill.db"), 0600, &bolt.Options{Timeout: time.Second, NoGrowSync: true, NoFreelistSync: true})
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrap(err, "opening spill db")
	}
	db.NoSync = true
	schema := pubsafe.SchemaFor(class)
	return &spill{
		db:     db,
		dir:    dir,
		schema: schema,
		at:     schema.MustIndex(pubsafe.FieldOccurredAt),
		dedup:  dedup,
		batch:  batch,
	}, nil
}

func (s *spill) begin() (*bolt.Bucket, error) {
	if s.tx == nil {
		tx, err := s.db.Begin(true)
		if err != nil {
			return nil, errors.Wrap(err, "beginning spill transaction")
		}
		s.tx = tx
	}
	b, err := s.tx.CreateBucketIfNotExists(rowsBucket)
	return b, errors.Wrap(err, "creating rows bucket")
}

// Put adds rec. With dedup on, a record whose id was already seen replaces
// the earlier one if it occurred later. Equal timestamps are settled by
// comparing encodings, so the result does not depend on input order.
func (s *spill) Put(rec *pubsafe.Record) error {
	id := rec.ID()
	if id == "" {
		return errors.New("record has no id")
	}
	b, err := s.begin()
	if err != nil {
		return err
	}
	val := encodeRecord(s.schema, rec)
	key := []byte(id)
	if s.dedup {
		if old := b.Get(key); old != nil {
			s.Duplicates++
			if !s.newer(val, old) {
				return nil
			}
		}
	} else {
		seq, err := b.NextSequence()
		if err != nil {
			return errors.Wrap(err, "sequencing row")
		}
		key = append(append(key, 0), itob(seq)...)
	}
	if err := b.Put(key, val); err != nil {
		return errors.Wrap(err, "spilling row")
	}
	s.pending++
	if s.pending >= s.batch {
		return s.commit()
	}
	return nil
}

func (s *spill) newer(val, old []byte) bool {
	nt, ot := decodeTime(s.schema, val, s.at), decodeTime(s.schema, old, s.at)
	if nt.Equal(ot) {
		return bytes.Compare(val, old) > 0
	}
	return nt.After(ot)
}

func (s *spill) commit() error {
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	s.pending = 0
	return errors.Wrap(err, "committing spill transaction")
}

// Each calls fn for every record in key order.
func (s *spill) Each(fn func(*pubsafe.Record) error) error {
	if err := s.commit(); err != nil {
		return err
	}
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rowsBucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(s.schema, v)
			if err != nil {
				return errors.Wrapf(err, "decoding spilled row %q", k)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *spill) Close() error {
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	err := s.db.Close()
	if rerr := os.RemoveAll(s.dir); err == nil {
		err = rerr
	}
	return errors.Wrap(err, "closing spill")
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// encodeRecord encodes the source and every value of rec. Each value is a
// state byte followed, for Set values, by a payload determined by the field
// type.
func encodeRecord(schema *pubsafe.Schema, rec *pubsafe.Record) []byte {
	buf := make([]byte, 0, 128)
	buf = appendString(buf, rec.Source)
	var tmp [binary.MaxVarintLen64]byte
	for i, f := range schema.Fields {
		v := rec.Values[i]
		buf = append(buf, byte(v.State))
		if v.State != pubsafe.Set {
			continue
		}
		switch f.Type {
		case pubsafe.TypeString:
			buf = appendString(buf, v.V.(string))
		case pubsafe.TypeInt:
			n := binary.PutVarint(tmp[:], v.V.(int64))
			buf = append(buf, tmp[:n]...)
		case pubsafe.TypeFloat:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.V.(float64)))
		case pubsafe.TypeBool:
			if v.V.(bool) {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case pubsafe.TypeTime:
			n := binary.PutVarint(tmp[:], v.V.(time.Time).UnixNano())
			buf = append(buf, tmp[:n]...)
		case pubsafe.TypeLocation:
			ll := v.V.(pubsafe.LatLng)
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(ll.Lat))
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(ll.Lng))
		}
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint() int64 {
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.fail()
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) bytes(n int) []byte {
	if len(d.buf) < n {
		d.fail()
		return make([]byte, n)
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) float() float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(d.bytes(8)))
}

func (d *decoder) string() string {
	return string(d.bytes(int(d.uvarint())))
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = errors.New("truncated record")
	}
	d.buf = nil
}

func decodeRecord(schema *pubsafe.Schema, buf []byte) (*pubsafe.Record, error) {
	d := &decoder{buf: buf}
	rec := &pubsafe.Record{
		Class:  schema.Class,
		Source: d.string(),
		Values: make([]pubsafe.Value, len(schema.Fields)),
	}
	for i, f := range schema.Fields {
		st := pubsafe.State(d.bytes(1)[0])
		if st != pubsafe.Set {
			rec.Values[i] = pubsafe.Value{State: st}
			continue
		}
		var v interface{}
		switch f.Type {
		case pubsafe.TypeString:
			v = d.string()
		case pubsafe.TypeInt:
			v = d.varint()
		case pubsafe.TypeFloat:
			v = d.float()
		case pubsafe.TypeBool:
			v = d.bytes(1)[0] == 1
		case pubsafe.TypeTime:
			v = time.Unix(0, d.varint()).UTC()
		case pubsafe.TypeLocation:
			v = pubsafe.LatLng{Lat: d.float(), Lng: d.float()}
		}
		rec.Values[i] = pubsafe.Of(v)
	}
	return rec, d.err
}

// decodeTime returns the time field at index at, or the zero Time.
func decodeTime(schema *pubsafe.Schema, buf []byte, at int) time.Time {
	rec, err := decodeRecord(schema, buf)
	if err != nil || rec.Values[at].State != pubsafe.Set {
		return time.Time{}
	}
	return rec.Values[at].V.(time.Time)
}
