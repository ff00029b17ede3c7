package pubsafe

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"
)

// Source is the interface for getting raw records out of one upstream
// system. Each call to Open starts a new pass from the beginning; a Stream is
// not resumable across process restarts.
type Source interface {
	ID() string
	// Open begins a fetch. If since is non-zero, only records at or after
	// since are requested (where the upstream supports it).
	Open(ctx context.Context, since time.Time) (Stream, error)
}

// Stream is a finite, lazy sequence of RawRecords. Record returns io.EOF
// after the last record.
type Stream interface {
	Record() (*RawRecord, error)
	Close() error
}

// Fetcher dispatches fetches to registered Sources by id.
type Fetcher struct {
	sources map[string]Source
}

// NewFetcher returns a Fetcher over srcs. Source ids must be unique.
func NewFetcher(srcs ...Source) (*Fetcher, error) {
	f := &Fetcher{sources: make(map[string]Source, len(srcs))}
	for _, s := range srcs {
		if _, ok := f.sources[s.ID()]; ok {
			return nil, errors.Errorf("duplicate source '%s'", s.ID())
		}
		f.sources[s.ID()] = s
	}
	return f, nil
}

// Fetch opens the source registered under id.
func (f *Fetcher) Fetch(ctx context.Context, id string, since time.Time) (Stream, error) {
	s, ok := f.sources[id]
	if !ok {
		return nil, errors.Errorf("unknown source '%s'", id)
	}
	stream, err := s.Open(ctx, since)
	if err != nil {
		return nil, errors.Wrapf(err, "opening source '%s'", id)
	}
	return stream, nil
}

// Sources returns the registered source ids in sorted order.
func (f *Fetcher) Sources() []string {
	ids := make([]string, 0, len(f.sources))
	for id := range f.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SliceStream is a Stream over an in-memory slice.
type SliceStream struct {
	recs []*RawRecord
	i    int
}

// NewSliceStream returns a Stream which yields recs in order.
func NewSliceStream(recs ...*RawRecord) *SliceStream {
	return &SliceStream{recs: recs}
}

// Record implements Stream.
func (s *SliceStream) Record() (*RawRecord, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.i]
	s.i++
	return r, nil
}

// Close implements Stream.
func (s *SliceStream) Close() error { return nil }

// Records is a sequence of canonical Records. Next returns io.EOF after the
// last one.
type Records interface {
	Next() (*Record, error)
}

// RecordSlice adapts a slice of Records to the Records interface.
type RecordSlice struct {
	recs []*Record
	i    int
}

// NewRecordSlice returns Records over recs.
func NewRecordSlice(recs ...*Record) *RecordSlice {
	return &RecordSlice{recs: recs}
}

// Next implements Records.
func (s *RecordSlice) Next() (*Record, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.i]
	s.i++
	return r, nil
}
