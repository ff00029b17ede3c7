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
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/aws/s3"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pkg/errors"
)

// Source is a pubsafe.Source over a sequence of delimited files whose column
// sets may differ. Columns are unioned by name across all files: every record
// carries every column of the union, with pubsafe.NotPresent for columns its
// own file lacks and nil for empty cells.
//
// The Source takes care of retrying failed opens and reads, and of making
// sure not to return duplicate rows after a retry.
type Source struct {
	id          string
	files       []*file
	maxAttempts int
	retryWait   time.Duration
	comma       rune
	dateFields  []string
	dateLayouts []string

	client *retryablehttp.Client
	s3     *s3.Client
	log    pubsafe.Logger
	stats  pubsafe.Statter
	now    func() time.Time
}

var _ pubsafe.Source = &Source{}

// NewSource creates a pubsafe.Source for CSV data. The files to read are set by
// using Options defined in this package. e.g.
//
// src := NewSource("cfs", WithURLs([]string{"2015.csv", "https://example.com/2016.csv", "s3://bucket/2017.csv"}))
func NewSource(id string, options ...Option) *Source {
	src := &Source{
		id:          id,
		maxAttempts: 5,
		retryWait:   time.Second,
		comma:       ',',
		log:         pubsafe.NopLogger{},
		stats:       pubsafe.NopStatter{},
		now:         time.Now,
	}
	for _, opt := range options {
		opt(src)
	}
	if src.client == nil {
		src.client = NewHTTPClient(src.maxAttempts, src.retryWait, src.log)
	}
	return src
}

// Option is a functional option to pass to NewSource.
type Option func(*Source)

// WithURLs returns an Option which adds the slice of URLs to the set of files
// a Source will read from. The URLs may be local paths, http(s) URLs or
// s3://bucket/key URLs.
func WithURLs(urls []string) Option {
	return func(s *Source) {
		for _, url := range urls {
			s.files = append(s.files, &file{OpenStringer: s.opener(url)})
		}
	}
}

// WithYearlyURLs returns an Option which adds one file per year from first to
// last inclusive. Every "{year}" in pattern is replaced by the year. Files for
// years before the since time passed to Open are skipped.
func WithYearlyURLs(pattern string, first, last int) Option {
	return func(s *Source) {
		for y := first; y <= last; y++ {
			url := strings.Replace(pattern, "{year}", strconv.Itoa(y), -1)
			s.files = append(s.files, &file{OpenStringer: s.opener(url), year: y})
		}
	}
}

// WithDateFields returns an Option which makes Open's since time apply to
// rows as well as to yearly files: a row whose date, read from the first of
// columns its file has and parsed with the first matching layout, is before
// since is skipped. Rows without a parseable date are kept.
func WithDateFields(layouts []string, columns ...string) Option {
	return func(s *Source) {
		s.dateLayouts = layouts
		s.dateFields = columns
	}
}

// WithOpenStringers returns an Option which adds the slice of OpenStringers to
// the set of files a Source will read from.
func WithOpenStringers(os []OpenStringer) Option {
	return func(s *Source) {
		for _, os := range os {
			s.files = append(s.files, &file{OpenStringer: os})
		}
	}
}

// WithMaxAttempts returns an Option which sets the number of times a file is
// opened before the Source gives up on it.
func WithMaxAttempts(n int) Option {
	return func(s *Source) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryWait sets the wait before the first retry. Each later retry
// doubles it.
func WithRetryWait(d time.Duration) Option {
	return func(s *Source) {
		s.retryWait = d
	}
}

// WithComma sets the field delimiter.
func WithComma(c rune) Option {
	return func(s *Source) {
		s.comma = c
	}
}

// WithHTTPClient sets the client used for http(s) URLs.
func WithHTTPClient(c *retryablehttp.Client) Option {
	return func(s *Source) {
		s.client = c
	}
}

// WithS3Client sets the client used for s3:// URLs.
func WithS3Client(c *s3.Client) Option {
	return func(s *Source) {
		s.s3 = c
	}
}

// WithLogger sets the Source's logger.
func WithLogger(l pubsafe.Logger) Option {
	return func(s *Source) {
		s.log = l
	}
}

// WithStatter sets the Source's statter.
func WithStatter(st pubsafe.Statter) Option {
	return func(s *Source) {
		s.stats = st
	}
}

// WithClock sets the function used to stamp records with their ingestion
// time.
func WithClock(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// file tracks one OpenStringer and the year of data it holds, if known.
type file struct {
	OpenStringer
	year int
}

// ID implements pubsafe.Source.
func (s *Source) ID() string { return s.id }

// Open implements pubsafe.Source. It reads the header of every file first so
// that the column union is known before the first record is returned. Files
// which are reported missing (for example the current year's file before it
// has been published) are skipped.
func (s *Source) Open(ctx context.Context, since time.Time) (pubsafe.Stream, error) {
	st := &stream{src: s, ctx: ctx, since: since}
	seen := make(map[string]struct{})
	for _, f := range s.files {
		if !since.IsZero() && f.year != 0 && f.year < since.Year() {
			continue
		}
		header, err := s.readHeader(ctx, f)
		if isMissing(err) {
			s.log.Warnf("skipping %s: %v", f, err)
			continue
		} else if err != nil {
			return nil, &pubsafe.FetchError{Source: s.id, Err: errors.Wrapf(err, "reading header of %s", f)}
		}
		of := &openFile{file: f, index: make(map[string]int, len(header)), date: -1}
		for i, h := range header {
			of.index[h] = i
			if _, ok := seen[h]; !ok {
				seen[h] = struct{}{}
				st.columns = append(st.columns, h)
			}
		}
		for _, col := range s.dateFields {
			if i, ok := of.index[col]; ok {
				of.date = i
				break
			}
		}
		st.files = append(st.files, of)
	}
	s.log.Debugf("%s: %d files, %d columns in union", s.id, len(st.files), len(st.columns))
	return st, nil
}

// Columns returns the column union in order of first appearance.
func (st *stream) Columns() []string { return st.columns }

func (s *Source) readHeader(ctx context.Context, f *file) (header []string, err error) {
	err = s.retry(ctx, f, func() error {
		content, err := f.Open()
		if err != nil {
			return errors.Wrap(err, "opening")
		}
		defer content.Close()
		header, err = s.newReader(content).Read()
		if err == io.EOF {
			return permanent{errors.New("empty file")}
		} else if err != nil {
			return errors.Wrap(err, "reading header")
		}
		header = cleanHeader(header)
		if err := validateHeader(header); err != nil {
			return permanent{err}
		}
		return nil
	})
	return header, err
}

// retry calls fn until it succeeds, returns a permanent or missing error, or
// has been called maxAttempts times.
func (s *Source) retry(ctx context.Context, f *file, fn func() error) error {
	wait := s.retryWait
	var err error
	for try := 0; try < s.maxAttempts; try++ {
		if try > 0 {
			s.log.Debugf("retrying %s after %v: %v", f, wait, err)
			s.stats.Count(metrics.MetricFetchRetries, 1, 1, metrics.Tag("source", s.id))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		err = fn()
		if err == nil || isMissing(err) {
			return err
		}
		if p, ok := err.(permanent); ok {
			return p.error
		}
	}
	return errors.Wrapf(err, "couldn't fetch '%s' - tried %d times, latest", f, s.maxAttempts)
}

// permanent marks an error which retrying will not fix.
type permanent struct{ error }

func (s *Source) newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = s.comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true
	return reader
}

type openFile struct {
	*file
	index map[string]int
	date  int // column of the row date, or -1
}

type stream struct {
	src     *Source
	ctx     context.Context
	since   time.Time
	files   []*openFile
	columns []string

	cur     int
	content io.ReadCloser
	reader  *csv.Reader
	line    int // data rows of the current file already returned
	tries   int // opens of the current file so far
	total   int64
}

// Record implements pubsafe.Stream.
func (st *stream) Record() (*pubsafe.RawRecord, error) {
	for {
		if err := st.ctx.Err(); err != nil {
			return nil, err
		}
		if st.reader == nil {
			if st.cur >= len(st.files) {
				return nil, io.EOF
			}
			if err := st.open(); err != nil {
				return nil, &pubsafe.FetchError{Source: st.src.id, Offset: st.total, Err: err}
			}
		}
		row, err := st.reader.Read()
		if err == io.EOF {
			st.closeCurrent()
			st.cur++
			st.line, st.tries = 0, 0
			continue
		} else if err != nil {
			f := st.files[st.cur]
			st.closeCurrent()
			if st.tries >= st.src.maxAttempts {
				return nil, &pubsafe.FetchError{
					Source: st.src.id,
					Offset: st.total,
					Err:    errors.Wrapf(err, "reading '%s' at line %d - tried %d times, latest", f, st.line+1, st.tries),
				}
			}
			st.src.log.Debugf("reading %s at line %d: %v; reopening", f, st.line+1, err)
			continue
		}
		if isBlank(row) {
			continue
		}
		st.line++
		if st.before(row) {
			continue
		}
		st.total++
		return st.build(row), nil
	}
}

// before reports whether row is dated before the since time of the stream.
func (st *stream) before(row []string) bool {
	f := st.files[st.cur]
	if st.since.IsZero() || f.date < 0 || f.date >= len(row) {
		return false
	}
	v := strings.TrimSpace(row[f.date])
	for _, layout := range st.src.dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Before(st.since)
		}
	}
	return false
}

// open opens the current file, retrying as needed, and skips the rows of it
// which were already returned.
func (st *stream) open() error {
	f := st.files[st.cur]
	return st.src.retry(st.ctx, f.file, func() error {
		st.tries++
		content, err := f.Open()
		if err != nil {
			return errors.Wrap(err, "opening")
		}
		reader := st.src.newReader(content)
		if _, err := reader.Read(); err != nil {
			content.Close()
			return errors.Wrap(err, "reading header")
		}
		// catch up to previous location
		for skipped := 0; skipped < st.line; {
			row, err := reader.Read()
			if err != nil {
				content.Close()
				return errors.Wrapf(err, "catching up to line %d", st.line)
			}
			if !isBlank(row) {
				skipped++
			}
		}
		st.content, st.reader = content, reader
		return nil
	})
}

func (st *stream) closeCurrent() {
	if st.content != nil {
		st.content.Close()
	}
	st.content, st.reader = nil, nil
}

func (st *stream) build(row []string) *pubsafe.RawRecord {
	f := st.files[st.cur]
	fields := make(map[string]interface{}, len(st.columns))
	for _, col := range st.columns {
		i, ok := f.index[col]
		switch {
		case !ok:
			fields[col] = pubsafe.NotPresent
		case i >= len(row) || strings.TrimSpace(row[i]) == "":
			fields[col] = nil
		default:
			fields[col] = strings.TrimSpace(row[i])
		}
	}
	if len(row) > len(f.index) {
		for i := len(f.index); i < len(row); i++ {
			if strings.TrimSpace(row[i]) != "" {
				st.src.log.Debugf("data in non headered field: %s line %d, %d", f, st.line, i)
				break
			}
		}
	}
	return &pubsafe.RawRecord{
		Source:   st.src.id,
		Ingested: st.src.now(),
		Fields:   fields,
	}
}

// Close implements pubsafe.Stream.
func (st *stream) Close() error {
	st.closeCurrent()
	st.cur = len(st.files)
	return nil
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func cleanHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		out[i] = strings.TrimSpace(h)
	}
	return out
}

func validateHeader(header []string) error {
	fields := make(map[string]int)
	for i, h := range header {
		if h == "" {
			return errors.Errorf("header contains empty string at %d: %v", i, header)
		}
		if pos, exists := fields[h]; exists {
			return errors.Errorf("%s appeared at both %d and %d in header", h, pos, i)
		}
		fields[h] = i
	}
	return nil
}

// String describes the Source for logs.
func (s *Source) String() string {
	return fmt.Sprintf("csv source %s (%d files)", s.id, len(s.files))
}
