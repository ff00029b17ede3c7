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

// Package soda implements a pubsafe.Source over a paginated Socrata Open Data
// API (SODA) endpoint.
package soda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/logger"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// FloatingTimestamp is the layout SODA uses for timestamps without a zone.
const FloatingTimestamp = "2006-01-02T15:04:05.000"

// Config configures one SODA dataset.
type Config struct {
	BaseURL string `toml:"base-url" help:"SODA resource base URL."`
	Dataset string `toml:"dataset" help:"Dataset identifier, e.g. 7sps-5pd9."`

	PageSize int `toml:"page-size" help:"Records requested per page."`
	// Order pins pagination to a stable identifier column.
	Order string `toml:"order" help:"Column to order pages by."`
	// Where is pushed down to the server as $where.
	Where string `toml:"where" help:"SoQL filter applied server side."`
	// DateField is compared against since, if since is given to Open.
	DateField string `toml:"date-field" help:"Timestamp column used for incremental fetches."`
	AppToken  string `toml:"app-token" help:"Socrata application token."`

	MaxAttempts       int           `toml:"max-attempts" help:"Total attempts per page request."`
	RetryWaitMin      time.Duration `toml:"retry-wait-min" help:"Minimum backoff between attempts."`
	RetryWaitMax      time.Duration `toml:"retry-wait-max" help:"Maximum backoff between attempts."`
	RequestsPerSecond float64       `toml:"requests-per-second" help:"Page request rate limit. 0 means unlimited."`
	Timeout           time.Duration `toml:"timeout" help:"Per request timeout."`
}

// NewConfig returns a Config with the defaults filled in.
func NewConfig() Config {
	return Config{
		BaseURL:           "https://opendata.sandag.org/resource",
		PageSize:          50000,
		Order:             ":id",
		MaxAttempts:       5,
		RetryWaitMin:      time.Second,
		RetryWaitMax:      30 * time.Second,
		RequestsPerSecond: 2,
		Timeout:           2 * time.Minute,
	}
}

func (c Config) validate() error {
	if c.BaseURL == "" || c.Dataset == "" {
		return errors.New("base url and dataset are required")
	}
	if c.PageSize <= 0 {
		return errors.Errorf("page size must be positive, got %d", c.PageSize)
	}
	if c.MaxAttempts <= 0 {
		return errors.Errorf("max attempts must be positive, got %d", c.MaxAttempts)
	}
	return nil
}

// Source is a pubsafe.Source which pages through a SODA dataset in
// increasing offset order.
type Source struct {
	id      string
	conf    Config
	client  *retryablehttp.Client
	limiter *rate.Limiter
	log     pubsafe.Logger
	stats   pubsafe.Statter
	now     func() time.Time
}

var _ pubsafe.Source = &Source{}

// Option is a functional option type for soda.Source.
type Option func(s *Source)

// OptLogger sets the logger of a Source.
func OptLogger(l pubsafe.Logger) Option {
	return func(s *Source) {
		s.log = l
	}
}

// OptStatter sets the statter of a Source.
func OptStatter(st pubsafe.Statter) Option {
	return func(s *Source) {
		s.stats = st
	}
}

// OptClock sets the function used to stamp records with their ingestion
// time.
func OptClock(now func() time.Time) Option {
	return func(s *Source) {
		s.now = now
	}
}

// NewSource returns a Source for conf.
func NewSource(id string, conf Config, opts ...Option) (*Source, error) {
	if err := conf.validate(); err != nil {
		return nil, errors.Wrapf(err, "configuring %s", id)
	}
	s := &Source{
		id:    id,
		conf:  conf,
		log:   pubsafe.NopLogger{},
		stats: pubsafe.NopStatter{},
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.client = retryablehttp.NewClient()
	s.client.RetryMax = conf.MaxAttempts - 1
	s.client.RetryWaitMin = conf.RetryWaitMin
	s.client.RetryWaitMax = conf.RetryWaitMax
	s.client.Backoff = retryablehttp.DefaultBackoff
	s.client.HTTPClient.Timeout = conf.Timeout
	s.client.Logger = logger.Leveled{Logger: s.log}
	s.client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			s.stats.Count(metrics.MetricFetchRetries, 1, 1, metrics.Tag("source", s.id))
		}
	}

	limit := rate.Inf
	if conf.RequestsPerSecond > 0 {
		limit = rate.Limit(conf.RequestsPerSecond)
	}
	s.limiter = rate.NewLimiter(limit, 1)
	return s, nil
}

// ID implements pubsafe.Source.
func (s *Source) ID() string { return s.id }

// Open implements pubsafe.Source. The returned Stream requests pages lazily.
func (s *Source) Open(ctx context.Context, since time.Time) (pubsafe.Stream, error) {
	where := s.conf.Where
	if !since.IsZero() {
		if s.conf.DateField == "" {
			return nil, errors.Errorf("%s: incremental fetch needs a date field", s.id)
		}
		clause := fmt.Sprintf("%s >= '%s'", s.conf.DateField, since.UTC().Format(FloatingTimestamp))
		if where != "" {
			where = "(" + where + ") AND " + clause
		} else {
			where = clause
		}
	}
	return &stream{src: s, ctx: ctx, where: where}, nil
}

// PageURL returns the URL of the page at offset.
func (s *Source) PageURL(offset int64, where string) string {
	params := url.Values{}
	params.Set("$limit", strconv.Itoa(s.conf.PageSize))
	params.Set("$offset", strconv.FormatInt(offset, 10))
	params.Set("$order", s.conf.Order)
	if where != "" {
		params.Set("$where", where)
	}
	return fmt.Sprintf("%s/%s.json?%s", strings.TrimRight(s.conf.BaseURL, "/"), s.conf.Dataset, params.Encode())
}

type stream struct {
	src   *Source
	ctx   context.Context
	where string

	page   []map[string]interface{}
	offset int64
	done   bool
}

// Record implements pubsafe.Stream.
func (st *stream) Record() (*pubsafe.RawRecord, error) {
	for len(st.page) == 0 {
		if st.done {
			return nil, io.EOF
		}
		if err := st.fetchPage(); err != nil {
			st.done = true
			return nil, &pubsafe.FetchError{Source: st.src.id, Offset: st.offset, Err: err}
		}
	}
	fields := st.page[0]
	st.page = st.page[1:]
	return &pubsafe.RawRecord{
		Source:   st.src.id,
		Ingested: st.src.now(),
		Fields:   fields,
	}, nil
}

// bodyError marks a failure reading or decoding a response body after the
// request itself succeeded. The connection can drop mid page, so these are
// retried on top of the retries the client does for the request.
type bodyError struct{ err error }

func (e bodyError) Error() string { return e.err.Error() }
func (e bodyError) Cause() error  { return e.err }
func (e bodyError) Unwrap() error { return e.err }

func (st *stream) fetchPage() error {
	s := st.src
	var err error
	for attempt := 0; attempt < s.conf.MaxAttempts; attempt++ {
		if attempt > 0 {
			s.stats.Count(metrics.MetricFetchRetries, 1, 1, metrics.Tag("source", s.id))
			s.log.Warnf("%s: retrying offset %d after %v", s.id, st.offset, err)
			wait := s.client.Backoff(s.conf.RetryWaitMin, s.conf.RetryWaitMax, attempt, nil)
			if werr := sleep(st.ctx, wait); werr != nil {
				return errors.Wrap(werr, "waiting to retry")
			}
		}
		var page []map[string]interface{}
		page, err = st.requestPage()
		if err == nil {
			s.log.Debugf("%s: offset %d returned %d records", s.id, st.offset, len(page))
			if len(page) < s.conf.PageSize {
				st.done = true
			}
			st.offset += int64(s.conf.PageSize)
			st.page = page
			return nil
		}
		if _, ok := err.(bodyError); !ok {
			return err
		}
	}
	return err
}

func (st *stream) requestPage() ([]map[string]interface{}, error) {
	s := st.src
	if err := s.limiter.Wait(st.ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for rate limiter")
	}
	req, err := retryablehttp.NewRequestWithContext(st.ctx, http.MethodGet, s.PageURL(st.offset, st.where), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Accept", "application/json")
	if s.conf.AppToken != "" {
		req.Header.Set("X-App-Token", s.conf.AppToken)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "requesting page")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("unexpected status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bodyError{errors.Wrap(err, "reading page")}
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var page []map[string]interface{}
	if err := dec.Decode(&page); err != nil {
		return nil, bodyError{errors.Wrap(err, "decoding page")}
	}
	return page, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close implements pubsafe.Stream.
func (st *stream) Close() error {
	st.done = true
	st.page = nil
	return nil
}
