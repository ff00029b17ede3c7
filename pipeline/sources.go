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

package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/aws/s3"
	"github.com/pilosa/pubsafe/csv"
	"github.com/pilosa/pubsafe/normalize"
	"github.com/pkg/errors"
)

// CSVConfig configures a flat-file source.
type CSVConfig struct {
	URLs        []string      `toml:"urls" help:"Files to read. Local paths, http(s) URLs and s3://bucket/key URLs are accepted."`
	Pattern     string        `toml:"pattern" help:"URL of the yearly files, with {year} in place of the year."`
	FirstYear   int           `toml:"first-year" help:"First year read through pattern."`
	LastYear    int           `toml:"last-year" help:"Last year read through pattern. 0 means the current year."`
	MaxAttempts int           `toml:"max-attempts" help:"Total attempts to open each file."`
	RetryWait   time.Duration `toml:"retry-wait" help:"Wait before the first retry of a failed open."`
	S3Region    string        `toml:"s3-region" help:"Region of the bucket holding s3:// files."`
	S3Endpoint  string        `toml:"s3-endpoint" help:"Endpoint override for s3:// files."`
	DateFields  []string      `toml:"date-fields" help:"Columns holding the row date, tried in order. Incremental runs skip rows dated before the since time."`
}

// ReferenceConfig configures a code-to-description reference table.
type ReferenceConfig struct {
	URL         string `toml:"url" help:"Location of the table. Empty disables the join."`
	KeyColumn   string `toml:"key-column" help:"Column holding the code."`
	ValueColumn string `toml:"value-column" help:"Column holding the description."`
}

const seshat = "https://seshat.datasd.org"

// NewCFSConfig returns the defaults for the police calls for service files.
func NewCFSConfig() CSVConfig {
	return CSVConfig{
		Pattern:     seshat + "/police_calls_for_service/pd_calls_for_service_{year}_datasd.csv",
		FirstYear:   2015,
		DateFields:  []string{"date_time", "DATE_TIME"},
		MaxAttempts: 5,
		RetryWait:   time.Second,
		S3Region:    "us-east-1",
	}
}

func (c CSVConfig) usesS3() bool {
	if strings.HasPrefix(c.Pattern, s3.Scheme) {
		return true
	}
	for _, u := range c.URLs {
		if strings.HasPrefix(u, s3.Scheme) {
			return true
		}
	}
	return false
}

func (c CSVConfig) source(id string, now time.Time, log pubsafe.Logger, stats pubsafe.Statter) (*csv.Source, error) {
	opts := []csv.Option{
		csv.WithMaxAttempts(c.MaxAttempts),
		csv.WithRetryWait(c.RetryWait),
		csv.WithLogger(log),
		csv.WithStatter(stats),
	}
	if len(c.URLs) > 0 {
		opts = append(opts, csv.WithURLs(c.URLs))
	}
	if len(c.DateFields) > 0 {
		opts = append(opts, csv.WithDateFields(normalize.TimeLayouts, c.DateFields...))
	}
	if c.Pattern != "" {
		last := c.LastYear
		if last == 0 {
			last = now.Year()
		}
		if c.FirstYear == 0 || c.FirstYear > last {
			return nil, errors.Errorf("%s: bad year range %d to %d", id, c.FirstYear, last)
		}
		opts = append(opts, csv.WithYearlyURLs(c.Pattern, c.FirstYear, last))
	}
	if len(c.URLs) == 0 && c.Pattern == "" {
		return nil, errors.Errorf("%s: no files configured", id)
	}
	if c.usesS3() {
		var s3opts []s3.ClientOption
		if c.S3Region != "" {
			s3opts = append(s3opts, s3.OptClientRegion(c.S3Region))
		}
		if c.S3Endpoint != "" {
			s3opts = append(s3opts, s3.OptClientEndpoint(c.S3Endpoint))
		}
		client, err := s3.NewClient(s3opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: creating s3 client", id)
		}
		opts = append(opts, csv.WithS3Client(client))
	}
	return csv.NewSource(id, opts...), nil
}

// load reads the reference table. A table which is not configured is nil.
func (r ReferenceConfig) load(ctx context.Context, id string, files CSVConfig, log pubsafe.Logger) (map[string]string, error) {
	if r.URL == "" {
		return nil, nil
	}
	files.URLs, files.Pattern = []string{r.URL}, ""
	src, err := files.source(id, time.Time{}, log, pubsafe.NopStatter{})
	if err != nil {
		return nil, err
	}
	return csv.LoadReference(ctx, src, r.KeyColumn, r.ValueColumn)
}
