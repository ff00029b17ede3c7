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

package pubsafe

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrExcluded is returned by a Normalizer for a record removed by one of
	// its source's exclusion predicates. Excluded records are not malformed
	// and are counted separately from drops.
	ErrExcluded = errors.New("record excluded by predicate")

	// ErrNoSnapshot means nothing has been published for the requested
	// dataset class. It is distinct from a query with an empty result.
	ErrNoSnapshot = errors.New("no published snapshot")
)

// FetchError is the failure of a source after retries were exhausted.
// Offset is the last offset (page offset or row number) reached.
type FetchError struct {
	Source string
	Offset int64
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetching %s at offset %d: %v", e.Source, e.Offset, e.Err)
}

// Cause returns the underlying error.
func (e *FetchError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *FetchError) Unwrap() error { return e.Err }

// NormalizationError describes a raw record which could not be mapped onto
// its canonical Schema. Field is empty when the problem is not specific to
// one field.
type NormalizationError struct {
	Source string
	Field  string
	Err    error
}

func (e *NormalizationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("normalizing %s record: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("normalizing %s record, field %s: %v", e.Source, e.Field, e.Err)
}

// Cause returns the underlying error.
func (e *NormalizationError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *NormalizationError) Unwrap() error { return e.Err }

// Severity classifies a validation Violation.
type Severity uint8

const (
	// Warning violations are logged and do not block publication.
	Warning Severity = iota
	// Fatal violations abort the run.
	Fatal
)

func (s Severity) String() string {
	if s == Fatal {
		return "fatal"
	}
	return "warning"
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "fatal":
		*s = Fatal
	case "warning", "warn":
		*s = Warning
	default:
		return errors.Errorf("unknown severity '%s'", b)
	}
	return nil
}

// Violation is one failed validation check.
type Violation struct {
	Check    string   `json:"check"`
	Class    Class    `json:"class"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s/%s: %s", v.Severity, v.Class, v.Check, v.Message)
}

// ValidationError is returned when at least one fatal Violation blocks
// publication.
type ValidationError struct {
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Severity == Fatal {
			msgs = append(msgs, v.String())
		}
	}
	return fmt.Sprintf("validation failed with %d fatal violation(s): %s", len(msgs), strings.Join(msgs, "; "))
}

// UnsupportedFieldError rejects a query referencing a field which is not part
// of the class Schema, or which no contributing source populates.
type UnsupportedFieldError struct {
	Class  Class
	Field  string
	Reason string
}

func (e *UnsupportedFieldError) Error() string {
	return fmt.Sprintf("unsupported field '%s' for %s: %s", e.Field, e.Class, e.Reason)
}

// ResourceExceededError is returned by a query whose working set would exceed
// its memory limit. Limit and Requested are in bytes.
type ResourceExceededError struct {
	Resource  string
	Limit     int64
	Requested int64
}

func (e *ResourceExceededError) Error() string {
	return fmt.Sprintf("%s limit exceeded: requested %d bytes, limit %d bytes", e.Resource, e.Requested, e.Limit)
}

// TimeoutError is returned by a query cancelled after its wall-clock timeout.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("query timed out after %v", e.Timeout)
}

// Cause returns the underlying error.
func (e *TimeoutError) Cause() error { return e.Err }

// Unwrap returns the underlying error.
func (e *TimeoutError) Unwrap() error { return e.Err }
