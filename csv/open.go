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
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/aws/s3"
	"github.com/pilosa/pubsafe/logger"
	"github.com/pkg/errors"
)

// ErrMissing is returned by an Opener whose resource does not exist. Sources
// skip missing files rather than failing.
var ErrMissing = errors.New("resource missing")

func isMissing(err error) bool {
	return err != nil && (errors.Is(err, ErrMissing) || errors.Is(err, s3.ErrNotFound))
}

// Opener is an interface to a resource which can be repeatedly Opened (and the
// returned ReadCloser can be subsequently read). Each call to Open should
// return a ReadCloser which reads from the beginning of the resource. In the
// case of an error while reading, Open will be called again to retry reading
// the entire resource.
type Opener interface {
	Open() (io.ReadCloser, error)
}

// OpenStringer is an Opener which also has a String method which should return
// the name of the resource being opened (e.g. a file or URL).
type OpenStringer interface {
	fmt.Stringer
	Opener
}

// NewHTTPClient returns a retrying HTTP client making at most attempts
// requests, waiting at least wait between them.
func NewHTTPClient(attempts int, wait time.Duration, log pubsafe.Logger) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = attempts - 1
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	c.RetryWaitMin = wait
	c.RetryWaitMax = 16 * wait
	c.Backoff = retryablehttp.DefaultBackoff
	c.Logger = logger.Leveled{Logger: log}
	return c
}

func (s *Source) opener(url string) OpenStringer {
	switch {
	case strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://"):
		return &httpOpener{url: url, src: s}
	case strings.HasPrefix(url, s3.Scheme):
		return &s3Opener{url: url, src: s}
	}
	return fileOpener(url)
}

// fileOpener turns a local path into an OpenStringer.
type fileOpener string

func (f fileOpener) Open() (io.ReadCloser, error) {
	content, err := os.Open(string(f))
	if err != nil {
		return nil, errors.Wrap(err, "opening file")
	}
	return content, nil
}

func (f fileOpener) String() string { return string(f) }

type httpOpener struct {
	url string
	src *Source
}

// Open GETs the URL. An upstream answering 403 or 404 is treated as missing,
// which is how the open data portal reports a year not yet published.
func (h *httpOpener) Open() (io.ReadCloser, error) {
	resp, err := h.src.client.Get(h.url)
	if err != nil {
		return nil, errors.Wrap(err, "getting via http")
	}
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, errors.Wrapf(ErrMissing, "%s: %s", h.url, resp.Status)
	case resp.StatusCode >= 300:
		resp.Body.Close()
		return nil, errors.Errorf("%s: unexpected status %s", h.url, resp.Status)
	}
	return resp.Body, nil
}

func (h *httpOpener) String() string { return h.url }

// s3Opener defers creating an s3 client until the object is first opened.
type s3Opener struct {
	url string
	src *Source
}

func (o *s3Opener) Open() (io.ReadCloser, error) {
	if o.src.s3 == nil {
		c, err := s3.NewClient()
		if err != nil {
			return nil, errors.Wrap(err, "getting s3 client")
		}
		o.src.s3 = c
	}
	obj, err := o.src.s3.Open(o.url)
	if err != nil {
		return nil, err
	}
	return obj.Open()
}

func (o *s3Opener) String() string { return o.url }
