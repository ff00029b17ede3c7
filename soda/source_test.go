package soda_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/mock"
	"github.com/pilosa/pubsafe/soda"
	"github.com/pkg/errors"
)

// fakeSODA serves total records of dataset "test-data", failing the first
// failures requests for each offset in failOffsets with a 503. The first
// requests for each offset in truncateOffsets get a 200 and part of a page
// before the connection is dropped.
type fakeSODA struct {
	total           int
	failOffsets     map[string]int
	truncateOffsets map[string]int

	mu       sync.Mutex
	requests []string
}

func (f *fakeSODA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f.mu.Lock()
	f.requests = append(f.requests, r.URL.RawQuery)
	if n := f.failOffsets[q.Get("$offset")]; n > 0 {
		f.failOffsets[q.Get("$offset")] = n - 1
		f.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if n := f.truncateOffsets[q.Get("$offset")]; n > 0 {
		f.truncateOffsets[q.Get("$offset")] = n - 1
		f.mu.Unlock()
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `[{"id":"0","n":0},{"id":`)
		w.(http.Flusher).Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
		return
	}
	f.mu.Unlock()
	if r.URL.Path != "/test-data.json" || q.Get("$order") != ":id" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(q.Get("$limit"))
	offset, _ := strconv.Atoi(q.Get("$offset"))
	page := []map[string]interface{}{}
	for i := offset; i < offset+limit && i < f.total; i++ {
		page = append(page, map[string]interface{}{"id": fmt.Sprint(i), "n": i})
	}
	_ = json.NewEncoder(w).Encode(page)
}

func testConfig(url string) soda.Config {
	conf := soda.NewConfig()
	conf.BaseURL = url
	conf.Dataset = "test-data"
	conf.PageSize = 2
	conf.RetryWaitMin = time.Millisecond
	conf.RetryWaitMax = 2 * time.Millisecond
	conf.RequestsPerSecond = 0
	return conf
}

func readAll(t *testing.T, s pubsafe.Stream) ([]*pubsafe.RawRecord, error) {
	t.Helper()
	var recs []*pubsafe.RawRecord
	for {
		rec, err := s.Record()
		if err == io.EOF {
			return recs, nil
		} else if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}

func TestSourcePagination(t *testing.T) {
	fake := &fakeSODA{total: 5}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src, err := soda.NewSource("test", testConfig(srv.URL))
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	stream, err := src.Open(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	recs, err := readAll(t, stream)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Fields["id"] != fmt.Sprint(i) {
			t.Fatalf("record %d out of order: %v", i, rec.Fields)
		}
		if rec.Source != "test" {
			t.Fatalf("unexpected source %s", rec.Source)
		}
	}
	// pages at 0, 2 and 4; the last is short so there is no fourth request.
	if len(fake.requests) != 3 {
		t.Fatalf("expected 3 requests, got %v", fake.requests)
	}
}

func TestSourceExactMultiple(t *testing.T) {
	fake := &fakeSODA{total: 4}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	src, _ := soda.NewSource("test", testConfig(srv.URL))
	stream, _ := src.Open(context.Background(), time.Time{})
	recs, err := readAll(t, stream)
	if err != nil || len(recs) != 4 {
		t.Fatalf("got %d records, err %v", len(recs), err)
	}
	// an empty page terminates.
	if len(fake.requests) != 3 {
		t.Fatalf("expected 3 requests, got %v", fake.requests)
	}
}

func TestSourceRetriesTransientFailures(t *testing.T) {
	fake := &fakeSODA{total: 3, failOffsets: map[string]int{"2": 2}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stats := &mock.RecordingStatter{}
	src, _ := soda.NewSource("test", testConfig(srv.URL), soda.OptStatter(stats))
	stream, _ := src.Open(context.Background(), time.Time{})
	recs, err := readAll(t, stream)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	if n := stats.Total("fetch_retries_total"); n != 2 {
		t.Fatalf("expected 2 retries counted, got %d", n)
	}
}

func TestSourceRetriesTruncatedBody(t *testing.T) {
	fake := &fakeSODA{total: 3, truncateOffsets: map[string]int{"0": 1}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stats := &mock.RecordingStatter{}
	src, _ := soda.NewSource("test", testConfig(srv.URL), soda.OptStatter(stats))
	stream, _ := src.Open(context.Background(), time.Time{})
	recs, err := readAll(t, stream)
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Fields["id"] != fmt.Sprint(i) {
			t.Fatalf("record %d out of order: %v", i, rec.Fields)
		}
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	// offset 0 twice, then offset 2.
	if len(fake.requests) != 3 {
		t.Fatalf("expected 3 requests, got %v", fake.requests)
	}
	if n := stats.Total("fetch_retries_total"); n != 1 {
		t.Fatalf("expected 1 retry counted, got %d", n)
	}
}

func TestSourceTruncatedBodyExhaustsAttempts(t *testing.T) {
	fake := &fakeSODA{total: 3, truncateOffsets: map[string]int{"0": 100}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	conf := testConfig(srv.URL)
	conf.MaxAttempts = 2
	src, _ := soda.NewSource("test", conf)
	stream, _ := src.Open(context.Background(), time.Time{})
	_, err := readAll(t, stream)
	var fe *pubsafe.FetchError
	if !errors.As(err, &fe) || fe.Offset != 0 {
		t.Fatalf("expected FetchError at offset 0, got %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.requests) != 2 {
		t.Fatalf("expected 2 attempts, got %v", fake.requests)
	}
}

func TestSourceFetchErrorAfterExhaustion(t *testing.T) {
	fake := &fakeSODA{total: 10, failOffsets: map[string]int{"4": 100}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	conf := testConfig(srv.URL)
	conf.MaxAttempts = 3
	src, _ := soda.NewSource("test", conf)
	stream, _ := src.Open(context.Background(), time.Time{})
	recs, err := readAll(t, stream)
	if len(recs) != 4 {
		t.Fatalf("expected the 4 records before the failing page, got %d", len(recs))
	}
	var fe *pubsafe.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Source != "test" || fe.Offset != 4 {
		t.Fatalf("unexpected FetchError %+v", fe)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	failing := 0
	for _, q := range fake.requests {
		if q == "%24limit=2&%24offset=4&%24order=%3Aid" {
			failing++
		}
	}
	if failing != 3 {
		t.Fatalf("expected 3 attempts at offset 4, got %d: %v", failing, fake.requests)
	}
}

func TestSourceWhereAndSince(t *testing.T) {
	conf := testConfig("http://example.com/resource")
	conf.Where = "offense_code IN ('90D','90C')"
	conf.DateField = "arrest_date"
	src, err := soda.NewSource("arrests", conf)
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	u := src.PageURL(0, conf.Where)
	if u != "http://example.com/resource/test-data.json?%24limit=2&%24offset=0&%24order=%3Aid&%24where=offense_code+IN+%28%2790D%27%2C%2790C%27%29" {
		t.Fatalf("unexpected url %s", u)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		where := r.URL.Query().Get("$where")
		exp := "(offense_code IN ('90D','90C')) AND arrest_date >= '2024-01-01T00:00:00.000'"
		if where != exp {
			t.Errorf("unexpected $where %q", where)
		}
		fmt.Fprint(w, "[]")
	}))
	defer srv.Close()
	conf.BaseURL = srv.URL
	src, _ = soda.NewSource("arrests", conf)
	stream, _ := src.Open(context.Background(), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if _, err := stream.Record(); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}
