package csv_test

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/csv"
	"github.com/pilosa/pubsafe/test"
	"github.com/pkg/errors"
)

func MustGetTempFile(t *testing.T, content string) *os.File {
	f, err := ioutil.TempFile(t.TempDir(), "*.csv")
	if err != nil {
		t.Fatalf("getting temp file: %v", err)
	}
	n, err := f.WriteString(content)
	if err != nil || n != len(content) {
		t.Fatalf("writing temp file: %v, n: %v", err, n)
	}
	f.Close()
	return f
}

func readAll(t *testing.T, s pubsafe.Stream) []*pubsafe.RawRecord {
	t.Helper()
	var recs []*pubsafe.RawRecord
	for {
		rec, err := s.Record()
		if err == io.EOF {
			return recs
		} else if err != nil {
			t.Fatalf("getting record %d: %v", len(recs), err)
		}
		recs = append(recs, rec)
	}
}

func TestCSVSource(t *testing.T) {
	f := MustGetTempFile(t, `blah,bleh,blue
1,asdf,3
2,,4
`)
	src := csv.NewSource("test", csv.WithURLs([]string{f.Name()}))
	stream, err := src.Open(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	recs := readAll(t, stream)
	if len(recs) != 2 {
		t.Fatalf("wrong number of records: %v", recs)
	}
	if len(recs[0].Fields) != 3 {
		t.Fatalf("wrong length record: %v", recs[0].Fields)
	}
	if recs[0].Fields["bleh"] != "asdf" {
		t.Fatalf("bleh: %v", recs[0].Fields["bleh"])
	}
	if v, ok := recs[1].Fields["bleh"]; !ok || v != nil {
		t.Fatalf("empty cell should be present and nil, got %v, %v", v, ok)
	}
	if recs[1].Source != "test" {
		t.Fatalf("unexpected source %s", recs[1].Source)
	}
}

func TestCSVSourceUnionByName(t *testing.T) {
	older := MustGetTempFile(t, "INCIDENT_NUM,DATE_TIME,CALL_TYPE\nE1,2015-01-01 10:00:00,415\n")
	newer := MustGetTempFile(t, "CALL_TYPE,INCIDENT_NUM,DATE_TIME,BEAT\n1151,E2,2016-01-01 10:00:00,521\n")

	src := csv.NewSource("cfs", csv.WithURLs([]string{older.Name(), newer.Name()}))
	stream, err := src.Open(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	recs := readAll(t, stream)
	if len(recs) != 2 {
		t.Fatalf("wrong number of records: %d", len(recs))
	}
	if !pubsafe.IsNotPresent(recs[0].Fields["BEAT"]) {
		t.Fatalf("BEAT should be not present for older file, got %#v", recs[0].Fields["BEAT"])
	}
	if recs[1].Fields["BEAT"] != "521" {
		t.Fatalf("BEAT: %#v", recs[1].Fields["BEAT"])
	}
	if recs[1].Fields["CALL_TYPE"] != "1151" || recs[1].Fields["INCIDENT_NUM"] != "E2" {
		t.Fatalf("columns not unioned by name: %#v", recs[1].Fields)
	}
}

func TestCSVSourceSkipsMissingAndSince(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/2019.csv":
			fmt.Fprint(w, "a\n2019\n")
		case "/2020.csv":
			fmt.Fprint(w, "a\n2020\n")
		default:
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	src := csv.NewSource("yearly", csv.WithYearlyURLs(srv.URL+"/{year}.csv", 2018, 2021), csv.WithRetryWait(time.Millisecond))
	stream, err := src.Open(context.Background(), time.Date(2019, 6, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	recs := readAll(t, stream)
	if len(recs) != 2 || recs[0].Fields["a"] != "2019" || recs[1].Fields["a"] != "2020" {
		t.Fatalf("unexpected records: %v, %v", recs[0].Fields, recs[len(recs)-1].Fields)
	}
}

func TestCSVSourceSinceFiltersRows(t *testing.T) {
	dir := t.TempDir()
	old := test.MustWriteFile(t, dir, "2016.csv", "id,DATE_TIME\n1,2016-03-01 10:00:00\n2,2016-06-30 23:59:59\n3,2016-07-01 00:00:00\n4,\n")
	drifted := test.MustWriteFile(t, dir, "2017.csv", "id,date_time\n5,2017-01-02 08:00:00\n")
	layouts := []string{"2006-01-02 15:04:05"}

	src := csv.NewSource("cfs", csv.WithURLs([]string{old, drifted}), csv.WithDateFields(layouts, "date_time", "DATE_TIME"))
	stream, err := src.Open(context.Background(), time.Date(2016, 7, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	var ids []interface{}
	for _, rec := range readAll(t, stream) {
		ids = append(ids, rec.Fields["id"])
	}
	// rows without a date are kept
	test.MustBe(t, []interface{}{"3", "4", "5"}, ids)

	stream, err = src.Open(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	test.MustBe(t, 5, len(readAll(t, stream)))
}

// flaky fails mid-read the first time it is opened.
type flaky struct {
	opens int32
}

func (f *flaky) String() string { return "flaky" }

func (f *flaky) Open() (io.ReadCloser, error) {
	n := atomic.AddInt32(&f.opens, 1)
	content := "id\n1\n2\n3\n"
	if n == 2 {
		return ioutil.NopCloser(&failingReader{data: []byte(content), failAt: 6}), nil
	}
	return ioutil.NopCloser(bytesReader(content)), nil
}

type failingReader struct {
	data   []byte
	pos    int
	failAt int
}

func (r *failingReader) Read(p []byte) (int, error) {
	if r.pos >= r.failAt {
		return 0, errors.New("connection reset")
	}
	n := copy(p[:1], r.data[r.pos:])
	r.pos += n
	return n, nil
}

func bytesReader(s string) io.Reader { return &failingReader{data: []byte(s), failAt: len(s) + 1} }

func TestCSVSourceRetryNoDuplicates(t *testing.T) {
	f := &flaky{}
	src := csv.NewSource("flaky", csv.WithOpenStringers([]csv.OpenStringer{f}), csv.WithRetryWait(time.Millisecond))
	stream, err := src.Open(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("opening: %v", err)
	}
	recs := readAll(t, stream)
	if len(recs) != 3 {
		t.Fatalf("expected 3 records after retry, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Fields["id"] != fmt.Sprint(i+1) {
			t.Fatalf("record %d: %v", i, rec.Fields)
		}
	}
}

type broken struct{}

func (broken) String() string                 { return "broken" }
func (broken) Open() (io.ReadCloser, error) { return nil, errors.New("refused") }

func TestCSVSourceFetchError(t *testing.T) {
	src := csv.NewSource("broken", csv.WithOpenStringers([]csv.OpenStringer{broken{}}), csv.WithMaxAttempts(2), csv.WithRetryWait(time.Millisecond))
	_, err := src.Open(context.Background(), time.Time{})
	var fe *pubsafe.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.Source != "broken" {
		t.Fatalf("unexpected source %s", fe.Source)
	}
}

func TestLoadReference(t *testing.T) {
	a := MustGetTempFile(t, "CALL_TYPE,DESCRIPTION\n415,DISTURBING THE PEACE\n1151,\n")
	b := MustGetTempFile(t, "DESCRIPTION,CALL_TYPE\nTRAFFIC STOP,T\nDUPLICATE,415\n")
	table, err := csv.LoadReference(context.Background(), csv.NewSource("calltypes", csv.WithURLs([]string{a.Name(), b.Name()})), "CALL_TYPE", "DESCRIPTION")
	if err != nil {
		t.Fatalf("loading: %v", err)
	}
	exp := map[string]string{"415": "DISTURBING THE PEACE", "T": "TRAFFIC STOP"}
	if len(table) != len(exp) {
		t.Fatalf("unexpected table %v", table)
	}
	for k, v := range exp {
		if table[k] != v {
			t.Fatalf("%s: got %q want %q", k, table[k], v)
		}
	}
}
