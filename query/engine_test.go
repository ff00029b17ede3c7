package query

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pilosa/pubsafe/mock"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pilosa/pubsafe/test"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type incident struct {
	id, agency, against, city string
	year                      int
	month                     int
	dv                        bool
}

func (i incident) record() *pubsafe.Record {
	rec := pubsafe.NewRecord(pubsafe.Incidents, pubsafe.SourceGroupA)
	for _, f := range pubsafe.SchemaFor(pubsafe.Incidents).Fields {
		rec.Set(f.Name, pubsafe.NullValue())
	}
	rec.Set(pubsafe.FieldVictimRace, pubsafe.AbsentValue())
	str := func(field, s string) {
		if s != "" {
			rec.Set(field, pubsafe.Of(s))
		}
	}
	str(pubsafe.FieldID, i.id)
	str(pubsafe.FieldAgencyShort, i.agency)
	str(pubsafe.FieldCrimeAgainst, i.against)
	str(pubsafe.FieldCity, i.city)
	rec.Set(pubsafe.FieldDomesticViolence, pubsafe.Of(i.dv))
	rec.Set(pubsafe.FieldStolenVehicle, pubsafe.Of(false))
	if i.year != 0 {
		at := time.Date(i.year, time.Month(i.month), 1, 12, 0, 0, 0, time.UTC)
		rec.Set(pubsafe.FieldOccurredAt, pubsafe.Of(at))
		rec.Set(pubsafe.FieldYear, pubsafe.Of(int64(i.year)))
		rec.Set(pubsafe.FieldMonth, pubsafe.Of(int64(i.month)))
		rec.Set(pubsafe.FieldMonthStart, pubsafe.Of(at.Format("2006-01")))
	}
	return rec
}

var incidents = []incident{
	{id: "1", agency: "SDPD", against: "People", city: "SAN DIEGO", year: 2021, month: 3, dv: true},
	{id: "2", agency: "SDPD", against: "Property", city: "SAN DIEGO", year: 2021, month: 7},
	{id: "3", agency: "SDSO", against: "People", year: 2022, month: 1, dv: true},
	{id: "4", agency: "SDSO", year: 2022, month: 5},
	{id: "5", agency: "SDPD", against: "Society", city: "LA MESA"},
}

// presence marks every incident field populated except victim_race.
func presence() pubsafe.SourcePresence {
	p := pubsafe.Presence{}
	for _, f := range pubsafe.SchemaFor(pubsafe.Incidents).Fields {
		p[f.Name] = f.Name != pubsafe.FieldVictimRace
	}
	return pubsafe.SourcePresence{pubsafe.SourceGroupA: p}
}

func newStore(t *testing.T) *snapshot.Store {
	t.Helper()
	opts := snapshot.NewOptions()
	opts.Dir = t.TempDir()
	s, err := snapshot.Open(opts)
	test.ErrNil(t, err, "Open")
	return s
}

// publish stages the incidents, builds the aggregation tables if tables is
// set, and publishes them.
func publish(t *testing.T, s *snapshot.Store, tables bool) {
	t.Helper()
	lock, err := s.Lock()
	test.ErrNil(t, err, "Lock")
	defer lock.Unlock()
	st := lock.Stage(s.NewVersion())
	w, err := st.SnapshotWriter(pubsafe.Incidents, presence())
	test.ErrNil(t, err, "SnapshotWriter")
	for _, i := range incidents {
		test.ErrNil(t, w.WriteRecord(i.record()), "WriteRecord")
	}
	_, err = w.Close()
	test.ErrNil(t, err, "Close")
	if tables {
		ms, err := NewBuilder(NewConfig()).Build(context.Background(), st)
		test.ErrNil(t, err, "Build")
		if len(ms) != len(Groupings(pubsafe.Incidents))-1 {
			t.Fatalf("expected every incident table but victim_demographics, got %d", len(ms))
		}
	}
	_, err = lock.Publish(st)
	test.ErrNil(t, err, "Publish")
}

// publishCount publishes a version holding n SDPD incidents of 2021 and
// returns its version.
func publishCount(t *testing.T, s *snapshot.Store, n int, tables bool) string {
	t.Helper()
	lock, err := s.Lock()
	test.ErrNil(t, err, "Lock")
	defer lock.Unlock()
	st := lock.Stage(s.NewVersion())
	w, err := st.SnapshotWriter(pubsafe.Incidents, presence())
	test.ErrNil(t, err, "SnapshotWriter")
	for i := 0; i < n; i++ {
		inc := incident{id: fmt.Sprint(i), agency: "SDPD", against: "People", year: 2021, month: 1 + i%12}
		test.ErrNil(t, w.WriteRecord(inc.record()), "WriteRecord")
	}
	_, err = w.Close()
	test.ErrNil(t, err, "Close")
	if tables {
		_, err := NewBuilder(NewConfig()).Build(context.Background(), st)
		test.ErrNil(t, err, "Build")
	}
	pub, err := lock.Publish(st)
	test.ErrNil(t, err, "Publish")
	return pub.Version
}

var countByAgency = Request{
	Class:      pubsafe.Incidents,
	Filters:    []Filter{{Field: pubsafe.FieldYear, Op: OpEq, Value: 2021}},
	GroupBy:    []string{pubsafe.FieldAgencyShort},
	Aggregates: []Aggregate{Count("n")},
}

func newEngine(t *testing.T, s *snapshot.Store, conf Config, opts ...Option) *Engine {
	t.Helper()
	e, err := NewEngine(s, conf, opts...)
	test.ErrNil(t, err, "NewEngine")
	return e
}

// adhoc answers req by scanning the snapshot.
func adhoc(t *testing.T, s *snapshot.Store, req Request) [][]pubsafe.Value {
	t.Helper()
	snap, err := s.Snapshot(req.Class)
	test.ErrNil(t, err, "Snapshot")
	p, err := prepare(req, snap.Schema(), snap.Presence)
	test.ErrNil(t, err, "prepare")
	rows, err := execute(context.Background(), snap, p, nil, newBudget(1<<30), 2)
	test.ErrNil(t, err, "execute")
	return rows
}

func row(vals ...interface{}) []pubsafe.Value {
	out := make([]pubsafe.Value, len(vals))
	for i, v := range vals {
		switch vt := v.(type) {
		case pubsafe.Value:
			out[i] = vt
		case int:
			out[i] = pubsafe.Of(int64(vt))
		default:
			out[i] = pubsafe.Of(v)
		}
	}
	return out
}

func TestTableMatchesScan(t *testing.T) {
	s := newStore(t)
	publish(t, s, true)
	stats := &mock.RecordingStatter{}
	e := newEngine(t, s, NewConfig(), OptStatter(stats))

	null := pubsafe.NullValue()
	for _, tc := range []struct {
		name  string
		req   Request
		table string
		exp   [][]pubsafe.Value
	}{
		{
			name: "yearly",
			req: Request{
				Class:   pubsafe.Incidents,
				Filters: []Filter{{Field: pubsafe.FieldYear, Op: OpGte, Value: 2021}},
				GroupBy: []string{pubsafe.FieldYear},
			},
			table: "yearly_summary",
			exp:   [][]pubsafe.Value{row(2021, 2), row(2022, 2)},
		},
		{
			name: "agencies",
			req: Request{
				Class:   pubsafe.Incidents,
				Filters: []Filter{notNull(pubsafe.FieldYear)},
				GroupBy: []string{pubsafe.FieldAgencyShort, pubsafe.FieldCrimeAgainst},
				Aggregates: []Aggregate{
					Count("n"),
					CountIf("dv", pubsafe.FieldDomesticViolence, nil),
				},
			},
			table: "crime_by_agency",
			exp: [][]pubsafe.Value{
				row("SDPD", "People", 1, 1),
				row("SDPD", "Property", 1, 0),
				row("SDSO", "People", 1, 1),
				row("SDSO", null, 1, 0),
			},
		},
		{
			name: "ordered",
			req: Request{
				Class:   pubsafe.Incidents,
				Filters: []Filter{{Field: pubsafe.FieldYear, Op: OpBetween, Values: []interface{}{2021, 2022}}, notNull(pubsafe.FieldCity)},
				GroupBy: []string{pubsafe.FieldCity},
				OrderBy: []Order{{Field: "count", Desc: true}},
				Limit:   1,
			},
			table: "crime_by_city",
			exp:   [][]pubsafe.Value{row("SAN DIEGO", 2)},
		},
		{
			name: "dv",
			req: Request{
				Class:   pubsafe.Incidents,
				Filters: []Filter{notNull(pubsafe.FieldYear), {Field: pubsafe.FieldDomesticViolence, Op: OpEq, Value: true}},
				GroupBy: []string{pubsafe.FieldMonthStart},
			},
			table: "domestic_violence",
			exp:   [][]pubsafe.Value{row("2021-03", 1), row("2022-01", 1)},
		},
		{
			name: "no table",
			req: Request{
				Class:   pubsafe.Incidents,
				GroupBy: []string{pubsafe.FieldAgencyShort},
			},
			exp: [][]pubsafe.Value{row("SDPD", 3), row("SDSO", 2)},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Query(context.Background(), tc.req)
			test.ErrNil(t, err, "Query")
			test.MustBe(t, tc.table, res.Plan.Table)
			if diff := cmp.Diff(tc.exp, res.Rows); diff != "" {
				t.Fatalf("rows differ: %s", diff)
			}
			if diff := cmp.Diff(adhoc(t, s, tc.req), res.Rows); diff != "" {
				t.Fatalf("table answer differs from scan: %s", diff)
			}
		})
	}
	test.MustBe(t, int64(5), stats.Total(metrics.MetricQueries))
	test.MustBe(t, int64(1), stats.Tagged(metrics.MetricQueries, "class:incidents", "plan:scan"))
}

func TestEmptyResultWithoutGroups(t *testing.T) {
	s := newStore(t)
	publish(t, s, false)
	res, err := newEngine(t, s, NewConfig()).Query(context.Background(), Request{
		Class:      pubsafe.Incidents,
		Filters:    []Filter{{Field: pubsafe.FieldAgencyShort, Op: OpEq, Value: "NONE"}},
		Aggregates: []Aggregate{Count("n"), Sum("months", pubsafe.FieldMonth)},
	})
	test.ErrNil(t, err, "Query")
	test.MustBe(t, []string{"n", "months"}, res.Columns)
	if diff := cmp.Diff([][]pubsafe.Value{row(0, pubsafe.NullValue())}, res.Rows); diff != "" {
		t.Fatalf("rows differ: %s", diff)
	}
}

func TestUnsupportedField(t *testing.T) {
	s := newStore(t)
	publish(t, s, true)
	stats := &mock.RecordingStatter{}
	e := newEngine(t, s, NewConfig(), OptStatter(stats))
	for _, field := range []string{pubsafe.FieldVictimRace, "no_such_field"} {
		_, err := e.Query(context.Background(), Request{Class: pubsafe.Incidents, GroupBy: []string{field}})
		var unsupported *pubsafe.UnsupportedFieldError
		if !errors.As(err, &unsupported) {
			t.Fatalf("expected UnsupportedFieldError for %s, got %v", field, err)
		}
		test.MustBe(t, field, unsupported.Field)
	}
	test.MustBe(t, int64(2), stats.Tagged(metrics.MetricQueryFailures, "kind:unsupported_field"))

	// the views touching victim_race fail the same way
	_, err := e.View(context.Background(), "victims", Params{})
	var unsupported *pubsafe.UnsupportedFieldError
	require.True(t, errors.As(err, &unsupported), "%v", err)
}

func TestBadRequest(t *testing.T) {
	s := newStore(t)
	publish(t, s, false)
	e := newEngine(t, s, NewConfig())
	for name, req := range map[string]Request{
		"class":    {Class: "nope"},
		"operator": {Class: pubsafe.Incidents, Filters: []Filter{{Field: pubsafe.FieldYear, Op: "like", Value: 1}}},
		"value":    {Class: pubsafe.Incidents, Filters: []Filter{{Field: pubsafe.FieldYear, Op: OpEq, Value: "soon"}}},
		"between":  {Class: pubsafe.Incidents, Filters: []Filter{{Field: pubsafe.FieldYear, Op: OpBetween, Values: []interface{}{1}}}},
		"sum":      {Class: pubsafe.Incidents, Aggregates: []Aggregate{Sum("", pubsafe.FieldCity)}},
		"order":    {Class: pubsafe.Incidents, OrderBy: []Order{{Field: pubsafe.FieldCity}}},
		"columns":  {Class: pubsafe.Incidents, Aggregates: []Aggregate{Count("n"), Count("n")}},
	} {
		_, err := e.Query(context.Background(), req)
		var bad *RequestError
		if !errors.As(err, &bad) {
			t.Fatalf("%s: expected RequestError, got %v", name, err)
		}
	}
}

func TestNoSnapshot(t *testing.T) {
	s := newStore(t)
	e := newEngine(t, s, NewConfig())
	_, err := e.Query(context.Background(), Request{Class: pubsafe.Incidents})
	if !errors.Is(err, pubsafe.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot, got %v", err)
	}
	_, err = e.Schema()
	test.MustBe(t, pubsafe.ErrNoSnapshot, err)

	publish(t, s, false)
	_, err = e.Query(context.Background(), Request{Class: pubsafe.Arrests})
	if !errors.Is(err, pubsafe.ErrNoSnapshot) {
		t.Fatalf("expected ErrNoSnapshot for unpublished class, got %v", err)
	}
	schema, err := e.Schema()
	test.ErrNil(t, err, "Schema")
	test.MustBe(t, 1, len(schema))
	test.MustBe(t, pubsafe.Incidents, schema[0].Class)
}

func TestResourceExceeded(t *testing.T) {
	s := newStore(t)
	publish(t, s, false)
	conf := NewConfig()
	conf.MemoryLimit = 1 << 20
	conf.QueryMemory = 16
	e := newEngine(t, s, conf)
	res, err := e.Query(context.Background(), Request{Class: pubsafe.Incidents, GroupBy: []string{pubsafe.FieldID}})
	var exceeded *pubsafe.ResourceExceededError
	if !errors.As(err, &exceeded) {
		t.Fatalf("expected ResourceExceededError, got %v", err)
	}
	if res != nil {
		t.Fatalf("expected no partial result, got %v", res.Rows)
	}
	test.MustBe(t, int64(16), exceeded.Limit)
	if !e.sem.TryAcquire(conf.MemoryLimit) {
		t.Fatal("query budget was not released")
	}
	e.sem.Release(conf.MemoryLimit)
}

func TestTimeoutReleasesBudget(t *testing.T) {
	s := newStore(t)
	publish(t, s, false)
	conf := NewConfig()
	conf.Timeout = 20 * time.Millisecond
	e := newEngine(t, s, conf)

	// Hold the whole ceiling so the query waits out its timeout.
	test.ErrNil(t, e.sem.Acquire(context.Background(), conf.MemoryLimit), "Acquire")
	_, err := e.Query(context.Background(), Request{Class: pubsafe.Incidents})
	var timeout *pubsafe.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	test.MustBe(t, "timeout", FailureKind(err))
	e.sem.Release(conf.MemoryLimit)

	_, err = e.Query(context.Background(), Request{Class: pubsafe.Incidents})
	test.ErrNil(t, err, "Query after timeout")
	if !e.sem.TryAcquire(conf.MemoryLimit) {
		t.Fatal("query budget was not released")
	}
	e.sem.Release(conf.MemoryLimit)

	// An expired caller deadline is reported the same way.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = e.Query(ctx, Request{Class: pubsafe.Incidents})
	require.True(t, errors.As(err, &timeout), "%v", err)
}

func TestViews(t *testing.T) {
	s := newStore(t)
	publish(t, s, true)
	e := newEngine(t, s, NewConfig())

	res, err := e.View(context.Background(), "filters", Params{})
	test.ErrNil(t, err, "View")
	test.MustBe(t, []string{"years", "agencies", "crime_categories", "cities"}, res.Parts)
	test.MustBe(t, "yearly_summary", res.Results[0].Plan.Table)
	test.MustBe(t, [][]pubsafe.Value{row(2021, 2), row(2022, 2)}, res.Results[0].Rows)
	test.MustBe(t, [][]pubsafe.Value{row("SAN DIEGO", 2)}, res.Results[3].Rows)

	res, err = e.View(context.Background(), "overview", Params{YearMin: 2022})
	test.ErrNil(t, err, "View")
	test.MustBe(t, "yearly_summary", res.Results[0].Plan.Table)
	test.MustBe(t, [][]pubsafe.Value{row(2022, 2, 1, 0, 0, 1, 0)}, res.Results[0].Rows)

	res, err = e.View(context.Background(), "agencies", Params{YearMin: 2021, YearMax: 2021, Agency: "SDPD"})
	test.ErrNil(t, err, "View")
	test.MustBe(t, "crime_by_agency", res.Results[0].Plan.Table)
	test.MustBe(t, [][]pubsafe.Value{row("SDPD", "People", 1, 1), row("SDPD", "Property", 1, 0)}, res.Results[0].Rows)

	for _, name := range []string{"trends", "domestic-violence", "temporal-patterns", "cities", "crime-types", "geography"} {
		res, err := e.View(context.Background(), name, Params{})
		test.ErrNil(t, err, name)
		if res.Results[0].Plan.Table == "" {
			t.Fatalf("view %s was not answered from a table", name)
		}
	}

	_, err = e.View(context.Background(), "nope", Params{})
	var bad *RequestError
	require.True(t, errors.As(err, &bad))
	test.MustBe(t, len(Views), len(ViewNames()))
}

func TestQueryDuringPublish(t *testing.T) {
	s := newStore(t)
	counts := map[string]int{publishCount(t, s, 1, true): 1}
	e := newEngine(t, s, NewConfig())

	var (
		mu      sync.Mutex
		results []*Result
		errs    []error
		wg      sync.WaitGroup
	)
	stop := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := e.Query(context.Background(), countByAgency)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else {
					results = append(results, res)
				}
				mu.Unlock()
			}
		}()
	}
	for n := 2; n <= 8; n++ {
		counts[publishCount(t, s, n, n%2 == 0)] = n
	}
	close(stop)
	wg.Wait()

	for _, err := range errs {
		if !errors.Is(err, snapshot.ErrRetired) {
			t.Fatalf("unexpected error during publish: %v", err)
		}
	}
	for _, res := range results {
		n, ok := counts[res.Plan.Version]
		if !ok {
			t.Fatalf("result from unknown version %s", res.Plan.Version)
		}
		if diff := cmp.Diff([][]pubsafe.Value{row("SDPD", n)}, res.Rows); diff != "" {
			t.Fatalf("version %s mixes data (-want +got):\n%s", res.Plan.Version, diff)
		}
	}

	res, err := e.Query(context.Background(), countByAgency)
	test.ErrNil(t, err, "Query")
	test.MustBe(t, 8, len(counts))
	if diff := cmp.Diff([][]pubsafe.Value{row("SDPD", 8)}, res.Rows); diff != "" {
		t.Fatalf("latest version differs: %s", diff)
	}
}

func TestQueryOfRetiredVersion(t *testing.T) {
	s := newStore(t)
	publishCount(t, s, 1, false)
	stats := &mock.RecordingStatter{}
	e := newEngine(t, s, NewConfig(), OptStatter(stats))

	// two publishes land between resolving the version and reading it, and
	// with Retain 2 the resolved version is pruned
	e.testHookResolved = func() {
		e.testHookResolved = nil
		publishCount(t, s, 2, false)
		publishCount(t, s, 3, false)
	}
	res, err := e.Query(context.Background(), countByAgency)
	require.True(t, errors.Is(err, snapshot.ErrRetired), "%v", err)
	require.Nil(t, res)
	test.MustBe(t, "retired", FailureKind(err))
	test.MustBe(t, int64(1), stats.Tagged(metrics.MetricQueryFailures, "kind:retired"))

	res, err = e.Query(context.Background(), countByAgency)
	test.ErrNil(t, err, "Query")
	if diff := cmp.Diff([][]pubsafe.Value{row("SDPD", 3)}, res.Rows); diff != "" {
		t.Fatalf("rows differ: %s", diff)
	}
}

func TestManifestCacheFollowsPublished(t *testing.T) {
	s := newStore(t)
	publishCount(t, s, 1, true)
	e := newEngine(t, s, NewConfig())
	_, err := e.Query(context.Background(), countByAgency)
	test.ErrNil(t, err, "Query")

	for n := 2; n <= 4; n++ {
		publishCount(t, s, n, n%2 == 1)
		_, err := e.Query(context.Background(), countByAgency)
		test.ErrNil(t, err, "Query")
		pub, err := s.Published()
		test.ErrNil(t, err, "Published")
		e.mu.Lock()
		for path := range e.manifests {
			if !e.live[path] {
				t.Fatalf("manifest %s cached after it left the published set", path)
			}
		}
		if len(e.manifests) > len(pub.Snapshots)+len(pub.Aggregates) {
			t.Fatalf("%d manifests cached for %d published entries", len(e.manifests), len(pub.Snapshots)+len(pub.Aggregates))
		}
		e.mu.Unlock()
	}
}
