package transform_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/geo"
	"github.com/pilosa/pubsafe/metrics"
	"github.com/pilosa/pubsafe/mock"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pilosa/pubsafe/test"
	"github.com/pilosa/pubsafe/transform"
	"github.com/stretchr/testify/require"
)

func incident(id string, at time.Time, age pubsafe.Value, loc pubsafe.Value) *pubsafe.Record {
	rec := pubsafe.NewRecord(pubsafe.Incidents, pubsafe.SourceGroupA)
	rec.Set(pubsafe.FieldID, pubsafe.Of(id))
	rec.Set(pubsafe.FieldOccurredAt, pubsafe.Of(at))
	rec.Set(pubsafe.FieldVictimAge, age)
	rec.Set(pubsafe.FieldLocation, loc)
	return rec
}

func call(id string, at time.Time, callType, dispo pubsafe.Value) *pubsafe.Record {
	rec := pubsafe.NewRecord(pubsafe.CallsForService, pubsafe.SourceCFS)
	rec.Set(pubsafe.FieldID, pubsafe.Of(id))
	rec.Set(pubsafe.FieldOccurredAt, pubsafe.Of(at))
	rec.Set(pubsafe.FieldCallType, callType)
	rec.Set(pubsafe.FieldDisposition, dispo)
	return rec
}

func TestTimeParts(t *testing.T) {
	// 2023-01-01 is a Sunday.
	rec := call("1", time.Date(2023, 1, 1, 22, 15, 0, 0, time.UTC), pubsafe.NullValue(), pubsafe.NullValue())
	transform.TimeParts(pubsafe.CallsForService).Apply(rec)
	for field, want := range map[string]interface{}{
		pubsafe.FieldYear:       int64(2023),
		pubsafe.FieldMonth:      int64(1),
		pubsafe.FieldQuarter:    int64(1),
		pubsafe.FieldDOW:        int64(0),
		pubsafe.FieldHour:       int64(22),
		pubsafe.FieldMonthStart: "2023-01",
	} {
		test.MustBe(t, pubsafe.Of(want), rec.Get(field), field)
	}

	rec = incident("2", time.Date(2021, 11, 6, 8, 0, 0, 0, time.UTC), pubsafe.NullValue(), pubsafe.NullValue())
	transform.TimeParts(pubsafe.Incidents).Apply(rec)
	test.MustBe(t, pubsafe.Of(int64(4)), rec.Get(pubsafe.FieldQuarter))
	test.MustBe(t, pubsafe.Of(int64(6)), rec.Get(pubsafe.FieldDOW))
}

func TestAgeBin(t *testing.T) {
	for age, want := range map[int64]string{
		0:   "Under 18",
		17:  "Under 18",
		18:  "18-24",
		24:  "18-24",
		25:  "25-34",
		44:  "35-44",
		45:  "45-54",
		64:  "55-64",
		65:  "65+",
		101: "65+",
	} {
		test.MustBe(t, want, transform.AgeBin(age), fmt.Sprint(age))
	}
}

func TestDerivedFieldsInheritAbsence(t *testing.T) {
	tr, err := transform.New(transform.NewConfig())
	test.ErrNil(t, err, "New")

	absent := incident("1", time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC), pubsafe.AbsentValue(), pubsafe.AbsentValue())
	null := incident("2", time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC), pubsafe.NullValue(), pubsafe.NullValue())
	for _, rec := range []*pubsafe.Record{absent, null} {
		for _, s := range tr.Steps(pubsafe.Incidents) {
			s.Apply(rec)
		}
	}
	test.MustBe(t, pubsafe.Absent, absent.Get(pubsafe.FieldAgeBin).State)
	test.MustBe(t, pubsafe.Absent, absent.Get(pubsafe.FieldGeoBucket).State)
	test.MustBe(t, pubsafe.Null, null.Get(pubsafe.FieldAgeBin).State)
	test.MustBe(t, pubsafe.Null, null.Get(pubsafe.FieldGeoBucket).State)
}

func TestJoin(t *testing.T) {
	table := map[string]string{"415": "DISTURBANCE"}
	at := time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC)
	step := transform.Join(pubsafe.CallsForService, pubsafe.FieldCallType, pubsafe.FieldCallTypeDesc, table)
	for _, tc := range []struct {
		in   pubsafe.Value
		want pubsafe.Value
	}{
		{pubsafe.Of("415"), pubsafe.Of("DISTURBANCE")},
		{pubsafe.Of("999"), pubsafe.AbsentValue()},
		{pubsafe.NullValue(), pubsafe.NullValue()},
		{pubsafe.AbsentValue(), pubsafe.AbsentValue()},
	} {
		rec := call("1", at, tc.in, pubsafe.NullValue())
		step.Apply(rec)
		test.MustBe(t, tc.want, rec.Get(pubsafe.FieldCallTypeDesc), fmt.Sprint(tc.in))
	}

	nilTable := transform.Join(pubsafe.CallsForService, pubsafe.FieldCallType, pubsafe.FieldCallTypeDesc, nil)
	rec := call("1", at, pubsafe.Of("415"), pubsafe.NullValue())
	nilTable.Apply(rec)
	test.MustBe(t, pubsafe.AbsentValue(), rec.Get(pubsafe.FieldCallTypeDesc))
}

func TestPresence(t *testing.T) {
	tr, err := transform.New(transform.NewConfig(), transform.OptReferences(transform.References{
		CallTypes: map[string]string{"415": "DISTURBANCE"},
	}))
	test.ErrNil(t, err, "New")
	p := tr.Presence(pubsafe.CallsForService, pubsafe.Presence{
		pubsafe.FieldID:          true,
		pubsafe.FieldOccurredAt:  true,
		pubsafe.FieldCallType:    true,
		pubsafe.FieldDisposition: true,
	})
	test.MustBe(t, true, p[pubsafe.FieldHour])
	test.MustBe(t, true, p[pubsafe.FieldCallTypeDesc])
	test.MustBe(t, false, p[pubsafe.FieldDispoDesc])

	p = transform.DerivedPresence(pubsafe.Incidents, pubsafe.Presence{pubsafe.FieldOccurredAt: true})
	test.MustBe(t, true, p[pubsafe.FieldYear])
	test.MustBe(t, false, p[pubsafe.FieldAgeBin])
	test.MustBe(t, false, p[pubsafe.FieldGeoBucket])
}

func stage(t *testing.T) (*snapshot.Lock, *snapshot.Stage) {
	t.Helper()
	opts := snapshot.NewOptions()
	opts.Dir = t.TempDir()
	s, err := snapshot.Open(opts)
	test.ErrNil(t, err, "Open")
	lock, err := s.Lock()
	test.ErrNil(t, err, "Lock")
	t.Cleanup(func() { lock.Unlock() })
	return lock, lock.Stage("v1")
}

func readIDs(t *testing.T, m *snapshot.Manifest) (ids []string, at []time.Time) {
	t.Helper()
	schema := m.Schema()
	idIdx, atIdx := schema.MustIndex(pubsafe.FieldID), schema.MustIndex(pubsafe.FieldOccurredAt)
	err := snapshot.ScanRows(context.Background(), m.DataPath(), m.Layout(), func(rows *snapshot.Rows) error {
		for i := 0; i < rows.Len(); i++ {
			ids = append(ids, rows.Value(i, idIdx).V.(string))
			at = append(at, rows.Value(i, atIdx).V.(time.Time))
		}
		return nil
	})
	test.ErrNil(t, err, "ScanRows")
	return ids, at
}

func TestTransformDedupAndOrder(t *testing.T) {
	conf := transform.NewConfig()
	conf.SpillDir = t.TempDir()
	conf.SpillBatch = 2
	stats := &mock.RecordingStatter{}
	tr, err := transform.New(conf, transform.OptStatter(stats))
	test.ErrNil(t, err, "New")

	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := pubsafe.NewRecordSlice(
		call("c", t0, pubsafe.Of("415"), pubsafe.NullValue()),
		call("a", t0, pubsafe.Of("415"), pubsafe.NullValue()),
		call("b", t0.Add(time.Hour), pubsafe.Of("415"), pubsafe.NullValue()),
		call("a", t0.Add(2*time.Hour), pubsafe.Of("415"), pubsafe.NullValue()),
		call("b", t0, pubsafe.Of("415"), pubsafe.NullValue()),
	)
	_, st := stage(t)
	presence := pubsafe.SourcePresence{pubsafe.SourceCFS: {pubsafe.FieldCallType: true, pubsafe.FieldOccurredAt: true}}
	m, tstats, err := tr.Transform(context.Background(), pubsafe.CallsForService, recs, st, presence)
	test.ErrNil(t, err, "Transform")
	test.MustBe(t, int64(5), tstats.Read)
	test.MustBe(t, int64(2), tstats.Duplicates)
	test.MustBe(t, int64(3), m.Rows)
	test.MustBe(t, int64(3), stats.Tagged(metrics.MetricRowsWritten, "class:calls_for_service"))
	test.MustBe(t, true, m.Presence[pubsafe.SourceCFS][pubsafe.FieldYear])

	ids, at := readIDs(t, m)
	require.Equal(t, []string{"a", "b", "c"}, ids)
	require.True(t, at[0].Equal(t0.Add(2*time.Hour)), "kept %v for a", at[0])
	require.True(t, at[1].Equal(t0.Add(time.Hour)), "kept %v for b", at[1])
}

func TestTransformDedupIsOrderIndependent(t *testing.T) {
	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	x := call("a", t0, pubsafe.Of("415"), pubsafe.Of("A"))
	y := call("a", t0, pubsafe.Of("415"), pubsafe.Of("B"))

	var checksums []string
	for _, order := range [][]*pubsafe.Record{{x, y}, {y, x}} {
		conf := transform.NewConfig()
		conf.SpillDir = t.TempDir()
		tr, err := transform.New(conf)
		test.ErrNil(t, err, "New")
		_, st := stage(t)
		m, _, err := tr.Transform(context.Background(), pubsafe.CallsForService, pubsafe.NewRecordSlice(order...), st, nil)
		test.ErrNil(t, err, "Transform")
		test.MustBe(t, int64(1), m.Rows)
		checksums = append(checksums, m.Checksum)
	}
	test.MustBe(t, checksums[0], checksums[1])
}

func TestTransformKeepDuplicates(t *testing.T) {
	conf := transform.NewConfig()
	conf.SpillDir = t.TempDir()
	conf.KeepDuplicates = []string{"calls_for_service"}
	tr, err := transform.New(conf)
	test.ErrNil(t, err, "New")

	t0 := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := pubsafe.NewRecordSlice(
		call("b", t0, pubsafe.Of("415"), pubsafe.NullValue()),
		call("a", t0, pubsafe.Of("415"), pubsafe.NullValue()),
		call("b", t0.Add(time.Hour), pubsafe.Of("415"), pubsafe.NullValue()),
	)
	_, st := stage(t)
	m, _, err := tr.Transform(context.Background(), pubsafe.CallsForService, recs, st, nil)
	test.ErrNil(t, err, "Transform")
	ids, _ := readIDs(t, m)
	require.Equal(t, []string{"a", "b", "b"}, ids)

	conf.KeepDuplicates = []string{"bogus"}
	if _, err := transform.New(conf); err == nil {
		t.Fatal("expected error for unknown class")
	}
}

const boundaries = `{"type":"FeatureCollection","features":[
{"type":"Feature","properties":{"name":"Downtown"},"geometry":{"type":"Polygon","coordinates":[[[-117.2,32.7],[-117.1,32.7],[-117.1,32.8],[-117.2,32.8],[-117.2,32.7]]]}}
]}`

func TestGeoBucketsFromBoundaries(t *testing.T) {
	b, err := geo.ReadBoundaries(strings.NewReader(boundaries), "name")
	test.ErrNil(t, err, "ReadBoundaries")
	step := transform.GeoBuckets(pubsafe.Incidents, b)
	at := time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC)

	in := incident("1", at, pubsafe.NullValue(), pubsafe.Of(geo.FromLngLat(-117.16, 32.72)))
	step.Apply(in)
	test.MustBe(t, pubsafe.Of("Downtown"), in.Get(pubsafe.FieldGeoBucket))

	out := incident("2", at, pubsafe.NullValue(), pubsafe.Of(pubsafe.LatLng{Lat: 33.1, Lng: -117.3}))
	step.Apply(out)
	test.MustBe(t, pubsafe.NullValue(), out.Get(pubsafe.FieldGeoBucket))
}

func TestGeoBucketsFromGeohash(t *testing.T) {
	conf := transform.NewConfig()
	conf.GeohashPrecision = 5
	tr, err := transform.New(conf)
	test.ErrNil(t, err, "New")
	rec := incident("1", time.Date(2020, 5, 5, 0, 0, 0, 0, time.UTC), pubsafe.Of(int64(30)), pubsafe.Of(pubsafe.LatLng{Lat: 32.72, Lng: -117.16}))
	for _, s := range tr.Steps(pubsafe.Incidents) {
		s.Apply(rec)
	}
	test.MustBe(t, pubsafe.Of("9mudj"), rec.Get(pubsafe.FieldGeoBucket))
	test.MustBe(t, pubsafe.Of("25-34"), rec.Get(pubsafe.FieldAgeBin))
}
