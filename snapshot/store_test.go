package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/snapshot"
	"github.com/pilosa/pubsafe/test"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *snapshot.Store {
	t.Helper()
	opts := snapshot.NewOptions()
	opts.Dir = t.TempDir()
	opts.LockTimeout = 50 * time.Millisecond
	opts.RowGroupSize = 2
	s, err := snapshot.Open(opts)
	require.NoError(t, err)
	return s
}

func call(id string, at time.Time, callType pubsafe.Value, source string) *pubsafe.Record {
	rec := pubsafe.NewRecord(pubsafe.CallsForService, source)
	rec.Set(pubsafe.FieldID, pubsafe.Of(id))
	rec.Set(pubsafe.FieldOccurredAt, pubsafe.Of(at))
	rec.Set(pubsafe.FieldCallType, callType)
	rec.Set(pubsafe.FieldPriority, pubsafe.NullValue())
	rec.Set(pubsafe.FieldYear, pubsafe.Of(int64(at.Year())))
	return rec
}

var callPresence = pubsafe.SourcePresence{pubsafe.SourceCFS: {pubsafe.FieldID: true, pubsafe.FieldCallType: true}}

func stageCalls(t *testing.T, lock *snapshot.Lock, version string, recs ...*pubsafe.Record) *snapshot.Stage {
	t.Helper()
	st := lock.Stage(version)
	w, err := st.SnapshotWriter(pubsafe.CallsForService, callPresence)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, w.WriteRecord(r))
	}
	m, err := w.Close()
	require.NoError(t, err)
	require.Equal(t, int64(len(recs)), m.Rows)
	return st
}

func TestRoundTrip(t *testing.T) {
	s := newStore(t)
	lock, err := s.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	at := time.Date(2019, 3, 4, 5, 6, 7, 8000, time.UTC)
	in := []*pubsafe.Record{
		call("a", at, pubsafe.Of("415"), pubsafe.SourceCFS),
		call("b", at.Add(time.Hour), pubsafe.NullValue(), pubsafe.SourceCFS),
		call("c", at.Add(2*time.Hour), pubsafe.AbsentValue(), pubsafe.SourceCFS),
	}
	st := stageCalls(t, lock, "v1", in...)
	m, ok := st.Snapshot(pubsafe.CallsForService)
	require.True(t, ok)

	var out []*pubsafe.Record
	err = snapshot.ScanRows(context.Background(), m.DataPath(), m.Layout(), func(rows *snapshot.Rows) error {
		for i := 0; i < rows.Len(); i++ {
			out = append(out, &pubsafe.Record{
				Class:  pubsafe.CallsForService,
				Source: rows.Source(i),
				Values: rows.Values(i, nil),
			})
		}
		return nil
	})
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestScanColumns(t *testing.T) {
	s := newStore(t)
	lock, err := s.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	st := stageCalls(t, lock, "v1", call("a", at, pubsafe.Of("415"), pubsafe.SourceCFS))
	m, _ := st.Snapshot(pubsafe.CallsForService)
	cols, err := m.Layout().Columns(pubsafe.FieldCallType)
	require.NoError(t, err)

	idx := m.Schema().MustIndex(pubsafe.FieldCallType)
	idIdx := m.Schema().MustIndex(pubsafe.FieldID)
	err = snapshot.ScanRows(context.Background(), m.DataPath(), m.Layout(), func(rows *snapshot.Rows) error {
		require.Equal(t, pubsafe.Of("415"), rows.Value(0, idx))
		require.Equal(t, pubsafe.Absent, rows.Value(0, idIdx).State)
		return nil
	}, snapshot.WithColumns(cols...))
	require.NoError(t, err)

	if _, err := m.Layout().Columns("nope"); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestPublish(t *testing.T) {
	s := newStore(t)
	if _, err := s.Published(); errors.Cause(err) != pubsafe.ErrNoSnapshot {
		t.Fatalf("expected ErrNoSnapshot before first publish, got %v", err)
	}
	lock, err := s.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, v := range []string{"v1", "v2", "v3"} {
		st := stageCalls(t, lock, v, call("a", at, pubsafe.Of("415"), pubsafe.SourceCFS))
		pub, err := lock.Publish(st)
		require.NoError(t, err)
		require.Equal(t, v, pub.Version)
		m, err := s.Snapshot(pubsafe.CallsForService)
		require.NoError(t, err)
		require.Equal(t, v, m.Version)
		require.Equal(t, callPresence, m.Presence)

		hist, err := lock.History(0)
		require.NoError(t, err)
		require.Len(t, hist, i+1)
		require.Equal(t, v, hist[0].Version)
	}

	// Retain is 2, so v1 is gone.
	dirs, err := filepath.Glob(filepath.Join(s.Dir(), snapshot.SnapshotsDir, string(pubsafe.CallsForService), "*"))
	require.NoError(t, err)
	require.Len(t, dirs, 2)
	for _, d := range dirs {
		if filepath.Base(d) == "v1" {
			t.Fatal("v1 should have been pruned")
		}
	}
}

func TestPrunedVersionIsRetired(t *testing.T) {
	s := newStore(t)
	lock, err := s.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = lock.Publish(stageCalls(t, lock, "v1", call("a", at, pubsafe.Of("415"), pubsafe.SourceCFS)))
	require.NoError(t, err)
	old, err := s.Published()
	require.NoError(t, err)
	m, err := s.Snapshot(pubsafe.CallsForService)
	require.NoError(t, err)

	for _, v := range []string{"v2", "v3"} {
		_, err := lock.Publish(stageCalls(t, lock, v, call("a", at, pubsafe.Of("415"), pubsafe.SourceCFS)))
		require.NoError(t, err)
	}

	_, err = s.Manifest(old.Snapshots[pubsafe.CallsForService])
	require.True(t, errors.Is(err, snapshot.ErrRetired), "%v", err)
	err = snapshot.ScanRows(context.Background(), m.DataPath(), m.Layout(), func(*snapshot.Rows) error { return nil })
	require.True(t, errors.Is(err, snapshot.ErrRetired), "%v", err)

	// the current version still reads
	cur, err := s.Snapshot(pubsafe.CallsForService)
	require.NoError(t, err)
	require.Equal(t, "v3", cur.Version)
}

func TestPublishVerifiesChecksums(t *testing.T) {
	s := newStore(t)
	lock, err := s.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = lock.Publish(stageCalls(t, lock, "v1", call("a", at, pubsafe.Of("415"), pubsafe.SourceCFS)))
	require.NoError(t, err)
	before := test.MustReadFile(t, filepath.Join(s.Dir(), snapshot.PublishedFile))

	st := stageCalls(t, lock, "v2", call("b", at, pubsafe.Of("415"), pubsafe.SourceCFS))
	m, _ := st.Snapshot(pubsafe.CallsForService)
	f, err := os.OpenFile(m.DataPath(), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("tampered")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	if _, err := lock.Publish(st); err == nil {
		t.Fatal("expected checksum mismatch")
	}
	require.Equal(t, before, test.MustReadFile(t, filepath.Join(s.Dir(), snapshot.PublishedFile)))

	require.NoError(t, st.Discard())
	if _, err := os.Stat(m.Dir()); !os.IsNotExist(err) {
		t.Fatalf("staged directory should be removed, got %v", err)
	}
}

func TestLock(t *testing.T) {
	s := newStore(t)
	lock, err := s.Lock()
	require.NoError(t, err)
	if _, err := s.Lock(); err != snapshot.ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	require.NoError(t, lock.Unlock())
	lock, err = s.Lock()
	require.NoError(t, err)
	require.NoError(t, lock.Unlock())
}

func TestAggregateFreshness(t *testing.T) {
	s := newStore(t)
	lock, err := s.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	at := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	st := stageCalls(t, lock, "v1", call("a", at, pubsafe.Of("415"), pubsafe.SourceCFS))
	src, _ := st.Snapshot(pubsafe.CallsForService)
	schema := pubsafe.NewSchema(pubsafe.CallsForService, []pubsafe.Field{
		{Name: pubsafe.FieldYear, Type: pubsafe.TypeInt},
		{Name: "total_calls", Type: pubsafe.TypeInt},
	})
	w, err := st.AggregateWriter("cfs_yearly", schema, src)
	require.NoError(t, err)
	require.NoError(t, w.Write([]pubsafe.Value{pubsafe.Of(int64(2020)), pubsafe.Of(int64(1))}, ""))
	agg, err := w.Close()
	require.NoError(t, err)

	pub, err := lock.Publish(st)
	require.NoError(t, err)
	require.Contains(t, pub.Aggregates, "cfs_yearly")
	require.True(t, pub.Fresh(agg))

	// A new snapshot without a rebuilt table retires the old table.
	pub, err = lock.Publish(stageCalls(t, lock, "v2", call("a", at, pubsafe.Of("415"), pubsafe.SourceCFS)))
	require.NoError(t, err)
	require.NotContains(t, pub.Aggregates, "cfs_yearly")
	require.False(t, pub.Fresh(agg))
}

func TestRecordRun(t *testing.T) {
	s := newStore(t)
	lock, err := s.Lock()
	require.NoError(t, err)
	defer lock.Unlock()

	run := &snapshot.Run{ID: "r1", Error: "boom", Rows: map[pubsafe.Class]int64{pubsafe.Arrests: 3}}
	require.NoError(t, lock.RecordRun(run))
	got, err := lock.Run("r1")
	require.NoError(t, err)
	require.Equal(t, run, got)
}
