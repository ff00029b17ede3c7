package pubsafe_test

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/test"
	"github.com/stretchr/testify/require"
)

func TestValueStates(t *testing.T) {
	vals := []pubsafe.Value{
		pubsafe.Of("SDPD"),
		pubsafe.Of(int64(0)),
		pubsafe.NullValue(),
		pubsafe.AbsentValue(),
	}
	data, err := json.Marshal(vals)
	test.ErrNil(t, err, "Marshal")
	test.MustBe(t, `["SDPD",0,null,{"not_present":true}]`, string(data))

	test.MustBe(t, "<null>", pubsafe.NullValue().String())
	test.MustBe(t, "<not present>", pubsafe.AbsentValue().String())
	if pubsafe.AbsentValue() == pubsafe.NullValue() {
		t.Fatal("absent and null values compare equal")
	}
	if !pubsafe.IsNotPresent(pubsafe.AbsentValue().Interface()) {
		t.Fatal("absent value does not unwrap to NotPresent")
	}
	if pubsafe.NullValue().Interface() != nil {
		t.Fatal("null value does not unwrap to nil")
	}
}

func TestRawRecordGet(t *testing.T) {
	raw := &pubsafe.RawRecord{Fields: map[string]interface{}{
		"beat":      "521",
		"priority":  nil,
		"call_type": pubsafe.NotPresent,
	}}
	v, ok := raw.Get("beat")
	test.MustBe(t, true, ok)
	test.MustBe(t, "521", v)
	_, ok = raw.Get("priority")
	test.MustBe(t, true, ok, "null is present")
	_, ok = raw.Get("call_type")
	test.MustBe(t, false, ok, "NotPresent")
	_, ok = raw.Get("missing")
	test.MustBe(t, false, ok, "missing")
}

func TestRecord(t *testing.T) {
	rec := pubsafe.NewRecord(pubsafe.CallsForService, pubsafe.SourceCFS)
	for _, v := range rec.Values {
		test.MustBe(t, pubsafe.Absent, v.State)
	}
	test.MustBe(t, "", rec.ID())
	rec.Set(pubsafe.FieldID, pubsafe.Of("E16000001"))
	rec.Set(pubsafe.FieldPriority, pubsafe.Of(int64(2)))
	test.MustBe(t, "E16000001", rec.ID())
	test.MustBe(t, pubsafe.Of(int64(2)), rec.Get(pubsafe.FieldPriority))

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic setting a field of another class")
		}
	}()
	rec.Set(pubsafe.FieldVictimRace, pubsafe.Of("W"))
}

func TestSchemas(t *testing.T) {
	for _, class := range pubsafe.Classes {
		s := pubsafe.SchemaFor(class)
		test.MustBe(t, class, s.Class)
		for _, name := range []string{pubsafe.FieldID, pubsafe.FieldOccurredAt, pubsafe.FieldYear, pubsafe.FieldMonthStart} {
			f, ok := s.Field(name)
			if !ok {
				t.Fatalf("%s has no field %s", class, name)
			}
			test.MustBe(t, name == pubsafe.FieldID || name == pubsafe.FieldOccurredAt, f.Required, string(class)+" "+name)
		}
		seen := map[string]bool{}
		for i, name := range s.Names() {
			if seen[name] {
				t.Fatalf("%s: duplicate field %s", class, name)
			}
			seen[name] = true
			test.MustBe(t, i, s.MustIndex(name))
		}
	}
	if _, ok := pubsafe.SchemaFor(pubsafe.Arrests).Field(pubsafe.FieldVictimRace); ok {
		t.Fatal("arrests should not carry victim fields")
	}

	c, err := pubsafe.ParseClass("calls_for_service")
	test.ErrNil(t, err, "ParseClass")
	test.MustBe(t, pubsafe.CallsForService, c)
	if _, err := pubsafe.ParseClass("parking"); err == nil {
		t.Fatal("expected error for unknown class")
	}

	var ft pubsafe.FieldType
	require.NoError(t, ft.UnmarshalText([]byte("location")))
	test.MustBe(t, pubsafe.TypeLocation, ft)
	require.Error(t, ft.UnmarshalText([]byte("blob")))
}

func TestSourcePresence(t *testing.T) {
	sp := pubsafe.SourcePresence{
		"2015": pubsafe.Presence{pubsafe.FieldBeat: false, pubsafe.FieldCallType: true},
		"2016": pubsafe.Presence{pubsafe.FieldBeat: true},
	}
	test.MustBe(t, true, sp.Any(pubsafe.FieldBeat))
	test.MustBe(t, true, sp.Any(pubsafe.FieldCallType))
	test.MustBe(t, false, sp.Any(pubsafe.FieldDisposition))
}

type sliceSource struct {
	id   string
	recs []*pubsafe.RawRecord
}

func (s sliceSource) ID() string { return s.id }

func (s sliceSource) Open(ctx context.Context, since time.Time) (pubsafe.Stream, error) {
	return pubsafe.NewSliceStream(s.recs...), nil
}

func TestFetcher(t *testing.T) {
	a := sliceSource{id: "a", recs: []*pubsafe.RawRecord{{Source: "a"}, {Source: "a"}}}
	b := sliceSource{id: "b"}
	f, err := pubsafe.NewFetcher(b, a)
	test.ErrNil(t, err, "NewFetcher")
	require.Equal(t, []string{"a", "b"}, f.Sources())

	stream, err := f.Fetch(context.Background(), "a", time.Time{})
	test.ErrNil(t, err, "Fetch")
	n := 0
	for {
		_, err := stream.Record()
		if err == io.EOF {
			break
		}
		test.ErrNil(t, err, "Record")
		n++
	}
	test.MustBe(t, 2, n)
	test.ErrNil(t, stream.Close(), "Close")

	_, err = f.Fetch(context.Background(), "c", time.Time{})
	if err == nil || !strings.Contains(err.Error(), "unknown source") {
		t.Fatalf("expected unknown source error, got %v", err)
	}
	if _, err := pubsafe.NewFetcher(a, a); err == nil {
		t.Fatal("expected error for duplicate source ids")
	}
}

func TestValidationError(t *testing.T) {
	err := &pubsafe.ValidationError{Violations: []pubsafe.Violation{
		{Check: "row_count", Class: pubsafe.Arrests, Severity: pubsafe.Fatal, Message: "0 rows"},
		{Check: "null_rate", Class: pubsafe.Arrests, Severity: pubsafe.Warning, Message: "agency 30% null"},
	}}
	msg := err.Error()
	if !strings.Contains(msg, "1 fatal violation(s)") || !strings.Contains(msg, "row_count") || strings.Contains(msg, "null_rate") {
		t.Fatalf("unexpected message %q", msg)
	}
}
