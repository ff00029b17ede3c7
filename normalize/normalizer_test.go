package normalize_test

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/mock"
	"github.com/pilosa/pubsafe/normalize"
	"github.com/pilosa/pubsafe/test"
	"github.com/pkg/errors"
)

func mustNormalizer(t *testing.T, opts ...normalize.Option) *normalize.Normalizer {
	t.Helper()
	n, err := normalize.New(normalize.NewConfig(), normalize.Builtin(), opts...)
	test.ErrNil(t, err, "new normalizer")
	return n
}

func decode(t *testing.T, s string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	test.ErrNil(t, json.Unmarshal([]byte(s), &m), "decoding raw record")
	return m
}

func incident(t *testing.T) *pubsafe.RawRecord {
	return &pubsafe.RawRecord{
		Source:   pubsafe.SourceGroupA,
		Ingested: time.Now(),
		Fields: decode(t, `{
			"incidentuid": "I-1",
			"incident_date": "2023-03-05T14:30:00.000",
			"agency": "San Diego",
			"crime_against_category": "Property",
			"cibrs_grouped_offense_description": "Larceny/Theft Offenses",
			"cibrs_offense_description": "Motor Vehicle Theft",
			"victim_age": "34",
			"victim_sex": "F",
			"zip_code": "92101",
			"city": "SAN DIEGO",
			"location": {"type": "Point", "coordinates": [-117.16, 32.72]},
			"unmapped_extra": "dropped"
		}`),
	}
}

func TestNormalizeIncident(t *testing.T) {
	n := mustNormalizer(t)
	rec, err := n.Normalize(incident(t))
	test.ErrNil(t, err, "normalizing")

	test.MustBe(t, pubsafe.Incidents, rec.Class)
	test.MustBe(t, "I-1|Motor Vehicle Theft", rec.ID())
	test.MustBe(t, pubsafe.Of(time.Date(2023, 3, 5, 14, 30, 0, 0, time.UTC)), rec.Get(pubsafe.FieldOccurredAt))
	test.MustBe(t, pubsafe.Of("SDPD"), rec.Get(pubsafe.FieldAgencyShort))
	test.MustBe(t, pubsafe.Of(int64(34)), rec.Get(pubsafe.FieldVictimAge))
	test.MustBe(t, pubsafe.Of(pubsafe.LatLng{Lat: 32.72, Lng: -117.16}), rec.Get(pubsafe.FieldLocation))
	test.MustBe(t, pubsafe.Of(true), rec.Get(pubsafe.FieldStolenVehicle), "stolen vehicle from offense")
	test.MustBe(t, pubsafe.Of(false), rec.Get(pubsafe.FieldDomesticViolence), "dv defaults to false")
	// mapped but omitted by the API: null
	test.MustBe(t, pubsafe.NullValue(), rec.Get(pubsafe.FieldVictimRace), "victim race")
	// not in the mapping: absent, never null
	test.MustBe(t, pubsafe.AbsentValue(), rec.Get(pubsafe.FieldClearanceStatus), "clearance status")
	test.MustBe(t, pubsafe.AbsentValue(), rec.Get(pubsafe.FieldOffenseCode), "offense code")
	// derived fields are left to the transformer
	test.MustBe(t, pubsafe.AbsentValue(), rec.Get(pubsafe.FieldYear), "year")
}

func TestUnmappedFieldsAreAbsent(t *testing.T) {
	n := mustNormalizer(t)
	for _, m := range normalize.Builtin() {
		p := m.Presence()
		var raw *pubsafe.RawRecord
		switch m.Source {
		case pubsafe.SourceGroupA:
			raw = incident(t)
		case pubsafe.SourceGroupB:
			raw = &pubsafe.RawRecord{Source: m.Source, Fields: map[string]interface{}{
				"incident_uid": "A-1", "arrest_date": "2022-01-01T00:00:00.000", "offense_code": "90D",
			}}
		case pubsafe.SourceCFS:
			raw = &pubsafe.RawRecord{Source: m.Source, Fields: map[string]interface{}{
				"INCIDENT_NUM": "E1", "DATE_TIME": "2022-01-01 01:02:03",
			}}
		}
		rec, err := n.Normalize(raw)
		test.ErrNil(t, err, m.Source)
		for _, f := range pubsafe.SchemaFor(m.Class).Fields {
			if f.Derived || p[f.Name] {
				continue
			}
			if st := rec.Get(f.Name).State; st != pubsafe.Absent {
				t.Errorf("%s: unmapped field %s is %s", m.Source, f.Name, st)
			}
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := mustNormalizer(t)
	raw := incident(t)
	a, err := n.Normalize(raw)
	test.ErrNil(t, err, "first")
	raw.Ingested = raw.Ingested.Add(time.Hour)
	b, err := n.Normalize(raw)
	test.ErrNil(t, err, "second")
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("normalization not deterministic:\n%#v\n%#v", a, b)
	}
}

func TestExclusion(t *testing.T) {
	stats := &mock.RecordingStatter{}
	n := mustNormalizer(t, normalize.OptStatter(stats))
	raw := &pubsafe.RawRecord{Source: pubsafe.SourceGroupB, Fields: map[string]interface{}{
		"incident_uid": "A-2", "arrest_date": "2022-01-01T00:00:00.000", "offense_code": "90Z",
	}}
	_, err := n.Normalize(raw)
	if errors.Cause(err) != pubsafe.ErrExcluded {
		t.Fatalf("expected ErrExcluded, got %v", err)
	}
	s := n.Stats().Source(pubsafe.SourceGroupB)
	test.MustBe(t, int64(1), s.Excluded)
	test.MustBe(t, int64(1), s.ExcludedBy["catch-all-offense"])
	test.MustBe(t, int64(0), s.Dropped)
	test.MustBe(t, int64(1), stats.Tagged("records_excluded_total", "source:cibrs_group_b", "rule:catch-all-offense"))
}

func TestExclusionPredicate(t *testing.T) {
	ex := normalize.ExcludeCatchAllOffense
	for code, want := range map[string]bool{"90Z": true, "90z": true, " 90Z ": true, "90D": false, "": false} {
		raw := &pubsafe.RawRecord{Fields: map[string]interface{}{"offense_code": code}}
		if got := ex.Excludes(raw); got != want {
			t.Errorf("%q: got %v", code, got)
		}
	}
	if ex.Excludes(&pubsafe.RawRecord{Fields: map[string]interface{}{}}) {
		t.Error("missing code should not be excluded")
	}
}

func TestMalformed(t *testing.T) {
	tests := []struct {
		name  string
		raw   map[string]interface{}
		field string
	}{
		{
			name:  "missing id",
			raw:   map[string]interface{}{"DATE_TIME": "2022-01-01 00:00:00"},
			field: "id",
		},
		{
			name:  "bad timestamp",
			raw:   map[string]interface{}{"INCIDENT_NUM": "E1", "DATE_TIME": "yesterday"},
			field: "occurred_at",
		},
		{
			name:  "absent timestamp",
			raw:   map[string]interface{}{"INCIDENT_NUM": "E1", "DATE_TIME": pubsafe.NotPresent, "date_time": pubsafe.NotPresent},
			field: "occurred_at",
		},
	}
	n := mustNormalizer(t)
	for _, tst := range tests {
		t.Run(tst.name, func(t *testing.T) {
			_, err := n.Normalize(&pubsafe.RawRecord{Source: pubsafe.SourceCFS, Fields: tst.raw})
			var ne *pubsafe.NormalizationError
			if !errors.As(err, &ne) {
				t.Fatalf("expected NormalizationError, got %v", err)
			}
			test.MustBe(t, tst.field, ne.Field)
		})
	}
	test.MustBe(t, int64(3), n.Stats().Source(pubsafe.SourceCFS).Dropped)
}

func TestLenientConversion(t *testing.T) {
	n := mustNormalizer(t)
	rec, err := n.Normalize(&pubsafe.RawRecord{Source: pubsafe.SourceCFS, Fields: map[string]interface{}{
		"INCIDENT_NUM": "E1", "DATE_TIME": "2022-01-01 00:00:00", "PRIORITY": "high",
	}})
	test.ErrNil(t, err, "normalizing")
	test.MustBe(t, pubsafe.NullValue(), rec.Get(pubsafe.FieldPriority))
	test.MustBe(t, int64(1), n.Stats().Source(pubsafe.SourceCFS).Coerced)
}

func TestColumnDrift(t *testing.T) {
	n := mustNormalizer(t)
	older, err := n.Normalize(&pubsafe.RawRecord{Source: pubsafe.SourceCFS, Fields: map[string]interface{}{
		"INCIDENT_NUM": pubsafe.NotPresent, "incident_num": "E1",
		"DATE_TIME": pubsafe.NotPresent, "date_time": "2015-01-01 00:00:00",
		"BEAT": pubsafe.NotPresent, "beat": pubsafe.NotPresent,
		"CALL_TYPE": nil,
	}})
	test.ErrNil(t, err, "older")
	test.MustBe(t, "E1", older.ID())
	test.MustBe(t, pubsafe.AbsentValue(), older.Get(pubsafe.FieldBeat), "beat")
	test.MustBe(t, pubsafe.NullValue(), older.Get(pubsafe.FieldCallType), "call type")
}

func TestDropThreshold(t *testing.T) {
	n := mustNormalizer(t)
	good := map[string]interface{}{"INCIDENT_NUM": "E1", "DATE_TIME": "2022-01-01 00:00:00"}
	for i := 0; i < 19; i++ {
		_, err := n.Normalize(&pubsafe.RawRecord{Source: pubsafe.SourceCFS, Fields: good})
		test.ErrNil(t, err, "good record")
	}
	_, _ = n.Normalize(&pubsafe.RawRecord{Source: pubsafe.SourceCFS, Fields: map[string]interface{}{}})
	test.ErrNil(t, n.Check(), "5% dropped is within threshold")

	_, _ = n.Normalize(&pubsafe.RawRecord{Source: pubsafe.SourceCFS, Fields: map[string]interface{}{}})
	if err := n.Check(); err == nil {
		t.Fatal("expected drop rate error")
	}
}

func TestPresence(t *testing.T) {
	p, err := normalize.Presence(pubsafe.SourceGroupB)
	test.ErrNil(t, err, "presence")
	test.MustBe(t, true, p[pubsafe.FieldOffenseCode])
	test.MustBe(t, false, p[pubsafe.FieldLocation])
	if _, ok := p[pubsafe.FieldYear]; ok {
		t.Fatal("derived fields are not part of a mapping's presence")
	}
	if _, err := normalize.Presence("nope"); err == nil {
		t.Fatal("expected error for unknown source")
	}
}

func TestBadMappings(t *testing.T) {
	tests := map[string]*normalize.Mapping{
		"unknown field": {Source: "x", Class: pubsafe.CallsForService, Rules: []normalize.Rule{
			normalize.Copy("id"), normalize.Copy("occurred_at"), normalize.Copy("nope"),
		}},
		"derived field": {Source: "x", Class: pubsafe.CallsForService, Rules: []normalize.Rule{
			normalize.Copy("id"), normalize.Copy("occurred_at"), normalize.Copy("year"),
		}},
		"missing required": {Source: "x", Class: pubsafe.CallsForService, Rules: []normalize.Rule{
			normalize.Copy("id"),
		}},
		"duplicate": {Source: "x", Class: pubsafe.CallsForService, Rules: []normalize.Rule{
			normalize.Copy("id"), normalize.Copy("occurred_at"), normalize.Rename("id", "other"),
		}},
	}
	for name, m := range tests {
		if _, err := normalize.New(normalize.NewConfig(), []*normalize.Mapping{m}); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
