package geo_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/geo"
	"github.com/pilosa/pubsafe/test"
)

const beats = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"beat": 521},
      "geometry": {
        "type": "Polygon",
        "coordinates": [[[-117.16, 32.72], [-117.10, 32.72], [-117.10, 32.76], [-117.16, 32.76], [-117.16, 32.72]]]
      }
    },
    {
      "type": "Feature",
      "properties": {"beat": "Downtown"},
      "geometry": {
        "type": "MultiPolygon",
        "coordinates": [[[[-117.20, 32.70], [-117.17, 32.70], [-117.17, 32.73], [-117.20, 32.73], [-117.20, 32.70]]]]
      }
    }
  ]
}`

func TestBoundaryCoordinateOrder(t *testing.T) {
	b, err := geo.ReadBoundaries(strings.NewReader(beats), "beat")
	test.ErrNil(t, err, "reading boundaries")
	if len(b.Areas) != 2 {
		t.Fatalf("expected 2 areas, got %d", len(b.Areas))
	}
	var area *geo.Area
	for _, a := range b.Areas {
		if a.Name == "521" {
			area = a
		}
	}
	if area == nil {
		t.Fatalf("no area 521 in %v", b.Areas)
	}
	first := area.Vertices()[0]
	test.MustBe(t, pubsafe.LatLng{Lat: 32.72, Lng: -117.16}, first, "first vertex")
}

func TestBoundaryBucket(t *testing.T) {
	b, err := geo.ReadBoundaries(strings.NewReader(beats), "beat")
	test.ErrNil(t, err, "reading boundaries")

	tests := []struct {
		ll   pubsafe.LatLng
		name string
		ok   bool
	}{
		{ll: pubsafe.LatLng{Lat: 32.74, Lng: -117.13}, name: "521", ok: true},
		{ll: pubsafe.LatLng{Lat: 32.71, Lng: -117.18}, name: "Downtown", ok: true},
		// swapped coordinates must not match anything
		{ll: pubsafe.LatLng{Lat: -117.13, Lng: 32.74}},
		{ll: pubsafe.LatLng{Lat: 33.0, Lng: -117.0}},
	}
	for _, tst := range tests {
		name, ok := b.Bucket(tst.ll)
		if name != tst.name || ok != tst.ok {
			t.Errorf("%v: got %s, %v, want %s, %v", tst.ll, name, ok, tst.name, tst.ok)
		}
	}
}

func TestParsePoint(t *testing.T) {
	var loc map[string]interface{}
	err := json.Unmarshal([]byte(`{"type": "Point", "coordinates": [-117.16, 32.72]}`), &loc)
	test.ErrNil(t, err, "unmarshal")
	ll, err := geo.ParsePoint(loc)
	test.ErrNil(t, err, "parsing point")
	test.MustBe(t, pubsafe.LatLng{Lat: 32.72, Lng: -117.16}, ll)

	if _, err := geo.ParsePoint(`{"type": "LineString", "coordinates": [[0, 0], [1, 1]]}`); err == nil {
		t.Fatal("expected error for non-point geometry")
	}
	if _, err := geo.ParsePoint(12); err == nil {
		t.Fatal("expected error for non-geometry value")
	}
}

func TestBBox(t *testing.T) {
	if !geo.SanDiegoCounty.Contains(pubsafe.LatLng{Lat: 32.72, Lng: -117.16}) {
		t.Fatal("downtown should be inside the county")
	}
	if !geo.SanDiegoCounty.Contains(geo.FromLngLat(-117.16, 32.72)) {
		t.Fatal("FromLngLat should swap into (lat, lng)")
	}
	if geo.SanDiegoCounty.Contains(pubsafe.LatLng{Lat: 0, Lng: 0}) {
		t.Fatal("null island should be outside the county")
	}
}

func TestGeohash(t *testing.T) {
	g := geo.Geohash{Precision: 5}
	cell, ok := g.Bucket(pubsafe.LatLng{Lat: 32.72, Lng: -117.16})
	if !ok || len(cell) != 5 || cell != "9mudj" {
		t.Fatalf("unexpected cell %s", cell)
	}
}
