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

// Package geo handles coordinates and geography buckets. Every file format
// this package reads orders coordinates (longitude, latitude); everything it
// returns is a pubsafe.LatLng.
package geo

import (
	"encoding/json"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// FromLngLat converts a (longitude, latitude) pair.
func FromLngLat(lng, lat float64) pubsafe.LatLng {
	return pubsafe.LatLng{Lat: lat, Lng: lng}
}

// FromPoint converts an orb.Point, which is (longitude, latitude).
func FromPoint(p orb.Point) pubsafe.LatLng {
	return FromLngLat(p.Lon(), p.Lat())
}

// ToPoint converts ll to an orb.Point.
func ToPoint(ll pubsafe.LatLng) orb.Point {
	return orb.Point{ll.Lng, ll.Lat}
}

// ParsePoint converts a decoded GeoJSON point geometry, e.g.
// {"type": "Point", "coordinates": [-117.16, 32.72]}, as found in SODA
// location columns.
func ParsePoint(v interface{}) (pubsafe.LatLng, error) {
	var raw []byte
	switch vt := v.(type) {
	case string:
		raw = []byte(vt)
	case []byte:
		raw = vt
	case map[string]interface{}:
		var err error
		raw, err = json.Marshal(vt)
		if err != nil {
			return pubsafe.LatLng{}, errors.Wrap(err, "re-encoding geometry")
		}
	default:
		return pubsafe.LatLng{}, errors.Errorf("unsupported geometry value %T", v)
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return pubsafe.LatLng{}, errors.Wrap(err, "decoding geometry")
	}
	p, ok := g.Geometry().(orb.Point)
	if !ok {
		return pubsafe.LatLng{}, errors.Errorf("geometry is %s, not Point", g.Geometry().GeoJSONType())
	}
	return FromPoint(p), nil
}

// BBox is an axis-aligned bounding box.
type BBox struct {
	MinLat float64 `toml:"min-lat"`
	MaxLat float64 `toml:"max-lat"`
	MinLng float64 `toml:"min-lng"`
	MaxLng float64 `toml:"max-lng"`
}

// SanDiegoCounty bounds the county's law enforcement jurisdictions.
var SanDiegoCounty = BBox{MinLat: 32.5, MaxLat: 33.3, MinLng: -117.7, MaxLng: -116.8}

// Contains reports whether ll lies within b, edges included.
func (b BBox) Contains(ll pubsafe.LatLng) bool {
	return ll.Lat >= b.MinLat && ll.Lat <= b.MaxLat && ll.Lng >= b.MinLng && ll.Lng <= b.MaxLng
}
