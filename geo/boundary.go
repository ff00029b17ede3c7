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

package geo

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/pilosa/pubsafe"
	"github.com/pkg/errors"
)

// Bucketer assigns a location to a geography bucket.
type Bucketer interface {
	Bucket(ll pubsafe.LatLng) (string, bool)
}

// Area is one named boundary polygon.
type Area struct {
	Name  string
	geom  orb.Geometry
	bound orb.Bound
}

// Vertices returns the outer ring of the area's first polygon.
func (a *Area) Vertices() []pubsafe.LatLng {
	var ring orb.Ring
	switch g := a.geom.(type) {
	case orb.Polygon:
		ring = g[0]
	case orb.MultiPolygon:
		ring = g[0][0]
	}
	out := make([]pubsafe.LatLng, len(ring))
	for i, p := range ring {
		out[i] = FromPoint(p)
	}
	return out
}

// Contains reports whether ll lies inside the area.
func (a *Area) Contains(ll pubsafe.LatLng) bool {
	p := ToPoint(ll)
	if !a.bound.Contains(p) {
		return false
	}
	switch g := a.geom.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	}
	return false
}

// Boundaries is a set of named areas, e.g. police beats or neighborhoods.
type Boundaries struct {
	Areas []*Area
}

var _ Bucketer = &Boundaries{}

// ReadBoundaries reads a GeoJSON FeatureCollection of Polygon and
// MultiPolygon features. Each area is named by the feature property nameProp.
// Areas are kept in name order so lookups are deterministic when areas
// overlap.
func ReadBoundaries(r io.Reader, nameProp string) (*Boundaries, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading boundaries")
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding feature collection")
	}
	b := &Boundaries{}
	for i, f := range fc.Features {
		v, ok := f.Properties[nameProp]
		name := fmt.Sprint(v)
		if !ok || v == nil || name == "" {
			return nil, errors.Errorf("feature %d has no '%s' property", i, nameProp)
		}
		switch f.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			return nil, errors.Errorf("feature %s is a %s, not a polygon", name, f.Geometry.GeoJSONType())
		}
		b.Areas = append(b.Areas, &Area{Name: name, geom: f.Geometry, bound: f.Geometry.Bound()})
	}
	sort.SliceStable(b.Areas, func(i, j int) bool { return b.Areas[i].Name < b.Areas[j].Name })
	return b, nil
}

// LoadBoundaries reads boundaries from the GeoJSON file at path.
func LoadBoundaries(path, nameProp string) (*Boundaries, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening boundary file")
	}
	defer f.Close()
	return ReadBoundaries(f, nameProp)
}

// Bucket returns the name of the first area containing ll.
func (b *Boundaries) Bucket(ll pubsafe.LatLng) (string, bool) {
	for _, a := range b.Areas {
		if a.Contains(ll) {
			return a.Name, true
		}
	}
	return "", false
}
