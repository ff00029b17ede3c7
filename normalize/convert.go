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

package normalize

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pilosa/pubsafe"
	"github.com/pilosa/pubsafe/geo"
	"github.com/pkg/errors"
)

// TimeLayouts are tried in order by Timestamp. Times without a zone are
// taken as UTC wall clock so derived hours match the source.
var TimeLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.RFC3339Nano,
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

// Timestamp converts a string in any of TimeLayouts to a UTC time.Time.
func Timestamp(v interface{}) (interface{}, error) {
	if t, ok := v.(time.Time); ok {
		return t.UTC(), nil
	}
	s := strings.TrimSpace(toString(v))
	for _, layout := range TimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return nil, errors.Errorf("unparseable timestamp '%s'", s)
}

// String converts scalars to a trimmed string.
func String(v interface{}) (interface{}, error) {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		return nil, errors.Errorf("can't use %T as string", v)
	}
	return strings.TrimSpace(toString(v)), nil
}

// Upper converts scalars to a trimmed upper case string.
func Upper(v interface{}) (interface{}, error) {
	s, err := String(v)
	if err != nil {
		return nil, err
	}
	return strings.ToUpper(s.(string)), nil
}

// Int converts integral values and strings. Floats with no fractional part,
// such as "3.0", are accepted.
func Int(v interface{}) (interface{}, error) {
	switch vt := v.(type) {
	case int64:
		return vt, nil
	case int:
		return int64(vt), nil
	case float64:
		if vt != float64(int64(vt)) {
			return nil, errors.Errorf("%v is not an integer", vt)
		}
		return int64(vt), nil
	}
	s := strings.TrimSpace(toString(v))
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return nil, errors.Errorf("'%s' is not an integer", s)
	}
	return int64(f), nil
}

// Float converts numeric values and strings.
func Float(v interface{}) (interface{}, error) {
	switch vt := v.(type) {
	case float64:
		return vt, nil
	case int64:
		return float64(vt), nil
	}
	s := strings.TrimSpace(toString(v))
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, errors.Errorf("'%s' is not a number", s)
	}
	return f, nil
}

// Bool converts booleans and the usual string spellings of them.
func Bool(v interface{}) (interface{}, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	switch strings.ToLower(strings.TrimSpace(toString(v))) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	}
	return nil, errors.Errorf("'%v' is not a boolean", v)
}

// Point converts a GeoJSON point, which is ordered (longitude, latitude), to
// a pubsafe.LatLng.
func Point(v interface{}) (interface{}, error) {
	ll, err := geo.ParsePoint(v)
	if err != nil {
		return nil, err
	}
	return ll, nil
}

// Lookup returns a Converter mapping codes through table. Codes missing from
// the table are an error.
func Lookup(table map[string]string) Converter {
	return func(v interface{}) (interface{}, error) {
		code := strings.TrimSpace(toString(v))
		out, ok := table[code]
		if !ok {
			return nil, errors.Errorf("no entry for code '%s'", code)
		}
		return out, nil
	}
}

type agencyRule struct {
	match    string
	contains bool
	short    string
}

// agencyRules are applied in order; the first match wins.
var agencyRules = []agencyRule{
	{match: "SAN DIEGO", short: "SDPD"},
	{match: "SHERIFF", contains: true, short: "SDSO"},
	{match: "SD COUNTY", contains: true, short: "SDSO"},
	{match: "CHULA VISTA", short: "CVPD"},
	{match: "OCEANSIDE", short: "OPD"},
	{match: "ESCONDIDO", short: "EPD"},
	{match: "CARLSBAD", short: "CPD"},
	{match: "EL CAJON", short: "ECPD"},
	{match: "NATIONAL CITY", short: "NCPD"},
	{match: "LA MESA", short: "LMPD"},
	{match: "CORONADO", short: "CoronPD"},
	{match: "VISTA", short: "VPD"},
}

// AgencyShort maps an agency name to its short code, e.g. "San Diego" to
// "SDPD". Unknown agencies are upper cased with spaces removed.
func AgencyShort(v interface{}) (interface{}, error) {
	name := strings.ToUpper(strings.TrimSpace(toString(v)))
	for _, r := range agencyRules {
		if (r.contains && strings.Contains(name, r.match)) || name == r.match {
			return r.short, nil
		}
	}
	return strings.Replace(name, " ", "", -1), nil
}

func toString(v interface{}) string {
	switch vt := v.(type) {
	case string:
		return vt
	case json.Number:
		return vt.String()
	case float64:
		return strconv.FormatFloat(vt, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(vt)
	}
	return fmt.Sprint(v)
}

// defaultConverter is used by Copy and Rename rules.
func defaultConverter(t pubsafe.FieldType) Converter {
	switch t {
	case pubsafe.TypeInt:
		return Int
	case pubsafe.TypeFloat:
		return Float
	case pubsafe.TypeBool:
		return Bool
	case pubsafe.TypeTime:
		return Timestamp
	case pubsafe.TypeLocation:
		return Point
	}
	return String
}
