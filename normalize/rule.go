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
	"fmt"
	"strings"

	"github.com/pilosa/pubsafe"
)

// Kind tags the variant of a Rule.
type Kind uint8

const (
	// KindCopy copies the raw key of the same name as the canonical field.
	KindCopy Kind = iota
	// KindRename copies a raw key of a different name.
	KindRename
	// KindConvert passes the raw value through a Converter.
	KindConvert
	// KindCombine passes several raw values through a CombineFunc.
	KindCombine
)

func (k Kind) String() string {
	switch k {
	case KindCopy:
		return "copy"
	case KindRename:
		return "rename"
	case KindConvert:
		return "convert"
	case KindCombine:
		return "combine"
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Converter turns a non-nil raw value into a canonical value of the target
// field's type.
type Converter func(v interface{}) (interface{}, error)

// CombineFunc builds a canonical value from several raw values. Values are
// passed in the order of the rule's From keys; a value which is null or not
// present is passed as nil.
type CombineFunc func(vals []interface{}) (interface{}, error)

// Rule maps raw keys onto one canonical field.
type Rule struct {
	Kind  Kind
	Field string
	// From lists raw keys. For every kind but KindCombine these are
	// alternatives tried in order, which accommodates columns renamed
	// between eras of a source; the first key whose column is present
	// wins.
	From []string

	Conv    Converter
	Combine CombineFunc

	// OnNull, if non-nil, is the value used when the raw value is null.
	OnNull interface{}
	// Lenient rules turn a failed conversion into Null instead of failing
	// the record.
	Lenient bool
}

// Copy maps the raw key named field onto field. Values are converted with the
// default converter for the field's type.
func Copy(field string) Rule {
	return Rule{Kind: KindCopy, Field: field, From: []string{field}}
}

// Rename maps the first present of the raw keys from onto field.
func Rename(field string, from ...string) Rule {
	return Rule{Kind: KindRename, Field: field, From: from}
}

// Convert maps the first present of the raw keys from onto field through
// conv.
func Convert(field string, conv Converter, from ...string) Rule {
	return Rule{Kind: KindConvert, Field: field, From: from, Conv: conv}
}

// Combine maps all of the raw keys from onto field through fn.
func Combine(field string, fn CombineFunc, from ...string) Rule {
	return Rule{Kind: KindCombine, Field: field, From: from, Combine: fn}
}

// WithDefault returns a copy of r which uses v when the raw value is null.
func (r Rule) WithDefault(v interface{}) Rule {
	r.OnNull = v
	return r
}

// AsLenient returns a copy of r whose conversion failures produce Null.
func (r Rule) AsLenient() Rule {
	r.Lenient = true
	return r
}

// Exclusion is a named predicate removing records from a source before they
// are emitted. Doc says, for operators, what the rule removes and why.
type Exclusion struct {
	Name string
	Doc  string
	Pred func(raw *pubsafe.RawRecord) bool
}

// Excludes reports whether raw is removed by e.
func (e Exclusion) Excludes(raw *pubsafe.RawRecord) bool {
	return e.Pred(raw)
}

// FieldEquals returns a predicate matching records whose raw key equals one
// of values, ignoring case and surrounding space.
func FieldEquals(key string, values ...string) func(*pubsafe.RawRecord) bool {
	return func(raw *pubsafe.RawRecord) bool {
		v, ok := raw.Get(key)
		if !ok || v == nil {
			return false
		}
		s := strings.TrimSpace(fmt.Sprint(v))
		for _, val := range values {
			if strings.EqualFold(s, val) {
				return true
			}
		}
		return false
	}
}
