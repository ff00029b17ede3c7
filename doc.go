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

// pubsafe ingests public-safety open data (crime incidents, arrests and
// calls for service) for a municipality, normalizes it into columnar
// snapshots, and answers aggregate queries against those snapshots.
//
// Of principal importance is the batch pipeline. Interfaces and the basic
// types shared by each stage live in this package, and the implementations of
// each stage are in sub-packages.
//
// 1. Source
//
//    A pubsafe.Source knows how to get records out of one upstream system -
//    a paginated SODA API (package soda) or a set of delimited files whose
//    columns drift from year to year (package csv). Sources return
//    RawRecords, which are opaque maps of whatever the upstream delivered.
//    It is not the job of the Source to massage the data; that falls to the
//    Normalizer. The one exception is column drift: a flat-file Source unions
//    columns by name and marks columns a given file lacks as NotPresent, since
//    only the Source can tell "column missing" apart from "cell empty".
//
// 2. Normalizer
//
//    The Normalizer (package normalize) maps a RawRecord onto the canonical
//    Schema of its dataset Class using a declarative per-source mapping table.
//    Every canonical field ends up in one of three states: Set, Null (the
//    source has the field but this record left it empty), or Absent (the
//    source does not populate the field at all). Downstream code consults
//    these states, and the presence flags derived from the mapping tables,
//    rather than assuming a column exists.
//
// 3. Transformer
//
//    The Transformer (package transform) joins calls for service against
//    reference tables, derives time and geography buckets, deduplicates, and
//    writes a new Snapshot version (package snapshot).
//
// 4. Validator
//
//    The Validator (package validate) gates publication. Fatal violations
//    abort the run and the previously published snapshot set stays in place.
//
// 5. Query Engine
//
//    The Engine (package query) answers filtered, grouped aggregations
//    against published snapshots, preferring precomputed aggregation tables,
//    each query running inside its own bounded-memory execution context.
package pubsafe
