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

package query

import (
	"sync/atomic"

	"github.com/apache/arrow/go/v10/arrow/memory"
	"github.com/pilosa/pubsafe"
)

// budget accounts the memory of one query against its limit.
type budget struct {
	limit    int64
	used     atomic.Int64
	exceeded atomic.Int64
}

func newBudget(limit int64) *budget {
	return &budget{limit: limit}
}

// reserve accounts n more bytes. It fails once the limit is passed, and
// every later call to err fails too.
func (b *budget) reserve(n int64) error {
	used := b.used.Add(n)
	if used <= b.limit {
		return nil
	}
	b.exceeded.CompareAndSwap(0, used)
	return b.err()
}

func (b *budget) release(n int64) { b.used.Add(-n) }

// err returns a *pubsafe.ResourceExceededError if the limit was ever
// passed.
func (b *budget) err() error {
	if req := b.exceeded.Load(); req != 0 {
		return &pubsafe.ResourceExceededError{Resource: "query memory", Limit: b.limit, Requested: req}
	}
	return nil
}

// limitedAllocator accounts every arrow buffer of a query against its
// budget. Arrow allocations cannot fail, so an allocation over the limit is
// served and the query is stopped at the next batch boundary.
type limitedAllocator struct {
	mem    memory.Allocator
	budget *budget
}

var _ memory.Allocator = &limitedAllocator{}

func newAllocator(b *budget) *limitedAllocator {
	return &limitedAllocator{mem: memory.NewGoAllocator(), budget: b}
}

func (a *limitedAllocator) Allocate(size int) []byte {
	_ = a.budget.reserve(int64(size))
	return a.mem.Allocate(size)
}

func (a *limitedAllocator) Reallocate(size int, b []byte) []byte {
	_ = a.budget.reserve(int64(size - len(b)))
	return a.mem.Reallocate(size, b)
}

func (a *limitedAllocator) Free(b []byte) {
	a.budget.release(int64(len(b)))
	a.mem.Free(b)
}
