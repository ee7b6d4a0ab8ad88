// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package arena implements a region based bump allocator.
//
// An Arena owns a singly linked chain of fixed size regions. Allocations are
// served by advancing an offset within the first region (in chain order) that
// has room for the request, appending a new region to the tail of the chain
// when none does. Every allocation is prefixed by an 8 byte header recording
// its logical size:
//
//	region.buf
//	+--------+-----------+--------+-------+-----------------+
//	| size=n | n bytes   | size=m | m ... |   unused        |
//	+--------+-----------+--------+-------+-----------------+
//	                                      ^
//	                                      region.offset
//
// There is no free list. Free only reclaims space when the block being freed
// is the trailing allocation of its region (the block that ends exactly at the
// region's offset), and Realloc only grows in place under the same condition.
// Any other freed or outgrown block stays in its region as garbage until the
// Arena is torn down with Deinit. This makes the Arena suitable for bulk,
// short lived workloads where most memory is released at once.
//
// Allocation failure is unrecoverable through Alloc, Realloc, Clone and Init:
// they panic with an error describing the failing request. TryAlloc surfaces
// the same failure as an error value.
//
// An Arena is NOT goroutine-safe.
package arena

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	debug = false

	// DefaultCapacity is the size of the regions an Arena appends when a
	// request fits in a default sized region: 2 pages of 4KB, the most common
	// page size.
	DefaultCapacity = 2 * 4096

	headerSize = 8
)

// ErrBackend is the cause of every error produced when a Backend fails to
// supply a region.
var ErrBackend = errors.New("arena: backend allocation failed")

type region struct {
	// buf is the memory returned by the backend; len(buf) is the region's
	// capacity. It is never resliced so that it can be handed back to
	// Backend.Free as is.
	buf []byte
	// offset is the number of bytes of buf consumed by allocations.
	offset int
	next   *region
}

func (r *region) avail() int {
	return len(r.buf) - r.offset
}

func (r *region) base() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(r.buf)))
}

// size returns the logical size recorded in the header of the allocation
// whose payload starts at start.
func (r *region) size(start int) int {
	return int(binary.LittleEndian.Uint64(r.buf[start-headerSize:]))
}

func (r *region) setSize(start, n int) {
	binary.LittleEndian.PutUint64(r.buf[start-headerSize:], uint64(n))
}

// place bump allocates n bytes at the region's offset. The caller has
// checked that headerSize+n bytes are available.
func (r *region) place(n int) []byte {
	start := r.offset + headerSize
	r.setSize(start, n)
	r.offset = start + n
	return r.buf[start : start+n : start+n]
}

// Arena is a region based bump allocator. The zero value is ready to use: the
// first allocation initializes it with the default backend and region
// capacity.
type Arena struct {
	// total is the number of bytes reserved from the backend.
	total    int
	head     *region
	tail     *region
	backend  Backend
	capacity int
}

// Option configures an Arena constructed with New.
type Option func(*Arena)

// WithBackend sets the Backend used to allocate regions.
func WithBackend(b Backend) Option {
	return func(a *Arena) {
		a.backend = b
	}
}

// WithCapacity sets the capacity of default sized regions. Values <= 0 select
// DefaultCapacity.
func WithCapacity(n int) Option {
	return func(a *Arena) {
		a.capacity = n
	}
}

// New constructs an Arena and initializes it with a single region.
func New(opts ...Option) *Arena {
	a := &Arena{}
	for _, opt := range opts {
		opt(a)
	}
	a.Init()
	return a
}

// Init allocates the initial region and resets the byte counter. Init is a
// noop on an Arena that already holds regions; call Deinit first to start
// over.
func (a *Arena) Init() {
	if err := a.init(); err != nil {
		panic(err)
	}
}

func (a *Arena) init() error {
	if a.head != nil {
		return nil
	}
	if a.backend == nil {
		a.backend = defaultBackend()
	}
	if a.capacity <= 0 {
		a.capacity = DefaultCapacity
	}
	a.total = 0
	_, err := a.appendRegion(a.capacity)
	return err
}

// Deinit releases every region back to the backend in chain order and resets
// the Arena. The Arena may be reused afterwards. All memory handed out by the
// Arena is invalid once Deinit returns. Errors returned by the backend while
// releasing regions are aggregated; every region is released regardless.
func (a *Arena) Deinit() error {
	var result *multierror.Error
	for r := a.head; r != nil; {
		next := r.next
		if err := a.backend.Free(r.buf); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "releasing %d byte region", len(r.buf)))
		}
		r.buf = nil
		r.next = nil
		r = next
	}
	a.head = nil
	a.tail = nil
	a.total = 0
	return result.ErrorOrNil()
}

// Alloc returns a block of n writable bytes. The block is not zeroed. The
// returned slice has len and cap equal to n. Alloc(0) returns nil. Alloc
// panics if a new region is required and the backend cannot supply it.
func (a *Arena) Alloc(n int) []byte {
	b, err := a.TryAlloc(n)
	if err != nil {
		panic(err)
	}
	return b
}

// TryAlloc is like Alloc but returns backend failures as an error whose cause
// is ErrBackend.
func (a *Arena) TryAlloc(n int) ([]byte, error) {
	if n < 0 || n > math.MaxInt-headerSize {
		panic(errors.Errorf("arena: invalid allocation size %d", n))
	}
	if n == 0 {
		return nil, nil
	}
	if a.tail == nil {
		if err := a.init(); err != nil {
			return nil, err
		}
	}

	required := headerSize + n
	r := a.head
	for r != nil && r.avail() < required {
		r = r.next
	}
	if r == nil {
		var err error
		if r, err = a.appendRegion(max(required, a.capacity)); err != nil {
			return nil, err
		}
	}
	if debug {
		fmt.Printf("alloc(%d): base=%#x offset=%d avail=%d\n", n, r.base(), r.offset, r.avail())
	}
	return r.place(n), nil
}

// Clone returns a copy of b allocated from the Arena.
func (a *Arena) Clone(b []byte) []byte {
	c := a.Alloc(len(b))
	copy(c, b)
	return c
}

// Free releases a block returned by Alloc, Realloc or Clone. Space is only
// reclaimed if the block is the trailing allocation of its region, otherwise
// Free is a noop. Free panics if p was not allocated by this Arena.
func (a *Arena) Free(p []byte) {
	if cap(p) == 0 {
		return
	}
	r, start := a.find(p)
	if start+r.size(start) == r.offset {
		r.offset = start - headerSize
		if debug {
			fmt.Printf("free(%#x): reclaimed, offset=%d\n", r.base()+uintptr(start), r.offset)
		}
	} else if debug {
		fmt.Printf("free(%#x): not trailing\n", r.base()+uintptr(start))
	}
}

// Realloc resizes the block p to n bytes, returning the resized block.
//
//   - A nil (or zero capacity) p behaves as Alloc(n).
//   - Shrinking only updates the header; the tail is not reclaimed.
//   - Growing the trailing allocation of a region with enough room left
//     extends it in place.
//   - Otherwise a new block is allocated and the contents of p copied into
//     it. The old block is left as garbage.
//
// Realloc panics if p was not allocated by this Arena.
func (a *Arena) Realloc(p []byte, n int) []byte {
	if cap(p) == 0 {
		return a.Alloc(n)
	}
	if n < 0 {
		panic(errors.Errorf("arena: invalid allocation size %d", n))
	}

	r, start := a.find(p)
	size := r.size(start)
	if n <= size {
		r.setSize(start, n)
		return r.buf[start : start+n : start+n]
	}

	delta := n - size
	if start+size == r.offset && delta <= r.avail() {
		r.setSize(start, n)
		r.offset += delta
		return r.buf[start : start+n : start+n]
	}

	b := a.Alloc(n)
	copy(b, r.buf[start:start+size])
	return b
}

// find returns the region owning p and the offset of p's payload within it.
func (a *Arena) find(p []byte) (*region, int) {
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	for r := a.head; r != nil; r = r.next {
		base := r.base()
		if ptr < base+headerSize || ptr >= base+uintptr(r.offset) {
			continue
		}
		start := int(ptr - base)
		size := binary.LittleEndian.Uint64(r.buf[start-headerSize:])
		if size <= uint64(r.offset-start) {
			return r, start
		}
	}
	panic(errors.Errorf("arena: memory at address %#x was not allocated by this arena", ptr))
}

func (a *Arena) appendRegion(size int) (*region, error) {
	buf, err := a.backend.Alloc(size)
	if err == nil && len(buf) < size {
		err = errors.Errorf("backend returned %d bytes", len(buf))
	}
	if err != nil {
		return nil, errors.Wrapf(ErrBackend, "failed to allocate %d bytes: %v", size, err)
	}

	r := &region{buf: buf}
	if a.tail != nil {
		a.tail.next = r
	}
	if a.head == nil {
		a.head = r
	}
	a.tail = r
	a.total += len(buf)

	if debug {
		fmt.Printf("append-region: size=%d base=%#x total=%d\n", size, r.base(), a.total)
	}
	return r, nil
}

// Total returns the number of bytes reserved from the backend.
func (a *Arena) Total() int {
	return a.total
}

// Regions returns the number of regions in the chain.
func (a *Arena) Regions() int {
	var n int
	for r := a.head; r != nil; r = r.next {
		n++
	}
	return n
}

// RegionStats describes the state of a single region.
type RegionStats struct {
	Capacity int
	Offset   int
}

// Stats returns the state of every region in chain order.
func (a *Arena) Stats() []RegionStats {
	var stats []RegionStats
	for r := a.head; r != nil; r = r.next {
		stats = append(stats, RegionStats{Capacity: len(r.buf), Offset: r.offset})
	}
	return stats
}

func (a *Arena) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "total=%d\n", a.total)
	for i, s := range a.Stats() {
		fmt.Fprintf(&buf, "  %4d: offset=%d capacity=%d\n", i, s.Offset, s.Capacity)
	}
	return buf.String()
}
