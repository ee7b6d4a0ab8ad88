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

// Package fnvmap is an open-addressing hash table keyed by byte strings.
//
// # Layout
//
// A Map[V] is a single power of two sized array of slots. Each slot holds a
// control byte (empty, deleted or full), a key and a value of type V. Keys
// are hashed with the 64-bit FNV-1 hash (multiply by the FNV prime, then xor
// in the byte) and the low bits of the hash select the slot at which probing
// begins. Collisions are resolved by linear probing: the next slot examined
// is (index+1)&mask.
//
// # Bounded probing
//
// The map tracks maxcol, the largest probe distance (number of slots skipped
// between a key's home slot and the slot it was stored in) seen by any
// insertion since the table was last rebuilt. No key can live further than
// maxcol slots from its home slot, so lookups examine at most maxcol+1 slots
// and never scan the table end to end, no matter how many deleted slots have
// accumulated. A lookup also terminates at the first empty slot: insertion
// never skips over an empty slot and deletion never creates one, so an empty
// slot ends every probe chain that passes through it.
//
// # Deletion
//
// Deletion is lazy. The slot is marked deleted (a tombstone), the count is
// decremented, and maxcol is left untouched. Tombstones are reused by later
// insertions and disappear when the table is rebuilt by growth or by an
// explicit call to Shrink. Deletion never shrinks the table.
//
// # Growth
//
// Before every Put the load factor count/capacity is compared against 0.7.
// When it is reached the table doubles in size and every entry is reinserted
// in slot order, recomputing maxcol from scratch. Shrink performs the inverse
// operation when the table is at most a quarter full.
//
// # Keys
//
// By default a Map borrows its keys: the slice passed to Put is stored as is
// and must stay unmodified for as long as the entry is present. Use
// WithKeyStore to have the Map copy keys into storage it controls.
package fnvmap

import (
	"bytes"
	"fmt"
	"math/bits"
	"strings"
	"unsafe"
)

const (
	debug = false

	// DefaultCapacity is the capacity of a Map created with an initial
	// capacity of 0.
	DefaultCapacity = 8

	// A Map grows before an insertion once count/capacity >=
	// maxLoadNum/maxLoadDen.
	maxLoadNum = 7
	maxLoadDen = 10

	offset64 = 0xcbf29ce484222325
	prime64  = 0x100000001b3
)

// Hash returns the 64-bit FNV-1 hash of b.
func Hash(b []byte) uint64 {
	h := uint64(offset64)
	for _, c := range b {
		h *= prime64
		h ^= uint64(c)
	}
	return h
}

// Each slot in the hash table is in one of three states.
//
//	  empty: never used since the table was (re)built
//	deleted: previously full, removed by Delete
//	   full: holds a key and value
type ctrl uint8

const (
	ctrlEmpty ctrl = iota
	ctrlDeleted
	ctrlFull
)

// Slot holds a key and value.
type Slot[V any] struct {
	key   []byte
	ctrl  ctrl
	value V
}

func (s *Slot[V]) matches(key []byte) bool {
	return len(s.key) == len(key) &&
		(len(key) == 0 || s.key[0] == key[0]) &&
		bytes.Equal(s.key, key)
}

// Map is an unordered map from byte string keys to values of type V with
// Put, Get, Delete, Shrink and All operations.
//
// A Map is NOT goroutine-safe.
type Map[V any] struct {
	hash      func(key []byte) uint64
	allocator Allocator[V]
	// keys owns copies of the keys if set, see WithKeyStore.
	keys KeyStore
	// slots is a power of two in length.
	slots []Slot[V]
	// The number of full slots.
	count int
	// The largest probe distance of any insertion since the table was last
	// rebuilt.
	maxcol uint32
}

// New constructs a new Map with the specified initial capacity, rounded up
// to a power of two. If initialCapacity is 0 the map starts out with
// DefaultCapacity slots.
func New[V any](initialCapacity int, options ...option[V]) *Map[V] {
	m := &Map[V]{}
	m.Init(initialCapacity, options...)
	return m
}

// Init initializes a Map with the specified initial capacity. Init can be
// invoked on a zero value Map to initialize it, or on an existing Map to
// start over with an empty table. The zero value for a Map is not usable
// until Init has been called.
func (m *Map[V]) Init(initialCapacity int, options ...option[V]) {
	*m = Map[V]{
		hash:      Hash,
		allocator: defaultAllocator[V]{},
	}
	for _, op := range options {
		op.apply(m)
	}

	if initialCapacity <= 0 {
		initialCapacity = DefaultCapacity
	}
	// The smallest power of two that is >= initialCapacity.
	m.slots = m.allocSlots(1 << bits.Len(uint(initialCapacity-1)))
	m.checkInvariants()
}

// Close closes the map, releasing the slots back to the configured allocator
// and the keys back to the configured KeyStore. It is invalid to use a Map
// after it has been closed, though Close itself is idempotent.
func (m *Map[V]) Close() {
	if m.slots != nil {
		if m.keys != nil {
			for i := range m.slots {
				if m.slots[i].ctrl == ctrlFull {
					m.keys.Free(m.slots[i].key)
				}
			}
		}
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
	}
	m.count = 0
	m.maxcol = 0
}

// Put inserts an entry into the map, overwriting the existing value if an
// entry with the same key already exists.
func (m *Map[V]) Put(key []byte, value V) {
	// Grow first so that the insertion always has a free slot to go to. The
	// second condition only matters for tables of fewer than 4 slots, which
	// would otherwise fill up completely.
	if m.count*maxLoadDen >= len(m.slots)*maxLoadNum || m.count+1 >= len(m.slots) {
		m.grow()
	}
	m.putNoGrow(key, value)
	m.checkInvariants()
}

// PutString is Put with a string key. Unless the map has a KeyStore, the
// map references the string's bytes directly.
func (m *Map[V]) PutString(key string, value V) {
	m.Put(stringBytes(key), value)
}

// Lookup returns the index of the slot holding key, or ok=false if the key is
// not present. The index remains valid for use with At until the map is next
// modified.
func (m *Map[V]) Lookup(key []byte) (index int, ok bool) {
	if len(m.slots) == 0 {
		return -1, false
	}
	mask := uint64(len(m.slots) - 1)
	i := m.hash(key) & mask
	if debug {
		fmt.Printf("lookup(%q): home=%d maxcol=%d\n", key, i, m.maxcol)
	}

	for col := uint32(0); col <= m.maxcol; col++ {
		s := &m.slots[i]
		switch s.ctrl {
		case ctrlEmpty:
			if debug {
				fmt.Printf("lookup(not-found): index=%d empty\n", i)
			}
			return -1, false
		case ctrlFull:
			if s.matches(key) {
				return int(i), true
			}
		}
		i = (i + 1) & mask
	}
	if debug {
		fmt.Printf("lookup(not-found): probe budget exhausted\n")
	}
	return -1, false
}

// At returns the value held in the slot at index, which must have been
// returned by a successful Lookup.
func (m *Map[V]) At(index int) V {
	return m.slots[index].value
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[V]) Get(key []byte) (value V, ok bool) {
	i, ok := m.Lookup(key)
	if !ok {
		return value, false
	}
	return m.slots[i].value, true
}

// GetString is Get with a string key.
func (m *Map[V]) GetString(key string) (value V, ok bool) {
	return m.Get(stringBytes(key))
}

// Contains returns true if the map holds an entry for key.
func (m *Map[V]) Contains(key []byte) bool {
	_, ok := m.Lookup(key)
	return ok
}

// Delete deletes the entry corresponding to the specified key from the map.
// It is a noop to delete a non-existent key.
func (m *Map[V]) Delete(key []byte) {
	i, ok := m.Lookup(key)
	if !ok {
		return
	}
	s := &m.slots[i]
	if m.keys != nil {
		m.keys.Free(s.key)
	}
	// The slot stays part of any probe chain passing through it: only its
	// contents are dropped.
	*s = Slot[V]{ctrl: ctrlDeleted}
	m.count--
	if debug {
		fmt.Printf("delete(%q): index=%d count=%d\n", key, i, m.count)
	}
	m.checkInvariants()
}

// DeleteString is Delete with a string key.
func (m *Map[V]) DeleteString(key string) {
	m.Delete(stringBytes(key))
}

// Shrink halves the capacity of the map if it is at most a quarter full,
// dropping all tombstones in the process. Otherwise Shrink is a noop.
func (m *Map[V]) Shrink() {
	if len(m.slots) <= 1 || m.count > len(m.slots)/4 {
		return
	}
	m.resize(len(m.slots) >> 1)
	m.checkInvariants()
}

// All calls yield sequentially for each key and value present in the map, in
// slot order. If yield returns false, iteration stops. The map can be mutated
// during iteration, though there is no guarantee that the mutations will be
// visible to the iteration.
func (m *Map[V]) All(yield func(key []byte, value V) bool) {
	// Snapshot the slots so that iteration remains valid if the map is
	// resized during iteration.
	slots := m.slots
	for i := range slots {
		if s := &slots[i]; s.ctrl == ctrlFull {
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[V]) Len() int {
	return m.count
}

// Capacity returns the number of slots in the map.
func (m *Map[V]) Capacity() int {
	return len(m.slots)
}

// Avail returns the number of slots not holding an entry.
func (m *Map[V]) Avail() int {
	return len(m.slots) - m.count
}

// MaxProbe returns the largest probe distance seen by an insertion since the
// table was last rebuilt. Lookups examine at most MaxProbe()+1 slots.
func (m *Map[V]) MaxProbe() int {
	return int(m.maxcol)
}

// putNoGrow inserts or overwrites an entry without checking the load factor.
// There must be at least one slot not holding an entry.
func (m *Map[V]) putNoGrow(key []byte, value V) {
	if m.count >= len(m.slots) {
		panic(fmt.Sprintf("fnvmap: insert into full table: count=%d capacity=%d", m.count, len(m.slots)))
	}

	mask := uint64(len(m.slots) - 1)
	i := m.hash(key) & mask
	if debug {
		fmt.Printf("put(%q): home=%d maxcol=%d\n", key, i, m.maxcol)
	}

	// Look for an existing entry while remembering the first slot the key
	// could be stored in. An existing entry is at most maxcol slots away and
	// before the first empty slot.
	target, targetCol := -1, uint32(0)
probe:
	for col := uint32(0); ; col++ {
		s := &m.slots[i]
		switch s.ctrl {
		case ctrlFull:
			if s.matches(key) {
				if debug {
					fmt.Printf("put(updating): index=%d\n", i)
				}
				s.value = value
				m.maxcol = max(m.maxcol, col)
				return
			}
		case ctrlDeleted:
			if target < 0 {
				target, targetCol = int(i), col
			}
		case ctrlEmpty:
			if target < 0 {
				target, targetCol = int(i), col
			}
			break probe
		}
		if target >= 0 && col >= m.maxcol {
			break
		}
		i = (i + 1) & mask
	}

	if m.keys != nil {
		key = m.keys.Clone(key)
	}
	s := &m.slots[target]
	s.key = key
	s.value = value
	s.ctrl = ctrlFull
	m.count++
	m.maxcol = max(m.maxcol, targetCol)
	if debug {
		fmt.Printf("put(inserting): index=%d col=%d count=%d\n", target, targetCol, m.count)
	}
}

// uncheckedPut inserts an entry known not to be in the table into a table
// without tombstones. Used when rebuilding the table.
func (m *Map[V]) uncheckedPut(key []byte, value V) {
	if m.count >= len(m.slots) {
		panic(fmt.Sprintf("fnvmap: insert into full table: count=%d capacity=%d", m.count, len(m.slots)))
	}
	mask := uint64(len(m.slots) - 1)
	i := m.hash(key) & mask
	col := uint32(0)
	for m.slots[i].ctrl != ctrlEmpty {
		col++
		i = (i + 1) & mask
	}
	m.slots[i] = Slot[V]{key: key, ctrl: ctrlFull, value: value}
	m.count++
	m.maxcol = max(m.maxcol, col)
}

func (m *Map[V]) grow() {
	m.resize(len(m.slots) << 1)
}

// resize rebuilds the table with newCapacity slots, reinserting every entry
// in slot order and discarding the old slots.
func (m *Map[V]) resize(newCapacity int) {
	if debug {
		fmt.Printf("resize: capacity=%d->%d count=%d maxcol=%d\n",
			len(m.slots), newCapacity, m.count, m.maxcol)
	}

	old := m.slots
	m.slots = m.allocSlots(newCapacity)
	m.count = 0
	m.maxcol = 0
	// Entries can sit anywhere in the old array, so walk all of it.
	for i := range old {
		if s := &old[i]; s.ctrl == ctrlFull {
			m.uncheckedPut(s.key, s.value)
		}
	}
	if old != nil {
		m.allocator.FreeSlots(old)
	}
}

func (m *Map[V]) allocSlots(n int) []Slot[V] {
	slots := m.allocator.AllocSlots(n)
	if len(slots) != n {
		panic(fmt.Sprintf("fnvmap: allocator returned %d slots, expected %d", len(slots), n))
	}
	clear(slots)
	return slots
}

func (m *Map[V]) checkInvariants() {
	if invariants {
		capacity := len(m.slots)
		if capacity&(capacity-1) != 0 {
			panic(fmt.Sprintf("invariant failed: capacity %d is not a power of two\n%s", capacity, m.debugString()))
		}
		if m.count >= capacity {
			panic(fmt.Sprintf("invariant failed: count %d >= capacity %d\n%s", m.count, capacity, m.debugString()))
		}

		// For every full slot, verify we can retrieve the key using Lookup
		// and that it is within maxcol of its home slot.
		var count int
		mask := capacity - 1
		for i := range m.slots {
			s := &m.slots[i]
			if s.ctrl != ctrlFull {
				continue
			}
			count++
			if j, ok := m.Lookup(s.key); !ok || j != i {
				panic(fmt.Sprintf("invariant failed: slot(%d): %q not found (found=%t index=%d)\n%s",
					i, s.key, ok, j, m.debugString()))
			}
			home := int(m.hash(s.key) & uint64(mask))
			if col := (i - home) & mask; col > int(m.maxcol) {
				panic(fmt.Sprintf("invariant failed: slot(%d): %q is %d slots from home, maxcol=%d\n%s",
					i, s.key, col, m.maxcol, m.debugString()))
			}
		}
		if count != m.count {
			panic(fmt.Sprintf("invariant failed: found %d full slots, but count is %d\n%s",
				count, m.count, m.debugString()))
		}
	}
}

func (m *Map[V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  count=%d  maxcol=%d\n", len(m.slots), m.count, m.maxcol)
	mask := uint64(len(m.slots) - 1)
	for i := range m.slots {
		switch s := &m.slots[i]; s.ctrl {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		case ctrlDeleted:
			fmt.Fprintf(&buf, "  %4d: deleted\n", i)
		default:
			fmt.Fprintf(&buf, "  %4d: %q [home=%d] %v\n", i, s.key, m.hash(s.key)&mask, s.value)
		}
	}
	return buf.String()
}

// stringBytes returns the bytes of s without copying. The result must not be
// modified.
func stringBytes(s string) []byte {
	return unsafe.Slice(unsafe.StringData(s), len(s))
}
