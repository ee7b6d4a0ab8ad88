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

package arena

import (
	"fmt"
	"math/rand"
	"testing"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

func TestNew(t *testing.T) {
	testCases := []struct {
		capacity int
		expected int
	}{
		{0, DefaultCapacity},
		{-1, DefaultCapacity},
		{64, 64},
	}
	for _, c := range testCases {
		t.Run(fmt.Sprint(c.capacity), func(t *testing.T) {
			a := New(WithCapacity(c.capacity))
			require.EqualValues(t, 1, a.Regions())
			require.EqualValues(t, c.expected, a.Total())
			require.Equal(t, []RegionStats{{Capacity: c.expected}}, a.Stats())
			require.NoError(t, a.Deinit())
		})
	}
}

func TestLazyInit(t *testing.T) {
	var a Arena
	require.EqualValues(t, 0, a.Regions())
	b := a.Alloc(10)
	require.Len(t, b, 10)
	require.EqualValues(t, 10, cap(b))
	require.EqualValues(t, 1, a.Regions())
	require.EqualValues(t, DefaultCapacity, a.Total())
	require.Equal(t, []RegionStats{{Capacity: DefaultCapacity, Offset: headerSize + 10}}, a.Stats())
}

func TestAllocZero(t *testing.T) {
	a := New()
	require.Nil(t, a.Alloc(0))
	require.EqualValues(t, 0, a.Stats()[0].Offset)
	require.Panics(t, func() { a.Alloc(-1) })
}

func TestAllocNonOverlapping(t *testing.T) {
	a := New(WithCapacity(256))
	type block struct {
		b   []byte
		pat byte
	}
	var blocks []block
	for i := 0; i < 1000; i++ {
		n := rand.Intn(300) + 1
		b := a.Alloc(n)
		require.Len(t, b, n)
		pat := byte(i)
		for j := range b {
			b[j] = pat
		}
		blocks = append(blocks, block{b, pat})
	}

	for i := range blocks {
		lo, hi := addr(blocks[i].b), addr(blocks[i].b)+uintptr(len(blocks[i].b))
		for j := range blocks {
			if i == j {
				continue
			}
			olo, ohi := addr(blocks[j].b), addr(blocks[j].b)+uintptr(len(blocks[j].b))
			require.False(t, lo < ohi && olo < hi, "blocks %d and %d overlap", i, j)
		}
		for _, v := range blocks[i].b {
			require.EqualValues(t, blocks[i].pat, v)
		}
	}
}

func TestFirstFit(t *testing.T) {
	a := New(WithCapacity(64))

	// 48 bytes of region 0 consumed, 16 left.
	a.Alloc(40)
	// Does not fit in region 0: a second region is appended.
	a.Alloc(40)
	require.Equal(t, []RegionStats{{64, 48}, {64, 48}}, a.Stats())

	// Fits in the 16 bytes left in region 0, which is scanned first.
	a.Alloc(4)
	require.Equal(t, []RegionStats{{64, 60}, {64, 48}}, a.Stats())

	// Larger than the default capacity: a region sized for the request.
	b := a.Alloc(100)
	require.Len(t, b, 100)
	require.Equal(t, []RegionStats{{64, 60}, {64, 48}, {108, 108}}, a.Stats())
	require.EqualValues(t, 64+64+108, a.Total())
}

func TestFreeTrailing(t *testing.T) {
	a := New()
	x := a.Alloc(16)
	y := a.Alloc(32)
	before := a.Stats()[0].Offset
	require.EqualValues(t, 2*headerSize+16+32, before)

	a.Free(y)
	require.EqualValues(t, headerSize+16, a.Stats()[0].Offset)

	// The space of y is reused exactly.
	z := a.Alloc(24)
	require.Equal(t, addr(y), addr(z))
	require.EqualValues(t, 2*headerSize+16+24, a.Stats()[0].Offset)

	// x is not trailing: freeing it changes nothing.
	offset := a.Stats()[0].Offset
	a.Free(x)
	require.Equal(t, offset, a.Stats()[0].Offset)

	// Freeing z and then x (stack order) reclaims everything.
	a.Free(z)
	a.Free(x)
	require.EqualValues(t, 0, a.Stats()[0].Offset)

	// Freeing nil is a noop.
	a.Free(nil)
}

func TestFreeForeign(t *testing.T) {
	a := New()
	a.Alloc(32)
	other := New()
	b := other.Alloc(32)

	require.Panics(t, func() { a.Free(make([]byte, 8)) })
	require.Panics(t, func() { a.Free(b) })
	require.Panics(t, func() { a.Realloc(b, 64) })
}

func TestReallocInPlace(t *testing.T) {
	a := New()
	b := a.Alloc(16)
	for i := range b {
		b[i] = byte(i)
	}

	c := a.Realloc(b, 64)
	require.Equal(t, addr(b), addr(c))
	require.Len(t, c, 64)
	require.EqualValues(t, headerSize+64, a.Stats()[0].Offset)
	for i := 0; i < 16; i++ {
		require.EqualValues(t, i, c[i])
	}

	// Shrinking only updates the header.
	d := a.Realloc(c, 8)
	require.Equal(t, addr(b), addr(d))
	require.Len(t, d, 8)
	require.EqualValues(t, headerSize+64, a.Stats()[0].Offset)
}

func TestReallocCopy(t *testing.T) {
	a := New()
	b := a.Alloc(16)
	for i := range b {
		b[i] = byte(i + 1)
	}
	a.Alloc(8)

	c := a.Realloc(b, 32)
	require.NotEqual(t, addr(b), addr(c))
	require.Len(t, c, 32)
	require.Equal(t, b, c[:16])
	require.EqualValues(t, 3*headerSize+16+8+32, a.Stats()[0].Offset)
}

func TestReallocNoHeadroom(t *testing.T) {
	a := New(WithCapacity(64))
	b := a.Alloc(40)
	b[0] = 42
	c := a.Realloc(b, 60)
	require.NotEqual(t, addr(b), addr(c))
	require.EqualValues(t, 42, c[0])
	require.EqualValues(t, 2, a.Regions())
}

func TestReallocNil(t *testing.T) {
	a := New()
	b := a.Realloc(nil, 12)
	require.Len(t, b, 12)
	require.EqualValues(t, headerSize+12, a.Stats()[0].Offset)
}

func TestClone(t *testing.T) {
	a := New()
	src := []byte("region")
	c := a.Clone(src)
	require.Equal(t, src, c)
	require.NotEqual(t, addr(src), addr(c))
	src[0] = 'R'
	require.Equal(t, []byte("region"), c)
	require.Nil(t, a.Clone(nil))
}

func TestDeinit(t *testing.T) {
	a := New(WithCapacity(64))
	for i := 0; i < 10; i++ {
		a.Alloc(50)
	}
	require.EqualValues(t, 10, a.Regions())
	require.NoError(t, a.Deinit())
	require.EqualValues(t, 0, a.Regions())
	require.EqualValues(t, 0, a.Total())

	// The arena is reusable after Deinit.
	a.Init()
	require.EqualValues(t, 1, a.Regions())
	require.EqualValues(t, 64, a.Total())
	require.NoError(t, a.Deinit())
	a.Alloc(8)
	require.EqualValues(t, 1, a.Regions())
}

type testBackend struct {
	allocs  int
	frees   int
	limit   int
	freeErr error
}

func (b *testBackend) Alloc(n int) ([]byte, error) {
	if b.allocs >= b.limit {
		return nil, errors.New("out of memory")
	}
	b.allocs++
	return make([]byte, n), nil
}

func (b *testBackend) Free([]byte) error {
	b.frees++
	return b.freeErr
}

func TestBackendFailure(t *testing.T) {
	backend := &testBackend{limit: 1}
	a := New(WithBackend(backend), WithCapacity(64))

	_, err := a.TryAlloc(100)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBackend), "%+v", err)
	require.Contains(t, err.Error(), "failed to allocate 108 bytes")
	require.EqualValues(t, 1, a.Regions())

	require.Panics(t, func() { a.Alloc(100) })
	require.Panics(t, func() { New(WithBackend(&testBackend{})) })

	// Fits in the existing region: no backend call.
	b, err := a.TryAlloc(8)
	require.NoError(t, err)
	require.Len(t, b, 8)
}

func TestDeinitErrors(t *testing.T) {
	backend := &testBackend{limit: 3, freeErr: errors.New("busy")}
	a := New(WithBackend(backend), WithCapacity(32))
	a.Alloc(10)
	a.Alloc(10)
	a.Alloc(10)
	require.EqualValues(t, 3, a.Regions())

	err := a.Deinit()
	require.Error(t, err)
	require.Contains(t, err.Error(), "3 errors occurred")
	require.EqualValues(t, 3, backend.frees)
	require.EqualValues(t, 0, a.Regions())
}

func TestRandom(t *testing.T) {
	a := New(WithCapacity(512))
	var live [][]byte
	for i := 0; i < 5000; i++ {
		switch r := rand.Float64(); {
		case r < 0.5 || len(live) == 0:
			b := a.Alloc(rand.Intn(200) + 1)
			for j := range b {
				b[j] = byte(len(b))
			}
			live = append(live, b)
		case r < 0.7:
			j := rand.Intn(len(live))
			a.Free(live[j])
			live = append(live[:j], live[j+1:]...)
		default:
			j := rand.Intn(len(live))
			old := live[j]
			n := rand.Intn(400) + 1
			b := a.Realloc(old, n)
			require.Equal(t, old[:min(len(old), n)], b[:min(len(old), n)])
			for k := range b {
				b[k] = byte(len(b))
			}
			live[j] = b
		}
		for _, s := range a.Stats() {
			require.LessOrEqual(t, s.Offset, s.Capacity)
		}
	}
	for _, b := range live {
		for _, v := range b {
			require.EqualValues(t, byte(len(b)), v)
		}
	}
}
