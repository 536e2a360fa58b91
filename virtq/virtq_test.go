// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package virtq

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/hexonxon/libvhost-user/gmem"
)

// fakeGuest is a flat byte arena standing in for guest physical memory
// in tests, identity-mapped (GPA == offset into the arena).
type fakeGuest struct {
	buf []byte
	mem gmem.Map
}

func newFakeGuest(size int) *fakeGuest {
	g := &fakeGuest{buf: make([]byte, size)}
	hva := uintptr(unsafe.Pointer(&g.buf[0]))
	if err := g.mem.AddRegion(0, uint64(size), hva, false); err != nil {
		panic(err)
	}
	return g
}

func (g *fakeGuest) putDesc(idx uint16, addr uint64, length uint32, flags, next uint16) {
	off := int(idx) * descSize
	binary.LittleEndian.PutUint64(g.buf[off:], addr)
	binary.LittleEndian.PutUint32(g.buf[off+8:], length)
	binary.LittleEndian.PutUint16(g.buf[off+12:], flags)
	binary.LittleEndian.PutUint16(g.buf[off+14:], next)
}

func (g *fakeGuest) setAvailIdx(availGPA uint64, idx uint16) {
	binary.LittleEndian.PutUint16(g.buf[availGPA+2:], idx)
}

func (g *fakeGuest) setAvailRing(availGPA uint64, i, head uint16) {
	binary.LittleEndian.PutUint16(g.buf[availGPA+4+uint64(i)*2:], head)
}

func (g *fakeGuest) usedIdx(usedGPA uint64) uint16 {
	return binary.LittleEndian.Uint16(g.buf[usedGPA+2:])
}

func (g *fakeGuest) usedElem(usedGPA uint64, i uint16) (id, length uint32) {
	off := usedGPA + 4 + uint64(i)*8
	return binary.LittleEndian.Uint32(g.buf[off:]), binary.LittleEndian.Uint32(g.buf[off+4:])
}

const (
	descGPA  = 0
	availGPA = 0x10000
	usedGPA  = 0x20000
)

func startQueue(t *testing.T, g *fakeGuest, qsize uint16) *Queue {
	t.Helper()
	var q Queue
	if err := q.Start(qsize, descGPA, availGPA, usedGPA, 0, &g.mem, -1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return &q
}

func TestDirectChainYieldsInOrder(t *testing.T) {
	g := newFakeGuest(0x30000)
	qsize := uint16(1024)
	g.putDesc(0, 0x1000, 0x1000, DescFNext|DescFWrite, 1)
	g.putDesc(1, 0x4000, 0x2000, DescFWrite, 0)
	g.setAvailRing(availGPA, 0, 0)
	g.setAvailIdx(availGPA, 1)

	q := startQueue(t, g, qsize)
	var it ChainIter
	if !q.DequeueAvail(&it) {
		t.Fatal("DequeueAvail = false, want true")
	}

	var bufs []Buffer
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		bufs = append(bufs, b)
	}
	if len(bufs) != 2 {
		t.Fatalf("got %d buffers, want 2", len(bufs))
	}
	if bufs[0].Len != 0x1000 || bufs[1].Len != 0x2000 {
		t.Errorf("unexpected lengths: %+v", bufs)
	}
	if q.Broken() {
		t.Errorf("queue broken, want not broken")
	}
}

func TestDescriptorLoopBreaksQueue(t *testing.T) {
	g := newFakeGuest(0x30000)
	qsize := uint16(1024)
	g.putDesc(0, 0x1000, 0x10, DescFNext, 1)
	g.putDesc(1, 0x1000, 0x10, DescFNext, 0)
	g.setAvailRing(availGPA, 0, 0)
	g.setAvailIdx(availGPA, 1)

	q := startQueue(t, g, qsize)
	var it ChainIter
	if !q.DequeueAvail(&it) {
		t.Fatal("DequeueAvail = false, want true")
	}

	calls := 0
	for {
		_, ok := it.Next()
		calls++
		if !ok {
			break
		}
		if calls > int(qsize)+1 {
			t.Fatalf("iterator did not terminate within qsize+1 calls")
		}
	}
	if calls > int(qsize)+1 {
		t.Errorf("took %d calls to terminate, want <= qsize+1", calls)
	}
	if !q.Broken() {
		t.Errorf("queue not broken after loop, want broken")
	}
}

func TestIndirectChainOfLengthQsizeMinusOne(t *testing.T) {
	g := newFakeGuest(0x80000)
	qsize := uint16(1024)
	n := int(qsize) - 1

	const indirectGPA = 0x40000
	for i := 0; i < n; i++ {
		flags := uint16(DescFWrite)
		next := uint16(0)
		if i < n-1 {
			flags |= DescFNext
			next = uint16(i + 1)
		}
		off := indirectGPA + i*descSize
		binary.LittleEndian.PutUint64(g.buf[off:], uint64(0x1000+i*0x100))
		binary.LittleEndian.PutUint32(g.buf[off+8:], 0x100)
		binary.LittleEndian.PutUint16(g.buf[off+12:], flags)
		binary.LittleEndian.PutUint16(g.buf[off+14:], next)
	}

	g.putDesc(0, indirectGPA, uint32(n*descSize), DescFIndirect, 0)
	g.setAvailRing(availGPA, 0, 0)
	g.setAvailIdx(availGPA, 1)

	q := startQueue(t, g, qsize)
	var it ChainIter
	if !q.DequeueAvail(&it) {
		t.Fatal("DequeueAvail = false, want true")
	}

	count := 0
	for {
		_, ok := it.Next()
		if !ok {
			break
		}
		count++
	}
	if count != n {
		t.Errorf("got %d buffers, want %d", count, n)
	}
	if q.Broken() {
		t.Errorf("queue broken, want not broken")
	}
}

func TestIndirectWithNextOnReferringDescriptorBreaks(t *testing.T) {
	g := newFakeGuest(0x80000)
	qsize := uint16(128)
	const indirectGPA = 0x40000
	binary.LittleEndian.PutUint64(g.buf[indirectGPA:], 0x1000)
	binary.LittleEndian.PutUint32(g.buf[indirectGPA+8:], 0x100)
	binary.LittleEndian.PutUint16(g.buf[indirectGPA+12:], DescFWrite)

	// INDIRECT + NEXT on the referring descriptor is forbidden.
	g.putDesc(0, indirectGPA, descSize, DescFIndirect|DescFNext, 1)
	g.setAvailRing(availGPA, 0, 0)
	g.setAvailIdx(availGPA, 1)

	q := startQueue(t, g, qsize)
	var it ChainIter
	if !q.DequeueAvail(&it) {
		t.Fatal("DequeueAvail = false, want true")
	}
	if _, ok := it.Next(); ok {
		t.Errorf("Next() = _, true, want false on first call")
	}
	if !q.Broken() {
		t.Errorf("queue not broken, want broken")
	}
}

func TestNestedIndirectBreaks(t *testing.T) {
	g := newFakeGuest(0x80000)
	qsize := uint16(128)
	const outerGPA = 0x40000
	const innerGPA = 0x50000

	binary.LittleEndian.PutUint64(g.buf[outerGPA:], innerGPA)
	binary.LittleEndian.PutUint32(g.buf[outerGPA+8:], descSize)
	binary.LittleEndian.PutUint16(g.buf[outerGPA+12:], DescFIndirect)

	binary.LittleEndian.PutUint64(g.buf[innerGPA:], 0x1000)
	binary.LittleEndian.PutUint32(g.buf[innerGPA+8:], 0x100)
	binary.LittleEndian.PutUint16(g.buf[innerGPA+12:], DescFWrite)

	g.putDesc(0, outerGPA, descSize, DescFIndirect, 0)
	g.setAvailRing(availGPA, 0, 0)
	g.setAvailIdx(availGPA, 1)

	q := startQueue(t, g, qsize)
	var it ChainIter
	if !q.DequeueAvail(&it) {
		t.Fatal("DequeueAvail = false, want true")
	}
	if _, ok := it.Next(); ok {
		t.Errorf("Next() = _, true, want false for nested indirect")
	}
	if !q.Broken() {
		t.Errorf("queue not broken, want broken")
	}
}

func TestNextBeyondTableSizeBreaks(t *testing.T) {
	g := newFakeGuest(0x30000)
	qsize := uint16(128)
	g.putDesc(0, 0x1000, 0x10, DescFNext|DescFWrite, 5000) // way past tblSize
	g.setAvailRing(availGPA, 0, 0)
	g.setAvailIdx(availGPA, 1)

	q := startQueue(t, g, qsize)
	var it ChainIter
	if !q.DequeueAvail(&it) {
		t.Fatal("DequeueAvail = false, want true")
	}
	if _, ok := it.Next(); !ok {
		t.Fatalf("first Next() = _, false, want true (buffer already valid)")
	}
	if _, ok := it.Next(); ok {
		t.Errorf("second Next() = _, true, want false")
	}
	if !q.Broken() {
		t.Errorf("queue not broken, want broken")
	}
}

func TestZeroLengthDescriptorBreaks(t *testing.T) {
	g := newFakeGuest(0x30000)
	qsize := uint16(128)
	g.putDesc(0, 0x1000, 0, DescFWrite, 0)
	g.setAvailRing(availGPA, 0, 0)
	g.setAvailIdx(availGPA, 1)

	q := startQueue(t, g, qsize)
	var it ChainIter
	if !q.DequeueAvail(&it) {
		t.Fatal("DequeueAvail = false, want true")
	}
	if _, ok := it.Next(); ok {
		t.Errorf("Next() = _, true, want false")
	}
	if !q.Broken() {
		t.Errorf("queue not broken, want broken")
	}
}

func TestEnqueueUsedAdvancesIdx(t *testing.T) {
	g := newFakeGuest(0x30000)
	qsize := uint16(128)
	q := startQueue(t, g, qsize)

	q.EnqueueUsed(7, 42)
	if got := g.usedIdx(usedGPA); got != 1 {
		t.Errorf("used.idx = %d, want 1", got)
	}
	id, length := g.usedElem(usedGPA, 0)
	if id != 7 || length != 42 {
		t.Errorf("used.ring[0] = {%d,%d}, want {7,42}", id, length)
	}

	q.EnqueueUsed(9, 1)
	if got := g.usedIdx(usedGPA); got != 2 {
		t.Errorf("used.idx = %d, want 2", got)
	}
}

func TestStartRejectsBadQsize(t *testing.T) {
	g := newFakeGuest(0x30000)
	var q Queue
	for _, bad := range []uint16{0, 3, 100, 40000} {
		if err := q.Start(bad, descGPA, availGPA, usedGPA, 0, &g.mem, -1); err == nil {
			t.Errorf("Start(qsize=%d) = nil, want error", bad)
		}
	}
}
