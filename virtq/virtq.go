// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package virtq implements the split-ring virtqueue engine: a safe
// iterator over guest-controlled descriptor chains, defending against
// malformed input while walking direct and one-level-indirect
// descriptor tables.
package virtq

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/hexonxon/libvhost-user/gmem"
)

// virtio_ring.h descriptor flags.
const (
	DescFNext     = 1
	DescFWrite    = 2
	DescFIndirect = 4
)

const descSize = 16 // sizeof(rawDesc), aligned 16 bytes in guest memory.

// rawDesc mirrors the wire layout of a split-ring descriptor entry.
type rawDesc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// sentinel marks "no current descriptor" in a ChainIter; 2^16 can never
// be a valid table index since indices are uint16.
const sentinel uint32 = 1 << 16

// ErrInvalid is returned by Start when qsize or the ring addresses are
// invalid.
var ErrInvalid = errors.New("virtq: invalid queue parameters")

// Queue is a single split-ring virtqueue resolved into guest memory.
type Queue struct {
	qsize uint16
	mem   *gmem.Map

	descBase  uintptr
	availBase uintptr // points at the avail ring's flags/idx header
	usedBase  uintptr // points at the used ring's flags/idx header

	lastSeenAvail uint32 // holds a uint16 value; atomic for acquire/release pairing
	usedIdx       uint32 // shadow of used.idx, mirrors the published value

	broken bool
	callFD int

	// epoch identifies one memory-map generation. It survives Start
	// (restarting a ring does not by itself stale its in-flight
	// requests) and is bumped only by Invalidate, which the control
	// plane calls on device reset, before the region mmaps backing
	// descBase/availBase/usedBase are torn down. A Request captured
	// under an older epoch must not be completed against the queue.
	epoch uint64
}

// Buffer is one guest-memory segment yielded while walking a descriptor
// chain.
type Buffer struct {
	Ptr uintptr
	Len uint32
	RO  bool
}

// Start validates qsize and resolves the three rings against mem. It
// clears the broken flag and sets the shadow avail index to availBase.
func (q *Queue) Start(qsize uint16, descGPA, availGPA, usedGPA uint64, availBase uint16, mem *gmem.Map, callFD int) error {
	if qsize == 0 || qsize > 32768 || qsize&(qsize-1) != 0 {
		return ErrInvalid
	}

	descHVA, err := mem.FindRange(descGPA, uint64(qsize)*descSize, true)
	if err != nil {
		return ErrInvalid
	}
	// avail ring: flags(2) + idx(2) + ring[qsize](2 each) + used_event(2)
	availHVA, err := mem.FindRange(availGPA, 4+uint64(qsize)*2+2, false)
	if err != nil {
		return ErrInvalid
	}
	// used ring: flags(2) + idx(2) + ring[qsize](8 each) + avail_event(2)
	usedHVA, err := mem.FindRange(usedGPA, 4+uint64(qsize)*8+2, false)
	if err != nil {
		return ErrInvalid
	}

	q.qsize = qsize
	q.mem = mem
	q.descBase = descHVA
	q.availBase = availHVA
	q.usedBase = usedHVA
	q.callFD = callFD
	q.broken = false
	atomic.StoreUint32(&q.lastSeenAvail, uint32(availBase))
	atomic.StoreUint32(&q.usedIdx, uint32(*q.usedIdxPtr()))
	return nil
}

// Broken reports whether the queue has observed malformed guest input
// and must be reinitialized via Start before further use.
func (q *Queue) Broken() bool { return q.broken }

// Epoch returns the queue's current memory-map generation, captured by
// a Request at Dequeue time and compared again when that request
// completes, per spec.md §5's epoch-counter technique for dropping
// completions that land after a device reset.
func (q *Queue) Epoch() uint64 { return q.epoch }

// Invalidate bumps the queue's epoch, marking every Request dequeued
// under the previous epoch as unsafe to complete. The control plane
// calls this on device reset, before unmapping the guest memory that
// descBase/availBase/usedBase and any in-flight Request point into.
func (q *Queue) Invalidate() { q.epoch++ }

// CallFD returns the call eventfd recorded at Start time.
func (q *Queue) CallFD() int { return q.callFD }

// LastSeenAvail returns the driver index the device has consumed up to,
// the value GET_VRING_BASE reports.
func (q *Queue) LastSeenAvail() uint16 { return uint16(atomic.LoadUint32(&q.lastSeenAvail)) }

// availIdxPtr, usedIdxPtr and the ring accessors below read and write
// guest shared memory directly. sync/atomic has no 16-bit primitive, and
// on the single-threaded cooperative reactor these degenerate to plain
// loads/stores (spec's acquire/release pairing against the guest's
// ordering collapses to a compiler barrier here, same as on a
// strongly-ordered host).
func (q *Queue) availIdxPtr() *uint16 { return (*uint16)(unsafe.Pointer(q.availBase + 2)) }
func (q *Queue) availRing(i uint16) uint16 {
	p := (*uint16)(unsafe.Pointer(q.availBase + 4 + uintptr(i)*2))
	return *p
}
func (q *Queue) usedIdxPtr() *uint16 { return (*uint16)(unsafe.Pointer(q.usedBase + 2)) }

type rawUsedElem struct {
	ID  uint32
	Len uint32
}

func (q *Queue) usedRingPtr(i uint16) *rawUsedElem {
	return (*rawUsedElem)(unsafe.Pointer(q.usedBase + 4 + uintptr(i)*8))
}

func (q *Queue) descAt(tbl uintptr, i uint16) rawDesc {
	return *(*rawDesc)(unsafe.Pointer(tbl + uintptr(i)*descSize))
}

// ChainIter walks one descriptor chain, dequeued by Queue.DequeueAvail.
type ChainIter struct {
	q       *Queue
	head    uint16
	cur     uint32 // sentinel once exhausted or broken
	tbl     uintptr
	tblSize uint16
	indirect bool
	nseen   uint32
}

// DequeueAvail pops the next available descriptor chain head, if any,
// and seeds it into it for iteration via Next. It returns false if the
// queue is broken or the driver has not published a new head.
func (q *Queue) DequeueAvail(it *ChainIter) bool {
	if q.broken {
		return false
	}
	last := uint16(atomic.LoadUint32(&q.lastSeenAvail))
	availIdx := *q.availIdxPtr()
	if last == availIdx {
		return false
	}

	head := q.availRing(last & (q.qsize - 1))
	atomic.StoreUint32(&q.lastSeenAvail, uint32(last+1))

	*it = ChainIter{
		q:       q,
		head:    head,
		cur:     uint32(head),
		tbl:     q.descBase,
		tblSize: q.qsize,
	}
	return true
}

// Head returns the descriptor index the chain started at, the id
// EnqueueUsed must be called with once the request completes.
func (it *ChainIter) Head() uint16 { return it.head }

// HasNext reports whether a further call to Next would yield a buffer.
func (it *ChainIter) HasNext() bool {
	return it.cur != sentinel && !it.q.broken
}

func (it *ChainIter) breakQueue() {
	it.q.broken = true
	it.cur = sentinel
}

// Next advances the iterator and returns the next buffer in the chain,
// or (Buffer{}, false) once the chain is exhausted or the queue breaks.
func (it *ChainIter) Next() (Buffer, bool) {
	for {
		if it.cur == sentinel || it.q.broken {
			return Buffer{}, false
		}
		cur := uint16(it.cur)
		d := it.q.descAt(it.tbl, cur)

		if d.Flags&DescFIndirect != 0 {
			if it.indirect {
				it.breakQueue() // no nested indirect (2.4.5.3.1)
				return Buffer{}, false
			}
			if d.Flags&DescFNext != 0 {
				it.breakQueue() // INDIRECT+NEXT forbidden (2.4.5.3.1)
				return Buffer{}, false
			}
			entries := d.Len / descSize
			if entries == 0 {
				it.breakQueue()
				return Buffer{}, false
			}
			tblHVA, err := it.q.mem.FindRange(d.Addr, uint64(d.Len), true)
			if err != nil {
				it.breakQueue()
				return Buffer{}, false
			}
			it.indirect = true
			it.tbl = tblHVA
			it.tblSize = uint16(entries)
			it.cur = 0
			it.nseen++
			continue // re-read d = tbl[0] and reprocess step 1
		}

		it.nseen++
		if it.nseen > uint32(it.q.qsize) {
			it.breakQueue() // loop / over-length detection
			return Buffer{}, false
		}
		if d.Len == 0 {
			it.breakQueue()
			return Buffer{}, false
		}

		wantRO := d.Flags&DescFWrite == 0
		hva, err := it.q.mem.FindRange(d.Addr, uint64(d.Len), wantRO)
		if err != nil {
			it.breakQueue()
			return Buffer{}, false
		}

		buf := Buffer{Ptr: hva, Len: d.Len, RO: wantRO}

		if d.Flags&DescFNext != 0 {
			if d.Next >= it.tblSize {
				// The current buffer was already validated and is
				// still yielded; only the *next* step breaks the chain.
				it.breakQueue()
				return buf, true
			}
			it.cur = uint32(d.Next)
		} else {
			it.cur = sentinel
		}
		return buf, true
	}
}

// EnqueueUsed publishes a used-ring entry for headID with nwritten bytes
// and advances used.idx.
func (q *Queue) EnqueueUsed(headID uint16, nwritten uint32) {
	idx := uint16(atomic.LoadUint32(&q.usedIdx))
	*q.usedRingPtr(idx & (q.qsize - 1)) = rawUsedElem{ID: uint32(headID), Len: nwritten}

	newIdx := idx + 1
	atomic.StoreUint32(&q.usedIdx, uint32(newIdx))
	*q.usedIdxPtr() = newIdx
}
