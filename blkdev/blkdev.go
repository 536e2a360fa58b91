// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package blkdev parses virtio-blk descriptor chains into requests and
// completes them, implementing the virtio.Device contract.
package blkdev

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/hexonxon/libvhost-user/virtio"
	"github.com/hexonxon/libvhost-user/virtq"
)

// Feature bits from include/standard-headers/linux/virtio_blk.h.
const (
	FRO       = 1 << 5 // VIRTIO_BLK_F_RO
	FBlkSize  = 1 << 6 // VIRTIO_BLK_F_BLK_SIZE
	FFlush    = 1 << 9 // VIRTIO_BLK_F_FLUSH
	FTopology = 1 << 10
)

// ReqType is the virtio-blk request type field.
type ReqType uint32

const (
	ReqIn    ReqType = 0 // BLK_T_IN: read
	ReqOut   ReqType = 1 // BLK_T_OUT: write
	ReqFlush ReqType = 4 // BLK_T_FLUSH
	ReqGetID ReqType = 8 // BLK_T_GET_ID
)

// Status is the single status byte written at the tail of a request.
type Status byte

const (
	StatusOK     Status = 0
	StatusIOErr  Status = 1
	StatusUnsupp Status = 2
)

const sectorSize = 512

var (
	// ErrBrokenChain is returned by Dequeue when the underlying
	// virtqueue broke while walking the chain — a virtqueue-layer
	// malformation, distinct from a block-layer malformation, which is
	// silently dropped instead.
	ErrBrokenChain = errors.New("blkdev: virtqueue broke while parsing request")

	errBadConfig = errors.New("blkdev: bad device configuration")
)

// reqHeader mirrors struct virtio_blk_outhdr: type(4) + reserved(4) + sector(8).
type reqHeader struct {
	Type     uint32
	Reserved uint32
	Sector   uint64
}

const reqHeaderSize = 16

// IOVec is one data buffer belonging to a Request.
type IOVec struct {
	Ptr uintptr
	Len uint32
}

// Request is a parsed virtio-blk request, owned by the storage backend
// from Dequeue until the matching Complete call.
type Request struct {
	Type         ReqType
	Sector       uint64
	TotalSectors uint32
	IOVecs       []IOVec

	headID    uint16
	statusPtr uintptr
	q         *virtq.Queue
	epoch     uint64
}

// Device is a virtio-blk device: geometry, feature policy, and the
// descriptor-chain parser.
type Device struct {
	TotalSectors uint64
	BlockSize    uint32
	ReadOnly     bool
	Writeback    bool

	negotiated uint64
	backend    Backend
}

// Backend receives parsed requests for asynchronous execution. The
// implementation is expected to call Device.Complete once execution
// finishes, on the reactor goroutine — Complete touches guest memory and
// the vring without locking, so it must not run concurrently with the
// reactor.
type Backend interface {
	Submit(req *Request)
}

// New validates geometry and returns a ready Device.
func New(totalSectors uint64, blockSize uint32, readOnly, writeback bool, backend Backend) (*Device, error) {
	if totalSectors == 0 {
		return nil, fmt.Errorf("%w: total_sectors must be positive", errBadConfig)
	}
	if blockSize == 0 || blockSize%sectorSize != 0 {
		return nil, fmt.Errorf("%w: block_size must be a positive multiple of %d", errBadConfig, sectorSize)
	}
	return &Device{
		TotalSectors: totalSectors,
		BlockSize:    blockSize,
		ReadOnly:     readOnly,
		Writeback:    writeback,
		backend:      backend,
	}, nil
}

// SetBackend attaches or replaces the backend requests are submitted
// to, letting the backend and the device be constructed in either
// order (the backend's constructor typically needs the device to call
// Complete on).
func (d *Device) SetBackend(backend Backend) { d.backend = backend }

// SupportedFeatures implements virtio.Device.
func (d *Device) SupportedFeatures() uint64 {
	f := uint64(FBlkSize)
	if d.ReadOnly {
		f |= FRO
	}
	if d.Writeback {
		f |= FFlush
	}
	return f
}

// NegotiatedFeatures implements virtio.Device.
func (d *Device) NegotiatedFeatures() uint64 { return d.negotiated }

// SetNegotiatedFeatures implements virtio.Device. The caller is
// responsible for checking bits against SupportedFeatures before
// calling this.
func (d *Device) SetNegotiatedFeatures(bits uint64) error {
	d.negotiated = bits
	return nil
}

// ConfigSize implements virtio.Device: capacity, size_max, seg_max,
// geometry and blk_size, the fields this backend actually populates.
func (d *Device) ConfigSize() uint32 { return 24 }

// GetConfig implements virtio.Device.
func (d *Device) GetConfig(out []byte) error {
	if uint32(len(out)) != d.ConfigSize() {
		return fmt.Errorf("%w: GetConfig buffer size %d, want %d", errBadConfig, len(out), d.ConfigSize())
	}
	binary.LittleEndian.PutUint64(out[0:8], d.TotalSectors)
	binary.LittleEndian.PutUint32(out[8:12], 0)  // size_max: unlimited
	binary.LittleEndian.PutUint32(out[12:16], 0) // seg_max: unlimited
	binary.LittleEndian.PutUint32(out[16:20], 0) // geometry, unused
	binary.LittleEndian.PutUint32(out[20:24], d.BlockSize)
	return nil
}

// OnVringKick implements virtio.Device: drains every available chain on
// q, parsing and submitting well-formed requests, silently dropping
// malformed ones, and propagating ErrBrokenChain if the ring itself
// breaks.
func (d *Device) OnVringKick(_ virtio.Device, q *virtq.Queue) error {
	for {
		before := q.LastSeenAvail()
		req, err := d.Dequeue(q)
		if err != nil {
			return err
		}
		if req == nil {
			if q.Broken() {
				return ErrBrokenChain
			}
			if q.LastSeenAvail() != before {
				continue // a malformed chain was dropped; keep draining
			}
			return nil
		}
		d.backend.Submit(req)
	}
}

// Dequeue pulls one descriptor chain from q and parses it into a
// Request. It returns (nil, nil) for an empty queue or a chain that
// fails block-layer validation (the chain is still silently committed
// to the used ring with zero bytes written, per spec). It returns a
// non-nil error only when the virtqueue itself broke while walking the
// chain.
func (d *Device) Dequeue(q *virtq.Queue) (*Request, error) {
	var it virtq.ChainIter
	if !q.DequeueAvail(&it) {
		return nil, nil
	}

	var bufs []virtq.Buffer
	for {
		b, ok := it.Next()
		if !ok {
			break
		}
		bufs = append(bufs, b)
	}
	if q.Broken() {
		return nil, ErrBrokenChain
	}
	if len(bufs) < 2 {
		d.drop(q, it.Head())
		return nil, nil
	}

	hdrBuf := bufs[0]
	statusBuf := bufs[len(bufs)-1]
	dataBufs := bufs[1 : len(bufs)-1]

	if !hdrBuf.RO || hdrBuf.Len != reqHeaderSize {
		d.drop(q, it.Head())
		return nil, nil
	}
	if statusBuf.RO || statusBuf.Len != 1 {
		d.drop(q, it.Head())
		return nil, nil
	}

	hdr := *(*reqHeader)(unsafe.Pointer(hdrBuf.Ptr))
	reqType := ReqType(hdr.Type)

	req := &Request{
		Type:      reqType,
		Sector:    hdr.Sector,
		headID:    it.Head(),
		statusPtr: statusBuf.Ptr,
		q:         q,
		epoch:     q.Epoch(),
	}

	switch reqType {
	case ReqFlush:
		if len(dataBufs) != 0 {
			d.drop(q, it.Head())
			return nil, nil
		}
	case ReqIn, ReqOut:
		if len(dataBufs) == 0 {
			d.drop(q, it.Head())
			return nil, nil
		}
		var totalBytes uint64
		for _, b := range dataBufs {
			if b.Len == 0 || b.Len%sectorSize != 0 {
				d.drop(q, it.Head())
				return nil, nil
			}
			wantRO := reqType == ReqOut
			if b.RO != wantRO {
				d.drop(q, it.Head())
				return nil, nil
			}
			req.IOVecs = append(req.IOVecs, IOVec{Ptr: b.Ptr, Len: b.Len})
			totalBytes += uint64(b.Len)
		}
		req.TotalSectors = uint32(totalBytes / sectorSize)
		if hdr.Sector+uint64(req.TotalSectors) > d.TotalSectors || hdr.Sector > d.TotalSectors {
			d.drop(q, it.Head())
			return nil, nil
		}
	default:
		d.drop(q, it.Head())
		return nil, nil
	}

	return req, nil
}

// drop commits the used entry for a malformed or unsupported request
// without writing a status byte, per spec's silent-drop rule.
func (d *Device) drop(q *virtq.Queue, headID uint16) {
	q.EnqueueUsed(headID, 0)
}

// Complete writes status to the request's status byte and publishes the
// used entry. nwritten is always 0: guests don't use it to size reads,
// since data buffers were written directly into guest memory.
//
// If the vring has been reset since req was dequeued, its memory map
// has been unmapped and its virtq.Queue reinitialized; req's pointers
// are stale. Complete detects this via the queue's epoch counter and
// drops the completion instead of writing through them, per spec.md
// §5's cancellation contract.
func (d *Device) Complete(req *Request, status Status) {
	if req.q.Epoch() != req.epoch {
		return
	}
	*(*byte)(unsafe.Pointer(req.statusPtr)) = byte(status)
	req.q.EnqueueUsed(req.headID, 0)
}
