// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package storage provides a reference blkdev.Backend: a file-backed
// device that executes requests on a worker pool and reports completion
// to the reactor goroutine through an eventfd, so the reactor is always
// the thread that calls blkdev.Device.Complete.
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/hexonxon/libvhost-user/blkdev"
	"github.com/hexonxon/libvhost-user/vlog"
)

type completion struct {
	req    *blkdev.Request
	status blkdev.Status
}

// FileBackend executes virtio-blk requests against an *os.File.
type FileBackend struct {
	f   *os.File
	dev *blkdev.Device
	log *vlog.Logger

	completionFD int

	group *errgroup.Group

	mu      sync.Mutex
	pending []completion
}

// NewFileBackend uses the already-open backing file f for dev; it does
// not open or close f itself.
// dev.Complete is called only from Drain, which the caller must invoke
// from the reactor goroutine when CompletionFD becomes readable.
func NewFileBackend(f *os.File, dev *blkdev.Device, log *vlog.Logger) (*FileBackend, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("storage: eventfd: %w", err)
	}
	return &FileBackend{f: f, dev: dev, log: log, completionFD: fd, group: &errgroup.Group{}}, nil
}

// CompletionFD is the fd the reactor must register on Readable and
// drain via Drain.
func (b *FileBackend) CompletionFD() int { return b.completionFD }

// Submit implements blkdev.Backend: it runs req on the worker pool and
// posts a wakeup to completionFD once it finishes.
func (b *FileBackend) Submit(req *blkdev.Request) {
	b.group.Go(func() error {
		status := b.execute(req)

		b.mu.Lock()
		b.pending = append(b.pending, completion{req: req, status: status})
		b.mu.Unlock()

		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], 1)
		if _, err := unix.Write(b.completionFD, buf[:]); err != nil {
			b.log.Errorf("storage: eventfd write: %v", err)
		}
		return nil
	})
}

// Drain must be called from the reactor goroutine when CompletionFD is
// readable. It consumes the eventfd counter and calls
// blkdev.Device.Complete for every request that finished since the last
// Drain, on the calling (reactor) goroutine.
func (b *FileBackend) Drain() error {
	var buf [8]byte
	if _, err := unix.Read(b.completionFD, buf[:]); err != nil {
		if err == unix.EAGAIN {
			return nil
		}
		return fmt.Errorf("storage: eventfd read: %w", err)
	}

	b.mu.Lock()
	items := b.pending
	b.pending = nil
	b.mu.Unlock()

	for _, c := range items {
		b.dev.Complete(c.req, c.status)
	}
	return nil
}

func (b *FileBackend) execute(req *blkdev.Request) blkdev.Status {
	offset := int64(req.Sector) * 512

	switch req.Type {
	case blkdev.ReqFlush:
		if err := b.f.Sync(); err != nil {
			b.log.Warnf("storage: sync: %v", err)
			return blkdev.StatusIOErr
		}
		return blkdev.StatusOK

	case blkdev.ReqIn:
		for _, iov := range req.IOVecs {
			dst := unsafe.Slice((*byte)(unsafe.Pointer(iov.Ptr)), iov.Len)
			if _, err := b.f.ReadAt(dst, offset); err != nil {
				b.log.Warnf("storage: read at %d: %v", offset, err)
				return blkdev.StatusIOErr
			}
			offset += int64(iov.Len)
		}
		return blkdev.StatusOK

	case blkdev.ReqOut:
		for _, iov := range req.IOVecs {
			src := unsafe.Slice((*byte)(unsafe.Pointer(iov.Ptr)), iov.Len)
			if _, err := b.f.WriteAt(src, offset); err != nil {
				b.log.Warnf("storage: write at %d: %v", offset, err)
				return blkdev.StatusIOErr
			}
			offset += int64(iov.Len)
		}
		return blkdev.StatusOK

	default:
		return blkdev.StatusUnsupp
	}
}

// Close waits for in-flight requests to finish and closes the eventfd.
func (b *FileBackend) Close() error {
	b.group.Wait()
	return unix.Close(b.completionFD)
}
