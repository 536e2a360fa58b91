// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vhostuser

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// memRegion is one SET_MEM_TABLE entry: an mmap'd host mapping plus the
// two address spaces it bridges, guest-physical (gpa) and the master's
// own virtual address space (uva), which SET_VRING_ADDR speaks in.
type memRegion struct {
	uva uint64
	gpa uint64
	len uint64
	hva uintptr

	mmap []byte
}

func mapRegion(fd int, reg *VhostUserMemoryRegion) (memRegion, error) {
	if reg.MemorySize == 0 {
		return memRegion{}, fmt.Errorf("vhostuser: zero-length region")
	}
	if reg.GuestPhysAddr%pageSize != 0 || reg.MmapOffset%pageSize != 0 || reg.MemorySize%pageSize != 0 {
		return memRegion{}, fmt.Errorf("vhostuser: region not page-aligned: gpa=%x off=%x size=%x",
			reg.GuestPhysAddr, reg.MmapOffset, reg.MemorySize)
	}

	data, err := unix.Mmap(fd, int64(reg.MmapOffset), int(reg.MemorySize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return memRegion{}, fmt.Errorf("vhostuser: mmap: %w", err)
	}
	unix.Madvise(data, unix.MADV_DONTDUMP)

	return memRegion{
		uva:  reg.DriverAddr,
		gpa:  reg.GuestPhysAddr,
		len:  reg.MemorySize,
		hva:  uintptr(unsafe.Pointer(&data[0])),
		mmap: data,
	}, nil
}

func (r memRegion) unmap() error {
	if r.mmap == nil {
		return nil
	}
	return unix.Munmap(r.mmap)
}

func (r memRegion) containsUVA(uva uint64) bool {
	return uva >= r.uva && uva < r.uva+r.len
}

// uvaToGPA translates a master-virtual address within this region back
// to the guest-physical address SET_MEM_TABLE installed it at.
func (r memRegion) uvaToGPA(uva uint64) uint64 {
	return r.gpa + (uva - r.uva)
}
