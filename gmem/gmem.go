// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gmem implements the guest memory map: an ordered,
// non-overlapping table of guest-physical-address regions backed by
// host-virtual mappings, with range lookup and RO/RW enforcement.
package gmem

import "errors"

// MaxRegions is the largest number of regions a Map can hold at once.
// It is larger than the 8 regions one vhost-user SET_MEM_TABLE message
// can carry.
const MaxRegions = 16

var (
	// ErrOutOfSpace is returned by AddRegion when the table already
	// holds MaxRegions regions.
	ErrOutOfSpace = errors.New("gmem: region table full")
	// ErrOverlap is returned by AddRegion when the new region overlaps
	// an existing one.
	ErrOverlap = errors.New("gmem: region overlaps existing region")
	// ErrUnmapped is returned by FindRange when the requested range is
	// not fully covered by adjacent regions with sufficient permission.
	ErrUnmapped = errors.New("gmem: range not mapped")
)

// Region is a single guest-physical-to-host-virtual mapping.
type Region struct {
	GPA uint64
	Len uint64
	HVA uintptr
	RO  bool
}

func (r Region) end() uint64 { return r.GPA + r.Len }

// Map is an ordered, non-overlapping sequence of at most MaxRegions
// Regions, sorted by GPA. The zero value is an empty map.
type Map struct {
	regions []Region
}

// AddRegion inserts a new region at its sorted position. It fails if the
// table is full or the new region overlaps any existing region.
func (m *Map) AddRegion(gpa, length uint64, hva uintptr, ro bool) error {
	if len(m.regions) >= MaxRegions {
		return ErrOutOfSpace
	}
	r := Region{GPA: gpa, Len: length, HVA: hva, RO: ro}

	idx := 0
	for idx < len(m.regions) && m.regions[idx].GPA < gpa {
		idx++
	}
	if idx > 0 && m.regions[idx-1].end() > gpa {
		return ErrOverlap
	}
	if idx < len(m.regions) && r.end() > m.regions[idx].GPA {
		return ErrOverlap
	}

	m.regions = append(m.regions, Region{})
	copy(m.regions[idx+1:], m.regions[idx:])
	m.regions[idx] = r
	return nil
}

// FindRange returns the host pointer for the first byte of
// [gpa, gpa+length), or ErrUnmapped if the range is empty, starts in a
// gap, crosses a gap between regions, or requires write access to a
// region mapped read-only.
func (m *Map) FindRange(gpa, length uint64, wantRO bool) (uintptr, error) {
	if length == 0 {
		return 0, ErrUnmapped
	}

	idx := 0
	for idx < len(m.regions) && gpa >= m.regions[idx].end() {
		idx++
	}
	if idx >= len(m.regions) || gpa < m.regions[idx].GPA {
		return 0, ErrUnmapped
	}

	hva := m.regions[idx].HVA + uintptr(gpa-m.regions[idx].GPA)

	remaining := length
	cur := gpa
	for remaining > 0 {
		if idx >= len(m.regions) || cur < m.regions[idx].GPA || cur >= m.regions[idx].end() {
			return 0, ErrUnmapped
		}
		r := m.regions[idx]
		if !wantRO && r.RO {
			return 0, ErrUnmapped
		}

		tail := r.end() - cur
		step := remaining
		if tail < step {
			step = tail
		}
		remaining -= step
		cur += step
		idx++
	}

	return hva, nil
}

// Reset empties the region table.
func (m *Map) Reset() {
	m.regions = nil
}

// Len reports the number of regions currently installed.
func (m *Map) Len() int {
	return len(m.regions)
}

// Regions returns a copy of the installed regions, sorted by GPA. It is
// intended for diagnostics and tests.
func (m *Map) Regions() []Region {
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}
