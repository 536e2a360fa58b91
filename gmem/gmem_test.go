// Copyright 2024 the Go-FUSE Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gmem

import (
	"errors"
	"testing"

	"github.com/kylelemons/godebug/pretty"
)

func TestMemoryMapSandwich(t *testing.T) {
	var m Map
	if err := m.AddRegion(0x1000, 0x1000, 0x1000, false); err != nil {
		t.Fatalf("AddRegion 1: %v", err)
	}
	if err := m.AddRegion(0x2000, 0x1000, 0x2000, true); err != nil {
		t.Fatalf("AddRegion 2: %v", err)
	}
	if err := m.AddRegion(0x3000, 0x1000, 0x3000, false); err != nil {
		t.Fatalf("AddRegion 3: %v", err)
	}

	if got, err := m.FindRange(0x1000, 0x3000, true); err != nil || got != 0x1000 {
		t.Errorf("FindRange(ro) = %x, %v, want 0x1000, nil", got, err)
	}
	if _, err := m.FindRange(0x1000, 0x3000, false); !errors.Is(err, ErrUnmapped) {
		t.Errorf("FindRange(rw) across RO region = %v, want ErrUnmapped", err)
	}
	if got, err := m.FindRange(0x1000+0x2000, 0x1, true); err != nil || got != 0x3000 {
		t.Errorf("FindRange(tail) = %x, %v, want 0x3000, nil", got, err)
	}
	if _, err := m.FindRange(0x1000-1, 0x1000, true); !errors.Is(err, ErrUnmapped) {
		t.Errorf("FindRange(before start) = %v, want ErrUnmapped", err)
	}
}

func TestMemoryMapOverflow(t *testing.T) {
	var m Map
	for i := 0; i < MaxRegions; i++ {
		gpa := uint64(i) * 0x1000
		if err := m.AddRegion(gpa, 0x1000, uintptr(gpa), false); err != nil {
			t.Fatalf("AddRegion %d: %v", i, err)
		}
	}
	gpa := uint64(MaxRegions) * 0x1000
	if err := m.AddRegion(gpa, 0x1000, uintptr(gpa), false); !errors.Is(err, ErrOutOfSpace) {
		t.Errorf("17th AddRegion = %v, want ErrOutOfSpace", err)
	}
}

func TestAddRegionOverlap(t *testing.T) {
	var m Map
	if err := m.AddRegion(0x1000, 0x2000, 0x1000, false); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	cases := []struct {
		name     string
		gpa, len uint64
	}{
		{"exact", 0x1000, 0x2000},
		{"straddle-start", 0x0800, 0x1000},
		{"straddle-end", 0x2000, 0x1000},
		{"inside", 0x1800, 0x0400},
	}
	for _, tc := range cases {
		if err := m.AddRegion(tc.gpa, tc.len, uintptr(tc.gpa), false); !errors.Is(err, ErrOverlap) {
			t.Errorf("%s: AddRegion = %v, want ErrOverlap", tc.name, err)
		}
	}
	// adjacent, non-overlapping regions on both sides must succeed.
	if err := m.AddRegion(0x0000, 0x1000, 0, false); err != nil {
		t.Errorf("AddRegion before: %v", err)
	}
	if err := m.AddRegion(0x3000, 0x1000, 0x3000, false); err != nil {
		t.Errorf("AddRegion after: %v", err)
	}
}

func TestFindRangeZeroLength(t *testing.T) {
	var m Map
	if err := m.AddRegion(0x1000, 0x1000, 0x1000, false); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if _, err := m.FindRange(0x1000, 0, true); !errors.Is(err, ErrUnmapped) {
		t.Errorf("FindRange(len=0) = %v, want ErrUnmapped", err)
	}
}

func TestFindRangeCrossesGap(t *testing.T) {
	var m Map
	if err := m.AddRegion(0x1000, 0x1000, 0x1000, false); err != nil {
		t.Fatalf("AddRegion 1: %v", err)
	}
	if err := m.AddRegion(0x3000, 0x1000, 0x3000, false); err != nil {
		t.Fatalf("AddRegion 2: %v", err)
	}
	if _, err := m.FindRange(0x1000, 0x2000, true); !errors.Is(err, ErrUnmapped) {
		t.Errorf("FindRange spanning gap = %v, want ErrUnmapped", err)
	}
}

func TestResetEmptiesTable(t *testing.T) {
	var m Map
	if err := m.AddRegion(0x1000, 0x1000, 0x1000, false); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	m.Reset()
	if got := m.Regions(); len(got) != 0 {
		t.Errorf("Regions() after Reset = %s, want empty", pretty.Sprint(got))
	}
	if _, err := m.FindRange(0x1000, 1, true); !errors.Is(err, ErrUnmapped) {
		t.Errorf("FindRange after Reset = %v, want ErrUnmapped", err)
	}
}

// insertion order must not affect the resulting sorted layout.
func TestAddRegionSortedRegardlessOfInsertionOrder(t *testing.T) {
	var m Map
	order := []uint64{0x3000, 0x1000, 0x2000}
	for _, gpa := range order {
		if err := m.AddRegion(gpa, 0x1000, uintptr(gpa), false); err != nil {
			t.Fatalf("AddRegion(%x): %v", gpa, err)
		}
	}
	regions := m.Regions()
	want := []uint64{0x1000, 0x2000, 0x3000}
	for i, r := range regions {
		if r.GPA != want[i] {
			t.Errorf("regions[%d].GPA = %x, want %x (%s)", i, r.GPA, want[i], pretty.Sprint(regions))
		}
	}
}
