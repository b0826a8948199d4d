// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package counters

import (
	"path/filepath"
	"testing"
)

func TestFileStoreLoadRoundTrip(t *testing.T) {
	c := New(nil)
	c.Route(7).AddBytesRead(123)
	c.IncConnectionsOpened()
	c.IncOverflows(7, 1)

	path := filepath.Join(t.TempDir(), "counters.values")
	cf, err := OpenFile(path, 1<<12)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cf.Close()

	if err := cf.Store(c); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := cf.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["7.bytes.read"] != 123 {
		t.Fatalf("7.bytes.read = %d, want 123", got["7.bytes.read"])
	}
	if got["connections.opened"] != 1 || got["overflows"] != 1 {
		t.Fatalf("process-wide counters not persisted: %+v", got)
	}
}

func TestFileStoreHonorsSlotBudget(t *testing.T) {
	c := New(nil)
	for id := uint64(1); id <= 8; id++ {
		c.Route(id).AddFramesRead(1)
	}

	// Room for two slots only.
	cf, err := OpenFile(filepath.Join(t.TempDir(), "counters.values"), 2*slotSize)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer cf.Close()

	if err := cf.Store(c); err != nil {
		t.Fatalf("store: %v", err)
	}
	got, err := cf.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("persisted %d slots, want capped at 2", len(got))
	}
}
