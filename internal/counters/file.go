// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package counters

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// slotSize is the fixed on-disk footprint of one counter: a
// NUL-padded name followed by the value, little-endian like the rest
// of the persisted-state layout.
const (
	slotSize     = 64
	slotNameSize = slotSize - 8
)

// File persists counter values into the fixed-size-slot counters file
// of the instance's state directory. Slots are assigned in name order on every
// Store, so a reader can scan the file without an index; capacity is
// CounterValuesBufferCapacity bytes, bounding the slot count.
type File struct {
	f        *os.File
	maxSlots int
}

// OpenFile creates or truncates the counters file at path. capacity is
// the file's byte budget; it bounds how many counters can be persisted.
func OpenFile(path string, capacity int) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f, maxSlots: capacity / slotSize}, nil
}

// Store writes every counter in c into the file, one slot per counter.
// Counters beyond the slot budget are dropped; the file never grows past
// its configured capacity.
func (cf *File) Store(c *Counters) error {
	snap := c.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > cf.maxSlots {
		names = names[:cf.maxSlots]
	}

	buf := make([]byte, len(names)*slotSize)
	for i, name := range names {
		slot := buf[i*slotSize : (i+1)*slotSize]
		if len(name) > slotNameSize {
			name = name[:slotNameSize]
		}
		copy(slot, name)
		binary.LittleEndian.PutUint64(slot[slotNameSize:], uint64(snap[name]))
	}
	if _, err := cf.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("counters: store: %w", err)
	}
	return cf.f.Truncate(int64(len(buf)))
}

// Load reads the slots back as a name→value map, for tooling and tests
// that inspect a state directory offline.
func (cf *File) Load() (map[string]int64, error) {
	info, err := cf.f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	if _, err := cf.f.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("counters: load: %w", err)
	}
	out := make(map[string]int64, len(buf)/slotSize)
	for off := 0; off+slotSize <= len(buf); off += slotSize {
		slot := buf[off : off+slotSize]
		name := slot[:slotNameSize]
		end := 0
		for end < len(name) && name[end] != 0 {
			end++
		}
		if end == 0 {
			continue
		}
		out[string(name[:end])] = int64(binary.LittleEndian.Uint64(slot[slotNameSize:]))
	}
	return out, nil
}

// Close closes the backing file.
func (cf *File) Close() error { return cf.f.Close() }
