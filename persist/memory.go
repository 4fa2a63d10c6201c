package persist

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"syscall"
)

// PageSize is the host page size the dirty bitmap is packed against. gokvm
// only ever runs on x86-64 hosts with 4 KiB pages.
const PageSize = 4096

// MemoryRegion describes how a byte range of the backing file maps onto a
// guest physical address range (§3).
type MemoryRegion struct {
	GuestBaseAddress uint64
	Length           uint64
	FileOffset       int64
}

// GuestMemoryState is the ordered sequence of region records the memory
// descriptor is made of. It is metadata only — bulk RAM lives in the
// backing file.
type GuestMemoryState []MemoryRegion

var (
	errRegionsUnsorted  = errors.New("guest memory regions are not sorted by guest base address")
	errRegionsNotContig = errors.New("guest memory region file offsets are not contiguous")
)

// Describe returns the region descriptor for a flat, single-region guest
// memory map of memSizeBytes bytes starting at guest physical address 0 —
// the only layout gokvm's Machine ever constructs (one KVM memory slot).
// Pure: it takes only the size, no guest memory.
func Describe(memSizeBytes int) GuestMemoryState {
	return GuestMemoryState{{
		GuestBaseAddress: 0,
		Length:           uint64(memSizeBytes),
		FileOffset:       0,
	}}
}

// validate enforces §3's region invariants: sorted by guest base address,
// and file offsets contiguous and non-overlapping.
func (s GuestMemoryState) validate() error {
	if !sort.SliceIsSorted(s, func(i, j int) bool { return s[i].GuestBaseAddress < s[j].GuestBaseAddress }) {
		return errRegionsUnsorted
	}

	var wantOffset int64

	for _, r := range s {
		if r.FileOffset != wantOffset {
			return fmt.Errorf("%w: region at guest 0x%x expects file offset %d, got %d",
				errRegionsNotContig, r.GuestBaseAddress, wantOffset, r.FileOffset)
		}

		wantOffset += int64(r.Length)
	}

	return nil
}

// TotalBytes sums the region lengths; for a correctly constructed
// descriptor this equals mem_size_mib * 1 MiB.
func (s GuestMemoryState) TotalBytes() uint64 {
	var total uint64
	for _, r := range s {
		total += r.Length
	}

	return total
}

// Dump writes every guest byte in mem to f at the offsets Describe(len(mem))
// would record. Used for Full snapshots (§4.C). f is truncated to len(mem)
// first so the file has a well-defined length regardless of any stale
// content at the path.
func Dump(mem []byte, f *os.File) error {
	if err := f.Truncate(int64(len(mem))); err != nil {
		return fmt.Errorf("truncate memory file: %w", err)
	}

	if _, err := f.WriteAt(mem, 0); err != nil {
		return fmt.Errorf("write memory file: %w", err)
	}

	return nil
}

// DumpDirty writes only the pages bitmap marks dirty, one bit per PageSize
// bytes across the concatenated regions. f is truncated to len(mem) first
// so offsets line up with a later restore; pages neither dirtied by this
// call nor already present from a prior Full dump at the same path are
// left as whatever the file holds there (zero-filled/sparse after
// truncation) — a diff is only meaningful relative to a previous Full dump
// at the same path, per §4.C and §9(a).
func DumpDirty(mem []byte, f *os.File, bitmap []uint64) error {
	if err := f.Truncate(int64(len(mem))); err != nil {
		return fmt.Errorf("truncate memory file: %w", err)
	}

	for wordIdx, word := range bitmap {
		if word == 0 {
			continue
		}

		for bit := 0; bit < 64; bit++ {
			if word&(1<<uint(bit)) == 0 {
				continue
			}

			off := (wordIdx*64 + bit) * PageSize
			if off+PageSize > len(mem) {
				break
			}

			if _, err := f.WriteAt(mem[off:off+PageSize], int64(off)); err != nil {
				return fmt.Errorf("write dirty page at offset %d: %w", off, err)
			}
		}
	}

	return nil
}

// Restore memory-maps each region of f, shared+read/write so the VM's
// writes land in f directly — required both so the guest sees its memory
// as a live mapping and so a later diff dump against the same path is
// meaningful (§4.C). trackDirty is not applied here — Restore only
// produces the map; it is the caller's signal for whether to re-enable
// KVM's dirty log once this mapping is registered with a VM
// (machine.EnableDirtyTracking), since that registration needs a live VM
// this package has no handle on.
func Restore(f *os.File, state GuestMemoryState, trackDirty bool) ([]byte, error) {
	_ = trackDirty

	if err := state.validate(); err != nil {
		return nil, err
	}

	total := int(state.TotalBytes())

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat memory file: %w", err)
	}

	if fi.Size() != int64(total) {
		return nil, fmt.Errorf("memory file is %d bytes, state describes %d", fi.Size(), total)
	}

	mem, err := syscall.Mmap(int(f.Fd()), 0, total, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap memory file: %w", err)
	}

	return mem, nil
}
