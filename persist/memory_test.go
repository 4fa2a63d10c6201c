package persist_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gokvm/microvm/persist"
)

func TestDescribe(t *testing.T) {
	t.Parallel()

	const oneMiB = 1 << 20

	state := persist.Describe(128 * oneMiB)

	if len(state) != 1 {
		t.Fatalf("Describe returned %d regions, want 1", len(state))
	}

	if state[0].GuestBaseAddress != 0 {
		t.Errorf("GuestBaseAddress = %d, want 0", state[0].GuestBaseAddress)
	}

	if got, want := state.TotalBytes(), uint64(128*oneMiB); got != want {
		t.Errorf("TotalBytes() = %d, want %d", got, want)
	}
}

func TestDumpAndRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	const memSize = 2 * 1024 * 1024 // 2 MiB, scaled down from the 1024 MiB scenario

	mem := make([]byte, memSize)
	for i := range mem {
		mem[i] = byte(i)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "mem")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := persist.Dump(mem, f); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	f.Close()

	rf, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}

	defer rf.Close()

	state := persist.Describe(memSize)

	restored, err := persist.Restore(rf, state, false)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if !bytes.Equal(restored, mem) {
		t.Fatalf("restored memory does not match original")
	}
}

func TestDumpDirtyOnlyWritesMarkedPages(t *testing.T) {
	t.Parallel()

	const memSize = 4 * persist.PageSize

	mem := make([]byte, memSize)
	for i := range mem {
		mem[i] = 0xAB
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "mem")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	defer f.Close()

	// Mark only page index 2 dirty.
	bitmap := []uint64{1 << 2}

	if err := persist.DumpDirty(mem, f, bitmap); err != nil {
		t.Fatalf("DumpDirty: %v", err)
	}

	got := make([]byte, memSize)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}

	for page := 0; page < 4; page++ {
		off := page * persist.PageSize
		want := byte(0)

		if page == 2 {
			want = 0xAB
		}

		if got[off] != want {
			t.Errorf("page %d byte 0 = 0x%x, want 0x%x", page, got[off], want)
		}
	}
}

func TestRestoreRejectsSizeMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mem")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	defer f.Close()

	if err := f.Truncate(persist.PageSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	state := persist.Describe(2 * persist.PageSize)

	if _, err := persist.Restore(f, state, false); err == nil {
		t.Fatal("Restore succeeded on a size-mismatched file, want error")
	}
}
