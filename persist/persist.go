package persist

import (
	"errors"
	"fmt"
	"os"
)

// SnapshotType selects how much guest memory a CreateSnapshot call writes
// out (§4.C).
type SnapshotType int

const (
	// SnapshotFull writes every guest page.
	SnapshotFull SnapshotType = iota
	// SnapshotDiff writes only pages dirtied since the last reset of the
	// dirty log, into a file that must already hold a prior Full dump at
	// the same path (§9(a)).
	SnapshotDiff
)

// CreateSnapshotParams configures CreateSnapshot.
type CreateSnapshotParams struct {
	StatePath    string
	MemPath      string
	SnapshotType SnapshotType

	// TargetVersion selects a data version directly; 0 selects the latest
	// known data version. Ignored when ProductVersion is set.
	TargetVersion uint16

	// ProductVersion is a product tag (e.g. "0.23") translated through the
	// Version Map to a data version (§4.A). Takes precedence over
	// TargetVersion when non-empty; an unrecognized tag fails with
	// ErrInvalidVersion.
	ProductVersion string
}

// LoadSnapshotParams configures RestoreFromSnapshot.
type LoadSnapshotParams struct {
	StatePath  string
	MemPath    string
	TrackDirty bool
}

// CreateSnapshot is the orchestrator's save path (§4.E): it pauses-assumed
// vm, assembles its MicrovmState, checks it against the target data
// version's device limit, serializes it, and dumps guest memory — full or
// diff according to params.SnapshotType. The caller must have already
// paused all vCPUs.
func CreateSnapshot(vm VMSaverWithBitmap, params CreateSnapshotParams) error {
	vmap := NewVersionMap()

	var dataVersion uint16

	switch {
	case params.ProductVersion != "":
		v, err := vmap.Translate(params.ProductVersion)
		if err != nil {
			return &CreateSnapshotError{Kind: ErrInvalidVersion, Inner: err}
		}

		dataVersion = v
	case params.TargetVersion != 0:
		dataVersion = params.TargetVersion
	default:
		dataVersion = vmap.LatestVersion()
	}

	if dataVersion > vmap.LatestVersion() {
		return &CreateSnapshotError{
			Kind:  ErrInvalidVersion,
			Inner: fmt.Errorf("data version %d is newer than the latest known version %d", dataVersion, vmap.LatestVersion()),
		}
	}

	state, err := AssembleState(vm)
	if err != nil {
		return &CreateSnapshotError{Kind: ErrMicrovmStateKind, Inner: err}
	}

	if err := CheckDeviceCount(state.DeviceStates, dataVersion); err != nil {
		return err
	}

	payload, err := serializeMicrovmState(state, vmap, dataVersion)
	if err != nil {
		return &CreateSnapshotError{Kind: ErrSerializeMicrovmState, Inner: err}
	}

	memFile, err := os.OpenFile(params.MemPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return &CreateSnapshotError{Kind: ErrMemoryBackingFile, Inner: err}
	}
	defer memFile.Close()

	mem := vm.Mem()

	switch params.SnapshotType {
	case SnapshotDiff:
		bitmap, err := vm.GetAndClearDirtyBitmap()
		if err != nil {
			return &CreateSnapshotError{Kind: ErrDirtyBitmap, Inner: err}
		}

		if err := DumpDirty(mem, memFile, bitmap); err != nil {
			return &CreateSnapshotError{Kind: ErrMemory, Inner: err}
		}
	default:
		if err := Dump(mem, memFile); err != nil {
			return &CreateSnapshotError{Kind: ErrMemory, Inner: err}
		}
	}

	stateFile, err := os.OpenFile(params.StatePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return &CreateSnapshotError{Kind: ErrSnapshotBackingFile, Inner: err}
	}
	defer stateFile.Close()

	if err := saveFramed(stateFile, dataVersion, payload); err != nil {
		return &CreateSnapshotError{Kind: ErrSnapshotBackingFile, Inner: err}
	}

	return nil
}

// RestoreFromSnapshot is the orchestrator's load path (§4.E). It is
// generic over the concrete VM type so this package never imports vmm: the
// caller supplies build, which reconstructs a live VM (KVM objects, vCPU
// threads not yet started) from the deserialized MicrovmState and restored
// guest memory. build's returned VM is handed back unstarted; resuming
// vCPU execution is the caller's responsibility.
func RestoreFromSnapshot[VM any](params LoadSnapshotParams, build func(*MicrovmState, []byte) (VM, error)) (VM, error) {
	var zero VM

	stateFile, err := os.Open(params.StatePath)
	if err != nil {
		return zero, &LoadSnapshotError{Kind: ErrLoadSnapshotBackingFile, Inner: err}
	}
	defer stateFile.Close()

	if _, err := stateFile.Stat(); err != nil {
		return zero, &LoadSnapshotError{Kind: ErrSnapshotBackingFileMetadata, Inner: err}
	}

	_, payload, err := loadFramed(stateFile)
	if err != nil {
		// loadFramed covers the whole framed snapshot (magic, data version,
		// CRC, payload length) — only the os.Open above is a backing-file
		// error; everything loadFramed rejects is a deserialization failure.
		detail := ""
		if errors.Is(err, ErrBadMagic) {
			detail = "InvalidMagic"
		}

		return zero, &LoadSnapshotError{Kind: ErrDeserializeMicrovmState, Detail: detail, Inner: err}
	}

	state, err := deserializeMicrovmState(payload)
	if err != nil {
		return zero, &LoadSnapshotError{Kind: ErrDeserializeMicrovmState, Inner: err}
	}

	if err := CheckCPUVendor(state); err != nil {
		return zero, err
	}

	memFile, err := os.OpenFile(params.MemPath, os.O_RDWR, 0)
	if err != nil {
		return zero, &LoadSnapshotError{Kind: ErrLoadMemoryBackingFile, Inner: err}
	}
	defer memFile.Close()

	mem, err := Restore(memFile, state.MemoryState, params.TrackDirty)
	if err != nil {
		return zero, &LoadSnapshotError{Kind: ErrDeserializeMemory, Inner: err}
	}

	vm, err := build(state, mem)
	if err != nil {
		return zero, &LoadSnapshotError{Kind: ErrBuildMicroVM, Inner: err}
	}

	return vm, nil
}
