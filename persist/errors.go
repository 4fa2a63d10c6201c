package persist

import "fmt"

// MicrovmStateErrorKind enumerates the MicrovmStateError variants a VM
// collaborator's save_state()/restore calls can fail with (§4.G).
type MicrovmStateErrorKind int

const (
	ErrInvalidInput MicrovmStateErrorKind = iota
	ErrNotAllowed
	ErrRestoreDevices
	ErrRestoreVcpuState
	ErrRestoreVmState
	ErrSaveVcpuState
	ErrSaveVmState
	ErrSignalVcpu
	ErrUnexpectedVcpuResponse
)

// MicrovmStateError is the substate save/restore error family.
type MicrovmStateError struct {
	Kind   MicrovmStateErrorKind
	Reason string
	Inner  error
}

func (e *MicrovmStateError) Error() string {
	switch e.Kind {
	case ErrInvalidInput:
		return fmt.Sprintf("invalid input: %v", e.Inner)
	case ErrNotAllowed:
		return fmt.Sprintf("operation not allowed: %s", e.Reason)
	case ErrRestoreDevices:
		return fmt.Sprintf("failed to restore devices state: %v", e.Inner)
	case ErrRestoreVcpuState:
		return fmt.Sprintf("failed to restore vcpu state: %v", e.Inner)
	case ErrRestoreVmState:
		return fmt.Sprintf("failed to restore vm state: %v", e.Inner)
	case ErrSaveVcpuState:
		return fmt.Sprintf("failed to save vcpu state: %v", e.Inner)
	case ErrSaveVmState:
		return fmt.Sprintf("failed to save vm state: %v", e.Inner)
	case ErrSignalVcpu:
		return fmt.Sprintf("failed to signal vcpu: %v", e.Inner)
	case ErrUnexpectedVcpuResponse:
		return "unexpected response from vcpu thread"
	default:
		return "unknown microvm state error"
	}
}

func (e *MicrovmStateError) Unwrap() error { return e.Inner }

// CreateSnapshotErrorKind enumerates CreateSnapshotError's variants.
type CreateSnapshotErrorKind int

const (
	ErrDirtyBitmap CreateSnapshotErrorKind = iota
	ErrInvalidVersion
	ErrInvalidVmState
	ErrMemory
	ErrMemoryBackingFile
	ErrMicrovmStateKind
	ErrSerializeMicrovmState
	ErrSnapshotBackingFile
	ErrTooManyDevices
)

// CreateSnapshotError is returned by CreateSnapshot.
type CreateSnapshotError struct {
	Kind  CreateSnapshotErrorKind
	N     int
	Inner error
}

func (e *CreateSnapshotError) Error() string {
	switch e.Kind {
	case ErrDirtyBitmap:
		return fmt.Sprintf("cannot fetch the dirty page bitmap: %v", e.Inner)
	case ErrInvalidVersion:
		return fmt.Sprintf("invalid target snapshot version: %v", e.Inner)
	case ErrInvalidVmState:
		return fmt.Sprintf("invalid VM state: %v", e.Inner)
	case ErrMemory:
		return fmt.Sprintf("cannot write guest memory to the snapshot: %v", e.Inner)
	case ErrMemoryBackingFile:
		return fmt.Sprintf("cannot open the memory backing file: %v", e.Inner)
	case ErrMicrovmStateKind:
		return fmt.Sprintf("cannot save the microVM state: %v", e.Inner)
	case ErrSerializeMicrovmState:
		return fmt.Sprintf("cannot serialize the microVM state: %v", e.Inner)
	case ErrSnapshotBackingFile:
		return fmt.Sprintf("cannot open the snapshot state file: %v", e.Inner)
	case ErrTooManyDevices:
		return fmt.Sprintf("too many devices attached to the VM: %d", e.N)
	default:
		return "unknown create-snapshot error"
	}
}

func (e *CreateSnapshotError) Unwrap() error { return e.Inner }

// LoadSnapshotErrorKind enumerates LoadSnapshotError's variants.
type LoadSnapshotErrorKind int

const (
	ErrBuildMicroVM LoadSnapshotErrorKind = iota
	ErrDeserializeMemory
	ErrDeserializeMicrovmState
	ErrLoadMemoryBackingFile
	ErrResumeMicroVM
	ErrLoadSnapshotBackingFile
	ErrSnapshotBackingFileMetadata
	ErrCPUVendorMismatch
)

// LoadSnapshotError is returned by RestoreFromSnapshot.
type LoadSnapshotError struct {
	Kind   LoadSnapshotErrorKind
	Detail string
	Inner  error
}

func (e *LoadSnapshotError) Error() string {
	switch e.Kind {
	case ErrBuildMicroVM:
		return fmt.Sprintf("cannot build a microVM from the snapshot: %v", e.Inner)
	case ErrDeserializeMemory:
		return fmt.Sprintf("cannot restore guest memory: %v", e.Inner)
	case ErrDeserializeMicrovmState:
		return fmt.Sprintf("cannot deserialize the microVM state: %v", e.Inner)
	case ErrLoadMemoryBackingFile:
		return fmt.Sprintf("cannot open the memory backing file: %v", e.Inner)
	case ErrResumeMicroVM:
		return fmt.Sprintf("cannot resume the microVM: %v", e.Inner)
	case ErrLoadSnapshotBackingFile:
		return fmt.Sprintf("cannot open the snapshot state file: %v", e.Inner)
	case ErrSnapshotBackingFileMetadata:
		return fmt.Sprintf("cannot stat the snapshot state file: %v", e.Inner)
	case ErrCPUVendorMismatch:
		return fmt.Sprintf("CPU vendor mismatch: %s", e.Detail)
	default:
		return "unknown load-snapshot error"
	}
}

func (e *LoadSnapshotError) Unwrap() error { return e.Inner }
