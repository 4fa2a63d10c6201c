package persist

import (
	"fmt"

	"github.com/gokvm/microvm/migration"
)

// VmInfo is scalar metadata about the VM independent of hardware state
// (§3). It compares by equality.
type VmInfo struct {
	MemSizeMib uint64
}

// VsockState is the opaque state blob for an attached vsock device. gokvm
// does not implement vsock; the type exists so DeviceStates' schema can
// carry the "at most one" vsock slot the spec's device container declares.
type VsockState struct {
	CID uint64
}

// BalloonState is the opaque state blob for an attached balloon device.
// gokvm does not implement ballooning; see VsockState.
type BalloonState struct {
	NumPages    uint32
	ActualPages uint32
}

// DeviceStates is the heterogeneous device container (§9): a tagged-variant
// record with one field per device kind, not an inheritance hierarchy.
// Adding a kind is a schema bump on this type alone (see TypeDeviceStates).
type DeviceStates struct {
	Block   []migration.BlkState
	Net     []migration.NetState
	Vsock   *VsockState
	Balloon *BalloonState
	Serial  migration.SerialState
}

// deviceStatesV1 is DeviceStates' schema-1 shape: no vsock, no balloon.
type deviceStatesV1 struct {
	Block  []migration.BlkState
	Net    []migration.NetState
	Serial migration.SerialState
}

// Count returns the number of attached devices the compatibility guard's
// device-count check must bound (§4.F): every block, net, vsock and
// balloon device, not the bridge itself.
func (d DeviceStates) Count() int {
	n := len(d.Block) + len(d.Net)
	if d.Vsock != nil {
		n++
	}

	if d.Balloon != nil {
		n++
	}

	return n
}

// MicrovmState is the aggregate root (§3): VmInfo, the memory descriptor,
// VM-wide hardware state, one VcpuState per vCPU, and DeviceStates. It is
// transient — assembled immediately before serialization and discarded
// after, or produced by deserialization and immediately split apart by the
// orchestrator/builder — never long-lived.
type MicrovmState struct {
	VMInfo       VmInfo
	MemoryState  GuestMemoryState
	VMState      migration.VMState
	VCPUStates   []migration.VCPUState
	DeviceStates DeviceStates
}

// VMSaver is the "VM collaborator" contract (§6): everything the Assembler
// needs to pull per-subsystem state from a live, paused VM. Implementations
// must not be called concurrently with itself or with restore.
type VMSaver interface {
	SaveVMState() (*migration.VMState, error)
	SaveCPUState(cpu int) (*migration.VCPUState, error)
	SaveDeviceState() (DeviceStates, error)
	NumVCPUs() int
	Mem() []byte
	UsedIRQsCount() int
}

// VMSaverWithBitmap extends VMSaver with the dirty-bitmap access
// CreateSnapshot needs directly for Diff snapshots.
type VMSaverWithBitmap interface {
	VMSaver
	GetAndClearDirtyBitmap() ([]uint64, error)
}

// AssembleState composes a MicrovmState from a live VM's collaborators: it
// issues save_state()-equivalent calls for VCPUs, VM and devices, derives
// VmInfo from the live memory size, and calls Describe for the memory
// descriptor (§4.D). The caller must have paused all vCPUs first; the
// Assembler does not enforce that itself (§5).
func AssembleState(vm VMSaver) (*MicrovmState, error) {
	mem := vm.Mem()

	vcpuStates := make([]migration.VCPUState, vm.NumVCPUs())

	for i := range vcpuStates {
		s, err := vm.SaveCPUState(i)
		if err != nil {
			return nil, fmt.Errorf("SaveCPUState %d: %w", i, err)
		}

		vcpuStates[i] = *s
	}

	vmState, err := vm.SaveVMState()
	if err != nil {
		return nil, fmt.Errorf("SaveVMState: %w", err)
	}

	ds, err := vm.SaveDeviceState()
	if err != nil {
		return nil, fmt.Errorf("SaveDeviceState: %w", err)
	}

	return &MicrovmState{
		VMInfo:       VmInfo{MemSizeMib: uint64(len(mem)) >> 20},
		MemoryState:  Describe(len(mem)),
		VMState:      *vmState,
		VCPUStates:   vcpuStates,
		DeviceStates: ds,
	}, nil
}
