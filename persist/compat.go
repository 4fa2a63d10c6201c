package persist

import (
	"fmt"

	"github.com/gokvm/microvm/cpuid"
	"github.com/gokvm/microvm/kvm"
)

// IRQBase is the first guest IRQ line of the device window, one above
// serialIRQ (4) in machine/constants.go; lines below it are reserved for the
// platform (PIT, PIC cascade, serial, etc).
const IRQBase = 5

// IRQNumber is the total count of usable guest IRQ lines on the i8259
// layout gokvm's machine builds, matching KVM_IRQCHIP_NUM_PINS's
// non-reserved range.
const IRQNumber = 16

// MaxDevicesV0 bounds the device count a data-version-1 snapshot may
// describe: one IRQ line per device, within [IRQBase, IRQNumber) (§4.F).
const MaxDevicesV0 = IRQNumber - IRQBase

// CheckDeviceCount enforces the per-data-version device count ceiling
// (§4.F). Only V0 carries a limit in this tree; later data versions may
// widen the IRQ range and are not bounded here.
func CheckDeviceCount(ds DeviceStates, dataVersion uint16) error {
	if dataVersion != V0 {
		return nil
	}

	n := ds.Count()
	if n > MaxDevicesV0 {
		return &CreateSnapshotError{Kind: ErrTooManyDevices, N: n}
	}

	return nil
}

// hostCPUVendor reads the running host's CPUID leaf 0 vendor string
// directly with the cpuid instruction (cpuid.CPUID), not through KVM.
func hostCPUVendor() (string, bool) {
	eax, ebx, ecx, edx := cpuid.CPUID(0)

	c := kvm.CPUID{Nent: 1, Entries: [100]kvm.CPUIDEntry2{{Function: 0, Eax: eax, Ebx: ebx, Ecx: ecx, Edx: edx}}}

	return c.VendorString()
}

// CheckCPUVendor verifies the snapshot's recorded vCPU 0 vendor string
// against this host's actual CPU vendor, rejecting cross-vendor restores
// that KVM cannot make safe (§4.F, §8 scenario 6).
func CheckCPUVendor(state *MicrovmState) error {
	hostVendor, ok := hostCPUVendor()
	if !ok {
		return &LoadSnapshotError{Kind: ErrCPUVendorMismatch, Detail: "could not read host CPU vendor"}
	}

	return checkCPUVendor(state, hostVendor)
}

// checkCPUVendor is CheckCPUVendor's host-vendor-parameterized core, split
// out so tests can exercise mismatch detection without depending on the
// real host's CPU vendor.
func checkCPUVendor(state *MicrovmState, hostVendor string) error {
	if len(state.VCPUStates) == 0 {
		return &LoadSnapshotError{Kind: ErrCPUVendorMismatch, Detail: "snapshot has no vcpu states"}
	}

	snapCPUID, err := kvm.DecodeCPUID(state.VCPUStates[0].CPUID)
	if err != nil {
		return &LoadSnapshotError{Kind: ErrCPUVendorMismatch, Detail: fmt.Sprintf("decode snapshot CPUID: %v", err)}
	}

	snapVendor, ok := snapCPUID.VendorString()
	if !ok {
		return &LoadSnapshotError{Kind: ErrCPUVendorMismatch, Detail: "snapshot vcpu 0 has no leaf-0 vendor entry"}
	}

	if snapVendor != hostVendor {
		return &LoadSnapshotError{
			Kind:   ErrCPUVendorMismatch,
			Detail: fmt.Sprintf("snapshot vendor %q does not match host vendor %q", snapVendor, hostVendor),
		}
	}

	return nil
}
