package kvm

import (
	"fmt"
	"unsafe"
)

// CPUID is the set of CPUID entries returned by GetSupportedCPUID /
// GetEmulatedCPUID and consumed by SetCPUID2. Its layout is also what the
// persist package stores as a vCPU's CPUID view: it is the authoritative
// shape of "the CPUID leaves a vcpu was configured with".
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [100]CPUIDEntry2
}

// CPUIDEntry2 is one CPUID leaf/subleaf.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// Leaf returns the entry for (function, index), and whether it was present.
func (c *CPUID) Leaf(function, index uint32) (CPUIDEntry2, bool) {
	for i := uint32(0); i < c.Nent && int(i) < len(c.Entries); i++ {
		e := c.Entries[i]
		if e.Function == function && e.Index == index {
			return e, true
		}
	}

	return CPUIDEntry2{}, false
}

// VendorString decodes the 12-character vendor ID string out of leaf 0
// (EBX:EDX:ECX, in that register order per the CPUID ABI).
func (c *CPUID) VendorString() (string, bool) {
	leaf0, ok := c.Leaf(0, 0)
	if !ok {
		return "", false
	}

	// CPUID leaf 0 encodes the vendor string as EBX:EDX:ECX.
	buf := make([]byte, 0, 12)
	buf = appendLE32(buf, leaf0.Ebx)
	buf = appendLE32(buf, leaf0.Edx)
	buf = appendLE32(buf, leaf0.Ecx)

	return string(buf), true
}

func appendLE32(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// DecodeCPUID reconstructs a CPUID value from the raw bytes machine.SaveCPUState
// stores in migration.VCPUState.CPUID, so the persist package's compatibility
// guard can read leaf 0 without depending on machine's unexported layout
// helpers.
func DecodeCPUID(b []byte) (CPUID, error) {
	var c CPUID

	size := int(sizeOf[CPUID]())
	if len(b) < size {
		return CPUID{}, fmt.Errorf("cpuid buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(&c)), size), b[:size])

	return c, nil
}

// GetSupportedCPUID gets all CPUID entries the host KVM can expose to a guest.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd, IIOWR(kvmGetSupportedCPUID, sizeOf[CPUID]()), uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// GetEmulatedCPUID gets the CPUID entries KVM emulates in software (not
// passed through from the host).
func GetEmulatedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd, IIOWR(kvmGetEmulatedCPUID, sizeOf[CPUID]()), uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// GetCPUID2 reads back the CPUID entries currently configured on a vcpu —
// this is the view machine.SaveCPUState stores.
func GetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOWR(kvmGetCPUID2, sizeOf[CPUID]()), uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 configures the CPUID entries a vcpu exposes to its guest.
// The normal progression is: get the entries supported by the vm, optionally
// patch them (see the cpuid package), then set them on each vcpu.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetCPUID2, sizeOf[CPUID]()), uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
