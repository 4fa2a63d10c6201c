package kvm

import "unsafe"

// LAPICState is the raw 1 KiB local APIC register block (KVM_GET_LAPIC /
// KVM_SET_LAPIC), stored as an opaque byte array rather than decoded field
// by field since software never inspects individual APIC registers here.
type LAPICState struct {
	Regs [1024]byte
}

// GetLocalAPIC reads the local APIC state for a vcpu.
func GetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, sizeOf[LAPICState]()), uintptr(unsafe.Pointer(lapic)))

	return err
}

// SetLocalAPIC writes the local APIC state for a vcpu.
func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, sizeOf[LAPICState]()), uintptr(unsafe.Pointer(lapic)))

	return err
}
