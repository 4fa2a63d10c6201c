package kvm

import "unsafe"

// xcrEntry is one extended control register (currently only XCR0 exists).
type xcrEntry struct {
	XCR      uint32
	Reserved uint32
	Value    uint64
}

// XCRS holds the vcpu's extended control registers (XCR0, selecting which
// AVX/AVX-512 state components are active) under KVM_CAP_XCRS.
type XCRS struct {
	NRXCRS   uint32
	Flags    uint32
	Entries  [16]xcrEntry
	Reserved [16]uint64
}

// GetXCRS reads the extended control registers of a vcpu.
func GetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, sizeOf[XCRS]()), uintptr(unsafe.Pointer(xcrs)))

	return err
}

// SetXCRS writes the extended control registers of a vcpu.
func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, sizeOf[XCRS]()), uintptr(unsafe.Pointer(xcrs)))

	return err
}
