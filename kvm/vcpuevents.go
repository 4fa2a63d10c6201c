package kvm

import "unsafe"

// VCPUEvents captures pending exceptions, interrupts and NMI state that do
// not fit in Regs/Sregs but must still survive a snapshot round-trip.
type VCPUEvents struct {
	ExceptionInjected  uint8
	ExceptionNR        uint8
	ExceptionHasCode   uint8
	ExceptionPad       uint8
	ExceptionErrorCode uint32

	InterruptInjected uint8
	InterruptNR       uint8
	InterruptSoft     uint8
	InterruptShadow   uint8

	NMIInjected uint8
	NMIPending  uint8
	NMIMasked   uint8
	NMIPad      uint8

	SIPIVector uint32
	Flags      uint32

	SMISMM              uint8
	SMIPending          uint8
	SMISMMInsideNMI     uint8
	SMILatchedInit      uint8

	Reserved [27]uint8
}

// GetVCPUEvents reads the pending exception/interrupt/NMI state of a vcpu.
func GetVCPUEvents(vcpuFd uintptr, events *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, sizeOf[VCPUEvents]()), uintptr(unsafe.Pointer(events)))

	return err
}

// SetVCPUEvents writes the pending exception/interrupt/NMI state of a vcpu.
func SetVCPUEvents(vcpuFd uintptr, events *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, sizeOf[VCPUEvents]()), uintptr(unsafe.Pointer(events)))

	return err
}
