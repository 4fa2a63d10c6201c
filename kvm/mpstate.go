package kvm

import "unsafe"

// Multiprocessor states reported/accepted by KVM_GET_MP_STATE.
const (
	MPStateRunnable uint32 = iota
	MPStateUninitialized
	MPStateInitReceived
	MPStateHalted
	MPStateSIPIReceived
	MPStateStopped
	MPStateCheckStop
	MPStateOperating
	MPStateLoad
	MPStateApResetHold
	MPStateSuspended
)

// MPState is the vcpu's multiprocessor state (running, halted, waiting for
// an INIT/SIPI, etc.) — relevant for APs parked before startup IPI.
type MPState struct {
	State uint32
}

// GetMPState reads the multiprocessor state of a vcpu.
func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, sizeOf[MPState]()), uintptr(unsafe.Pointer(mps)))

	return err
}

// SetMPState writes the multiprocessor state of a vcpu.
func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, sizeOf[MPState]()), uintptr(unsafe.Pointer(mps)))

	return err
}
