package kvm

import "unsafe"

// ClockData is the KVM pvclock state (KVM_GET_CLOCK / KVM_SET_CLOCK),
// captured so a restored guest's kvmclock stays monotonic across the
// snapshot boundary instead of jumping to the restoring host's own clock.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	Pad0     uint32
	Realtime uint64
	HostTSC  uint64
	Pad1     [4]uint32
}

// GetClock reads the VM's kvmclock state.
func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, sizeOf[ClockData]()), uintptr(unsafe.Pointer(cd)))

	return err
}

// SetClock writes the VM's kvmclock state.
func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, sizeOf[ClockData]()), uintptr(unsafe.Pointer(cd)))

	return err
}
