// Package kvm wraps the Linux KVM ioctl interface (/dev/kvm, vm fds, vcpu
// fds) used by the machine package to build and run guests, and by the
// persist package to save/restore per-vcpu and VM-wide hardware state.
package kvm

import (
	"unsafe"
)

// ioctl request numbers, matching include/uapi/linux/kvm.h.
const (
	kvmGetAPIVersion       = iota // KVM_GET_API_VERSION
	kvmCreateVM                   // KVM_CREATE_VM
	kvmCreateVCPU                 // KVM_CREATE_VCPU
	kvmRun                        // KVM_RUN
	kvmGetVCPUMMapSize            // KVM_GET_VCPU_MMAP_SIZE
	kvmGetSregs                   // KVM_GET_SREGS
	kvmSetSregs                   // KVM_SET_SREGS
	kvmGetRegs                    // KVM_GET_REGS
	kvmSetRegs                    // KVM_SET_REGS
	kvmSetUserMemoryRegion        // KVM_SET_USER_MEMORY_REGION
	kvmSetTSSAddr                 // KVM_SET_TSS_ADDR
	kvmSetIdentityMapAddr         // KVM_SET_IDENTITY_MAP_ADDR
	kvmCreateIRQChip              // KVM_CREATE_IRQCHIP
	kvmGetIRQChip                 // KVM_GET_IRQCHIP
	kvmSetIRQChip                 // KVM_SET_IRQCHIP
	kvmCreatePIT2                 // KVM_CREATE_PIT2
	kvmGetPIT2                    // KVM_GET_PIT2
	kvmSetPIT2                    // KVM_SET_PIT2
	kvmIRQLine                    // KVM_IRQ_LINE
	kvmGetSupportedCPUID          // KVM_GET_SUPPORTED_CPUID
	kvmGetEmulatedCPUID           // KVM_GET_EMULATED_CPUID
	kvmGetCPUID2                  // KVM_GET_CPUID2
	kvmSetCPUID2                  // KVM_SET_CPUID2
	kvmGetMSRIndexList            // KVM_GET_MSR_INDEX_LIST
	kvmGetMSRFeatureIndexList     // KVM_GET_MSR_FEATURE_INDEX_LIST
	kvmGetMSRs                    // KVM_GET_MSRS
	kvmSetMSRs                    // KVM_SET_MSRS
	kvmGetLAPIC                   // KVM_GET_LAPIC
	kvmSetLAPIC                   // KVM_SET_LAPIC
	kvmGetVCPUEvents              // KVM_GET_VCPU_EVENTS
	kvmSetVCPUEvents              // KVM_SET_VCPU_EVENTS
	kvmGetMPState                 // KVM_GET_MP_STATE
	kvmSetMPState                 // KVM_SET_MP_STATE
	kvmGetDebugRegs               // KVM_GET_DEBUGREGS
	kvmSetDebugRegs               // KVM_SET_DEBUGREGS
	kvmGetXCRS                    // KVM_GET_XCRS
	kvmSetXCRS                    // KVM_SET_XCRS
	kvmGetClock                   // KVM_GET_CLOCK
	kvmSetClock                   // KVM_SET_CLOCK
	kvmGetDirtyLog                // KVM_GET_DIRTY_LOG
	kvmGetTSCKHz                  // KVM_GET_TSC_KHZ
	kvmSetTSCKHz                  // KVM_SET_TSC_KHZ
	kvmCheckExtension             // KVM_CHECK_EXTENSION
	kvmGetNrMMUPages              // KVM_GET_NR_MMU_PAGES
	kvmSetNrMMUPages              // KVM_SET_NR_MMU_PAGES
	kvmCreateDev                  // KVM_CREATE_DEVICE
)

const (
	numInterrupts  = 0x100
	CPUIDSignature = 0x40000000
	CPUIDFeatures  = 0x40000001
)

// RunData is the mmap'd kvm_run structure shared between kernel and
// userspace for a single vcpu.
type RunData struct {
	RequestInterruptWindow     uint8
	_                          [7]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the fields valid when ExitReason == EXITIO.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// GetAPIVersion returns the KVM API version of the /dev/kvm file descriptor.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM and returns its file descriptor.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vcpu number id within vm vmFd and returns its fd.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// CreateDev attaches an in-kernel device model to the VM.
func CreateDev(vmFd uintptr, dev uintptr) error {
	_, err := Ioctl(vmFd, IIOWR(kvmCreateDev, unsafe.Sizeof(uintptr(0))), dev)

	return err
}

// Run enters guest execution on a vcpu until the next vmexit.
func Run(vcpuFd uintptr) error {
	_, err := Ioctl(vcpuFd, IIO(kvmRun), 0)

	return err
}

// GetVCPUMMmapSize returns the size to mmap() per vcpu fd to reach its
// kvm_run structure.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// GetNrMMUPages returns the number of MMU pages allocated to the VM's
// shadow page tables.
func GetNrMMUPages(vmFd uintptr, n *uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmGetNrMMUPages), uintptr(unsafe.Pointer(n)))

	return err
}

// SetNrMMUPages sets the number of MMU pages allocated to the VM's shadow
// page tables.
func SetNrMMUPages(vmFd uintptr, n uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetNrMMUPages), n)

	return err
}
