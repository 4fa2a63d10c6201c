package kvm

import (
	"unsafe"
)

// MSRList is the variable-length KVM_GET_MSR_INDEX_LIST response, capped at
// 100 entries which comfortably covers every MSR QEMU/Firecracker-class
// hypervisors persist.
type MSRList struct {
	NMSRs    uint32
	Indicies [100]uint32
}

// GetMSRIndexList returns the guest MSRs supported by this KVM instance.
// The list varies by kvm version and host processor, but does not change
// otherwise.
func GetMSRIndexList(kvmFd uintptr, list *MSRList) error {
	tmp := struct{ NMSRs uint32 }{NMSRs: uint32(len(list.Indicies))}
	_, err := Ioctl(kvmFd, IIOWR(kvmGetMSRIndexList, unsafe.Sizeof(tmp)), uintptr(unsafe.Pointer(list)))

	return err
}

// GetMSRFeatureIndexList returns the MSRs whose values are queryable via
// GetMSRFeatures (read-only feature MSRs, not per-vcpu state).
func GetMSRFeatureIndexList(kvmFd uintptr, list *MSRList) error {
	tmp := struct{ NMSRs uint32 }{NMSRs: uint32(len(list.Indicies))}
	_, err := Ioctl(kvmFd, IIOWR(kvmGetMSRFeatureIndexList, unsafe.Sizeof(tmp)), uintptr(unsafe.Pointer(list)))

	return err
}

// MSREntry is a single model-specific-register index/value pair.
type MSREntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// MSRS is the variable-length KVM_GET_MSRS / KVM_SET_MSRS argument: a count
// followed by that many MSREntry values.
type MSRS struct {
	NMSRs   uint32
	Pad     uint32
	Entries []MSREntry
}

// GetMSRs fills msrs.Entries[i].Data for each requested msrs.Entries[i].Index.
func GetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := marshalMSRS(msrs)
	_, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))
	unmarshalMSRS(buf, msrs)

	return err
}

// SetMSRs writes msrs.Entries onto the vcpu.
func SetMSRs(vcpuFd uintptr, msrs *MSRS) error {
	buf := marshalMSRS(msrs)
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, uintptr(len(buf))), uintptr(unsafe.Pointer(&buf[0])))

	return err
}

// marshalMSRS packs the kvm_msrs header followed by kvm_msr_entry records
// into one contiguous buffer, since the kernel ABI requires entries to
// follow the header in-line rather than via a separate pointer.
func marshalMSRS(msrs *MSRS) []byte {
	const hdrSize = 8 // NMSRs + Pad

	entrySize := int(unsafe.Sizeof(MSREntry{}))
	buf := make([]byte, hdrSize+entrySize*len(msrs.Entries))

	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(len(msrs.Entries))

	for i, e := range msrs.Entries {
		*(*MSREntry)(unsafe.Pointer(&buf[hdrSize+i*entrySize])) = e
	}

	return buf
}

func unmarshalMSRS(buf []byte, msrs *MSRS) {
	const hdrSize = 8

	entrySize := int(unsafe.Sizeof(MSREntry{}))
	n := len(msrs.Entries)

	for i := 0; i < n && hdrSize+(i+1)*entrySize <= len(buf); i++ {
		msrs.Entries[i] = *(*MSREntry)(unsafe.Pointer(&buf[hdrSize+i*entrySize]))
	}
}

// GetTSCKHz returns the vcpu's virtual TSC frequency in kHz.
func GetTSCKHz(vcpuFd uintptr) (uint32, error) {
	ret, err := Ioctl(vcpuFd, IIO(kvmGetTSCKHz), 0)

	return uint32(ret), err
}

// SetTSCKHz sets the vcpu's virtual TSC frequency in kHz.
func SetTSCKHz(vcpuFd uintptr, khz uint32) error {
	_, err := Ioctl(vcpuFd, IIO(kvmSetTSCKHz), uintptr(khz))

	return err
}
