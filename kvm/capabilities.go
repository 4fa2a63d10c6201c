package kvm

import "fmt"

// Capability identifies a KVM_CAP_* extension queried via CheckExtension.
type Capability uint

// A subset of include/uapi/linux/kvm.h's KVM_CAP_* space: the extensions
// this module actually probes for (memory slots, dirty-page logging,
// register-set capabilities needed by persist) plus enough neighbors to
// keep the numbering realistic.
const (
	CapIRQChip Capability = iota
	CapHLT
	CapMMUShadowCacheControl
	CapUserMemory
	CapSetTSSAddr
	capReserved5
	CapVAPIC
	CapExtCPUID
	CapClockSource
	CapNRVCPUs
	CapNRMemSlots
	CapPIT
	CapNopIODelay
	CapPVMMU
	CapMPState
	CapCoalescedMMIO
	CapSyncMMU
	capReserved17
	CapIOMMU
	capReserved19
	capReserved20
	CapDestroyMemoryRegionWorks
	CapUserNMI
)

const (
	CapSetGuestDebug Capability = iota + 23
	CapReinjectControl
	CapIRQRouting
	CapIRQInjectStatus
	capReserved27
	capReserved28
	CapAssignDevIRQ
	CapJoinMemoryRegionsWorks
	CapMCE
	CapIRQFD
	CapPIT2
	CapSetBootCPUID
	CapPITState2
	CapIOEventFD
	CapSetIdentityMapAddr
	CapXenHVM
	CapAdjustClock
	CapInternalErrorData
	CapVCPUEvents
)

const (
	CapDebugRegs Capability = iota + 50
	CapX86RobustSinglestep
	capReserved52
	capReserved53
	CapEnableCap
	CapXSave
	CapXCRS
)

const (
	CapGETMSRFeatures Capability = 153
	CapKVMClockCtrl   Capability = 76
	CapX86SMM         Capability = 117
	CapSREGS2         Capability = 200
)

var capabilityNames = map[Capability]string{
	CapIRQChip: "CapIRQChip", CapHLT: "CapHLT",
	CapMMUShadowCacheControl: "CapMMUShadowCacheControl", CapUserMemory: "CapUserMemory",
	CapSetTSSAddr: "CapSetTSSAddr", CapVAPIC: "CapVAPIC", CapExtCPUID: "CapExtCPUID",
	CapClockSource: "CapClockSource", CapNRVCPUs: "CapNRVCPUs", CapNRMemSlots: "CapNRMemSlots",
	CapPIT: "CapPIT", CapNopIODelay: "CapNopIODelay", CapPVMMU: "CapPVMMU",
	CapMPState: "CapMPState", CapCoalescedMMIO: "CapCoalescedMMIO", CapSyncMMU: "CapSyncMMU",
	CapIOMMU: "CapIOMMU", CapDestroyMemoryRegionWorks: "CapDestroyMemoryRegionWorks",
	CapUserNMI: "CapUserNMI", CapSetGuestDebug: "CapSetGuestDebug",
	CapReinjectControl: "CapReinjectControl", CapIRQRouting: "CapIRQRouting",
	CapIRQInjectStatus: "CapIRQInjectStatus", CapAssignDevIRQ: "CapAssignDevIRQ",
	CapJoinMemoryRegionsWorks: "CapJoinMemoryRegionsWorks", CapMCE: "CapMCE",
	CapIRQFD: "CapIRQFD", CapPIT2: "CapPIT2", CapSetBootCPUID: "CapSetBootCPUID",
	CapPITState2: "CapPITState2", CapIOEventFD: "CapIOEventFD",
	CapSetIdentityMapAddr: "CapSetIdentityMapAddr", CapXenHVM: "CapXenHVM",
	CapAdjustClock: "CapAdjustClock", CapInternalErrorData: "CapInternalErrorData",
	CapVCPUEvents: "CapVCPUEvents", CapDebugRegs: "CapDebugRegs",
	CapX86RobustSinglestep: "CapX86RobustSinglestep", CapEnableCap: "CapEnableCap",
	CapXSave: "CapXSave", CapXCRS: "CapXCRS", CapGETMSRFeatures: "CapGETMSRFeatures",
	CapKVMClockCtrl: "CapKVMClockCtrl", CapX86SMM: "CapX86SMM", CapSREGS2: "CapSREGS2",
}

// String renders a Capability the way stringer-generated types do, falling
// back to "Capability(N)" for values this build does not name.
func (c Capability) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// CheckExtension queries whether fd (a /dev/kvm or vm fd) supports cap, and
// if so the capability-specific value (often just 1, sometimes a count such
// as CapNRMemSlots).
func CheckExtension(fd uintptr, capability Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(capability))

	return int(ret), err
}
