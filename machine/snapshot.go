package machine

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"github.com/gokvm/microvm/ebda"
	"github.com/gokvm/microvm/kvm"
	"github.com/gokvm/microvm/pci"
)

// NewFromSnapshot builds a Machine the way New does — opening /dev/kvm,
// creating the VM, its IRQ chip, PIT, and nCpus vCPUs — but registers mem
// as the guest's single memory region instead of allocating a fresh
// anonymous mapping. mem is expected to already be a live, file-backed
// mapping produced by persist.Restore, so guest writes after restore land
// back in that file.
//
// The EBDA and poison-memory steps New performs are skipped: both are
// cold-boot setup that RestoreVMState/RestoreCPUState/RestoreDeviceState
// are about to overwrite with the snapshot's recorded state.
func NewFromSnapshot(kvmPath string, nCpus int, tapIfName, diskPath string, mem []byte) (*Machine, error) {
	if len(mem) < MinMemSize {
		return nil, fmt.Errorf("memory size %d:%w", len(mem), ErrMemTooSmall)
	}

	m := &Machine{mem: mem}

	devKVM, err := os.OpenFile(kvmPath, os.O_RDWR, 0o644)
	if err != nil {
		return m, err
	}

	m.kvmFd = devKVM.Fd()
	m.vcpuFds = make([]uintptr, nCpus)
	m.runs = make([]*kvm.RunData, nCpus)

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return m, fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return m, err
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return m, err
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return m, err
	}

	for cpu := 0; cpu < nCpus; cpu++ {
		m.vcpuFds[cpu], err = kvm.CreateVCPU(m.vmFd, cpu)
		if err != nil {
			return m, err
		}

		if err := m.initCPUID(cpu); err != nil {
			return m, err
		}

		r, err := syscall.Mmap(int(m.vcpuFds[cpu]), 0, int(mmapSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
		if err != nil {
			return m, err
		}

		m.runs[cpu] = (*kvm.RunData)(unsafe.Pointer(&r[0]))
	}

	err = kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
		Slot: 0, Flags: 0, GuestPhysAddr: 0, MemorySize: uint64(len(m.mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&m.mem[0]))),
	})
	if err != nil {
		return m, err
	}

	// ebda.New is only used here to size-check; its bytes are not written —
	// the snapshot's memory already carries whatever the guest last wrote
	// to the EBDA region.
	if _, err := ebda.New(nCpus); err != nil {
		return m, err
	}

	m.pci = pci.New(pci.NewBridge())

	if len(tapIfName) > 0 {
		if err := m.AddTapIf(tapIfName); err != nil {
			return m, err
		}
	}

	if len(diskPath) > 0 {
		if err := m.AddDisk(diskPath); err != nil {
			return m, err
		}
	}

	return m, nil
}
