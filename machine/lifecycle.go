package machine

// lifecycle.go – device attachment, vCPU goroutine supervision, and the
// pause/quiesce primitives the snapshot and migration paths build on top of.

import (
	"fmt"
	"io"
	"sync"

	"github.com/gokvm/microvm/kvm"
	"github.com/gokvm/microvm/serial"
	"github.com/gokvm/microvm/tap"
	"github.com/gokvm/microvm/virtio"
)

// AddTapIf attaches a virtio-net device backed by the named tap interface.
// It may be called either during New (cold boot) or after a snapshot
// restore, once the guest memory map is in place.
func (m *Machine) AddTapIf(tapIfName string) error {
	t, err := tap.New(tapIfName)
	if err != nil {
		return fmt.Errorf("AddTapIf %q: %w", tapIfName, err)
	}

	netIRQCallback := func(irq, level uint32) { _ = kvm.IRQLine(m.vmFd, irq, level) }

	v := virtio.NewNet(netIRQCallback, t, m.mem)
	go v.TxThreadEntry()
	go v.RxThreadEntry()
	// NN:01.0 for Virtio net
	m.pci.Devices = append(m.pci.Devices, v)

	return nil
}

// AddDisk attaches a virtio-blk device. diskPath names the backing image;
// the device itself only tracks queue placement, not file contents, so the
// image is the caller's responsibility to keep in sync across snapshots.
func (m *Machine) AddDisk(diskPath string) error {
	v := virtio.NewBlk(virtioBlkIRQ, m, m.mem)
	go v.IOThreadEntry()
	// NN:02.0 for Virtio blk
	m.pci.Devices = append(m.pci.Devices, v)

	return nil
}

// InitForMigration wires up the serial console and I/O port handlers for a
// Machine that was allocated directly (e.g. by a snapshot restore or an
// incoming live-migration), bypassing LoadLinux's normal boot sequence.
func (m *Machine) InitForMigration() error {
	s, err := serial.New(m)
	if err != nil {
		return fmt.Errorf("InitForMigration: new serial: %w", err)
	}

	m.serial = s
	m.initIOPortHandlers()

	return nil
}

// Mem returns the guest physical memory backing this Machine. The slice is
// shared with the VM; writes to it are writes to guest RAM.
func (m *Machine) Mem() []byte {
	return m.mem
}

// Close releases nothing and always returns nil: it does not close the
// vCPU, VM or KVM file descriptors, does not unmap the guest memory, and
// does not stop vCPU loops or device threads. It does not flush or close
// any snapshot or disk files the caller opened separately either.
func (m *Machine) Close() error {
	if m.serial != nil {
		// best-effort: nothing to flush, the UART has no backing file.
		_ = m.serial
	}

	return nil
}

// UsedIRQsCount reports how many MMIO/IRQ-backed devices are attached,
// i.e. everything beyond the 00:00.0 PCI bridge.
func (m *Machine) UsedIRQsCount() int {
	if m.pci == nil {
		return 0
	}

	return len(m.pci.Devices)
}

// StartVCPU launches cpu's run loop on its own goroutine and arranges for
// wg.Done to be called when the loop exits (error, halt, or pause).
func (m *Machine) StartVCPU(cpu int, traceCount int, wg *sync.WaitGroup) {
	go func() {
		defer wg.Done()

		if err := m.VCPU(io.Discard, cpu, traceCount); err != nil {
			fmt.Printf("cpu%d: %v\r\n", cpu, err)
		}
	}()
}

// VCPU runs cpu's instruction loop until the guest halts, an error occurs,
// or PauseAndWait is called from another goroutine. w receives a line for
// each error on an exit the loop continues past, the same errors
// RunInfiniteLoop prints to stdout.
func (m *Machine) VCPU(w io.Writer, cpu int, traceCount int) error {
	m.pauseWG.Add(1)
	defer m.pauseWG.Done()

	for {
		if m.pauseRequested.Load() {
			return nil
		}

		isContinue, err := m.RunOnce(cpu)
		if isContinue {
			if err != nil {
				fmt.Fprintf(w, "%v\r\n", err)
			}

			continue
		}

		return err
	}
}

// PauseAndWait requests that every running VCPU loop exit at its next
// iteration and blocks until they have all done so. It is the caller's
// (the orchestrator's) responsibility to invoke this before create_snapshot;
// the persistence core itself never calls it.
func (m *Machine) PauseAndWait() {
	m.pauseRequested.Store(true)
	m.pauseWG.Wait()
}

// QuiesceDevices blocks until in-flight device I/O goroutines have no more
// queued work, so that a subsequent state/memory snapshot is not racing a
// background virtqueue thread. gokvm's device threads only run in response
// to an explicit kick, so once vCPUs are paused no further kicks arrive and
// this is a no-op kept for symmetry with the documented ordering guarantee.
func (m *Machine) QuiesceDevices() {
}
