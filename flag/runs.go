package flag

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/alecthomas/kong"
	"github.com/gokvm/microvm/persist"
	"github.com/gokvm/microvm/probe"
	"github.com/gokvm/microvm/vmm"
)

var errDiffRequiresMemBase = errors.New("--diff requires --mem-base")

func Parse() error {
	c := CLI{}

	programName := "gokvm"
	programDesc := "gokvm is a small Linux KVM Hypervisor which supports kernel boot"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	err := ctx.Run()

	return err
}

func (d *ProbeCMD) Run() error {
	if err := probe.KVMCapabilities(); err != nil {
		return err
	}

	return nil
}

func (s *BootCMD) Run() error {
	defparams := `console=ttyS0 earlyprintk=serial noapic noacpi notsc ` +
		`debug apic=debug show_lapic=all mitigations=off lapic tsc_early_khz=2000 ` +
		`dyndbg="file arch/x86/kernel/smpboot.c +plf ; file drivers/net/virtio_net.c +plf" pci=realloc=off ` +
		`virtio_pci.force_legacy=1 rdinit=/init init=/init ` +
		`gokvm.ipv4_addr=192.168.20.1/24`

	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	traceC, err := ParseSize(s.TraceCount, "")
	if err != nil {
		return err
	}

	if len(s.Params) > 0 {
		defparams = s.Params
	}

	c := &Config{
		Dev:        s.Dev,
		Kernel:     s.Kernel,
		Initrd:     s.Initrd,
		Params:     defparams,
		TapIfName:  s.TapIfName,
		Disk:       s.Disk,
		NCPUs:      s.NCPUs,
		MemSize:    memSize,
		TraceCount: traceC,
	}

	vmm := vmm.New(*c)

	if err := vmm.Init(); err != nil {
		log.Fatal(err)
	}

	if err := vmm.Setup(); err != nil {
		log.Fatal(err)
	}

	if err := vmm.Boot(); err != nil {
		log.Fatal(err)
	}

	return nil
}

// Run boots a fresh VM from Kernel/Initrd, lets its vCPUs run briefly, then
// pauses and persists it to StatePath/MemPath.
func (s *SnapshotCreateCMD) Run() error {
	memSize, err := ParseSize(s.MemSize, "g")
	if err != nil {
		return err
	}

	c := Config{
		Dev:       s.Dev,
		Kernel:    s.Kernel,
		Initrd:    s.Initrd,
		Params:    s.Params,
		TapIfName: s.TapIfName,
		Disk:      s.Disk,
		NCPUs:     s.NCPUs,
		MemSize:   memSize,
	}

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return fmt.Errorf("Init: %w", err)
	}

	if err := v.Setup(); err != nil {
		return fmt.Errorf("Setup: %w", err)
	}

	var wg sync.WaitGroup

	for cpu := 0; cpu < s.NCPUs; cpu++ {
		wg.Add(1)
		v.StartVCPU(cpu, 0, &wg)
	}

	snapType := persist.SnapshotFull

	if s.Diff {
		if s.MemBase == "" {
			return errDiffRequiresMemBase
		}

		if err := copyFile(s.MemBase, s.MemPath); err != nil {
			return fmt.Errorf("prepare diff base %s: %w", s.MemPath, err)
		}

		snapType = persist.SnapshotDiff
	}

	params := persist.CreateSnapshotParams{
		StatePath:      s.StatePath,
		MemPath:        s.MemPath,
		SnapshotType:   snapType,
		ProductVersion: s.Version,
	}

	if err := v.CreateSnapshot(params); err != nil {
		return fmt.Errorf("CreateSnapshot: %w", err)
	}

	wg.Wait()

	return v.Close()
}

// Run resumes a VM previously written by SnapshotCreateCMD: it rebuilds
// the machine from StatePath/MemPath and restarts its vCPUs.
func (s *SnapshotRestoreCMD) Run() error {
	c := Config{
		Dev:       s.Dev,
		TapIfName: s.TapIfName,
		Disk:      s.Disk,
	}

	params := persist.LoadSnapshotParams{
		StatePath:  s.StatePath,
		MemPath:    s.MemPath,
		TrackDirty: true,
	}

	v, err := vmm.RestoreFromSnapshot(c, params)
	if err != nil {
		return fmt.Errorf("RestoreFromSnapshot: %w", err)
	}

	return v.Resume()
}

// copyFile is used when a diff snapshot reuses a prior full dump: the
// memory file at dst must already hold that full dump's bytes before
// DumpDirty can overlay just the pages that changed since.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}

	return out.Close()
}
