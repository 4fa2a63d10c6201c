package flag

// CLI is the top-level kong command tree for the gokvm binary.
type CLI struct {
	Boot     BootCMD     `cmd:"" help:"Boot a VM from a kernel image."`
	Probe    ProbeCMD    `cmd:"" help:"Probe the host KVM capabilities."`
	Snapshot SnapshotCMD `cmd:"" help:"Create or restore a VM snapshot."`
}

// BootCMD boots a fresh VM.
type BootCMD struct {
	Dev        string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel     string `short:"k" default:"./bzImage" help:"kernel image path"`
	Initrd     string `short:"i" help:"initrd path"`
	Params     string `short:"p" help:"kernel command-line parameters"`
	TapIfName  string `short:"t" help:"name of tap interface, empty for none"`
	Disk       string `short:"d" help:"path of disk file (for /dev/vda)"`
	NCPUs      int    `short:"c" default:"1" help:"number of cpus"`
	MemSize    string `short:"m" default:"1G" help:"memory size: number[gGmMkK], defaults to G"`
	TraceCount string `short:"T" default:"0" help:"instructions to skip between trace prints, 0 disables"`
}

// ProbeCMD reports the KVM capabilities available on this host.
type ProbeCMD struct{}

// SnapshotCMD is the parent of the snapshot create/restore subcommands.
type SnapshotCMD struct {
	Create  SnapshotCreateCMD  `cmd:"" help:"Pause a running VM and persist it to a snapshot."`
	Restore SnapshotRestoreCMD `cmd:"" help:"Boot a VM from a previously created snapshot."`
}

// SnapshotCreateCMD captures a running VM's state to a snapshot file pair.
type SnapshotCreateCMD struct {
	Dev       string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	Kernel    string `short:"k" default:"./bzImage" help:"kernel image path"`
	Initrd    string `short:"i" help:"initrd path"`
	Params    string `short:"p" help:"kernel command-line parameters"`
	TapIfName string `short:"t" help:"name of tap interface, empty for none"`
	Disk      string `short:"d" help:"path of disk file (for /dev/vda)"`
	NCPUs     int    `short:"c" default:"1" help:"number of cpus"`
	MemSize   string `short:"m" default:"1G" help:"memory size: number[gGmMkK], defaults to G"`

	StatePath string `short:"s" required:"" help:"path to write the microvm state file"`
	MemPath   string `short:"M" required:"" help:"path to write the guest memory file"`
	Diff      bool   `help:"take a diff snapshot against --mem-base instead of a full dump"`
	MemBase   string `help:"base memory file a diff snapshot is taken against"`
	Version   string `short:"V" help:"target snapshot product version, e.g. 0.23; defaults to the latest"`
}

// SnapshotRestoreCMD resumes a VM from a state file and memory file pair.
type SnapshotRestoreCMD struct {
	Dev       string `short:"D" default:"/dev/kvm" help:"path of kvm device"`
	TapIfName string `short:"t" help:"name of tap interface, empty for none"`
	Disk      string `short:"d" help:"path of disk file (for /dev/vda)"`

	StatePath string `short:"s" required:"" help:"path to the microvm state file"`
	MemPath   string `short:"M" required:"" help:"path to the guest memory file"`
}
