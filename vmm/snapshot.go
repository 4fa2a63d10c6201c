package vmm

import (
	"os"

	"github.com/gokvm/microvm/flag"
	"github.com/gokvm/microvm/machine"
	"github.com/gokvm/microvm/migration"
	"github.com/gokvm/microvm/persist"
	"golang.org/x/sync/errgroup"
)

// snapshotVM adapts *VMM to persist.VMSaverWithBitmap. It wraps rather than
// extends VMM because SaveDeviceState must return persist.DeviceStates, a
// different type than the *migration.DeviceState the embedded
// *machine.Machine.SaveDeviceState already returns for buildSnapshot's
// migration path — the wrapper's method set shadows only this one method,
// leaving VMM's for migration untouched.
type snapshotVM struct {
	*VMM
}

// SaveDeviceState converts the live machine's single-slot device state into
// the persist package's multi-device container.
func (s snapshotVM) SaveDeviceState() (persist.DeviceStates, error) {
	ds, err := s.VMM.SaveDeviceState()
	if err != nil {
		return persist.DeviceStates{}, err
	}

	out := persist.DeviceStates{Serial: ds.Serial}

	if ds.Blk != nil {
		out.Block = []migration.BlkState{*ds.Blk}
	}

	if ds.Net != nil {
		out.Net = []migration.NetState{*ds.Net}
	}

	return out, nil
}

// NumVCPUs reports the vCPU count persist.AssembleState iterates over.
// VMM has no such method of its own — NCPUs is a flag.Config field, not a
// method — so the adapter supplies it.
func (s snapshotVM) NumVCPUs() int {
	return s.VMM.NCPUs
}

// applyDeviceStates is SaveDeviceState's inverse, used on restore.
func applyDeviceStates(m *machine.Machine, ds persist.DeviceStates) error {
	md := &migration.DeviceState{Serial: ds.Serial}

	if len(ds.Block) > 0 {
		md.Blk = &ds.Block[0]
	}

	if len(ds.Net) > 0 {
		md.Net = &ds.Net[0]
	}

	return m.RestoreDeviceState(md)
}

// CreateSnapshot pauses all vCPUs, then writes the VM's complete state and
// guest memory to params.StatePath/params.MemPath. It does not resume them:
// every vCPU loop the caller started has returned by the time it returns.
func (v *VMM) CreateSnapshot(params persist.CreateSnapshotParams) error {
	v.PauseAndWait()
	defer v.QuiesceDevices()

	return persist.CreateSnapshot(snapshotVM{v}, params)
}

// RestoreFromSnapshot builds a new VMM from a snapshot written by
// CreateSnapshot. The vCPU count comes from the snapshot itself, not
// c.NCPUs, since a snapshot restore never takes a CPU count on the CLI.
// The returned VMM has not started vCPU execution; call Resume to do so.
func RestoreFromSnapshot(c flag.Config, params persist.LoadSnapshotParams) (*VMM, error) {
	return persist.RestoreFromSnapshot(params, func(state *persist.MicrovmState, mem []byte) (*VMM, error) {
		nCPUs := len(state.VCPUStates)

		m, err := machine.NewFromSnapshot(c.Dev, nCPUs, c.TapIfName, c.Disk, mem)
		if err != nil {
			return nil, err
		}

		for i := range state.VCPUStates {
			if err := m.RestoreCPUState(i, &state.VCPUStates[i]); err != nil {
				return nil, err
			}
		}

		if err := m.RestoreVMState(&state.VMState); err != nil {
			return nil, err
		}

		if err := applyDeviceStates(m, state.DeviceStates); err != nil {
			return nil, err
		}

		if params.TrackDirty {
			if err := m.EnableDirtyTracking(); err != nil {
				return nil, err
			}
		}

		c.NCPUs = nCPUs

		return &VMM{Machine: m, Config: c}, nil
	})
}

// Resume starts vCPU goroutines for a VM built by RestoreFromSnapshot,
// the same way runRestoredVM does for a VM restored by live migration.
func (v *VMM) Resume() error {
	g := new(errgroup.Group)

	for cpu := 0; cpu < v.NCPUs; cpu++ {
		i := cpu

		g.Go(func() error {
			return v.VCPU(os.Stderr, i, v.TraceCount)
		})
	}

	return g.Wait()
}
