// Package persist implements the snapshot persistence core: a versioned
// encoding of a microVM's complete state plus the guest-memory capture and
// restore logic that sits alongside it. It has no notion of KVM itself —
// callers (vmm.VMM) adapt their live VM to the VMSaverWithBitmap interface
// and supply a builder callback to reconstruct one on restore.
package persist

import (
	"errors"
	"fmt"
)

// typeID names a participating type in the version map so its schema
// version can be looked up per data version (§4.A). Only DeviceStates
// varies across the data versions this tree declares; the constant exists
// so a future type can be added without reshaping the map.
type typeID int

// TypeDeviceStates is the type ID DeviceStates registers itself under.
const TypeDeviceStates typeID = iota

// V0 is the first snapshot data version, corresponding to product tag
// "0.23". V0's device-count limit is enforced by CheckDeviceCount.
const V0 uint16 = 1

// versionStep declares the per-type schema versions that become active at
// a given data version. Unlisted types keep whatever version an earlier
// step declared, defaulting to 1 if none ever did (§4.A).
type versionStep struct {
	dataVersion  uint16
	typeVersions map[typeID]uint16
}

// VersionMap is a monotone chain of data versions plus a product-tag
// translation table, matching Firecracker's FC_VERSION_TO_SNAP_VERSION /
// VERSION_MAP pair: a compile-time table, not a runtime-mutable registry.
type VersionMap struct {
	chain       []versionStep
	productTags map[string]uint16
}

// ErrInvalidVersionTag is returned by Translate for an unrecognized product
// version string.
var ErrInvalidVersionTag = errors.New("unknown product version tag")

// NewVersionMap builds the version chain this tree declares:
//
//	data version 1 ("0.23"): the original shape — DeviceStates has no
//	  vsock/balloon fields.
//	data version 2 ("0.24"): DeviceStates schema bumped to 2 to add vsock
//	  and balloon.
//
// Later data versions that add fields belong here, as a new versionStep.
func NewVersionMap() *VersionMap {
	return &VersionMap{
		chain: []versionStep{
			{dataVersion: 1, typeVersions: map[typeID]uint16{}},
			{dataVersion: 2, typeVersions: map[typeID]uint16{TypeDeviceStates: 2}},
		},
		productTags: map[string]uint16{
			"0.23": 1,
			"0.24": 2,
		},
	}
}

// LatestVersion returns the highest data version in the chain — the
// default target when a caller supplies none.
func (vm *VersionMap) LatestVersion() uint16 {
	return vm.chain[len(vm.chain)-1].dataVersion
}

// TypeVersion returns the schema version type t uses when encoding at
// dataVersion: the most recent declaration at or before dataVersion, or 1
// if the type was never redeclared.
func (vm *VersionMap) TypeVersion(dataVersion uint16, t typeID) uint16 {
	version := uint16(1)

	for _, step := range vm.chain {
		if step.dataVersion > dataVersion {
			break
		}

		if v, ok := step.typeVersions[t]; ok {
			version = v
		}
	}

	return version
}

// Translate maps a product tag (e.g. "0.23") to its numeric data version.
func (vm *VersionMap) Translate(tag string) (uint16, error) {
	v, ok := vm.productTags[tag]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidVersionTag, tag)
	}

	return v, nil
}
