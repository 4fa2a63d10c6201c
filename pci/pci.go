// Package pci emulates a minimal PCI configuration space: one bridge at
// device 0 plus any number of virtio devices appended after boot.
package pci

import (
	"bytes"
	"encoding/binary"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html
type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return ((uint32(a) >> 31) | 0x1) == 0x1
}

// Device is anything that can sit in a PCI slot: the host bridge or a
// virtio-backed device.
type Device interface {
	IOInHandler(port uint64, bytes []byte) error
	IOOutHandler(port uint64, bytes []byte) error
	GetDeviceHeader() DeviceHeader
	GetIORange() (start, end uint64)
}

// DeviceHeader is the first 64 bytes of a type-0/type-1 PCI config space.
type DeviceHeader struct {
	DeviceID      uint16
	VendorID      uint16
	HeaderType    uint8
	SubsystemID   uint16
	InterruptLine uint8
	InterruptPin  uint8
	BAR           [6]uint32
	Command       uint16
}

// Bytes serializes the header the way a guest reading config space byte
// ranges would see it.
func (dh DeviceHeader) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	fields := []any{
		dh.VendorID,
		dh.DeviceID,
		dh.Command,
		uint16(0), // status
		uint8(0),  // revision id
		[3]uint8{},
		uint8(0), // cache line size
		uint8(0), // latency timer
		dh.HeaderType,
		uint8(0), // BIST
		dh.BAR,
		uint32(0), // cardbus cis pointer
		uint16(0), // subsystem vendor id
		dh.SubsystemID,
		uint32(0), // expansion rom base address
		uint8(0),  // capabilities pointer
		[7]uint8{},
		dh.InterruptLine,
		dh.InterruptPin,
		uint8(0), // min grant
		uint8(0), // max latency
	}

	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

const (
	barRegStart = 0x10
	barRegEnd   = 0x24
)

func isBARRegister(offset uint32) bool {
	return offset >= barRegStart && offset <= barRegEnd && (offset-barRegStart)%4 == 0
}

// SizeToBits converts an IO/MMIO range size into the mask a guest expects
// back when probing a BAR's size (write all-ones, read back the mask).
func SizeToBits(size uint64) uint32 {
	if size == 0 {
		return 0
	}

	return ^uint32(size - 1)
}

// BytesToNum decodes a little-endian byte slice of any length into a uint64.
func BytesToNum(b []byte) uint64 {
	var v uint64

	for i, by := range b {
		v |= uint64(by) << (8 * uint(i))
	}

	return v
}

// NumToBytes encodes a fixed-width unsigned integer as little-endian bytes.
// Unsupported types return an empty slice.
func NumToBytes(num any) []byte {
	switch v := num.(type) {
	case uint8:
		return []byte{v}
	case uint16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, v)

		return b
	case uint32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, v)

		return b
	case uint64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, v)

		return b
	default:
		return []byte{}
	}
}

// PCI is the config-space access mechanism: a bridge fixed at device 0, and
// an ordered list of devices appended as they are attached (virtio-net,
// virtio-blk, ...). Devices is exported so the machine package can walk it
// when collecting/restoring per-device snapshot state.
type PCI struct {
	addr       address
	bridge     Device
	Devices    []Device
	probingBAR bool
}

// New creates a PCI config space with br occupying device slot 0.
func New(br Device) *PCI {
	return &PCI{
		addr:   0xaabbccdd,
		bridge: br,
	}
}

func (p *PCI) deviceAt(devNum uint32) Device {
	if devNum == 0 {
		return p.bridge
	}

	idx := int(devNum) - 1
	if idx >= 0 && idx < len(p.Devices) {
		return p.Devices[idx]
	}

	return nil
}

func (p *PCI) PciConfDataIn(port uint64, values []byte) error {
	dev := p.deviceAt(p.addr.getDeviceNumber())
	if dev == nil {
		return nil
	}

	offset := p.addr.getRegisterOffset()
	hdr := dev.GetDeviceHeader()

	switch {
	case offset == 0:
		copy(values, NumToBytes(hdr.VendorID))
	case offset == 8:
		copy(values, NumToBytes(hdr.DeviceID))
	case isBARRegister(offset) && p.probingBAR:
		start, end := dev.GetIORange()
		copy(values, NumToBytes(SizeToBits(end-start)))
		p.probingBAR = false
	default:
		b, err := hdr.Bytes()
		if err != nil {
			return err
		}

		if int(offset)+len(values) <= len(b) {
			copy(values, b[offset:int(offset)+len(values)])
		}
	}

	return nil
}

func (p *PCI) PciConfDataOut(port uint64, values []byte) error {
	offset := p.addr.getRegisterOffset()

	p.probingBAR = isBARRegister(offset) && len(values) == 4 && BytesToNum(values) == 0xffffffff

	return nil
}

func (p *PCI) PciConfAddrIn(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	values[3] = uint8((p.addr >> 24) & 0xff)
	values[2] = uint8((p.addr >> 16) & 0xff)
	values[1] = uint8((p.addr >> 8) & 0xff)
	values[0] = uint8((p.addr >> 0) & 0xff)

	return nil
}

func (p *PCI) PciConfAddrOut(port uint64, values []byte) error {
	if len(values) != 4 {
		return nil
	}

	x := uint32(0)
	x |= uint32(values[3]) << 24
	x |= uint32(values[2]) << 16
	x |= uint32(values[1]) << 8
	x |= uint32(values[0]) << 0

	p.addr = address(x)

	return nil
}
