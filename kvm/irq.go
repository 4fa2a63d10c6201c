package kvm

import "unsafe"

// irqLevel defines an IRQ as Level? Not sure.
type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the interrupt line for an IRQ.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLev)), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel interrupt controller (PIC + IOAPIC) for a VM.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

// pitConfig defines properties of a programmable interrupt timer.
type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// CreatePIT2 creates an in-kernel i8254 PIT.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{Flags: 0}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQChip IDs, one per emulated controller.
const (
	IRQChipPIC0   uint32 = iota // master 8259 PIC
	IRQChipPIC1                 // slave 8259 PIC
	IRQChipIOAPIC               // IOAPIC
)

// IRQChip is the opaque per-chip interrupt controller state returned by
// KVM_GET_IRQCHIP. The union member's layout differs by ChipID, so it is
// kept as a raw byte array rather than decoded — the persist package treats
// the whole struct as a versionable blob.
type IRQChip struct {
	ChipID uint32
	Chip   [512]byte
}

// GetIRQChip reads the state of interrupt controller chip.ChipID.
func GetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetIRQChip, sizeOf[IRQChip]()), uintptr(unsafe.Pointer(chip)))

	return err
}

// SetIRQChip writes the state of interrupt controller chip.ChipID.
func SetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetIRQChip, sizeOf[IRQChip]()), uintptr(unsafe.Pointer(chip)))

	return err
}

// PITState2 is the state of the in-kernel i8254 programmable interval timer.
type PITState2 struct {
	Channels [3]pitChannelState
	Flags    uint32
	Reserved [9]uint32
}

type pitChannelState struct {
	Count         uint32
	LatchedCount  uint16
	CountLatched  uint8
	StatusLatched uint8
	Status        uint8
	ReadState     uint8
	WriteState    uint8
	WriteLatch    uint8
	RWMode        uint8
	Mode          uint8
	BCD           uint8
	Gate          uint8
	CountLoadTime int64
}

// GetPIT2 reads the state of the in-kernel PIT.
func GetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, sizeOf[PITState2]()), uintptr(unsafe.Pointer(pit)))

	return err
}

// SetPIT2 writes the state of the in-kernel PIT.
func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, sizeOf[PITState2]()), uintptr(unsafe.Pointer(pit)))

	return err
}
