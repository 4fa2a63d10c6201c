package persist

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// snapshotMagic tags a snapshot state file so Load can reject a file that
// is not one of these before trusting its contents.
const snapshotMagic uint32 = 0x676f6b76 // "gokv"

// header is the fixed-size prefix written before the gob-encoded
// MicrovmState payload: magic, the data version the payload was encoded
// at, and the payload length. The trailing CRC32 covers header+payload and
// is appended after, not included in its own checksum.
type header struct {
	Magic       uint32
	DataVersion uint16
	_           uint16 // padding, kept zero
	PayloadLen  uint64
}

const headerSize = 4 + 2 + 2 + 8

var (
	// ErrBadMagic is returned by Load when the file does not start with
	// snapshotMagic.
	ErrBadMagic = errors.New("not a snapshot state file")
	// ErrChecksum is returned by Load when the trailing CRC32 does not
	// match the header+payload bytes.
	ErrChecksum = errors.New("snapshot state file checksum mismatch")
)

// saveFramed writes header, payload and a trailing CRC32 of both to w. This
// mirrors migration/transport.go's framed-message shape with one addition:
// the CRC32, since a snapshot state file is a long-lived artifact instead
// of a live wire message and is worth protecting against silent bit rot.
func saveFramed(w io.Writer, dataVersion uint16, payload []byte) error {
	hdr := header{Magic: snapshotMagic, DataVersion: dataVersion, PayloadLen: uint64(len(payload))}

	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], hdr.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], hdr.DataVersion)
	binary.LittleEndian.PutUint64(buf[8:16], hdr.PayloadLen)

	crc := crc32.NewIEEE()

	mw := io.MultiWriter(w, crc)
	if _, err := mw.Write(buf); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	if _, err := mw.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}

	sum := make([]byte, 4)
	binary.LittleEndian.PutUint32(sum, crc.Sum32())

	if _, err := w.Write(sum); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}

	return nil
}

// loadFramed reads back what saveFramed wrote, verifying the magic and
// checksum before returning the data version and payload.
func loadFramed(r io.Reader) (uint16, []byte, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf[0:4]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != snapshotMagic {
		return 0, nil, ErrBadMagic
	}

	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	dataVersion := binary.LittleEndian.Uint16(buf[4:6])
	payloadLen := binary.LittleEndian.Uint64(buf[8:16])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read payload: %w", err)
	}

	sumBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, sumBuf); err != nil {
		return 0, nil, fmt.Errorf("read checksum: %w", err)
	}

	wantSum := binary.LittleEndian.Uint32(sumBuf)

	crc := crc32.NewIEEE()
	crc.Write(buf)
	crc.Write(payload)

	if crc.Sum32() != wantSum {
		return 0, nil, ErrChecksum
	}

	return dataVersion, payload, nil
}
