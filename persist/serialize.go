package persist

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// ErrSchemaIncompatible is returned when a MicrovmState value cannot be
// represented at the requested schema version without silently dropping a
// populated field (§4.B) — e.g. encoding a vsock-attached VM at DeviceStates
// schema 1.
var ErrSchemaIncompatible = errors.New("value is not representable at the requested schema version")

// ErrUnknownSchema is returned when decoding encounters a schema version
// number this build does not know how to interpret.
var ErrUnknownSchema = errors.New("unknown schema version")

// serializeMicrovmState encodes state's fields with gob, the way the rest
// of this tree encodes structured payloads (migration/transport.go). Only
// DeviceStates varies its wire shape by schema; everything else always
// encodes at its single known shape.
func serializeMicrovmState(state *MicrovmState, vmap *VersionMap, dataVersion uint16) ([]byte, error) {
	var buf bytes.Buffer

	enc := gob.NewEncoder(&buf)

	if err := enc.Encode(state.VMInfo); err != nil {
		return nil, fmt.Errorf("encode VmInfo: %w", err)
	}

	if err := enc.Encode(state.MemoryState); err != nil {
		return nil, fmt.Errorf("encode GuestMemoryState: %w", err)
	}

	if err := enc.Encode(state.VMState); err != nil {
		return nil, fmt.Errorf("encode VMState: %w", err)
	}

	if err := enc.Encode(state.VCPUStates); err != nil {
		return nil, fmt.Errorf("encode VCPUStates: %w", err)
	}

	devVersion := vmap.TypeVersion(dataVersion, TypeDeviceStates)

	devBytes, err := encodeDeviceStates(state.DeviceStates, devVersion)
	if err != nil {
		return nil, err
	}

	if err := enc.Encode(devVersion); err != nil {
		return nil, fmt.Errorf("encode device state version: %w", err)
	}

	if err := enc.Encode(devBytes); err != nil {
		return nil, fmt.Errorf("encode device states: %w", err)
	}

	return buf.Bytes(), nil
}

// deserializeMicrovmState is serializeMicrovmState's inverse.
func deserializeMicrovmState(b []byte) (*MicrovmState, error) {
	dec := gob.NewDecoder(bytes.NewReader(b))

	var state MicrovmState

	if err := dec.Decode(&state.VMInfo); err != nil {
		return nil, fmt.Errorf("decode VmInfo: %w", err)
	}

	if err := dec.Decode(&state.MemoryState); err != nil {
		return nil, fmt.Errorf("decode GuestMemoryState: %w", err)
	}

	if err := dec.Decode(&state.VMState); err != nil {
		return nil, fmt.Errorf("decode VMState: %w", err)
	}

	if err := dec.Decode(&state.VCPUStates); err != nil {
		return nil, fmt.Errorf("decode VCPUStates: %w", err)
	}

	var devVersion uint16
	if err := dec.Decode(&devVersion); err != nil {
		return nil, fmt.Errorf("decode device state version: %w", err)
	}

	var devBytes []byte
	if err := dec.Decode(&devBytes); err != nil {
		return nil, fmt.Errorf("decode device states: %w", err)
	}

	ds, err := decodeDeviceStates(devBytes, devVersion)
	if err != nil {
		return nil, err
	}

	state.DeviceStates = ds

	return &state, nil
}

// encodeDeviceStates gob-encodes d at schema version v. Schema 1 predates
// vsock/balloon support: encoding a populated Vsock or Balloon field at
// schema 1 would silently drop it, so that combination is rejected instead
// (§4.B, §8 scenario 1).
func encodeDeviceStates(d DeviceStates, v uint16) ([]byte, error) {
	var buf bytes.Buffer

	enc := gob.NewEncoder(&buf)

	switch v {
	case 1:
		if d.Vsock != nil || d.Balloon != nil {
			return nil, fmt.Errorf("%w: device states schema 1 has no vsock/balloon fields", ErrSchemaIncompatible)
		}

		v1 := deviceStatesV1{Block: d.Block, Net: d.Net, Serial: d.Serial}
		if err := enc.Encode(v1); err != nil {
			return nil, fmt.Errorf("encode device states v1: %w", err)
		}
	case 2:
		if err := enc.Encode(d); err != nil {
			return nil, fmt.Errorf("encode device states v2: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: device states schema %d", ErrUnknownSchema, v)
	}

	return buf.Bytes(), nil
}

// decodeDeviceStates is encodeDeviceStates' inverse.
func decodeDeviceStates(b []byte, v uint16) (DeviceStates, error) {
	dec := gob.NewDecoder(bytes.NewReader(b))

	switch v {
	case 1:
		var v1 deviceStatesV1
		if err := dec.Decode(&v1); err != nil {
			return DeviceStates{}, fmt.Errorf("decode device states v1: %w", err)
		}

		return DeviceStates{Block: v1.Block, Net: v1.Net, Serial: v1.Serial}, nil
	case 2:
		var d DeviceStates
		if err := dec.Decode(&d); err != nil {
			return DeviceStates{}, fmt.Errorf("decode device states v2: %w", err)
		}

		return d, nil
	default:
		return DeviceStates{}, fmt.Errorf("%w: device states schema %d", ErrUnknownSchema, v)
	}
}
