package encoding

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeFloat32s packs little-endian float32s as base64.
func EncodeFloat32s(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func DecodeFloat32s(b64 string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("float32 buffer length %d not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// EncodeUint32s packs little-endian uint32 indices as base64.
func EncodeUint32s(v []uint32) string {
	buf := make([]byte, 4*len(v))
	for i, u := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func DecodeUint32s(b64 string) ([]uint32, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("uint32 buffer length %d not a multiple of 4", len(raw))
	}
	out := make([]uint32, len(raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return out, nil
}
