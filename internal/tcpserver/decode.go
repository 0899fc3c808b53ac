package tcpserver

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// DecodeResponse extracts the register vector from a raw gateway reply. The
// uppercased hex form must contain the function marker "0103"; the marker
// and the two-char length prefix are stripped, and the remainder decodes in
// fixed-width chunks sized by the request index.
func DecodeResponse(raw []byte, index int) (any, error) {
	h := strings.ToUpper(hex.EncodeToString(raw))
	i := strings.Index(h, "0103")
	if i < 0 {
		return nil, fmt.Errorf("no 0103 marker in %d-byte response", len(raw))
	}
	body := h[i+4:]
	if len(body) < 2 {
		return nil, fmt.Errorf("response truncated before length prefix")
	}
	body = body[2:]

	if index == 2 {
		return decodeInt64s(body)
	}
	return decodeFloat32s(body)
}

func decodeFloat32s(body string) ([]float64, error) {
	if len(body)%8 != 0 {
		return nil, fmt.Errorf("float payload misaligned: %d hex chars", len(body))
	}
	out := make([]float64, 0, len(body)/8)
	for i := 0; i < len(body); i += 8 {
		b, err := hex.DecodeString(body[i : i+8])
		if err != nil {
			return nil, fmt.Errorf("bad hex chunk %q: %w", body[i:i+8], err)
		}
		out = append(out, float64(math.Float32frombits(binary.BigEndian.Uint32(b))))
	}
	return out, nil
}

func decodeInt64s(body string) ([]int64, error) {
	if len(body)%16 != 0 {
		return nil, fmt.Errorf("int payload misaligned: %d hex chars", len(body))
	}
	out := make([]int64, 0, len(body)/16)
	for i := 0; i < len(body); i += 16 {
		b, err := hex.DecodeString(body[i : i+16])
		if err != nil {
			return nil, fmt.Errorf("bad hex chunk %q: %w", body[i:i+16], err)
		}
		out = append(out, int64(binary.BigEndian.Uint64(b)))
	}
	return out, nil
}
