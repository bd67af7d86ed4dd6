package datapath

import (
	"errors"
	"fmt"

	"github.com/6ccg/ovpncore/pkg/config"
)

var (
	// ErrCompressionUnsupported means the server sent a compressed payload.
	// We only speak the no-compression framings.
	ErrCompressionUnsupported = errors.New("datapath: compressed payloads are not supported")

	// ErrBadFraming means the framing byte is unknown.
	ErrBadFraming = errors.New("datapath: bad compression framing")
)

// Framing bytes, see compress.h in OpenVPN.
const (
	noCompressByte     = 0xfa
	noCompressByteSwap = 0xfb
	lzoCompressByte    = 0x66
	lz4CompressByte    = 0x69

	// v2 framing only escapes payloads starting with the indicator.
	compV2IndicatorByte = 0x50
	compV2Uncompressed  = 0x00
)

// frame applies the outbound compression framing. The input is not modified.
func frame(b []byte, compress config.Compression) []byte {
	switch compress {
	case config.CompressionStub:
		// send first byte to last and put the marker in front
		out := make([]byte, 0, len(b)+1)
		if len(b) == 0 {
			return append(out, noCompressByteSwap)
		}
		out = append(out, noCompressByteSwap)
		out = append(out, b[1:]...)
		return append(out, b[0])

	case config.CompressionEmpty, config.CompressionLZONo:
		out := make([]byte, 0, len(b)+1)
		out = append(out, noCompressByte)
		return append(out, b...)

	case config.CompressionStubV2:
		if len(b) == 0 || b[0] != compV2IndicatorByte {
			return b
		}
		out := make([]byte, 0, len(b)+2)
		out = append(out, compV2IndicatorByte, compV2Uncompressed)
		return append(out, b...)

	default:
		return b
	}
}

// unframe removes the inbound compression framing.
func unframe(b []byte, compress config.Compression) ([]byte, error) {
	switch compress {
	case config.CompressionStub, config.CompressionEmpty, config.CompressionLZONo:
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: empty payload", ErrBadFraming)
		}
		switch b[0] {
		case noCompressByte:
			return b[1:], nil
		case noCompressByteSwap:
			if len(b) == 1 {
				return b[1:], nil
			}
			out := make([]byte, 0, len(b)-1)
			out = append(out, b[len(b)-1])
			return append(out, b[1:len(b)-1]...), nil
		case lzoCompressByte, lz4CompressByte:
			return nil, fmt.Errorf("%w: framing byte %#x", ErrCompressionUnsupported, b[0])
		default:
			return nil, fmt.Errorf("%w: framing byte %#x", ErrBadFraming, b[0])
		}

	case config.CompressionStubV2:
		if len(b) == 0 || b[0] != compV2IndicatorByte {
			return b, nil
		}
		if len(b) < 2 {
			return nil, fmt.Errorf("%w: truncated v2 header", ErrBadFraming)
		}
		if b[1] != compV2Uncompressed {
			return nil, fmt.Errorf("%w: v2 algorithm %#x", ErrCompressionUnsupported, b[1])
		}
		return b[2:], nil

	default:
		return b, nil
	}
}
