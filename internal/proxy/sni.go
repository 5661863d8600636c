package proxy

import (
	"bufio"
	"encoding/binary"
	"fmt"

	sharedErrors "github.com/khanhnv2901/seca-pin/internal/shared/errors"
	"golang.org/x/crypto/cryptobyte"
)

const (
	recordTypeHandshake   uint8  = 22
	handshakeClientHello  uint8  = 1
	extensionServerName   uint16 = 0
	recordHeaderLen              = 5
	maxPlaintextRecordLen        = 16384
)

// peekClientHello returns the first TLS record without consuming it from r. r must be
// able to buffer a full record.
func peekClientHello(r *bufio.Reader) ([]byte, error) {
	hdr, err := r.Peek(recordHeaderLen)
	if err != nil {
		return nil, err
	}
	if hdr[0] != recordTypeHandshake {
		return nil, sharedErrors.ErrNotHello
	}
	n := int(binary.BigEndian.Uint16(hdr[3:5]))
	if n > maxPlaintextRecordLen {
		return nil, fmt.Errorf("%w: record length %d", sharedErrors.ErrNotHello, n)
	}
	return r.Peek(recordHeaderLen + n)
}

// ExtractSNI returns the server_name of a ClientHello carried in the first TLS record of
// payload.
func ExtractSNI(payload []byte) (string, error) {
	s := cryptobyte.String(payload)

	var contentType uint8
	var record cryptobyte.String
	if !s.ReadUint8(&contentType) || contentType != recordTypeHandshake {
		return "", sharedErrors.ErrNotHello
	}
	if !s.Skip(2) || !s.ReadUint16LengthPrefixed(&record) {
		return "", sharedErrors.ErrNotHello
	}

	var msgType uint8
	var hello cryptobyte.String
	if !record.ReadUint8(&msgType) || msgType != handshakeClientHello {
		return "", sharedErrors.ErrNotHello
	}
	if !record.ReadUint24LengthPrefixed(&hello) {
		return "", sharedErrors.ErrNotHello
	}

	// legacy_version + random
	if !hello.Skip(2 + 32) {
		return "", sharedErrors.ErrNotHello
	}
	var sessionID, suites, compression cryptobyte.String
	if !hello.ReadUint8LengthPrefixed(&sessionID) ||
		!hello.ReadUint16LengthPrefixed(&suites) ||
		!hello.ReadUint8LengthPrefixed(&compression) {
		return "", sharedErrors.ErrNotHello
	}

	var exts cryptobyte.String
	if !hello.ReadUint16LengthPrefixed(&exts) {
		// no extensions at all
		return "", nil
	}
	for !exts.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&extData) {
			return "", sharedErrors.ErrNotHello
		}
		if extType != extensionServerName {
			continue
		}

		var names cryptobyte.String
		if !extData.ReadUint16LengthPrefixed(&names) {
			return "", sharedErrors.ErrNotHello
		}
		for !names.Empty() {
			var nameType uint8
			var name cryptobyte.String
			if !names.ReadUint8(&nameType) || !names.ReadUint16LengthPrefixed(&name) {
				return "", sharedErrors.ErrNotHello
			}
			if nameType == 0 {
				return string(name), nil
			}
		}
	}
	return "", nil
}
