package card

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

const lenHeader = 4

// Encode returns the short APDU wire form of capdu: header, optional Lc and data, optional Le.
// An Ne of 256 is encoded as '00'. Extended length commands are rejected.
func Encode(capdu apdu.Capdu) ([]byte, error) {
	if len(capdu.Data) > apdu.MaxLenCommandDataStandard {
		return nil, errors.Errorf("length of data field must not exceed %d bytes, got %d", apdu.MaxLenCommandDataStandard, len(capdu.Data))
	}

	if capdu.Ne < 0 || capdu.Ne > apdu.MaxLenResponseDataStandard {
		return nil, errors.Errorf("Ne must be in range 0-%d, got %d", apdu.MaxLenResponseDataStandard, capdu.Ne)
	}

	b := make([]byte, 0, lenHeader+len(capdu.Data)+2)
	b = append(b, capdu.Cla, capdu.Ins, capdu.P1, capdu.P2)

	if len(capdu.Data) > 0 {
		b = append(b, byte(len(capdu.Data)))
		b = append(b, capdu.Data...)
	}

	if capdu.Ne > 0 {
		// 256 wraps to '00'
		b = append(b, byte(capdu.Ne))
	}

	return b, nil
}

// ParseCommand parses a short APDU in its wire form (cases 1 to 4) and returns the apdu.Capdu.
func ParseCommand(b []byte) (apdu.Capdu, error) {
	if len(b) < lenHeader {
		return apdu.Capdu{}, errors.Errorf("command must be at least %d bytes long, got %d", lenHeader, len(b))
	}

	capdu := apdu.Capdu{Cla: b[0], Ins: b[1], P1: b[2], P2: b[3]}
	body := b[lenHeader:]

	switch {
	case len(body) == 0:
		return capdu, nil
	case len(body) == 1:
		capdu.Ne = decodeLe(body[0])

		return capdu, nil
	}

	lc := int(body[0])
	if lc == 0 {
		return apdu.Capdu{}, errors.New("Lc of '00' is not allowed for short commands")
	}

	switch len(body) {
	case 1 + lc:
		capdu.Data = append([]byte(nil), body[1:]...)
	case 2 + lc:
		capdu.Data = append([]byte(nil), body[1:1+lc]...)
		capdu.Ne = decodeLe(body[1+lc])
	default:
		return apdu.Capdu{}, errors.Errorf("Lc of %d does not match body length of %d", lc, len(body))
	}

	return capdu, nil
}

func decodeLe(le byte) int {
	if le == 0x00 {
		return apdu.MaxLenResponseDataStandard
	}

	return int(le)
}

// Decode splits a raw response into data and status word.
// A response shorter than the two status bytes results in a MalformedResponseError.
func Decode(b []byte) (apdu.Rapdu, error) {
	if len(b) < 2 {
		return apdu.Rapdu{}, MalformedResponseError{Response: b}
	}

	rapdu := apdu.Rapdu{SW1: b[len(b)-2], SW2: b[len(b)-1]}

	if len(b) > 2 {
		rapdu.Data = append([]byte(nil), b[:len(b)-2]...)
	}

	return rapdu, nil
}

// StatusWord returns SW1 and SW2 of rapdu as one value.
func StatusWord(rapdu apdu.Rapdu) uint16 {
	return uint16(rapdu.SW1)<<8 | uint16(rapdu.SW2)
}
