package gp

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// Interindustry commands of ISO/IEC 7816-4.
const (
	claISO byte = 0x00

	insSelect       byte = 0xA4
	insReadBinary   byte = 0xB0
	insUpdateBinary byte = 0xD6
	insPutData      byte = 0xDA

	p1SelectEF     byte = 0x02
	p1SelectByName byte = 0x04
	p1ShortFileID  byte = 0x80
	p2NoResponse   byte = 0x0C
	maxShortFileID byte = 0x1E
)

const maxBinaryOffset = 0x7FFF

// Select returns SELECT with the given selection control and data.
// The response data is requested unless p2 indicates that no response data is returned.
func Select(p1, p2 byte, data []byte) apdu.Capdu {
	capdu := apdu.Capdu{Cla: claISO, Ins: insSelect, P1: p1, P2: p2, Data: data}
	if p2&p2NoResponse != p2NoResponse {
		capdu.Ne = apdu.MaxLenResponseDataStandard
	}

	return capdu
}

// SelectByName returns SELECT by DF name for the first or only occurrence of aid.
func SelectByName(aid []byte) apdu.Capdu {
	return Select(p1SelectByName, 0x00, aid)
}

// SelectEF returns SELECT of the EF fid under the current DF without response data.
func SelectEF(fid []byte) (apdu.Capdu, error) {
	if len(fid) != 2 {
		return apdu.Capdu{}, errors.Errorf("file identifier must be 2 bytes long, got %d", len(fid))
	}

	return Select(p1SelectEF, p2NoResponse, fid), nil
}

// binaryParameters encodes the file and offset of READ BINARY and UPDATE BINARY. sfi 0 addresses the current EF.
func binaryParameters(sfi byte, offset int) (p1, p2 byte, err error) {
	if sfi == 0 {
		if offset < 0 || offset > maxBinaryOffset {
			return 0, 0, errors.Errorf("offset must be 0-%d, got %d", maxBinaryOffset, offset)
		}

		return byte(offset >> 8), byte(offset), nil
	}

	if sfi > maxShortFileID {
		return 0, 0, errors.Errorf("short file identifier must be 1-%d, got %d", maxShortFileID, sfi)
	}

	if offset < 0 || offset > 0xFF {
		return 0, 0, errors.Errorf("offset with a short file identifier must be 0-255, got %d", offset)
	}

	return p1ShortFileID | sfi, byte(offset), nil
}

// ReadBinary returns READ BINARY for length bytes (1-256) at offset of the EF sfi, or of the current EF if sfi is 0.
func ReadBinary(sfi byte, offset, length int) (apdu.Capdu, error) {
	p1, p2, err := binaryParameters(sfi, offset)
	if err != nil {
		return apdu.Capdu{}, err
	}

	if length < 1 || length > apdu.MaxLenResponseDataStandard {
		return apdu.Capdu{}, errors.Errorf("length must be 1-%d, got %d", apdu.MaxLenResponseDataStandard, length)
	}

	return apdu.Capdu{Cla: claISO, Ins: insReadBinary, P1: p1, P2: p2, Ne: length}, nil
}

// UpdateBinary returns UPDATE BINARY that writes data at offset of the EF sfi, or of the current EF if sfi is 0.
func UpdateBinary(sfi byte, offset int, data []byte) (apdu.Capdu, error) {
	p1, p2, err := binaryParameters(sfi, offset)
	if err != nil {
		return apdu.Capdu{}, err
	}

	if len(data) == 0 || len(data) > apdu.MaxLenCommandDataStandard {
		return apdu.Capdu{}, errors.Errorf("data must be 1-%d bytes long, got %d", apdu.MaxLenCommandDataStandard, len(data))
	}

	return apdu.Capdu{Cla: claISO, Ins: insUpdateBinary, P1: p1, P2: p2, Data: data}, nil
}

// PutData returns the interindustry PUT DATA that stores data in the data object tag.
func PutData(tag uint16, data []byte) (apdu.Capdu, error) {
	if len(data) > apdu.MaxLenCommandDataStandard {
		return apdu.Capdu{}, errors.Errorf("data must not exceed %d bytes, got %d", apdu.MaxLenCommandDataStandard, len(data))
	}

	return apdu.Capdu{Cla: claISO, Ins: insPutData, P1: byte(tag >> 8), P2: byte(tag), Data: data}, nil
}
