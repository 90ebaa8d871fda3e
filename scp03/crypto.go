package scp03

import (
	"crypto/cipher"

	"github.com/aead/cmac"
	"github.com/pkg/errors"
)

const prfLen = uint16(128)

// KDF implements a version of KDF in counter mode as specified in NIST SP 800-108.
// The PRF used in the KDF is CMAC as specified in NIST 800-38B with 16-byte output length.
// The KDF takes an AES cipher, a label, a derivation context and writes len(dst) bytes of output.
func KDF(dst []byte, aesCipher cipher.Block, label []byte, context []byte) error {
	if len(dst) == 0 || len(dst)%8 != 0 || len(dst) > 32 {
		return errors.Errorf("length of dst must be a multiple of 8 and not greater than 32 bytes, got %d", len(dst))
	}

	if len(label) != 12 {
		return errors.Errorf("length of label must be 12 bytes, got %d", len(label))
	}

	if len(context) != 16 {
		return errors.Errorf("length of context must be 16 bytes, got %d", len(context))
	}

	bits := uint16(len(dst) * 8)

	rounds := uint8(bits / prfLen)
	if bits%prfLen != 0 {
		rounds++
	}

	// label + separator + L + counter + context
	input := make([]byte, 0, len(label)+4+len(context))
	input = append(input, label...)
	input = append(input, 0x00)
	input = append(input, uint8(bits>>8), uint8(bits&0xFF))
	input = append(input, 0x00)
	input = append(input, context...)

	result := make([]byte, 0, int(rounds)*16)

	for i := uint8(1); i <= rounds; i++ {
		input[15] = i

		part, err := calculateCMAC(aesCipher, input)
		if err != nil {
			return err
		}

		if uint16(len(part)*8) != prfLen {
			return errors.Errorf("PRF length mis-match (%d vs %d)", len(part)*8, prfLen)
		}

		result = append(result, part...)
	}

	copy(dst, result)

	return nil
}

func calculateCMAC(block cipher.Block, input []byte) ([]byte, error) {
	mac, err := cmac.NewWithTagSize(block, block.BlockSize())
	if err != nil {
		return nil, errors.Wrap(err, "create CMAC from AES cipher")
	}

	if _, err = mac.Write(input); err != nil {
		return nil, errors.Wrap(err, "update CMAC")
	}

	return mac.Sum(nil), nil
}
