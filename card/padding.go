package card

import "github.com/pkg/errors"

// Pad80 takes bytes and a block size (must be a multiple of 8) and appends '80' and zero bytes until
// the length reaches a multiple of the block size and returns the padded bytes.
// If force is false, the padding will only be applied, if the length of bytes is not a multiple of the block size.
// If force is true, the padding will be applied anyways.
func Pad80(b []byte, blockSize int, force bool) ([]byte, error) {
	if blockSize <= 0 || blockSize%8 != 0 {
		return nil, errors.New("block size must be a multiple of 8")
	}

	rest := len(b) % blockSize
	if rest != 0 || force {
		padded := make([]byte, len(b)+blockSize-rest)
		copy(padded, b)
		padded[len(b)] = 0x80

		return padded, nil
	}

	return b, nil
}

// Unpad80 removes padding applied with Pad80. The '80' marker must be present in the last block.
func Unpad80(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, errors.Errorf("padded data must be a non-empty multiple of %d bytes, got %d", blockSize, len(b))
	}

	offset := len(b) - 1
	for offset > len(b)-blockSize && b[offset] == 0x00 {
		offset--
	}

	if b[offset] != 0x80 {
		return nil, errors.New("missing '80' marker for start of padding")
	}

	return b[:offset], nil
}
