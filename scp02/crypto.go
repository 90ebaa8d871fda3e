package scp02

import (
	"crypto/cipher"
	"crypto/des"

	"github.com/pkg/errors"
	"github.com/skythen/gpsc/card"
)

var scp02ZeroIV = [8]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

func resizeDoubleDESToTDES(key [16]byte) [24]byte {
	var k [24]byte

	copy(k[:], key[:])
	copy(k[16:], key[:8])

	return k
}

func newTDESCipher(key [16]byte) (cipher.Block, error) {
	k := resizeDoubleDESToTDES(key)

	block, err := des.NewTripleDESCipher(k[:])
	if err != nil {
		return nil, errors.Wrap(err, "create TripleDES cipher")
	}

	return block, nil
}

func ecbEncrypt(dst []byte, src []byte, block cipher.Block) error {
	if len(dst) < len(src) {
		return errors.New("dst is shorter than src")
	}

	if len(src)%block.BlockSize() != 0 {
		return errors.New("src length is not a multiple of the block size")
	}

	for len(src) > 0 {
		block.Encrypt(dst, src)
		src = src[block.BlockSize():]
		dst = dst[block.BlockSize():]
	}

	return nil
}

// desFinalTDESMac calculates the ISO 9797-1 MAC algorithm 3 over src: single DES CBC with the first half
// of key for all but the last block and Triple DES for the last block.
func desFinalTDESMac(dst *[8]byte, src []byte, key [16]byte, iv [8]byte) error {
	if len(src) == 0 || len(src)%des.BlockSize != 0 {
		return errors.New("length of src must be a multiple of 8")
	}

	sdes, err := des.NewCipher(key[:8])
	if err != nil {
		return errors.Wrap(err, "create DES cipher")
	}

	tdes, err := newTDESCipher(key)
	if err != nil {
		return err
	}

	chain := iv[:]

	if len(src) > des.BlockSize {
		sdesCbc := cipher.NewCBCEncrypter(sdes, iv[:])
		tmp := make([]byte, len(src)-des.BlockSize)
		sdesCbc.CryptBlocks(tmp, src[:len(src)-des.BlockSize])
		// the last single DES block is the IV of the final Triple DES block
		chain = tmp[len(tmp)-des.BlockSize:]
	}

	tdesCbc := cipher.NewCBCEncrypter(tdes, chain)
	tdesCbc.CryptBlocks(dst[:], src[len(src)-des.BlockSize:])

	return nil
}

func fullTDESMac(dst *[8]byte, src []byte, tdesCipher cipher.Block, iv [8]byte) error {
	if len(src) == 0 || len(src)%tdesCipher.BlockSize() != 0 {
		return errors.New("src length is not a multiple of the block length")
	}

	tdesCbc := cipher.NewCBCEncrypter(tdesCipher, iv[:])

	result := make([]byte, len(src))
	tdesCbc.CryptBlocks(result, src)
	copy(dst[:], result[len(result)-8:])

	return nil
}

func tdesCBCEncrypt(src []byte, tdesCipher cipher.Block) ([]byte, error) {
	padded, err := card.Pad80(src, des.BlockSize, true)
	if err != nil {
		return nil, errors.Wrap(err, "pad data for encryption")
	}

	result := make([]byte, len(padded))
	cipher.NewCBCEncrypter(tdesCipher, scp02ZeroIV[:]).CryptBlocks(result, padded)

	return result, nil
}

func tdesCBCDecrypt(src []byte, tdesCipher cipher.Block) ([]byte, error) {
	if len(src)%des.BlockSize != 0 {
		return nil, errors.Errorf("encrypted data must be a multiple of %d bytes, got %d", des.BlockSize, len(src))
	}

	result := make([]byte, len(src))
	cipher.NewCBCDecrypter(tdesCipher, scp02ZeroIV[:]).CryptBlocks(result, src)

	return card.Unpad80(result, des.BlockSize)
}
