package gp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"

	"github.com/pkg/errors"
	"github.com/skythen/gpsc/card"
	"github.com/skythen/gpsc/scp02"
	"github.com/skythen/gpsc/scp03"
)

const (
	// KeyTypeDES is the key type of Triple DES keys in PUT KEY.
	KeyTypeDES byte = 0x80
	// KeyTypeAES is the key type of AES keys in PUT KEY.
	KeyTypeAES byte = 0x88
)

// StaticKeys is a static key set of a Security Domain: ENC, MAC and DEK.
// All keys have the same length of 16, 24 or 32 bytes. SCP02 requires 16 byte keys.
type StaticKeys struct {
	ENC []byte
	MAC []byte
	DEK []byte
}

// NewStaticKeys returns StaticKeys with copies of enc, mac and dek.
func NewStaticKeys(enc, mac, dek []byte) (StaticKeys, error) {
	for _, k := range [][]byte{enc, mac, dek} {
		if len(k) != 16 && len(k) != 24 && len(k) != 32 {
			return StaticKeys{}, errors.Errorf("key length must be 16, 24 or 32 bytes, got %d", len(k))
		}
	}

	if len(enc) != len(mac) || len(enc) != len(dek) {
		return StaticKeys{}, errors.Errorf("keys must have equal length, got %d/%d/%d", len(enc), len(mac), len(dek))
	}

	return StaticKeys{
		ENC: append([]byte(nil), enc...),
		MAC: append([]byte(nil), mac...),
		DEK: append([]byte(nil), dek...),
	}, nil
}

// SingleKey returns StaticKeys that use key for ENC, MAC and DEK, as on test cards.
func SingleKey(key []byte) (StaticKeys, error) {
	return NewStaticKeys(key, key, key)
}

// KeyLength returns the length of the keys in bytes.
func (keys StaticKeys) KeyLength() int {
	return len(keys.ENC)
}

func (keys StaticKeys) byID(keyID byte) ([]byte, error) {
	switch keyID {
	case scp02.KeyIDEnc:
		return keys.ENC, nil
	case scp02.KeyIDMac:
		return keys.MAC, nil
	case scp02.KeyIDDek:
		return keys.DEK, nil
	default:
		return nil, errors.Errorf("unknown key ID %02X", keyID)
	}
}

// scp02Provider derives SCP02 session keys from StaticKeys held in memory.
type scp02Provider struct {
	keys StaticKeys
}

func (p scp02Provider) ProvideSessionKey(keyID byte, kvn byte, diversificationData []byte, dst *[16]byte, src [16]byte) error {
	key, err := p.keys.byID(keyID)
	if err != nil {
		return err
	}

	block, err := newTDESCipher(key)
	if err != nil {
		return err
	}

	cipher.NewCBCEncrypter(block, make([]byte, des.BlockSize)).CryptBlocks(dst[:], src[:])

	return nil
}

// scp03Provider derives SCP03 session keys from StaticKeys held in memory.
type scp03Provider struct {
	keys StaticKeys
}

func (p scp03Provider) ProvideSessionKey(dst []byte, label []byte, context []byte, keyID byte, kvn byte, diversificationData []byte) error {
	key, err := p.keys.byID(keyID)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return errors.Wrap(err, "create AES cipher from static key")
	}

	return scp03.KDF(dst, block, label, context)
}

func (p scp03Provider) KeyByteSize(kvn byte) (int, error) {
	return p.keys.KeyLength(), nil
}

// newTDESCipher creates a Triple DES cipher from a double (16 byte) or triple (24 byte) length key.
func newTDESCipher(key []byte) (cipher.Block, error) {
	var k []byte

	switch len(key) {
	case 16:
		k = make([]byte, 0, 24)
		k = append(k, key...)
		k = append(k, key[:8]...)
	case 24:
		k = key
	default:
		return nil, errors.Errorf("Triple DES key must be 16 or 24 bytes long, got %d", len(key))
	}

	block, err := des.NewTripleDESCipher(k)
	if err != nil {
		return nil, errors.Wrap(err, "create TripleDES cipher")
	}

	return block, nil
}

// KeyCheckValue calculates the 3 byte key check value of key.
// DES keys encrypt 8 bytes '00' with Triple DES, AES keys encrypt 16 bytes '01' with AES.
func KeyCheckValue(key []byte, keyType byte) ([]byte, error) {
	var (
		block cipher.Block
		input []byte
		err   error
	)

	switch keyType {
	case KeyTypeDES:
		block, err = newTDESCipher(key)
		input = make([]byte, des.BlockSize)
	case KeyTypeAES:
		block, err = aes.NewCipher(key)
		input = bytesOf(0x01, aes.BlockSize)
	default:
		return nil, errors.Errorf("unsupported key type %02X", keyType)
	}

	if err != nil {
		return nil, errors.Wrap(err, "create cipher for key check value")
	}

	out := make([]byte, len(input))
	block.Encrypt(out, input)

	return out[:3], nil
}

func bytesOf(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}

	return out
}

// encryptWithAESDEK encrypts a key value for PUT KEY with AES-CBC, zero IV, under the static DEK.
// The padding is always applied.
func encryptWithAESDEK(dek []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, errors.Wrap(err, "create AES cipher from DEK")
	}

	padded, err := card.Pad80(key, aes.BlockSize, true)
	if err != nil {
		return nil, errors.Wrap(err, "pad key value")
	}

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, padded)

	return out, nil
}
