package scp03

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
	"github.com/skythen/gpsc/card"
)

// SessionKeyProvider is the interface that provides session key derivation.
type SessionKeyProvider interface {
	// ProvideSessionKey provides an AES session key by using the static AES key
	// with the given Key ID and Key Version Number and by using it with the data derivation
	// function specified in NIST SP 800-108.
	//
	// The result of the application of the KDF (which is the derived session key) is provided in dst.
	// label is the 12 byte label of the KDF (11 bytes '00' followed by the derivation constant),
	// context is the concatenation of host challenge and card challenge.
	//
	// Key Diversification Data returned in the response to the INITIALIZE UPDATE command may be used for the derivation of static keys.
	ProvideSessionKey(dst []byte, label []byte, context []byte, keyID byte, kvn byte, diversificationData []byte) error

	// KeyByteSize returns the size of a key in the key set with the given Key Version Number in bytes.
	KeyByteSize(kvn byte) (int, error)
}

// CardCryptogramError results from a mismatch between the card cryptogram calculated on host and the card cryptogram received from the card.
type CardCryptogramError struct {
	Expected []byte // Expected card cryptogram.
	Received []byte // Received card cryptogram.
}

func (e CardCryptogramError) Error() string {
	return fmt.Sprintf("scp03: invalid card cryptogram: expected: %02X received: %02X", e.Expected, e.Received)
}

// KeyDerivationError results from an error during the derivation of session keys.
type KeyDerivationError struct {
	Message string
	Cause   error
}

func (e KeyDerivationError) Error() string {
	return fmt.Sprintf("scp03: key derivation failed: %s cause: %v", e.Message, e.Cause)
}

// Unwrap returns the cause of the error.
func (e KeyDerivationError) Unwrap() error { return e.Cause }

// RMACError results from a mismatch between the R-MAC calculated on host and the R-MAC received from the card.
type RMACError struct {
	Expected []byte // Expected R-MAC.
	Received []byte // Received R-MAC.
}

func (e RMACError) Error() string {
	return fmt.Sprintf("scp03: invalid R-MAC: expected: %02X received: %02X", e.Expected, e.Received)
}

const (
	// KeyIDEnc is the ID of the Secure Channel encryption key (ENC).
	KeyIDEnc byte = 0x01
	// KeyIDMac is the ID of the Secure Channel Message authentication code key (MAC).
	KeyIDMac byte = 0x02
	// KeyIDDek is the ID of the Data encryption key (DEK).
	KeyIDDek byte = 0x03

	// ID is the Secure Channel Protocol identifier of SCP03.
	ID byte = 0x03

	iParamRMACSupport byte = 0x20
	iParamRENCSupport byte = 0x40
	iParamCounter     byte = 0x10

	constantCardCryptogram byte = 0x00
	constantHostCryptogram byte = 0x01
	constantSENC           byte = 0x04
	constantSMAC           byte = 0x06
	constantSRMAC          byte = 0x07

	claGP                   = 0x80
	insExternalAuthenticate = 0x82
)

var scp03ZeroIV = make([]byte, aes.BlockSize)

// InitializeUpdateResponse is the parsed response data of INITIALIZE UPDATE for SCP03.
type InitializeUpdateResponse struct {
	KeyDiversificationData [10]byte // data typically used by a backend system to derive the card static keys
	KeyVersion             byte     // version number of the key set the card uses
	IParam                 byte     // implementation options of the card
	CardChallenge          [8]byte  // random number generated by the card
	CardCryptogram         [8]byte  // authentication cryptogram generated by the card
	SequenceCounter        []byte   // 3 byte sequence counter, present for a pseudo-random card challenge
}

// ParseInitializeUpdateResponse parses the 29 or 32 byte response data of INITIALIZE UPDATE.
func ParseInitializeUpdateResponse(b []byte) (*InitializeUpdateResponse, error) {
	if len(b) != 29 && len(b) != 32 {
		return nil, errors.Errorf("INITIALIZE UPDATE response must be 29 or 32 bytes long, got %d", len(b))
	}

	if b[11] != ID {
		return nil, errors.Errorf("scp ID must be 03, got %02X", b[11])
	}

	if b[12]&iParamCounter != 0 && len(b) != 32 {
		return nil, errors.Errorf("i-parameter %02X announces a sequence counter, but response is %d bytes long", b[12], len(b))
	}

	iur := &InitializeUpdateResponse{KeyVersion: b[10], IParam: b[12]}

	copy(iur.KeyDiversificationData[:], b[:10])
	copy(iur.CardChallenge[:], b[13:21])
	copy(iur.CardCryptogram[:], b[21:29])

	if len(b) == 32 {
		iur.SequenceCounter = append([]byte(nil), b[29:32]...)
	}

	return iur, nil
}

// Config is the configuration for establishing a Session.
type Config struct {
	SecurityLevel card.SecurityLevel // security level that shall be used for the session
	ChannelID     uint8              // logical channel of the session
	HostChallenge [8]byte            // challenge sent with INITIALIZE UPDATE
}

// Establish processes the response data of INITIALIZE UPDATE: it derives the session keys, verifies the card
// cryptogram and returns the Session together with the EXTERNAL AUTHENTICATE command that completes the
// handshake. The Session must only be used after the card accepted EXTERNAL AUTHENTICATE.
//
// A response that cannot be parsed or a security level the card does not support results in a card.ProtocolError,
// a wrong card cryptogram in a CardCryptogramError.
func Establish(config Config, initUpdateResponse []byte, keyProvider SessionKeyProvider) (*Session, apdu.Capdu, error) {
	iur, err := ParseInitializeUpdateResponse(initUpdateResponse)
	if err != nil {
		return nil, apdu.Capdu{}, card.ProtocolError{Message: "invalid INITIALIZE UPDATE response", Cause: err}
	}

	if config.SecurityLevel.RMAC && iur.IParam&iParamRMACSupport == 0 {
		return nil, apdu.Capdu{}, card.ProtocolError{Message: fmt.Sprintf("card does not support R-MAC (i-parameter %02X)", iur.IParam)}
	}

	if config.SecurityLevel.RENC && iur.IParam&iParamRENCSupport == 0 {
		return nil, apdu.Capdu{}, card.ProtocolError{Message: fmt.Sprintf("card does not support R-ENC (i-parameter %02X)", iur.IParam)}
	}

	keyLength, err := keyProvider.KeyByteSize(iur.KeyVersion)
	if err != nil {
		return nil, apdu.Capdu{}, KeyDerivationError{Message: "key size not provided", Cause: err}
	}

	if keyLength != 16 && keyLength != 24 && keyLength != 32 {
		return nil, apdu.Capdu{}, KeyDerivationError{Message: fmt.Sprintf("invalid AES key length %d", keyLength)}
	}

	session := &Session{
		channelID:           config.ChannelID,
		securityLevel:       config.SecurityLevel,
		keyVersion:          iur.KeyVersion,
		iParam:              iur.IParam,
		keyLength:           keyLength,
		diversificationData: iur.KeyDiversificationData,
		sequenceCounter:     iur.SequenceCounter,
	}

	session.context = make([]byte, 0, 16)
	session.context = append(session.context, config.HostChallenge[:]...)
	session.context = append(session.context, iur.CardChallenge[:]...)

	if err = session.deriveKeys(keyProvider); err != nil {
		return nil, apdu.Capdu{}, err
	}

	cc, err := session.calculateCryptogram(constantCardCryptogram)
	if err != nil {
		return nil, apdu.Capdu{}, errors.Wrap(err, "calculate card cryptogram on host")
	}

	if subtle.ConstantTimeCompare(cc, iur.CardCryptogram[:]) != 1 {
		return nil, apdu.Capdu{}, CardCryptogramError{Expected: cc, Received: iur.CardCryptogram[:]}
	}

	hc, err := session.calculateCryptogram(constantHostCryptogram)
	if err != nil {
		return nil, apdu.Capdu{}, errors.Wrap(err, "calculate host cryptogram")
	}

	extAuthenticate, err := session.externalAuthenticate(hc)
	if err != nil {
		return nil, apdu.Capdu{}, errors.Wrap(err, "generate EXTERNAL AUTHENTICATE command")
	}

	return session, extAuthenticate, nil
}

// Session is a SCP03 secure channel session.
type Session struct {
	channelID           uint8
	securityLevel       card.SecurityLevel
	keyVersion          byte
	iParam              byte
	keyLength           int
	diversificationData [10]byte
	sequenceCounter     []byte
	context             []byte
	keys                sessionKeys
	chainingValue       [16]byte
	counter             uint32 // encryption counter, incremented for every wrapped command
	lock                sync.Mutex
}

type sessionKeys struct {
	senc cipher.Block
	cmac cipher.Block
	rmac cipher.Block
}

// SecurityLevel returns the Security Level of the Session.
func (session *Session) SecurityLevel() card.SecurityLevel {
	return session.securityLevel
}

// ChannelID returns the ID of the logical channel the Session is active on.
func (session *Session) ChannelID() uint8 {
	return session.channelID
}

// KeyVersion returns the version of the key set the session keys were derived from.
func (session *Session) KeyVersion() byte {
	return session.keyVersion
}

// IParam returns the i-parameter reported by the card.
func (session *Session) IParam() byte {
	return session.iParam
}

// KeyLength returns the length of the session keys in bytes.
func (session *Session) KeyLength() int {
	return session.keyLength
}

// DiversificationData returns the key diversification data reported by the card.
func (session *Session) DiversificationData() [10]byte {
	return session.diversificationData
}

// SequenceCounter returns the sequence counter reported by the card or nil.
func (session *Session) SequenceCounter() []byte {
	return session.sequenceCounter
}

// Counter returns the value of the encryption counter, the number of commands wrapped since EXTERNAL AUTHENTICATE.
func (session *Session) Counter() uint32 {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.counter
}

// ChainingValue returns the current MAC chaining value.
func (session *Session) ChainingValue() [16]byte {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.chainingValue
}

// MaximumCommandPayloadLength returns the maximum length of payload for the Data field of CAPDUs that are
// transmitted during the session. The length depends on the Session's SecurityLevel.
func (session *Session) MaximumCommandPayloadLength() int {
	d := apdu.MaxLenCommandDataStandard

	if session.securityLevel.CMAC {
		d -= 8
		if session.securityLevel.CDEC {
			// at least one byte of padding
			d = d/aes.BlockSize*aes.BlockSize - 1
		}
	}

	return d
}

// Wrap applies operations (C-MAC, command encryption) depending on the SecurityLevel of the session to a apdu.Capdu and returns the resulting apdu.Capdu.
// The session state is only updated if wrapping succeeds.
func (session *Session) Wrap(capdu apdu.Capdu) (apdu.Capdu, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	next := session.counter + 1

	wrapped, chainingValue, err := session.wrapWithSecurityLevel(capdu, session.securityLevel, next)
	if err != nil {
		return apdu.Capdu{}, err
	}

	session.chainingValue = chainingValue
	session.counter = next

	return wrapped, nil
}

func (session *Session) wrapWithSecurityLevel(capdu apdu.Capdu, level card.SecurityLevel, counter uint32) (apdu.Capdu, [16]byte, error) {
	if !level.CMAC {
		return capdu, session.chainingValue, nil
	}

	payload := len(capdu.Data)
	if level.CDEC && payload > 0 {
		payload += aes.BlockSize - payload%aes.BlockSize
	}

	if payload+8 > apdu.MaxLenCommandDataStandard {
		return apdu.Capdu{}, [16]byte{}, card.ProtocolError{
			Message: fmt.Sprintf("data field of %d bytes exceeds the maximum of %d after wrapping", len(capdu.Data), session.MaximumCommandPayloadLength()),
		}
	}

	data := capdu.Data

	// encryption precedes the C-MAC
	if level.CDEC && len(data) > 0 {
		var err error

		data, err = session.encryptCommandData(data, counter)
		if err != nil {
			return apdu.Capdu{}, [16]byte{}, errors.Wrap(err, "apply encryption on CAPDU")
		}
	}

	cla := card.SecureMessagingCLA(capdu.Cla)

	cmacInput := make([]byte, 0, len(session.chainingValue)+5+len(data))
	cmacInput = append(cmacInput, session.chainingValue[:]...)
	cmacInput = append(cmacInput, cla, capdu.Ins, capdu.P1, capdu.P2, byte(len(data)+8))
	cmacInput = append(cmacInput, data...)

	cm, err := calculateCMAC(session.keys.cmac, cmacInput)
	if err != nil {
		return apdu.Capdu{}, [16]byte{}, errors.Wrap(err, "apply CMAC on CAPDU")
	}

	var chainingValue [16]byte
	copy(chainingValue[:], cm)

	wrapped := capdu
	wrapped.Cla = cla
	wrapped.Data = make([]byte, 0, len(data)+8)
	wrapped.Data = append(wrapped.Data, data...)
	// add 8 most significant bytes of calculated value to data
	wrapped.Data = append(wrapped.Data, cm[:8]...)

	return wrapped, chainingValue, nil
}

func (session *Session) encryptCommandData(data []byte, counter uint32) ([]byte, error) {
	padded, err := card.Pad80(data, aes.BlockSize, true)
	if err != nil {
		return nil, errors.Wrap(err, "pad data for encryption")
	}

	iv := session.counterIV(counter, false)

	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(session.keys.senc, iv[:]).CryptBlocks(encrypted, padded)

	return encrypted, nil
}

// counterIV encrypts the encryption counter with S-ENC. For responses the most significant byte of
// the counter block is set to '80'.
func (session *Session) counterIV(counter uint32, response bool) [16]byte {
	var block, iv [16]byte

	binary.BigEndian.PutUint32(block[12:], counter)

	if response {
		block[0] = 0x80
	}

	cipher.NewCBCEncrypter(session.keys.senc, scp03ZeroIV).CryptBlocks(iv[:], block[:])

	return iv
}

// Unwrap applies operations (R-MAC, response decryption) depending on the SecurityLevel of the session to a apdu.Rapdu and returns the resulting apdu.Rapdu.
// Error responses without data carry no R-MAC and are returned unchanged. Every failure results in a card.SecurityError.
func (session *Session) Unwrap(rapdu apdu.Rapdu) (apdu.Rapdu, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if !session.securityLevel.RMAC {
		return rapdu, nil
	}

	if len(rapdu.Data) == 0 && !carriesRMAC(rapdu) {
		return rapdu, nil
	}

	if len(rapdu.Data) < 8 {
		return apdu.Rapdu{}, card.SecurityError{Message: fmt.Sprintf("response must contain an 8 byte R-MAC, got %d bytes of data", len(rapdu.Data))}
	}

	payloadLen := len(rapdu.Data) - 8
	payload := rapdu.Data[:payloadLen]
	respRMAC := rapdu.Data[payloadLen:]

	rmacInput := make([]byte, 0, len(session.chainingValue)+payloadLen+2)
	rmacInput = append(rmacInput, session.chainingValue[:]...)
	rmacInput = append(rmacInput, payload...)
	rmacInput = append(rmacInput, rapdu.SW1, rapdu.SW2)

	rm, err := calculateCMAC(session.keys.rmac, rmacInput)
	if err != nil {
		return apdu.Rapdu{}, card.SecurityError{Message: "calculate R-MAC", Cause: err}
	}

	if subtle.ConstantTimeCompare(rm[:8], respRMAC) != 1 {
		return apdu.Rapdu{}, card.SecurityError{
			Message: "verify R-MAC",
			Cause:   RMACError{Expected: rm[:8], Received: append([]byte(nil), respRMAC...)},
		}
	}

	unwrapped := apdu.Rapdu{SW1: rapdu.SW1, SW2: rapdu.SW2}

	if payloadLen > 0 {
		unwrapped.Data = append([]byte(nil), payload...)

		if session.securityLevel.RENC {
			unwrapped.Data, err = session.decryptResponseData(payload)
			if err != nil {
				return apdu.Rapdu{}, card.SecurityError{Message: "decrypt response data", Cause: err}
			}
		}
	}

	return unwrapped, nil
}

// carriesRMAC reports whether the card protects a response with this status word.
func carriesRMAC(rapdu apdu.Rapdu) bool {
	return (rapdu.SW1 == 0x90 && rapdu.SW2 == 0x00) || rapdu.SW1 == 0x62 || rapdu.SW1 == 0x63
}

func (session *Session) decryptResponseData(data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, errors.Errorf("encrypted data must be a multiple of %d bytes, got %d", aes.BlockSize, len(data))
	}

	iv := session.counterIV(session.counter, true)

	decrypted := make([]byte, len(data))
	cipher.NewCBCDecrypter(session.keys.senc, iv[:]).CryptBlocks(decrypted, data)

	return card.Unpad80(decrypted, aes.BlockSize)
}

func (session *Session) calculateCryptogram(constant byte) ([]byte, error) {
	cryptogram := make([]byte, 8)

	label := make([]byte, 12)
	label[11] = constant

	err := KDF(cryptogram, session.keys.cmac, label, session.context)
	if err != nil {
		return nil, errors.Wrap(err, "calculate KDF for cryptogram")
	}

	return cryptogram, nil
}

func (session *Session) externalAuthenticate(hc []byte) (apdu.Capdu, error) {
	ea := apdu.Capdu{
		Cla:  card.OnLogicalChannel(session.channelID, claGP),
		Ins:  insExternalAuthenticate,
		P1:   session.securityLevel.Byte(),
		P2:   0x00,
		Data: hc,
	}

	// the EXTERNAL AUTHENTICATE command is only wrapped with C-MAC and does not count for encryption
	cmd, chainingValue, err := session.wrapWithSecurityLevel(ea, card.SecurityLevel{CMAC: true}, 0)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(err, "wrap EXTERNAL AUTHENTICATE command")
	}

	session.chainingValue = chainingValue

	return cmd, nil
}

func deriveSessionKey(dst []byte, keyID byte, kvn byte, diversificationData []byte, provider SessionKeyProvider, context []byte, derivationConstant byte) error {
	label := make([]byte, 12)
	label[11] = derivationConstant

	err := provider.ProvideSessionKey(dst, label, context, keyID, kvn, diversificationData)
	if err != nil {
		return KeyDerivationError{Message: "session key not provided", Cause: err}
	}

	return nil
}

func (session *Session) deriveKeys(provider SessionKeyProvider) error {
	derive := func(keyID byte, constant byte, name string) (cipher.Block, error) {
		derivedKey := make([]byte, session.keyLength)

		err := deriveSessionKey(derivedKey, keyID, session.keyVersion, session.diversificationData[:], provider, session.context, constant)
		if err != nil {
			return nil, errors.Wrapf(err, "derive %s", name)
		}

		block, err := aes.NewCipher(derivedKey)
		if err != nil {
			return nil, KeyDerivationError{Message: "create AES cipher from " + name, Cause: err}
		}

		return block, nil
	}

	var err error

	if session.keys.senc, err = derive(KeyIDEnc, constantSENC, "S-ENC"); err != nil {
		return err
	}

	if session.keys.cmac, err = derive(KeyIDMac, constantSMAC, "S-MAC"); err != nil {
		return err
	}

	if session.keys.rmac, err = derive(KeyIDMac, constantSRMAC, "S-RMAC"); err != nil {
		return err
	}

	return nil
}
