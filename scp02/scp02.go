package scp02

import (
	"crypto/cipher"
	"crypto/des"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
	"github.com/skythen/gpsc/card"
)

// SessionKeyProvider is the interface that provides access to the cryptographic operation for session key derivation.
type SessionKeyProvider interface {
	// ProvideSessionKey uses the static key with the given key ID and key version number with
	// Triple DES encryption in CBC mode for the derivation of a session key.
	// diversificationData may be present to provide data for the derivation of card static keys.
	// src contains the derivation input Data (2B derivation constant | 2B sequence counter | 12B zero padding)
	// and dst is used for storing the encryption result.
	ProvideSessionKey(keyID byte, kvn byte, diversificationData []byte, dst *[16]byte, src [16]byte) error
}

// CardCryptogramError results from a mismatch between the card cryptogram calculated on host and the card cryptogram received from the card.
type CardCryptogramError struct {
	Expected []byte // Expected card cryptogram.
	Received []byte // Received card cryptogram.
}

func (e CardCryptogramError) Error() string {
	return fmt.Sprintf("scp02: invalid card cryptogram: expected: %02X received: %02X", e.Expected, e.Received)
}

// KeyDerivationError results from an error during the derivation of session keys.
type KeyDerivationError struct {
	Message string
	Cause   error
}

func (e KeyDerivationError) Error() string {
	return fmt.Sprintf("scp02: key derivation failed: %s cause: %v", e.Message, e.Cause)
}

// Unwrap returns the cause of the error.
func (e KeyDerivationError) Unwrap() error { return e.Cause }

// RMACError results from a mismatch between the R-MAC calculated on host and the R-MAC received from the card.
type RMACError struct {
	Expected []byte // Expected R-MAC.
	Received []byte // Received R-MAC.
}

func (e RMACError) Error() string {
	return fmt.Sprintf("scp02: invalid R-MAC: expected: %02X received: %02X", e.Expected, e.Received)
}

const (
	// KeyIDEnc is the ID of the Secure Channel encryption key (ENC).
	KeyIDEnc byte = 0x01
	// KeyIDMac is the ID of the Secure Channel message authentication code key (MAC).
	KeyIDMac byte = 0x02
	// KeyIDDek is the ID of the Data encryption key (DEK).
	KeyIDDek byte = 0x03

	// ID is the Secure Channel Protocol identifier of SCP02.
	ID byte = 0x02
	// DefaultIParam is the i-parameter used when none is configured:
	// explicit initiation, C-MAC on modified APDU, ICV set to zero, ICV encryption, 3 keys.
	DefaultIParam byte = 0x15

	lenInitializeUpdateResponse = 28
	claGP                       = 0x80
	insExternalAuthenticate     = 0x82
)

var (
	constantCMAC = [2]byte{0x01, 0x01}
	constantRMAC = [2]byte{0x01, 0x02}
	constantDEK  = [2]byte{0x01, 0x81}
	constantENC  = [2]byte{0x01, 0x82}
)

// Options represents implementation options of SCP02 that are encoded on the i-parameter.
type Options struct {
	CMACOnUnmodifiedAPDU bool // true: C-MAC on unmodified APDU, false: C-MAC on modified APDU
	ICVEncryptionForCMAC bool // true: ICV encryption for C-MAC session, false: No ICV encryption
}

// OptionsFromIParam decodes the options of the i-parameter that affect wrapping.
func OptionsFromIParam(i byte) Options {
	return Options{
		CMACOnUnmodifiedAPDU: i&0x02 != 0,
		ICVEncryptionForCMAC: i&0x10 != 0,
	}
}

// IParam encodes Options on an i-parameter for explicit initiation with 3 keys.
func (o Options) IParam() byte {
	i := byte(0x05)

	if o.CMACOnUnmodifiedAPDU {
		i |= 0x02
	}

	if o.ICVEncryptionForCMAC {
		i |= 0x10
	}

	return i
}

// InitializeUpdateResponse is the parsed response data of INITIALIZE UPDATE for SCP02.
type InitializeUpdateResponse struct {
	KeyDiversificationData [10]byte // data typically used by a backend system to derive the card static keys
	KeyVersion             byte     // version number of the key set the card uses
	SequenceCounter        [2]byte  // current value of the sequence counter used for session key derivation
	CardChallenge          [6]byte  // random number generated by the card
	CardCryptogram         [8]byte  // authentication cryptogram generated by the card
}

// ParseInitializeUpdateResponse parses the 28 byte response data of INITIALIZE UPDATE.
func ParseInitializeUpdateResponse(b []byte) (*InitializeUpdateResponse, error) {
	if len(b) != lenInitializeUpdateResponse {
		return nil, errors.Errorf("INITIALIZE UPDATE response must be %d bytes long, got %d", lenInitializeUpdateResponse, len(b))
	}

	if b[11] != ID {
		return nil, errors.Errorf("scp ID must be 02, got %02X", b[11])
	}

	iur := &InitializeUpdateResponse{KeyVersion: b[10]}

	copy(iur.KeyDiversificationData[:], b[:10])
	copy(iur.SequenceCounter[:], b[12:14])
	copy(iur.CardChallenge[:], b[14:20])
	copy(iur.CardCryptogram[:], b[20:28])

	return iur, nil
}

// Config is the configuration for establishing a Session.
type Config struct {
	SecurityLevel card.SecurityLevel // security level that shall be used for the session
	Options       Options            // i-parameter options
	ChannelID     uint8              // logical channel of the session
	HostChallenge [8]byte            // challenge sent with INITIALIZE UPDATE
}

// Establish processes the response data of INITIALIZE UPDATE: it derives the session keys, verifies the card
// cryptogram and returns the Session together with the EXTERNAL AUTHENTICATE command that completes the
// handshake. The Session must only be used after the card accepted EXTERNAL AUTHENTICATE.
//
// A response that cannot be parsed results in a card.ProtocolError, a wrong card cryptogram in a CardCryptogramError.
func Establish(config Config, initUpdateResponse []byte, keyProvider SessionKeyProvider) (*Session, apdu.Capdu, error) {
	iur, err := ParseInitializeUpdateResponse(initUpdateResponse)
	if err != nil {
		return nil, apdu.Capdu{}, card.ProtocolError{Message: "invalid INITIALIZE UPDATE response", Cause: err}
	}

	session := &Session{
		channelID:           config.ChannelID,
		securityLevel:       config.SecurityLevel,
		options:             config.Options,
		keyVersion:          iur.KeyVersion,
		sequenceCounter:     iur.SequenceCounter,
		diversificationData: iur.KeyDiversificationData,
	}

	if err = session.deriveKeys(keyProvider); err != nil {
		return nil, apdu.Capdu{}, err
	}

	cc, err := session.calculateCardCryptogram(config.HostChallenge, iur.CardChallenge)
	if err != nil {
		return nil, apdu.Capdu{}, errors.Wrap(err, "calculate card cryptogram on host")
	}

	if subtle.ConstantTimeCompare(cc[:], iur.CardCryptogram[:]) != 1 {
		return nil, apdu.Capdu{}, CardCryptogramError{Expected: cc[:], Received: iur.CardCryptogram[:]}
	}

	hc, err := session.calculateHostCryptogram(config.HostChallenge, iur.CardChallenge)
	if err != nil {
		return nil, apdu.Capdu{}, errors.Wrap(err, "calculate host cryptogram")
	}

	extAuthenticate, err := session.externalAuthenticate(hc)
	if err != nil {
		return nil, apdu.Capdu{}, errors.Wrap(err, "generate EXTERNAL AUTHENTICATE command")
	}

	return session, extAuthenticate, nil
}

// Session is a SCP02 secure channel session.
type Session struct {
	channelID           uint8
	securityLevel       card.SecurityLevel
	options             Options
	keyVersion          byte
	sequenceCounter     [2]byte
	diversificationData [10]byte
	keys                sessionKeys
	icv                 [8]byte // last C-MAC, also the ICV of the R-MAC
	counter             int
	lock                sync.Mutex
}

type sessionKeys struct {
	cmac          [16]byte
	rmac          [16]byte
	dek           [16]byte
	cmacCipher    cipher.Block // single DES with the first half of C-MAC for ICV encryption
	encTDESCipher cipher.Block
	dekTDESCipher cipher.Block
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

// KeyLength returns the length of the session keys in bytes.
func (session *Session) KeyLength() int {
	return 16
}

// SequenceCounter returns the value of the Sequence Counter the session keys were derived from.
func (session *Session) SequenceCounter() uint16 {
	return binary.BigEndian.Uint16(session.sequenceCounter[:])
}

// DiversificationData returns the key diversification data reported by the card.
func (session *Session) DiversificationData() [10]byte {
	return session.diversificationData
}

// Counter returns the number of commands wrapped since EXTERNAL AUTHENTICATE.
func (session *Session) Counter() int {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.counter
}

// ChainingValue returns the current C-MAC chaining value.
func (session *Session) ChainingValue() [8]byte {
	session.lock.Lock()
	defer session.lock.Unlock()

	return session.icv
}

// EncryptWithSessionDEK uses Triple DES in ECB mode for encrypting the given data with the session DEK.
// The length of src must be a multiple of 8 and dst must be at least as long as src.
// If padding is required, it must be applied before calling the function.
func (session *Session) EncryptWithSessionDEK(dst []byte, src []byte) error {
	err := ecbEncrypt(dst, src, session.keys.dekTDESCipher)
	if err != nil {
		return errors.Wrap(err, "encrypt data with TripleDES ECB")
	}

	return nil
}

// MaximumCommandPayloadLength returns the maximum length of payload for the Data field of CAPDUs that are
// transmitted during the session. The length depends on the Session's SecurityLevel.
func (session *Session) MaximumCommandPayloadLength() int {
	d := apdu.MaxLenCommandDataStandard
	if session.securityLevel.CMAC {
		d -= 8
	}

	if session.securityLevel.CDEC {
		// at least one byte of padding
		d -= d%8 + 1
	}

	return d
}

// Wrap takes an apdu.Capdu and applies C-MAC and encryption according to the Session's SecurityLevel and returns the wrapped apdu.Capdu.
// The session state is only updated if wrapping succeeds.
func (session *Session) Wrap(capdu apdu.Capdu) (apdu.Capdu, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	wrapped, cmac, err := session.wrapWithSecurityLevel(capdu, session.securityLevel, false)
	if err != nil {
		return apdu.Capdu{}, err
	}

	session.icv = cmac
	session.counter++

	return wrapped, nil
}

func (session *Session) wrapWithSecurityLevel(capdu apdu.Capdu, level card.SecurityLevel, firstCmd bool) (apdu.Capdu, [8]byte, error) {
	if !level.CMAC {
		return capdu, session.icv, nil
	}

	payload := len(capdu.Data)
	if level.CDEC && payload > 0 {
		payload += 8 - payload%8
	}

	// check if wrapped capdu length would exceed maximum allowed length
	if payload+8 > apdu.MaxLenCommandDataStandard {
		return apdu.Capdu{}, [8]byte{}, card.ProtocolError{
			Message: fmt.Sprintf("data field of %d bytes exceeds the maximum of %d after wrapping", len(capdu.Data), session.MaximumCommandPayloadLength()),
		}
	}

	data := capdu.Data

	// encryption precedes the C-MAC
	if level.CDEC && len(data) != 0 {
		var err error

		data, err = tdesCBCEncrypt(data, session.keys.encTDESCipher)
		if err != nil {
			return apdu.Capdu{}, [8]byte{}, errors.Wrap(err, "encrypt command data field")
		}
	}

	icv := session.icv

	// ICV encryption for C-MAC
	if !firstCmd && session.options.ICVEncryptionForCMAC {
		if err := ecbEncrypt(icv[:], icv[:], session.keys.cmacCipher); err != nil {
			return apdu.Capdu{}, [8]byte{}, errors.Wrap(err, "encrypt ICV with DES ECB")
		}
	}

	cmac, err := session.calculateCMAC(capdu, data, icv)
	if err != nil {
		return apdu.Capdu{}, [8]byte{}, errors.Wrap(err, "calculate C-MAC")
	}

	wrapped := capdu
	wrapped.Cla = card.SecureMessagingCLA(capdu.Cla)
	wrapped.Data = make([]byte, 0, len(data)+8)
	wrapped.Data = append(wrapped.Data, data...)
	wrapped.Data = append(wrapped.Data, cmac[:]...)

	return wrapped, cmac, nil
}

// calculateCMAC computes the C-MAC of capdu. On the modified APDU the MAC covers the transmitted data field,
// which is the cryptogram if C-DEC is active. On the unmodified APDU it covers the plain command.
func (session *Session) calculateCMAC(capdu apdu.Capdu, data []byte, icv [8]byte) (cmac [8]byte, err error) {
	input := make([]byte, 0, 5+len(data))

	// any indication of logical channel number is removed from the class byte
	if session.options.CMACOnUnmodifiedAPDU {
		input = append(input, card.BaseCLA(capdu.Cla), capdu.Ins, capdu.P1, capdu.P2)
		if len(capdu.Data) > 0 {
			input = append(input, byte(len(capdu.Data)))
		}

		input = append(input, capdu.Data...)
	} else {
		// Lc includes the C-MAC
		input = append(input, card.SecureMessagingCLA(card.BaseCLA(capdu.Cla)), capdu.Ins, capdu.P1, capdu.P2, byte(len(data)+8))
		input = append(input, data...)
	}

	padded, err := card.Pad80(input, 8, true)
	if err != nil {
		return [8]byte{}, errors.Wrap(err, "pad data for C-MAC calculation")
	}

	err = desFinalTDESMac(&cmac, padded, session.keys.cmac, icv)
	if err != nil {
		return [8]byte{}, errors.Wrap(err, "calculate C-MAC with Single DES Final 3DES MAC")
	}

	return cmac, nil
}

// Unwrap takes an apdu.Rapdu and, if the session uses R-MAC, verifies and removes the R-MAC and returns the unwrapped apdu.Rapdu.
// The R-MAC covers response data and status word, its ICV is the C-MAC of the last wrapped command.
// Responses with less than 8 bytes of data carry no R-MAC and are returned unchanged.
// With R-ENC the response data is decrypted after verification. Every failure results in a card.SecurityError.
func (session *Session) Unwrap(rapdu apdu.Rapdu) (apdu.Rapdu, error) {
	session.lock.Lock()
	defer session.lock.Unlock()

	if !session.securityLevel.RMAC || len(rapdu.Data) < 8 {
		return rapdu, nil
	}

	responseData := rapdu.Data[:len(rapdu.Data)-8]
	receivedRMAC := rapdu.Data[len(rapdu.Data)-8:]

	rmacInput := make([]byte, 0, len(responseData)+2)
	rmacInput = append(rmacInput, responseData...)
	rmacInput = append(rmacInput, rapdu.SW1, rapdu.SW2)

	rmacInput, err := card.Pad80(rmacInput, 8, true)
	if err != nil {
		return apdu.Rapdu{}, card.SecurityError{Message: "pad data for R-MAC calculation", Cause: err}
	}

	var calculatedRMAC [8]byte

	err = desFinalTDESMac(&calculatedRMAC, rmacInput, session.keys.rmac, session.icv)
	if err != nil {
		return apdu.Rapdu{}, card.SecurityError{Message: "calculate R-MAC", Cause: err}
	}

	if subtle.ConstantTimeCompare(calculatedRMAC[:], receivedRMAC) != 1 {
		return apdu.Rapdu{}, card.SecurityError{
			Message: "verify R-MAC",
			Cause: RMACError{
				Expected: calculatedRMAC[:],
				Received: append([]byte(nil), receivedRMAC...),
			},
		}
	}

	unwrapped := apdu.Rapdu{SW1: rapdu.SW1, SW2: rapdu.SW2}

	if len(responseData) > 0 {
		unwrapped.Data = append([]byte(nil), responseData...)

		if session.securityLevel.RENC {
			unwrapped.Data, err = tdesCBCDecrypt(responseData, session.keys.encTDESCipher)
			if err != nil {
				return apdu.Rapdu{}, card.SecurityError{Message: "decrypt response data", Cause: err}
			}
		}
	}

	return unwrapped, nil
}

func (session *Session) externalAuthenticate(hostCryptogram [8]byte) (apdu.Capdu, error) {
	authCmd := apdu.Capdu{
		Cla:  card.OnLogicalChannel(session.channelID, claGP),
		Ins:  insExternalAuthenticate,
		P1:   session.securityLevel.Byte(),
		P2:   0x00,
		Data: hostCryptogram[:],
		Ne:   0,
	}

	// only C-MAC is applied on EXTERNAL AUTHENTICATE
	wrapped, cmac, err := session.wrapWithSecurityLevel(authCmd, card.SecurityLevel{CMAC: true}, true)
	if err != nil {
		return apdu.Capdu{}, errors.Wrap(err, "wrap EXTERNAL AUTHENTICATE command")
	}

	session.icv = cmac

	return wrapped, nil
}

func (session *Session) calculateCardCryptogram(hc [8]byte, cc [6]byte) ([8]byte, error) {
	ccInput := make([]byte, 0, 16)
	ccInput = append(ccInput, hc[:]...)
	ccInput = append(ccInput, session.sequenceCounter[:]...)
	ccInput = append(ccInput, cc[:]...)

	return session.cryptogram(ccInput)
}

func (session *Session) calculateHostCryptogram(hc [8]byte, cc [6]byte) ([8]byte, error) {
	hcInput := make([]byte, 0, 16)
	hcInput = append(hcInput, session.sequenceCounter[:]...)
	hcInput = append(hcInput, cc[:]...)
	hcInput = append(hcInput, hc[:]...)

	return session.cryptogram(hcInput)
}

func (session *Session) cryptogram(input []byte) ([8]byte, error) {
	data, err := card.Pad80(input, 8, true)
	if err != nil {
		return [8]byte{}, errors.Wrap(err, "pad data for 3DES MAC")
	}

	var cryptogram [8]byte

	err = fullTDESMac(&cryptogram, data, session.keys.encTDESCipher, scp02ZeroIV)
	if err != nil {
		return [8]byte{}, errors.Wrap(err, "calculate 3DES MAC")
	}

	return cryptogram, nil
}

// DeriveSessionKey derives the session key for the given derivation constant and sequence counter with keyProvider.
func DeriveSessionKey(dst *[16]byte, keyID byte, kvn byte, diversificationData []byte, keyProvider SessionKeyProvider, derivationConstant, sequenceCounter [2]byte) error {
	var derivationData [16]byte

	copy(derivationData[:], derivationConstant[:])
	copy(derivationData[2:], sequenceCounter[:])

	err := keyProvider.ProvideSessionKey(keyID, kvn, diversificationData, dst, derivationData)
	if err != nil {
		return KeyDerivationError{Message: "session key not provided", Cause: err}
	}

	return nil
}

func (session *Session) deriveKeys(keyProvider SessionKeyProvider) error {
	var (
		enc [16]byte
		err error
	)

	derive := func(dst *[16]byte, keyID byte, constant [2]byte) error {
		return DeriveSessionKey(dst, keyID, session.keyVersion, session.diversificationData[:], keyProvider, constant, session.sequenceCounter)
	}

	if err = derive(&enc, KeyIDEnc, constantENC); err != nil {
		return errors.Wrap(err, "derive S-ENC")
	}

	if err = derive(&session.keys.cmac, KeyIDMac, constantCMAC); err != nil {
		return errors.Wrap(err, "derive C-MAC")
	}

	if err = derive(&session.keys.rmac, KeyIDMac, constantRMAC); err != nil {
		return errors.Wrap(err, "derive R-MAC")
	}

	if err = derive(&session.keys.dek, KeyIDDek, constantDEK); err != nil {
		return errors.Wrap(err, "derive DEK")
	}

	session.keys.encTDESCipher, err = newTDESCipher(enc)
	if err != nil {
		return KeyDerivationError{Message: "create TripleDES cipher from S-ENC", Cause: err}
	}

	session.keys.dekTDESCipher, err = newTDESCipher(session.keys.dek)
	if err != nil {
		return KeyDerivationError{Message: "create TripleDES cipher from DEK", Cause: err}
	}

	session.keys.cmacCipher, err = des.NewCipher(session.keys.cmac[:8])
	if err != nil {
		return KeyDerivationError{Message: "create DES cipher from C-MAC", Cause: err}
	}

	return nil
}
