package card

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/skythen/apdu"
)

// Transmitter is the interface of the transport below the Agent: it sends the wire form of a command
// and returns the raw response bytes.
type Transmitter interface {
	Transmit(b []byte) ([]byte, error)
}

// Channel is a secure channel that protects commands and verifies responses.
//
// Wrap and Unwrap must leave the channel state unchanged when they return an error.
type Channel interface {
	// Wrap applies C-MAC and, depending on the security level, command encryption.
	Wrap(capdu apdu.Capdu) (apdu.Capdu, error)
	// Unwrap verifies and strips R-MAC and, depending on the security level, decrypts the response data.
	Unwrap(rapdu apdu.Rapdu) (apdu.Rapdu, error)
	// KeyLength returns the length of the session keys in bytes.
	KeyLength() int
}

const (
	levelCMAC byte = 0x01
	levelCDEC byte = 0x02
	levelRMAC byte = 0x10
	levelRENC byte = 0x20
)

// SecurityLevel represents the protection applied to commands and responses of a secure channel session.
type SecurityLevel struct {
	CMAC bool // command message authentication code
	CDEC bool // command decryption
	RMAC bool // response message authentication code
	RENC bool // response encryption
}

// ParseSecurityLevel decodes the security level byte (P1 of EXTERNAL AUTHENTICATE).
func ParseSecurityLevel(b byte) (SecurityLevel, error) {
	if b&^(levelCMAC|levelCDEC|levelRMAC|levelRENC) != 0 {
		return SecurityLevel{}, errors.Errorf("invalid security level %02X: unknown bits set", b)
	}

	level := SecurityLevel{
		CMAC: b&levelCMAC != 0,
		CDEC: b&levelCDEC != 0,
		RMAC: b&levelRMAC != 0,
		RENC: b&levelRENC != 0,
	}

	return level, level.Validate()
}

// Validate checks that the combination of options is meaningful: C-DEC requires C-MAC and
// R-ENC requires R-MAC.
func (level SecurityLevel) Validate() error {
	if level.CDEC && !level.CMAC {
		return errors.Errorf("invalid security level %02X: C-DEC requires C-MAC", level.Byte())
	}

	if level.RENC && !level.RMAC {
		return errors.Errorf("invalid security level %02X: R-ENC requires R-MAC", level.Byte())
	}

	return nil
}

// Byte encodes SecurityLevel on a byte.
func (level SecurityLevel) Byte() byte {
	b := byte(0x00)

	if level.CMAC {
		b |= levelCMAC
	}

	if level.CDEC {
		b |= levelCDEC
	}

	if level.RMAC {
		b |= levelRMAC
	}

	if level.RENC {
		b |= levelRENC
	}

	return b
}

func (level SecurityLevel) String() string {
	var opts []string

	if level.CMAC {
		opts = append(opts, "C-MAC")
	}

	if level.CDEC {
		opts = append(opts, "C-DEC")
	}

	if level.RMAC {
		opts = append(opts, "R-MAC")
	}

	if level.RENC {
		opts = append(opts, "R-ENC")
	}

	if len(opts) == 0 {
		return "none"
	}

	return strings.Join(opts, "|")
}

// OnLogicalChannel encodes the logical channel with the given ID on cla.
// IDs 0-3 use the first interindustry encoding, IDs 4-19 the further interindustry encoding.
func OnLogicalChannel(channelID, cla byte) byte {
	if channelID <= 3 {
		return cla | channelID
	}

	cla |= 0x40

	if channelID > 19 {
		channelID = 19
	}

	channelID -= 4

	return cla | (channelID & 0x0F)
}

// ChannelIDFromCLA returns the ID of the logical channel encoded on cla.
func ChannelIDFromCLA(cla byte) byte {
	if cla&0x40 != 0x40 {
		return cla & 0x03
	}

	return 0x04 + cla&0x0F
}

// SecureMessagingCLA returns cla with the indication for GlobalPlatform secure messaging set.
func SecureMessagingCLA(cla byte) byte {
	if cla&0x40 != 0x40 {
		return cla | 0x04
	}

	return cla | 0x20
}

// BaseCLA returns cla without logical channel and secure messaging indication.
func BaseCLA(cla byte) byte {
	if cla&0x40 != 0x40 {
		return cla &^ 0x0F
	}

	return cla &^ 0x2F
}
