package gp

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skythen/apdu"
	"github.com/skythen/gpsc/card"
	"github.com/skythen/gpsc/scp02"
	"github.com/skythen/gpsc/scp03"
)

// State is the state of an Authenticator.
type State int

const (
	// Idle is the state before the first handshake.
	Idle State = iota
	// AwaitingCardChallenge is the state after INITIALIZE UPDATE was sent.
	AwaitingCardChallenge
	// AwaitingCryptogramCheck is the state while the card cryptogram is verified and EXTERNAL AUTHENTICATE is sent.
	AwaitingCryptogramCheck
	// Authenticated means the secure channel is installed on the agent.
	Authenticated
	// Failed means the last handshake failed and no secure channel is installed.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingCardChallenge:
		return "awaiting card challenge"
	case AwaitingCryptogramCheck:
		return "awaiting cryptogram check"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ChannelAgent is the part of card.Agent the Authenticator needs.
type ChannelAgent interface {
	Transmitter
	Install(channel card.Channel)
	CloseChannel()
}

// Config configures the handshake of an Authenticator.
type Config struct {
	KeyVersionNumber byte               // key set on the card, '00' selects the first available
	KeyID            byte               // key identifier, usually '00'
	SecurityLevel    card.SecurityLevel // C-MAC is always applied
	SCP02IParam      byte               // i-parameter options applied if the card answers with SCP02, 0 means scp02.DefaultIParam
	ChannelID        uint8              // logical channel
	Random           io.Reader          // source of the host challenge, defaults to crypto/rand
}

// Result describes an established secure channel.
type Result struct {
	SCP                    byte               // '02' or '03'
	KeyVersion             byte               // key set the session keys were derived from
	IParam                 byte               // i-parameter in effect
	SecurityLevel          card.SecurityLevel // security level of the channel
	KeyDiversificationData [10]byte           // as reported in the response to INITIALIZE UPDATE
	Channel                card.Channel       // installed channel, a *scp02.Session or *scp03.Session
}

// Authenticator runs the INITIALIZE UPDATE / EXTERNAL AUTHENTICATE handshake and installs the resulting
// secure channel on the agent. It is not safe for concurrent use.
type Authenticator struct {
	agent  ChannelAgent
	keys   StaticKeys
	config Config
	state  State
	log    logrus.FieldLogger
}

// NewAuthenticator returns an Authenticator in state Idle. log may be nil.
func NewAuthenticator(agent ChannelAgent, keys StaticKeys, config Config, log logrus.FieldLogger) *Authenticator {
	if log == nil {
		log = discardLogger()
	}

	if config.Random == nil {
		config.Random = rand.Reader
	}

	if config.SCP02IParam == 0 {
		config.SCP02IParam = scp02.DefaultIParam
	}

	config.SecurityLevel.CMAC = true

	return &Authenticator{agent: agent, keys: keys, config: config, state: Idle, log: log}
}

// State returns the state of the last handshake.
func (a *Authenticator) State() State {
	return a.state
}

// Authenticate runs the handshake. A channel that is installed on the agent is discarded first.
// On success the new channel is installed and the state is Authenticated, on failure no channel
// is installed and the state is Failed.
//
// Errors are card.AuthenticationError for rejected commands, wrong cryptograms and unusable keys and
// card.ProtocolError for malformed responses and transport failures.
func (a *Authenticator) Authenticate() (*Result, error) {
	a.agent.CloseChannel()
	a.state = AwaitingCardChallenge

	res, err := a.authenticate()
	if err != nil {
		a.state = Failed
		a.log.WithError(err).Warn("authentication failed")

		return nil, err
	}

	a.agent.Install(res.Channel)
	a.state = Authenticated

	a.log.WithFields(logrus.Fields{
		"scp":   fmt.Sprintf("%02X", res.SCP),
		"kvn":   fmt.Sprintf("%02X", res.KeyVersion),
		"i":     fmt.Sprintf("%02X", res.IParam),
		"level": res.SecurityLevel.String(),
	}).Info("secure channel established")

	return res, nil
}

func (a *Authenticator) authenticate() (*Result, error) {
	if err := a.config.SecurityLevel.Validate(); err != nil {
		return nil, card.ProtocolError{Message: "invalid security level", Cause: err}
	}

	var hostChallenge [8]byte
	if _, err := io.ReadFull(a.config.Random, hostChallenge[:]); err != nil {
		return nil, card.ProtocolError{Message: "generate host challenge", Cause: err}
	}

	s := sender{transmitter: a.agent, log: a.log}

	iu := InitializeUpdate(a.config.ChannelID, a.config.KeyVersionNumber, a.config.KeyID, hostChallenge)

	resp, err := s.send(fmt.Sprintf("INITIALIZE UPDATE kvn=%02X id=%02X", a.config.KeyVersionNumber, a.config.KeyID), iu)
	if err != nil {
		return nil, transmitError("INITIALIZE UPDATE", err)
	}

	if !isSuccess(resp) {
		return nil, card.AuthenticationError{
			Message: fmt.Sprintf("INITIALIZE UPDATE returned %04X", card.StatusWord(resp)),
			Cause:   card.NonSuccessResponseError{Command: iu, Response: resp},
		}
	}

	if len(resp.Data) < 12 {
		return nil, card.ProtocolError{Message: fmt.Sprintf("INITIALIZE UPDATE response too short: %d bytes", len(resp.Data))}
	}

	a.state = AwaitingCryptogramCheck

	res := &Result{SecurityLevel: a.config.SecurityLevel}
	copy(res.KeyDiversificationData[:], resp.Data[:10])

	var extAuthenticate apdu.Capdu

	switch scp := resp.Data[11]; scp {
	case scp02.ID:
		if a.keys.KeyLength() != 16 {
			return nil, card.AuthenticationError{Message: fmt.Sprintf("SCP02 requires 16 byte keys, got %d", a.keys.KeyLength())}
		}

		var session *scp02.Session

		session, extAuthenticate, err = scp02.Establish(scp02.Config{
			SecurityLevel: a.config.SecurityLevel,
			Options:       scp02.OptionsFromIParam(a.config.SCP02IParam),
			ChannelID:     a.config.ChannelID,
			HostChallenge: hostChallenge,
		}, resp.Data, scp02Provider{keys: a.keys})
		if err != nil {
			return nil, handshakeError(err)
		}

		res.SCP, res.KeyVersion, res.IParam, res.Channel = scp, session.KeyVersion(), a.config.SCP02IParam, session
	case scp03.ID:
		var session *scp03.Session

		session, extAuthenticate, err = scp03.Establish(scp03.Config{
			SecurityLevel: a.config.SecurityLevel,
			ChannelID:     a.config.ChannelID,
			HostChallenge: hostChallenge,
		}, resp.Data, scp03Provider{keys: a.keys})
		if err != nil {
			return nil, handshakeError(err)
		}

		res.SCP, res.KeyVersion, res.IParam, res.Channel = scp, session.KeyVersion(), session.IParam(), session
	default:
		return nil, card.ProtocolError{Message: fmt.Sprintf("unsupported secure channel protocol %02X", scp)}
	}

	resp, err = s.send(fmt.Sprintf("EXTERNAL AUTHENTICATE level=%02X", a.config.SecurityLevel.Byte()), extAuthenticate)
	if err != nil {
		return nil, transmitError("EXTERNAL AUTHENTICATE", err)
	}

	if !isSuccess(resp) {
		return nil, card.AuthenticationError{
			Message: fmt.Sprintf("EXTERNAL AUTHENTICATE returned %04X", card.StatusWord(resp)),
			Cause:   card.NonSuccessResponseError{Command: extAuthenticate, Response: resp},
		}
	}

	return res, nil
}

// transmitError reports a failed exchange of the handshake as card.ProtocolError.
func transmitError(command string, err error) error {
	var protocolErr card.ProtocolError
	if errors.As(err, &protocolErr) {
		return err
	}

	return card.ProtocolError{Message: command, Cause: err}
}

// handshakeError keeps protocol errors and turns everything else (cryptogram mismatch, key derivation) into an AuthenticationError.
func handshakeError(err error) error {
	var protocolErr card.ProtocolError
	if errors.As(err, &protocolErr) {
		return err
	}

	return card.AuthenticationError{Message: "verify card", Cause: err}
}

// Authenticate runs the handshake with key set kvn and installs the secure channel on agent.
func Authenticate(agent ChannelAgent, keys StaticKeys, kvn byte, level card.SecurityLevel) (*Result, error) {
	return NewAuthenticator(agent, keys, Config{KeyVersionNumber: kvn, SecurityLevel: level}, nil).Authenticate()
}
