package card

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skythen/apdu"
)

// swIncorrectSecureMessaging is returned by a card that detected a broken secure messaging object.
const swIncorrectSecureMessaging uint16 = 0x6988

// Agent is the single point through which commands reach a card. It owns at most one secure Channel
// and serializes access to it and to the Transmitter.
//
// With no Channel installed, commands are passed through unchanged. With a Channel installed, every
// command is wrapped before transmission and every response is unwrapped before it is returned.
// A failure that may have desynchronized host and card poisons the Agent: every following Transmit
// fails with a SecurityError without contacting the card until a new Channel is installed or the
// Agent is disconnected.
type Agent struct {
	transmitter Transmitter
	channel     Channel
	poison      error
	log         logrus.FieldLogger
	lock        sync.Mutex
}

// AgentOption configures an Agent.
type AgentOption func(agent *Agent)

// WithLogger sets the logger that traces commands and responses at debug level.
func WithLogger(log logrus.FieldLogger) AgentOption {
	return func(agent *Agent) {
		agent.log = log
	}
}

// NewAgent returns an Agent that transmits commands with transmitter.
func NewAgent(transmitter Transmitter, opts ...AgentOption) *Agent {
	agent := &Agent{transmitter: transmitter, log: discardLogger()}

	for _, opt := range opts {
		opt(agent)
	}

	return agent
}

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.Out = io.Discard

	return log
}

// Install installs channel. All state of a previously installed Channel is discarded.
func (agent *Agent) Install(channel Channel) {
	agent.lock.Lock()
	defer agent.lock.Unlock()

	if channel == nil {
		agent.discard()

		return
	}

	agent.channel = channel
	agent.poison = nil

	agent.log.WithField("key_length", channel.KeyLength()).Debug("secure channel installed")
}

// CloseChannel discards the installed Channel, if any. Following commands are transmitted unprotected.
func (agent *Agent) CloseChannel() {
	agent.lock.Lock()
	defer agent.lock.Unlock()

	agent.discard()
}

// Disconnect discards the installed Channel and disconnects the Transmitter if it supports it.
func (agent *Agent) Disconnect() error {
	agent.lock.Lock()
	defer agent.lock.Unlock()

	agent.discard()

	d, ok := agent.transmitter.(interface{ Disconnect() error })
	if !ok {
		return nil
	}

	if err := d.Disconnect(); err != nil {
		return ProtocolError{Message: "disconnect", Cause: err}
	}

	return nil
}

func (agent *Agent) discard() {
	if agent.channel != nil {
		agent.log.Debug("secure channel closed")
	}

	agent.channel = nil
	agent.poison = nil
}

// Channel returns the installed Channel or nil.
func (agent *Agent) Channel() Channel {
	agent.lock.Lock()
	defer agent.lock.Unlock()

	return agent.channel
}

// Poisoned reports whether the Agent refuses commands because the installed Channel failed.
func (agent *Agent) Poisoned() bool {
	agent.lock.Lock()
	defer agent.lock.Unlock()

	return agent.poison != nil
}

// Transmit transmits capdu and returns the response. Non-success status words are not errors,
// they are returned in the apdu.Rapdu to the caller.
//
// Errors are ProtocolError for framing and transport failures, MalformedResponseError for responses
// without status word and SecurityError for integrity failures of the installed Channel.
// Nothing is retried.
func (agent *Agent) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	agent.lock.Lock()
	defer agent.lock.Unlock()

	if agent.poison != nil {
		return apdu.Rapdu{}, SecurityError{Message: "secure channel is unusable after a previous failure", Cause: agent.poison}
	}

	if agent.channel == nil {
		return agent.exchange(capdu)
	}

	// commands that cannot be framed are rejected before the channel state advances
	if _, err := Encode(capdu); err != nil {
		return apdu.Rapdu{}, ProtocolError{Message: "encode command", Cause: err}
	}

	wrapped, err := agent.channel.Wrap(capdu)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	rapdu, err := agent.exchange(wrapped)
	if err != nil {
		agent.poisonChannel(err)

		return apdu.Rapdu{}, err
	}

	if StatusWord(rapdu) == swIncorrectSecureMessaging {
		err = SecurityError{Message: "card rejected secure messaging", Cause: NonSuccessResponseError{Command: wrapped, Response: rapdu}}
		agent.poisonChannel(err)

		return apdu.Rapdu{}, err
	}

	unwrapped, err := agent.channel.Unwrap(rapdu)
	if err != nil {
		var securityErr SecurityError
		if !errors.As(err, &securityErr) {
			err = SecurityError{Message: "unwrap response", Cause: err}
		}

		agent.poisonChannel(err)

		return apdu.Rapdu{}, err
	}

	return unwrapped, nil
}

func (agent *Agent) exchange(capdu apdu.Capdu) (apdu.Rapdu, error) {
	b, err := Encode(capdu)
	if err != nil {
		return apdu.Rapdu{}, ProtocolError{Message: "encode command", Cause: err}
	}

	agent.log.WithField("secure", agent.channel != nil).Debugf("-> %02X", b)

	resp, err := agent.transmitter.Transmit(b)
	if err != nil {
		return apdu.Rapdu{}, ProtocolError{Message: "transmit command", Cause: err}
	}

	agent.log.WithField("secure", agent.channel != nil).Debugf("<- %02X", resp)

	return Decode(resp)
}

func (agent *Agent) poisonChannel(err error) {
	agent.log.WithError(err).Warn("secure channel poisoned")

	agent.poison = err
}
