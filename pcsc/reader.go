// Package pcsc connects to smart cards through the PC/SC resource manager.
package pcsc

import (
	"io"

	"github.com/ebfe/scard"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// connection is the part of *scard.Card a Reader uses.
type connection interface {
	Transmit(cmd []byte) ([]byte, error)
	Status() (*scard.CardStatus, error)
	Disconnect(d scard.Disposition) error
}

// Context is an established PC/SC context.
type Context struct {
	ctx *scard.Context
	log logrus.FieldLogger
}

// EstablishContext establishes a PC/SC context. log may be nil.
func EstablishContext(log logrus.FieldLogger) (*Context, error) {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}

	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, errors.Wrap(err, "establish PC/SC context")
	}

	return &Context{ctx: ctx, log: log}, nil
}

// Readers lists the names of the available readers.
func (c *Context) Readers() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "list readers")
	}

	return readers, nil
}

// Connect connects in shared mode to the card in the reader with the given index.
func (c *Context) Connect(index int) (*Reader, error) {
	readers, err := c.Readers()
	if err != nil {
		return nil, err
	}

	if len(readers) == 0 {
		return nil, errors.New("no readers found")
	}

	if index < 0 || index >= len(readers) {
		return nil, errors.Errorf("reader index %d out of range (0..%d)", index, len(readers)-1)
	}

	name := readers[index]

	sc, err := c.ctx.Connect(name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %q", name)
	}

	log := c.log.WithField("reader", name)
	log.Debug("connected")

	return &Reader{name: name, conn: sc, log: log}, nil
}

// Release releases the context. Readers connected through it must be disconnected first.
func (c *Context) Release() error {
	return errors.Wrap(c.ctx.Release(), "release PC/SC context")
}

// Reader is a connection to a card in a PC/SC reader. It implements card.Transmitter.
type Reader struct {
	name string
	conn connection
	log  logrus.FieldLogger
}

// Name returns the name of the reader.
func (r *Reader) Name() string {
	return r.name
}

// Transmit sends a command and returns the raw response including the status word.
func (r *Reader) Transmit(b []byte) ([]byte, error) {
	if r.conn == nil {
		return nil, errors.New("reader is disconnected")
	}

	resp, err := r.conn.Transmit(b)
	if err != nil {
		return nil, errors.Wrapf(err, "transmit to %q", r.name)
	}

	return resp, nil
}

// ATR returns the Answer To Reset of the card.
func (r *Reader) ATR() ([]byte, error) {
	if r.conn == nil {
		return nil, errors.New("reader is disconnected")
	}

	status, err := r.conn.Status()
	if err != nil {
		return nil, errors.Wrap(err, "get card status")
	}

	return status.Atr, nil
}

// UID returns the UID of a contactless card with the PC/SC pseudo command 'FF CA 00 00 00'.
// It returns nil if the reader or the card does not support it.
func (r *Reader) UID() ([]byte, error) {
	resp, err := r.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	if err != nil {
		return nil, err
	}

	if len(resp) < 2 || resp[len(resp)-2] != 0x90 || resp[len(resp)-1] != 0x00 {
		return nil, nil
	}

	return resp[:len(resp)-2], nil
}

// Disconnect disconnects from the card and leaves it powered. Further calls do nothing.
func (r *Reader) Disconnect() error {
	if r.conn == nil {
		return nil
	}

	err := r.conn.Disconnect(scard.LeaveCard)
	r.conn = nil

	r.log.Debug("disconnected")

	return errors.Wrapf(err, "disconnect from %q", r.name)
}
