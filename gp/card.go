package gp

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skythen/apdu"
	"github.com/skythen/gpsc/card"
	"github.com/skythen/gpsc/scp02"
	"github.com/skythen/gpsc/scp03"
)

const (
	swSuccess                uint16 = 0x9000
	swMoreData               uint16 = 0x6310
	swReferencedDataNotFound uint16 = 0x6A88

	lenCPLC = 42
)

// Transmitter transmits a command and returns the response. *card.Agent implements it.
type Transmitter interface {
	Transmit(capdu apdu.Capdu) (apdu.Rapdu, error)
}

type sender struct {
	transmitter Transmitter
	log         logrus.FieldLogger
	channelID   uint8
}

// onChannel returns capdu with the logical channel of the sender encoded on the CLA.
func (s sender) onChannel(capdu apdu.Capdu) apdu.Capdu {
	capdu.Cla = card.OnLogicalChannel(s.channelID, capdu.Cla)

	return capdu
}

func (s sender) send(label string, capdu apdu.Capdu) (apdu.Rapdu, error) {
	resp, err := s.transmitter.Transmit(s.onChannel(capdu))
	if err != nil {
		s.log.WithError(err).Error(label)

		return apdu.Rapdu{}, err
	}

	entry := s.log.WithField("sw", fmt.Sprintf("%04X", card.StatusWord(resp)))
	if isSuccess(resp) {
		entry.Info(label)
	} else {
		entry.Warn(label)
	}

	return resp, nil
}

func isSuccess(rapdu apdu.Rapdu) bool {
	return card.StatusWord(rapdu) == swSuccess
}

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.Out = io.Discard

	return log
}

// Card performs GlobalPlatform card management operations through a Transmitter,
// usually a *card.Agent with an installed secure channel.
//
// Single command operations return the response with whatever status word the card sent.
// Operations that consist of several commands fail with card.NonSuccessResponseError when
// a command is rejected.
type Card struct {
	s sender
}

// CardOption configures a Card.
type CardOption func(*Card)

// WithChannel sends all commands on the logical channel channelID. It must match the channel of the
// secure channel session.
func WithChannel(channelID uint8) CardOption {
	return func(c *Card) {
		c.s.channelID = channelID
	}
}

// NewCard returns a Card that transmits with transmitter. log may be nil.
func NewCard(transmitter Transmitter, log logrus.FieldLogger, opts ...CardOption) *Card {
	if log == nil {
		log = discardLogger()
	}

	c := &Card{s: sender{transmitter: transmitter, log: log}}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GetData retrieves the data object with the given tag.
func (c *Card) GetData(tag uint16) (apdu.Rapdu, error) {
	return c.s.send(fmt.Sprintf("GET DATA %04X", tag), GetData(tag))
}

// CardData are the data objects read by CardData. Objects the card did not return are nil.
type CardData struct {
	KeyInformation  []byte // 'E0'
	CardRecognition []byte // '66'
	IIN             []byte // '42'
	CIN             []byte // '45'
	SequenceCounter []byte // 'C1'
}

// CardData reads key information, card recognition data, IIN, CIN and the sequence counter.
func (c *Card) CardData() (*CardData, error) {
	cd := &CardData{}

	for _, obj := range []struct {
		tag uint16
		dst *[]byte
	}{
		{TagKeyInformation, &cd.KeyInformation},
		{TagCardRecognition, &cd.CardRecognition},
		{TagIIN, &cd.IIN},
		{TagCIN, &cd.CIN},
		{TagSequenceCounter, &cd.SequenceCounter},
	} {
		resp, err := c.GetData(obj.tag)
		if err != nil {
			return nil, errors.Wrapf(err, "get data %04X", obj.tag)
		}

		if isSuccess(resp) {
			*obj.dst = resp.Data
		}
	}

	return cd, nil
}

// CPLC reads the Card Production Life Cycle data. A '9F7F' wrapper around the value is removed.
func (c *Card) CPLC() (apdu.Rapdu, error) {
	resp, err := c.GetData(TagCPLC)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	if isSuccess(resp) {
		resp.Data = stripCPLCTag(resp.Data)
	}

	return resp, nil
}

// KeyInformation reads and parses the Key Information Template.
func (c *Card) KeyInformation() ([]KeyInfo, error) {
	cmd := GetData(TagKeyInformation)

	resp, err := c.GetData(TagKeyInformation)
	if err != nil {
		return nil, err
	}

	if !isSuccess(resp) {
		return nil, card.NonSuccessResponseError{Command: c.s.onChannel(cmd), Response: resp}
	}

	return ParseKeyInformation(resp.Data)
}

func stripCPLCTag(b []byte) []byte {
	if len(b) <= lenCPLC || b[0] != 0x9F || b[1] != 0x7F {
		return b
	}

	var offset, l int

	switch {
	case b[2] < 0x80:
		offset, l = 3, int(b[2])
	case b[2] == 0x81 && len(b) > 3:
		offset, l = 4, int(b[3])
	default:
		return b
	}

	if offset+l > len(b) {
		return b
	}

	return b[offset : offset+l]
}

// ListContent retrieves the registry entries of scope with GET STATUS. The data of all '6310' continuations
// is concatenated. A '6A88' response (no entries) results in empty data.
func (c *Card) ListContent(scope byte) ([]byte, error) {
	var (
		buf  []byte
		next bool
	)

	for {
		cmd := c.s.onChannel(GetStatus(scope, next))

		resp, err := c.s.send(fmt.Sprintf("GET STATUS %s", scopeName(scope)), cmd)
		if err != nil {
			return nil, err
		}

		buf = append(buf, resp.Data...)

		switch card.StatusWord(resp) {
		case swMoreData:
			next = true
		case swSuccess, swReferencedDataNotFound:
			return buf, nil
		default:
			return nil, card.NonSuccessResponseError{Command: cmd, Response: resp}
		}
	}
}

func scopeName(scope byte) string {
	switch scope {
	case ScopeISD:
		return "ISD"
	case ScopeApplications:
		return "APPS"
	case ScopeExecutableLoadFiles:
		return "ELF"
	case ScopeELFAndModules:
		return "ELF+MODULES"
	default:
		return fmt.Sprintf("%02X", scope)
	}
}

// Content is the registry content of a card as returned by GET STATUS.
type Content struct {
	ISD                 []byte
	Applications        []byte
	ExecutableLoadFiles []byte
}

// ListAllContent lists the Issuer Security Domain, applications and Executable Load Files.
func (c *Card) ListAllContent() (*Content, error) {
	var (
		content Content
		err     error
	)

	if content.ISD, err = c.ListContent(ScopeISD); err != nil {
		return nil, errors.Wrap(err, "list ISD")
	}

	if content.Applications, err = c.ListContent(ScopeApplications); err != nil {
		return nil, errors.Wrap(err, "list applications")
	}

	if content.ExecutableLoadFiles, err = c.ListContent(ScopeExecutableLoadFiles); err != nil {
		return nil, errors.Wrap(err, "list executable load files")
	}

	return &content, nil
}

// Delete deletes the card content identified by aid and, if related is set, the objects that depend on it.
func (c *Card) Delete(aid []byte, related bool) (apdu.Rapdu, error) {
	cmd, err := Delete(aid, related)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("DELETE %02X related=%t", aid, related), cmd)
}

// DeleteKey deletes the key set kvn.
func (c *Card) DeleteKey(kvn byte) (apdu.Rapdu, error) {
	return c.s.send(fmt.Sprintf("DELETE KEY kvn=%02X", kvn), DeleteKey(kvn))
}

// PutKeyRequest describes a key set to be loaded with PUT KEY.
type PutKeyRequest struct {
	Keys          StaticKeys // new key values
	NewKeyVersion byte
	OldKeyVersion byte // key set to replace, '00' adds a new key set
	KeyID         byte // identifier of the first key, usually '01'
	KeyType       byte // KeyTypeAES or KeyTypeDES
}

// PutKey loads a key set. The key values are encrypted under the DEK of channel: the session DEK of
// an SCP02 session or the static DEK of current for an SCP03 session.
func (c *Card) PutKey(channel card.Channel, current StaticKeys, req PutKeyRequest) (apdu.Rapdu, error) {
	data, err := PutKeyData(channel, current, req.Keys, req.NewKeyVersion, req.KeyType)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("PUT KEY old=%02X new=%02X id=%02X", req.OldKeyVersion, req.NewKeyVersion, req.KeyID), PutKey(req.OldKeyVersion, req.KeyID, data))
}

// PutKeyData builds the data field of PUT KEY: the new key version number followed by ENC, MAC and DEK,
// each encrypted under the DEK of channel and followed by its key check value.
func PutKeyData(channel card.Channel, current StaticKeys, keys StaticKeys, newKvn, keyType byte) ([]byte, error) {
	var (
		encrypt func(key []byte) ([]byte, error)
		aesDEK  bool
	)

	switch session := channel.(type) {
	case *scp02.Session:
		encrypt = func(key []byte) ([]byte, error) {
			if len(key)%8 != 0 {
				return nil, errors.Errorf("key length must be a multiple of 8, got %d", len(key))
			}

			dst := make([]byte, len(key))

			return dst, session.EncryptWithSessionDEK(dst, key)
		}
	case *scp03.Session:
		aesDEK = true
		encrypt = func(key []byte) ([]byte, error) {
			return encryptWithAESDEK(current.DEK, key)
		}
	default:
		return nil, errors.New("PUT KEY requires an established SCP02 or SCP03 channel")
	}

	data := []byte{newKvn}

	for _, key := range [][]byte{keys.ENC, keys.MAC, keys.DEK} {
		encrypted, err := encrypt(key)
		if err != nil {
			return nil, errors.Wrap(err, "encrypt key value")
		}

		kcv, err := KeyCheckValue(key, keyType)
		if err != nil {
			return nil, err
		}

		if aesDEK {
			data = append(data, keyType, byte(1+len(encrypted)), byte(len(key)))
		} else {
			data = append(data, keyType, byte(len(encrypted)))
		}

		data = append(data, encrypted...)
		data = append(data, byte(len(kcv)))
		data = append(data, kcv...)
	}

	return data, nil
}

// InstallForLoad announces the Executable Load File elfAID, associated with the Security Domain sdAID.
func (c *Card) InstallForLoad(elfAID, sdAID []byte) (apdu.Rapdu, error) {
	cmd, err := InstallForLoad(elfAID, sdAID)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("INSTALL [for load] %02X", elfAID), cmd)
}

// InstallForInstall installs an application from a loaded Executable Load File.
func (c *Card) InstallForInstall(req InstallRequest) (apdu.Rapdu, error) {
	cmd, err := InstallForInstall(req)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("INSTALL [for install] P1=%02X", cmd.P1), cmd)
}

// LoadResult is the outcome of a LOAD sequence.
type LoadResult struct {
	Blocks   int        // number of blocks the card responded to
	Response apdu.Rapdu // response to the last transmitted block
}

// LoadFile splits data into blocks of blockSize bytes (DefaultLoadBlockLength if blockSize is 0) and transmits
// them with LOAD. Blocks are numbered from 0, the last block is marked. The sequence stops at the first rejected block.
func (c *Card) LoadFile(data []byte, blockSize int) (LoadResult, error) {
	if blockSize == 0 {
		blockSize = DefaultLoadBlockLength
	}

	if blockSize < 0 || blockSize > apdu.MaxLenCommandDataStandard {
		return LoadResult{}, errors.Errorf("block size must be 1-%d bytes, got %d", apdu.MaxLenCommandDataStandard, blockSize)
	}

	blocks := make([][]byte, 0, len(data)/blockSize+1)
	for len(data) > blockSize {
		blocks = append(blocks, data[:blockSize])
		data = data[blockSize:]
	}

	blocks = append(blocks, data)

	if len(blocks) > 256 {
		return LoadResult{}, errors.Errorf("load file needs %d blocks, at most 256 can be numbered", len(blocks))
	}

	var res LoadResult

	for i, block := range blocks {
		last := i == len(blocks)-1
		cmd := c.s.onChannel(Load(last, byte(i), block))

		resp, err := c.s.send(fmt.Sprintf("LOAD block=%02X last=%t", i, last), cmd)
		if err != nil {
			return res, err
		}

		res.Blocks, res.Response = i+1, resp

		if !isSuccess(resp) {
			return res, card.NonSuccessResponseError{Command: cmd, Response: resp}
		}
	}

	return res, nil
}

// Load loads the Executable Load File elfAID: INSTALL [for load] followed by the LOAD sequence of data
// encoded as Load File Data Block.
func (c *Card) Load(elfAID, sdAID, data []byte, blockSize int) (LoadResult, error) {
	if len(data) > 0xFFFF {
		return LoadResult{}, errors.Errorf("load file must not exceed 65535 bytes, got %d", len(data))
	}

	cmd, err := InstallForLoad(elfAID, sdAID)
	if err != nil {
		return LoadResult{}, err
	}

	cmd = c.s.onChannel(cmd)

	resp, err := c.s.send(fmt.Sprintf("INSTALL [for load] %02X", elfAID), cmd)
	if err != nil {
		return LoadResult{}, err
	}

	if !isSuccess(resp) {
		return LoadResult{Response: resp}, card.NonSuccessResponseError{Command: cmd, Response: resp}
	}

	return c.LoadFile(LoadFileDataBlock(data), blockSize)
}

// SetStatus changes the life cycle state of the card (scope ScopeISD, empty aid) or of the application
// or Security Domain aid.
func (c *Card) SetStatus(scope, state byte, aid []byte) (apdu.Rapdu, error) {
	cmd, err := SetStatus(scope, state, aid)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("SET STATUS %s state=%02X aid=%02X", scopeName(scope), state, aid), cmd)
}

// Select selects the application or file aid by name.
func (c *Card) Select(aid []byte) (apdu.Rapdu, error) {
	return c.s.send(fmt.Sprintf("SELECT %02X", aid), SelectByName(aid))
}

// SelectEF selects the EF fid under the current DF.
func (c *Card) SelectEF(fid []byte) (apdu.Rapdu, error) {
	cmd, err := SelectEF(fid)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("SELECT EF %02X", fid), cmd)
}

// ReadBinary reads length bytes at offset of the EF sfi, or of the current EF if sfi is 0.
func (c *Card) ReadBinary(sfi byte, offset, length int) (apdu.Rapdu, error) {
	cmd, err := ReadBinary(sfi, offset, length)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("READ BINARY sfi=%02X offset=%d length=%d", sfi, offset, length), cmd)
}

// UpdateBinary writes data at offset of the EF sfi, or of the current EF if sfi is 0.
func (c *Card) UpdateBinary(sfi byte, offset int, data []byte) (apdu.Rapdu, error) {
	cmd, err := UpdateBinary(sfi, offset, data)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("UPDATE BINARY sfi=%02X offset=%d length=%d", sfi, offset, len(data)), cmd)
}

// PutData stores data in the data object tag of the selected application.
func (c *Card) PutData(tag uint16, data []byte) (apdu.Rapdu, error) {
	cmd, err := PutData(tag, data)
	if err != nil {
		return apdu.Rapdu{}, err
	}

	return c.s.send(fmt.Sprintf("PUT DATA %04X", tag), cmd)
}
