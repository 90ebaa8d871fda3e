package gp

import (
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
	"github.com/skythen/gpsc/card"
)

const (
	claGP byte = 0x80

	insInitializeUpdate byte = 0x50
	insGetData          byte = 0xCA
	insGetStatus        byte = 0xF2
	insDelete           byte = 0xE4
	insPutKey           byte = 0xD8
	insInstall          byte = 0xE6
	insLoad             byte = 0xE8
	insSetStatus        byte = 0xF0

	tagAID                  byte = 0x4F
	tagKeyVersion           byte = 0xD2
	tagLoadFileDataBlock    byte = 0xC4
	p1InstallForLoad        byte = 0x02
	p1InstallForInstall     byte = 0x04
	p1InstallMakeSelectable byte = 0x08
	p1LastBlock             byte = 0x80
	p2DeleteRelated         byte = 0x80
	p2MultipleKeys          byte = 0x80
	p2GetStatusFirst        byte = 0x02
	p2GetStatusNext         byte = 0x03
)

// Scopes of GET STATUS.
const (
	ScopeISD                 byte = 0x80 // Issuer Security Domain
	ScopeApplications        byte = 0x40 // Applications and Security Domains
	ScopeExecutableLoadFiles byte = 0x20 // Executable Load Files
	ScopeELFAndModules       byte = 0x10 // Executable Load Files and their Executable Modules
)

// Life cycle coding of SET STATUS.
const (
	LifeCycleSecured    byte = 0x0F // card, scope ScopeISD
	LifeCycleCardLocked byte = 0x7F // card, scope ScopeISD
	LifeCycleTerminated byte = 0xFF // card, scope ScopeISD
	LifeCycleLocked     byte = 0x80 // application or Security Domain
	LifeCycleUnlocked   byte = 0x00 // application or Security Domain
)

// Tags of GET DATA.
const (
	TagKeyInformation  uint16 = 0x00E0
	TagCardRecognition uint16 = 0x0066
	TagIIN             uint16 = 0x0042
	TagCIN             uint16 = 0x0045
	TagSequenceCounter uint16 = 0x00C1
	TagCPLC            uint16 = 0x9F7F
)

// DefaultLoadBlockLength is the length of LOAD blocks that fits C-MAC and C-DEC of both SCP02 and SCP03.
const DefaultLoadBlockLength = 239

// InitializeUpdate returns INITIALIZE UPDATE on the logical channel channelID for the key set kvn with the given
// key ID and host challenge.
func InitializeUpdate(channelID uint8, kvn, keyID byte, hostChallenge [8]byte) apdu.Capdu {
	return apdu.Capdu{
		Cla:  card.OnLogicalChannel(channelID, claGP),
		Ins:  insInitializeUpdate,
		P1:   kvn,
		P2:   keyID,
		Data: append([]byte(nil), hostChallenge[:]...),
		Ne:   apdu.MaxLenResponseDataStandard,
	}
}

// GetData returns GET DATA for tag.
func GetData(tag uint16) apdu.Capdu {
	return apdu.Capdu{
		Cla: claGP,
		Ins: insGetData,
		P1:  byte(tag >> 8),
		P2:  byte(tag),
		Ne:  apdu.MaxLenResponseDataStandard,
	}
}

// GetStatus returns GET STATUS for scope with TLV formatted response data.
// next requests the next occurrence after a '6310' response.
func GetStatus(scope byte, next bool) apdu.Capdu {
	p2 := p2GetStatusFirst
	if next {
		p2 = p2GetStatusNext
	}

	return apdu.Capdu{
		Cla:  claGP,
		Ins:  insGetStatus,
		P1:   scope,
		P2:   p2,
		Data: []byte{tagAID, 0x00},
		Ne:   apdu.MaxLenResponseDataStandard,
	}
}

// Delete returns DELETE for the card content identified by aid. related also deletes dependent objects.
func Delete(aid []byte, related bool) (apdu.Capdu, error) {
	if len(aid) < 5 || len(aid) > 16 {
		return apdu.Capdu{}, errors.Errorf("AID must be 5-16 bytes long, got %d", len(aid))
	}

	var p2 byte
	if related {
		p2 = p2DeleteRelated
	}

	data := make([]byte, 0, 2+len(aid))
	data = append(data, tagAID, byte(len(aid)))
	data = append(data, aid...)

	return apdu.Capdu{Cla: claGP, Ins: insDelete, P1: 0x00, P2: p2, Data: data}, nil
}

// DeleteKey returns DELETE for the key set kvn.
func DeleteKey(kvn byte) apdu.Capdu {
	return apdu.Capdu{
		Cla:  claGP,
		Ins:  insDelete,
		P1:   0x00,
		P2:   0x00,
		Data: []byte{tagKeyVersion, 0x01, kvn},
	}
}

// PutKey returns PUT KEY that replaces the key set oldKvn ('00' adds a new key set) starting with keyID.
// data is the key version number followed by the encrypted key components.
func PutKey(oldKvn, keyID byte, data []byte) apdu.Capdu {
	return apdu.Capdu{
		Cla:  claGP,
		Ins:  insPutKey,
		P1:   oldKvn,
		P2:   keyID | p2MultipleKeys,
		Data: data,
	}
}

// InstallForLoad returns INSTALL [for load] for the Executable Load File elfAID, associated with the Security Domain sdAID.
// An empty sdAID selects the Issuer Security Domain.
func InstallForLoad(elfAID, sdAID []byte) (apdu.Capdu, error) {
	if len(elfAID) < 5 || len(elfAID) > 16 {
		return apdu.Capdu{}, errors.Errorf("load file AID must be 5-16 bytes long, got %d", len(elfAID))
	}

	data := make([]byte, 0, 5+len(elfAID)+len(sdAID))
	data = appendLV(data, elfAID)
	data = appendLV(data, sdAID)
	// no load file data block hash, load parameters or token
	data = append(data, 0x00, 0x00, 0x00)

	return apdu.Capdu{Cla: claGP, Ins: insInstall, P1: p1InstallForLoad, P2: 0x00, Data: data}, nil
}

// InstallRequest describes an INSTALL [for install] command.
type InstallRequest struct {
	PackageAID     []byte // AID of the Executable Load File
	ModuleAID      []byte // AID of the Executable Module, defaults to PackageAID
	InstanceAID    []byte // AID of the new application, defaults to ModuleAID
	Privileges     []byte // defaults to '00'
	Parameters     []byte // install parameters, defaults to 'C900'
	MakeSelectable bool
}

// InstallForInstall returns INSTALL [for install] and, if requested, [for make selectable].
func InstallForInstall(req InstallRequest) (apdu.Capdu, error) {
	if len(req.PackageAID) < 5 || len(req.PackageAID) > 16 {
		return apdu.Capdu{}, errors.Errorf("package AID must be 5-16 bytes long, got %d", len(req.PackageAID))
	}

	module := req.ModuleAID
	if len(module) == 0 {
		module = req.PackageAID
	}

	instance := req.InstanceAID
	if len(instance) == 0 {
		instance = module
	}

	privileges := req.Privileges
	if len(privileges) == 0 {
		privileges = []byte{0x00}
	}

	params := req.Parameters
	if params == nil {
		params = []byte{0xC9, 0x00}
	}

	p1 := p1InstallForInstall
	if req.MakeSelectable {
		p1 |= p1InstallMakeSelectable
	}

	data := make([]byte, 0, 6+len(req.PackageAID)+len(module)+len(instance)+len(privileges)+len(params))
	data = appendLV(data, req.PackageAID)
	data = appendLV(data, module)
	data = appendLV(data, instance)
	data = appendLV(data, privileges)
	data = appendLV(data, params)
	// no token
	data = append(data, 0x00)

	if len(data) > apdu.MaxLenCommandDataStandard {
		return apdu.Capdu{}, errors.Errorf("INSTALL data must not exceed %d bytes, got %d", apdu.MaxLenCommandDataStandard, len(data))
	}

	return apdu.Capdu{Cla: claGP, Ins: insInstall, P1: p1, P2: 0x00, Data: data}, nil
}

// SetStatus returns SET STATUS that moves the life cycle of the entity in scope to state. aid identifies an
// application or Security Domain and is empty for the Issuer Security Domain.
func SetStatus(scope, state byte, aid []byte) (apdu.Capdu, error) {
	if len(aid) != 0 && (len(aid) < 5 || len(aid) > 16) {
		return apdu.Capdu{}, errors.Errorf("AID must be 5-16 bytes long, got %d", len(aid))
	}

	return apdu.Capdu{Cla: claGP, Ins: insSetStatus, P1: scope, P2: state, Data: aid}, nil
}

// Load returns LOAD for the block with the given number.
func Load(last bool, blockNumber byte, block []byte) apdu.Capdu {
	var p1 byte
	if last {
		p1 = p1LastBlock
	}

	return apdu.Capdu{Cla: claGP, Ins: insLoad, P1: p1, P2: blockNumber, Data: block}
}

// LoadFileDataBlock encodes the load file data with tag 'C4' and a BER length.
func LoadFileDataBlock(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, tagLoadFileDataBlock)

	switch l := len(data); {
	case l < 0x80:
		out = append(out, byte(l))
	case l <= 0xFF:
		out = append(out, 0x81, byte(l))
	default:
		out = append(out, 0x82, byte(l>>8), byte(l))
	}

	return append(out, data...)
}

func appendLV(b []byte, v []byte) []byte {
	b = append(b, byte(len(v)))

	return append(b, v...)
}
