package gp

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
	"github.com/skythen/gpsc/card"
	"github.com/skythen/gpsc/scp02"
	"github.com/skythen/gpsc/scp03"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()

	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatal(err)
	}

	return b
}

type exchange struct {
	command  string // expected wire bytes, empty accepts any command
	response string
}

// scriptedReader plays the role of a card behind the raw transport.
type scriptedReader struct {
	t         *testing.T
	exchanges []exchange
	sent      [][]byte
	err       error
}

func (r *scriptedReader) Transmit(b []byte) ([]byte, error) {
	r.sent = append(r.sent, append([]byte(nil), b...))

	if r.err != nil {
		return nil, r.err
	}

	if len(r.exchanges) == 0 {
		r.t.Fatalf("unexpected command %02X", b)
	}

	ex := r.exchanges[0]
	r.exchanges = r.exchanges[1:]

	if ex.command != "" && !bytes.Equal(hexBytes(r.t, ex.command), b) {
		r.t.Errorf("command mismatch:\nexpected: %s\ngot:      %02X", ex.command, b)
	}

	return hexBytes(r.t, ex.response), nil
}

const (
	scp02Key           = "404142434445464748494A4B4C4D4E4F"
	scp02HostChallenge = "F0467F908E5CA23F"
	scp02IUR           = "000002650183039536622002000DE9C62BA1C4C8E55FCB91B6654CE4"
	scp03HostChallenge = "0102030405060708"
	scp03IUR           = "000102030405060708093003701122334455667788C9FEDCE39B144A9000002A"
	getStatusISDData   = "E30F4F08A0000001510000009F70010F"
)

func singleKey(t *testing.T, s string) StaticKeys {
	t.Helper()

	keys, err := SingleKey(hexBytes(t, s))
	if err != nil {
		t.Fatal(err)
	}

	return keys
}

func newAuthenticator(t *testing.T, agent ChannelAgent, key string, hostChallenge string, level card.SecurityLevel) *Authenticator {
	t.Helper()

	return NewAuthenticator(agent, singleKey(t, key), Config{
		SecurityLevel: level,
		Random:        bytes.NewReader(hexBytes(t, hostChallenge)),
	}, nil)
}

func scp02Handshake(ea string) []exchange {
	return []exchange{
		{command: "8050000008" + scp02HostChallenge + "00", response: scp02IUR + "9000"},
		{command: ea, response: "9000"},
	}
}

func TestAuthenticate_SCP02(t *testing.T) {
	reader := &scriptedReader{t: t, exchanges: append(scp02Handshake("84821300103CE060483AACE927DDCE4630CAEBBD91"),
		exchange{command: "84F280021073A3E36BC7A2A6F5841C5511B8DFF82C00", response: getStatusISDData + "68932F5F94EB92E3" + "9000"},
		exchange{command: "84CA0066087CDD35F95E34195800", response: "6608D7D30B955ACF6EEC9000"},
	)}
	agent := card.NewAgent(reader)

	auth := newAuthenticator(t, agent, scp02Key, scp02HostChallenge, card.SecurityLevel{CMAC: true, CDEC: true, RMAC: true})

	if auth.State() != Idle {
		t.Fatalf("Expected state idle, got: %s", auth.State())
	}

	res, err := auth.Authenticate()
	if err != nil {
		t.Fatal(err)
	}

	if auth.State() != Authenticated {
		t.Errorf("Expected state authenticated, got: %s", auth.State())
	}

	if res.SCP != scp02.ID || res.KeyVersion != 0x20 || res.IParam != scp02.DefaultIParam {
		t.Errorf("unexpected result: %+v", res)
	}

	if agent.Channel() != res.Channel {
		t.Fatal("Expected the session to be installed on the agent")
	}

	c := NewCard(agent, nil)

	content, err := c.ListContent(ScopeISD)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(hexBytes(t, getStatusISDData), content) {
		t.Errorf("Expected %s, got: %02X", getStatusISDData, content)
	}

	resp, err := c.GetData(TagCardRecognition)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(apdu.Rapdu{Data: []byte{0x66, 0x08}, SW1: 0x90, SW2: 0x00}, resp); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestAuthenticate_SCP03(t *testing.T) {
	reader := &scriptedReader{t: t, exchanges: []exchange{
		{command: "8050000008" + scp03HostChallenge + "00", response: scp03IUR + "9000"},
		{command: "8482330010DE473C9D1F1A1BD89728218A38DE1FD4", response: "9000"},
		{
			command:  "84F2800218B2ACBCDB4335C47CF63E86326F2381A0FEEDC013172B645400",
			response: "A14B31DE4BD9CA9E5B502C6C67CBBA1A788FCC4A34115617FADB5338928F68DD2078512CC9AE9B3E9000",
		},
		{command: "84CA006608C54070D75561642F00", response: "DB1432AEF3280A696A88"},
	}}
	agent := card.NewAgent(reader)

	auth := newAuthenticator(t, agent, scp02Key, scp03HostChallenge, card.SecurityLevel{CMAC: true, CDEC: true, RMAC: true, RENC: true})

	res, err := auth.Authenticate()
	if err != nil {
		t.Fatal(err)
	}

	if res.SCP != scp03.ID || res.KeyVersion != 0x30 || res.IParam != 0x70 {
		t.Errorf("unexpected result: %+v", res)
	}

	expectedDiv := [10]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}
	if res.KeyDiversificationData != expectedDiv {
		t.Errorf("Expected diversification data %02X, got: %02X", expectedDiv, res.KeyDiversificationData)
	}

	c := NewCard(agent, nil)

	content, err := c.ListContent(ScopeISD)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(hexBytes(t, getStatusISDData), content) {
		t.Errorf("Expected %s, got: %02X", getStatusISDData, content)
	}

	resp, err := c.GetData(TagCardRecognition)
	if err != nil {
		t.Fatal(err)
	}

	if card.StatusWord(resp) != 0x6A88 || len(resp.Data) != 0 {
		t.Errorf("Expected 6A88 without data, got: %02X %04X", resp.Data, card.StatusWord(resp))
	}

	if agent.Poisoned() {
		t.Error("Expected an authenticated error response not to poison the agent")
	}
}

func TestAuthenticate_ReauthenticationResetsChannel(t *testing.T) {
	reader := &scriptedReader{t: t, exchanges: scp02Handshake("84820100103CE060483AACE927A3CDA954B0E88839")}
	agent := card.NewAgent(reader)

	first, err := newAuthenticator(t, agent, scp02Key, scp02HostChallenge, card.SecurityLevel{CMAC: true}).Authenticate()
	if err != nil {
		t.Fatal(err)
	}

	reader.exchanges = append(reader.exchanges, scp02Handshake("84820100103CE060483AACE927A3CDA954B0E88839")...)

	second, err := newAuthenticator(t, agent, scp02Key, scp02HostChallenge, card.SecurityLevel{CMAC: true}).Authenticate()
	if err != nil {
		t.Fatal(err)
	}

	if first.Channel == second.Channel || agent.Channel() != second.Channel {
		t.Error("Expected the second session to replace the first")
	}

	if n := second.Channel.(*scp02.Session).Counter(); n != 0 {
		t.Errorf("Expected fresh counter, got: %d", n)
	}

	// INITIALIZE UPDATE of the second handshake travels unprotected
	if reader.sent[2][0] != 0x80 {
		t.Errorf("Expected plain INITIALIZE UPDATE, got: %02X", reader.sent[2])
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	wrongCryptogram := hexBytes(t, scp02IUR)
	wrongCryptogram[27] ^= 0x01

	tests := []struct {
		name      string
		exchanges []exchange
		transErr  error
		key       string
		expectErr interface{}
	}{
		{
			name:      "INITIALIZE UPDATE rejected",
			exchanges: []exchange{{response: "6A88"}},
			key:       scp02Key,
			expectErr: &card.AuthenticationError{},
		},
		{
			name:      "short response",
			exchanges: []exchange{{response: "00010203049000"}},
			key:       scp02Key,
			expectErr: &card.ProtocolError{},
		},
		{
			name:      "unsupported protocol",
			exchanges: []exchange{{response: "000002650183039536622001000DE9C62BA1C4C8E55FCB91B6654CE49000"}},
			key:       scp02Key,
			expectErr: &card.ProtocolError{},
		},
		{
			name:      "wrong card cryptogram",
			exchanges: []exchange{{response: hex.EncodeToString(wrongCryptogram) + "9000"}},
			key:       scp02Key,
			expectErr: &scp02.CardCryptogramError{},
		},
		{
			name:      "wrong key",
			exchanges: []exchange{{response: scp02IUR + "9000"}},
			key:       "505152535455565758595A5B5C5D5E5F",
			expectErr: &card.AuthenticationError{},
		},
		{
			name:      "SCP02 with AES-256 keys",
			exchanges: []exchange{{response: scp02IUR + "9000"}},
			key:       "404142434445464748494A4B4C4D4E4F505152535455565758595A5B5C5D5E5F",
			expectErr: &card.AuthenticationError{},
		},
		{
			name:      "EXTERNAL AUTHENTICATE rejected",
			exchanges: []exchange{{response: scp02IUR + "9000"}, {response: "6300"}},
			key:       scp02Key,
			expectErr: &card.AuthenticationError{},
		},
		{
			name:      "malformed response",
			exchanges: []exchange{{response: "90"}},
			key:       scp02Key,
			expectErr: &card.ProtocolError{},
		},
		{
			name:      "transport failure",
			transErr:  errors.New("card removed"),
			key:       scp02Key,
			expectErr: &card.ProtocolError{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reader := &scriptedReader{t: t, exchanges: tc.exchanges, err: tc.transErr}
			agent := card.NewAgent(reader)

			auth := newAuthenticator(t, agent, tc.key, scp02HostChallenge, card.SecurityLevel{CMAC: true})

			_, err := auth.Authenticate()
			if err == nil {
				t.Fatal("Expected error")
			}

			if !errors.As(err, tc.expectErr) {
				t.Errorf("Expected %T, got: %T (%v)", tc.expectErr, err, err)
			}

			if auth.State() != Failed {
				t.Errorf("Expected state failed, got: %s", auth.State())
			}

			if agent.Channel() != nil {
				t.Error("Expected no channel after failed authentication")
			}
		})
	}
}

func TestAuthenticate_MalformedResponseKeepsCause(t *testing.T) {
	agent := card.NewAgent(&scriptedReader{t: t, exchanges: []exchange{{response: "90"}}})

	_, err := newAuthenticator(t, agent, scp02Key, scp02HostChallenge, card.SecurityLevel{CMAC: true}).Authenticate()

	var protocolErr card.ProtocolError
	if !errors.As(err, &protocolErr) || protocolErr.Message != "INITIALIZE UPDATE" {
		t.Fatalf("Expected ProtocolError for INITIALIZE UPDATE, got: %v", err)
	}

	var malformedErr card.MalformedResponseError
	if !errors.As(err, &malformedErr) {
		t.Errorf("Expected MalformedResponseError as cause, got: %v", protocolErr.Cause)
	}
}

func TestAuthenticate_LogicalChannel(t *testing.T) {
	reader := &scriptedReader{t: t, exchanges: []exchange{
		{command: "8250000008" + scp02HostChallenge + "00", response: scp02IUR + "9000"},
		{command: "86820100103CE060483AACE927A3CDA954B0E88839", response: "9000"},
		{command: "86CA006608C77011D19776984100", response: "66029000"},
	}}
	agent := card.NewAgent(reader)

	auth := NewAuthenticator(agent, singleKey(t, scp02Key), Config{
		SecurityLevel: card.SecurityLevel{CMAC: true},
		ChannelID:     2,
		Random:        bytes.NewReader(hexBytes(t, scp02HostChallenge)),
	}, nil)

	if _, err := auth.Authenticate(); err != nil {
		t.Fatal(err)
	}

	resp, err := NewCard(agent, nil, WithChannel(2)).GetData(TagCardRecognition)
	if err != nil {
		t.Fatal(err)
	}

	if card.StatusWord(resp) != swSuccess {
		t.Errorf("Expected 9000, got: %04X", card.StatusWord(resp))
	}

	if len(reader.exchanges) != 0 {
		t.Errorf("Expected all commands to be sent, %d left", len(reader.exchanges))
	}
}

func TestAuthenticate_FailureDiscardsPreviousChannel(t *testing.T) {
	reader := &scriptedReader{t: t, exchanges: scp02Handshake("84820100103CE060483AACE927A3CDA954B0E88839")}
	agent := card.NewAgent(reader)

	if _, err := newAuthenticator(t, agent, scp02Key, scp02HostChallenge, card.SecurityLevel{CMAC: true}).Authenticate(); err != nil {
		t.Fatal(err)
	}

	reader.exchanges = []exchange{{response: "6982"}}

	if _, err := newAuthenticator(t, agent, scp02Key, scp02HostChallenge, card.SecurityLevel{CMAC: true}).Authenticate(); err == nil {
		t.Fatal("Expected error")
	}

	if agent.Channel() != nil {
		t.Error("Expected no channel after failed re-authentication")
	}
}

func TestAuthenticate_InvalidSecurityLevel(t *testing.T) {
	reader := &scriptedReader{t: t}
	agent := card.NewAgent(reader)

	_, err := newAuthenticator(t, agent, scp02Key, scp02HostChallenge, card.SecurityLevel{CMAC: true, RENC: true}).Authenticate()

	var protocolErr card.ProtocolError
	if !errors.As(err, &protocolErr) {
		t.Fatalf("Expected ProtocolError, got: %v", err)
	}

	if len(reader.sent) != 0 {
		t.Errorf("Expected nothing to be sent, got: %d commands", len(reader.sent))
	}
}

func TestAuthenticate_ForcesCMAC(t *testing.T) {
	reader := &scriptedReader{t: t, exchanges: scp02Handshake("84820100103CE060483AACE927A3CDA954B0E88839")}
	agent := card.NewAgent(reader)

	res, err := newAuthenticator(t, agent, scp02Key, scp02HostChallenge, card.SecurityLevel{}).Authenticate()
	if err != nil {
		t.Fatal(err)
	}

	if !res.SecurityLevel.CMAC {
		t.Error("Expected C-MAC to be set")
	}
}

func TestStateString(t *testing.T) {
	for state, expected := range map[State]string{
		Idle:                    "idle",
		AwaitingCardChallenge:   "awaiting card challenge",
		AwaitingCryptogramCheck: "awaiting cryptogram check",
		Authenticated:           "authenticated",
		Failed:                  "failed",
		State(42):               "State(42)",
	} {
		if got := state.String(); got != expected {
			t.Errorf("Expected %q, got: %q", expected, got)
		}
	}
}
