package gp

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/skythen/apdu"
	"github.com/skythen/gpsc/card"
)

// fakeCard answers commands with the queued responses and records the commands.
type fakeCard struct {
	responses []apdu.Rapdu
	commands  []apdu.Capdu
	err       error
}

func (f *fakeCard) Transmit(capdu apdu.Capdu) (apdu.Rapdu, error) {
	f.commands = append(f.commands, capdu)

	if f.err != nil {
		return apdu.Rapdu{}, f.err
	}

	if len(f.responses) == 0 {
		return apdu.Rapdu{SW1: 0x90, SW2: 0x00}, nil
	}

	resp := f.responses[0]
	f.responses = f.responses[1:]

	return resp, nil
}

func sw(sw uint16, data ...byte) apdu.Rapdu {
	return apdu.Rapdu{Data: data, SW1: byte(sw >> 8), SW2: byte(sw)}
}

func TestCard_ListContent(t *testing.T) {
	tests := []struct {
		name         string
		responses    []apdu.Rapdu
		expected     []byte
		expectedP2s  []byte
		expectNonSuc bool
	}{
		{
			name:        "single response",
			responses:   []apdu.Rapdu{sw(0x9000, 0xE3, 0x01, 0x00)},
			expected:    []byte{0xE3, 0x01, 0x00},
			expectedP2s: []byte{0x02},
		},
		{
			name:        "continuation",
			responses:   []apdu.Rapdu{sw(0x6310, 0xE3, 0x01, 0x01), sw(0x6310, 0xE3, 0x01, 0x02), sw(0x9000, 0xE3, 0x01, 0x03)},
			expected:    []byte{0xE3, 0x01, 0x01, 0xE3, 0x01, 0x02, 0xE3, 0x01, 0x03},
			expectedP2s: []byte{0x02, 0x03, 0x03},
		},
		{
			name:        "no entries",
			responses:   []apdu.Rapdu{sw(0x6A88)},
			expected:    nil,
			expectedP2s: []byte{0x02},
		},
		{
			name:         "rejected",
			responses:    []apdu.Rapdu{sw(0x6310, 0xE3, 0x00), sw(0x6982)},
			expectedP2s:  []byte{0x02, 0x03},
			expectNonSuc: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeCard{responses: tc.responses}

			got, err := NewCard(fake, nil).ListContent(ScopeApplications)

			if tc.expectNonSuc {
				var nonSuccess card.NonSuccessResponseError
				if !errors.As(err, &nonSuccess) {
					t.Fatalf("Expected NonSuccessResponseError, got: %v", err)
				}
			} else if err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(tc.expected, got) {
				t.Errorf("Expected %02X, got: %02X", tc.expected, got)
			}

			p2s := make([]byte, 0, len(fake.commands))
			for _, cmd := range fake.commands {
				if cmd.P1 != ScopeApplications {
					t.Errorf("Expected P1 40, got: %02X", cmd.P1)
				}

				p2s = append(p2s, cmd.P2)
			}

			if !bytes.Equal(tc.expectedP2s, p2s) {
				t.Errorf("Expected P2 %02X, got: %02X", tc.expectedP2s, p2s)
			}
		})
	}
}

func TestCard_ListAllContent(t *testing.T) {
	fake := &fakeCard{responses: []apdu.Rapdu{
		sw(0x9000, 0x01),
		sw(0x6A88),
		sw(0x9000, 0x03),
	}}

	got, err := NewCard(fake, nil).ListAllContent()
	if err != nil {
		t.Fatal(err)
	}

	expected := &Content{ISD: []byte{0x01}, ExecutableLoadFiles: []byte{0x03}}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	scopes := []byte{fake.commands[0].P1, fake.commands[1].P1, fake.commands[2].P1}
	if !bytes.Equal([]byte{ScopeISD, ScopeApplications, ScopeExecutableLoadFiles}, scopes) {
		t.Errorf("unexpected scopes: %02X", scopes)
	}
}

func TestCard_CardData(t *testing.T) {
	fake := &fakeCard{responses: []apdu.Rapdu{
		sw(0x9000, 0xE0, 0x00),
		sw(0x9000, 0x66, 0x00),
		sw(0x6A88),
		sw(0x9000, 0x45, 0x01, 0xAA),
		sw(0x6A88),
	}}

	got, err := NewCard(fake, nil).CardData()
	if err != nil {
		t.Fatal(err)
	}

	expected := &CardData{
		KeyInformation:  []byte{0xE0, 0x00},
		CardRecognition: []byte{0x66, 0x00},
		CIN:             []byte{0x45, 0x01, 0xAA},
	}
	if diff := cmp.Diff(expected, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	tags := make([]uint16, 0, len(fake.commands))
	for _, cmd := range fake.commands {
		tags = append(tags, uint16(cmd.P1)<<8|uint16(cmd.P2))
	}

	if diff := cmp.Diff([]uint16{0x00E0, 0x0066, 0x0042, 0x0045, 0x00C1}, tags); diff != "" {
		t.Errorf("tags mismatch (-want +got):\n%s", diff)
	}
}

func TestCard_CardDataTransportError(t *testing.T) {
	fake := &fakeCard{err: card.ProtocolError{Message: "transmit command"}}

	if _, err := NewCard(fake, nil).CardData(); err == nil {
		t.Fatal("Expected error")
	}

	if len(fake.commands) != 1 {
		t.Errorf("Expected to stop after the first failure, got: %d commands", len(fake.commands))
	}
}

func TestCard_CPLC(t *testing.T) {
	cplc := bytes.Repeat([]byte{0x11}, lenCPLC)

	tests := []struct {
		name     string
		response apdu.Rapdu
		expected []byte
	}{
		{
			name:     "wrapped",
			response: sw(0x9000, append([]byte{0x9F, 0x7F, 0x2A}, cplc...)...),
			expected: cplc,
		},
		{
			name:     "plain",
			response: sw(0x9000, cplc...),
			expected: cplc,
		},
		{
			name:     "truncated wrapper",
			response: sw(0x9000, append([]byte{0x9F, 0x7F, 0x2B}, cplc...)...),
			expected: append([]byte{0x9F, 0x7F, 0x2B}, cplc...),
		},
		{
			name:     "not found",
			response: sw(0x6A88),
			expected: nil,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeCard{responses: []apdu.Rapdu{tc.response}}

			got, err := NewCard(fake, nil).CPLC()
			if err != nil {
				t.Fatal(err)
			}

			if !bytes.Equal(tc.expected, got.Data) {
				t.Errorf("Expected %02X, got: %02X", tc.expected, got.Data)
			}

			if cmd := fake.commands[0]; cmd.P1 != 0x9F || cmd.P2 != 0x7F {
				t.Errorf("Expected GET DATA 9F7F, got: %02X%02X", cmd.P1, cmd.P2)
			}
		})
	}
}

func TestCard_LoadFile(t *testing.T) {
	data := make([]byte, 500)
	for i := range data {
		data[i] = byte(i)
	}

	fake := &fakeCard{}

	res, err := NewCard(fake, nil).LoadFile(data, 0)
	if err != nil {
		t.Fatal(err)
	}

	if res.Blocks != 3 {
		t.Errorf("Expected 3 blocks, got: %d", res.Blocks)
	}

	expected := []apdu.Capdu{
		{Cla: 0x80, Ins: 0xE8, P1: 0x00, P2: 0x00, Data: data[:239]},
		{Cla: 0x80, Ins: 0xE8, P1: 0x00, P2: 0x01, Data: data[239:478]},
		{Cla: 0x80, Ins: 0xE8, P1: 0x80, P2: 0x02, Data: data[478:]},
	}
	if diff := cmp.Diff(expected, fake.commands); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCard_LoadFileStopsOnRejectedBlock(t *testing.T) {
	fake := &fakeCard{responses: []apdu.Rapdu{sw(0x9000), sw(0x6A80)}}

	res, err := NewCard(fake, nil).LoadFile(make([]byte, 100), 10)

	var nonSuccess card.NonSuccessResponseError
	if !errors.As(err, &nonSuccess) {
		t.Fatalf("Expected NonSuccessResponseError, got: %v", err)
	}

	if nonSuccess.Command.P2 != 0x01 {
		t.Errorf("Expected block 01 to be rejected, got: %02X", nonSuccess.Command.P2)
	}

	if res.Blocks != 2 || card.StatusWord(res.Response) != 0x6A80 {
		t.Errorf("unexpected result: %+v", res)
	}

	if len(fake.commands) != 2 {
		t.Errorf("Expected 2 commands, got: %d", len(fake.commands))
	}
}

func TestCard_LoadFileEdgeCases(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		fake := &fakeCard{}

		res, err := NewCard(fake, nil).LoadFile(nil, 0)
		if err != nil {
			t.Fatal(err)
		}

		if res.Blocks != 1 || fake.commands[0].P1 != 0x80 || len(fake.commands[0].Data) != 0 {
			t.Errorf("Expected a single empty last block, got: %+v", fake.commands)
		}
	})

	t.Run("exact multiple", func(t *testing.T) {
		fake := &fakeCard{}

		res, err := NewCard(fake, nil).LoadFile(make([]byte, 20), 10)
		if err != nil {
			t.Fatal(err)
		}

		if res.Blocks != 2 || fake.commands[1].P1 != 0x80 || len(fake.commands[1].Data) != 10 {
			t.Errorf("unexpected commands: %+v", fake.commands)
		}
	})

	t.Run("too many blocks", func(t *testing.T) {
		fake := &fakeCard{}

		if _, err := NewCard(fake, nil).LoadFile(make([]byte, 257), 1); err == nil {
			t.Fatal("Expected error")
		}

		if len(fake.commands) != 0 {
			t.Errorf("Expected nothing to be sent, got: %d commands", len(fake.commands))
		}
	})

	t.Run("invalid block size", func(t *testing.T) {
		for _, size := range []int{-1, 256} {
			if _, err := NewCard(&fakeCard{}, nil).LoadFile([]byte{0x01}, size); err == nil {
				t.Errorf("Expected error for block size %d", size)
			}
		}
	})
}

func TestCard_Load(t *testing.T) {
	elf := []byte{0xA0, 0x00, 0x00, 0x00, 0x62, 0x01}
	data := bytes.Repeat([]byte{0xCA}, 300)

	fake := &fakeCard{}

	res, err := NewCard(fake, nil).Load(elf, nil, data, 0)
	if err != nil {
		t.Fatal(err)
	}

	if res.Blocks != 2 {
		t.Errorf("Expected 2 blocks, got: %d", res.Blocks)
	}

	installData := []byte{0x06, 0xA0, 0x00, 0x00, 0x00, 0x62, 0x01, 0x00, 0x00, 0x00, 0x00}
	if cmd := fake.commands[0]; cmd.Ins != 0xE6 || cmd.P1 != 0x02 || !bytes.Equal(installData, cmd.Data) {
		t.Errorf("unexpected INSTALL [for load]: %+v", cmd)
	}

	loaded := append(append([]byte(nil), fake.commands[1].Data...), fake.commands[2].Data...)
	if !bytes.Equal(LoadFileDataBlock(data), loaded) {
		t.Errorf("Expected load file data block, got: %02X", loaded)
	}

	if !bytes.Equal([]byte{0xC4, 0x82, 0x01, 0x2C}, loaded[:4]) {
		t.Errorf("unexpected header: %02X", loaded[:4])
	}
}

func TestCard_LoadRejectedInstall(t *testing.T) {
	fake := &fakeCard{responses: []apdu.Rapdu{sw(0x6985)}}

	_, err := NewCard(fake, nil).Load([]byte{0xA0, 0x00, 0x00, 0x00, 0x62}, nil, []byte{0x01}, 0)

	var nonSuccess card.NonSuccessResponseError
	if !errors.As(err, &nonSuccess) {
		t.Fatalf("Expected NonSuccessResponseError, got: %v", err)
	}

	if len(fake.commands) != 1 {
		t.Errorf("Expected LOAD not to be sent, got: %d commands", len(fake.commands))
	}
}

func TestCard_LoadTooLarge(t *testing.T) {
	fake := &fakeCard{}

	if _, err := NewCard(fake, nil).Load([]byte{0xA0, 0x00, 0x00, 0x00, 0x62}, nil, make([]byte, 0x10000), 0); err == nil {
		t.Fatal("Expected error")
	}

	if len(fake.commands) != 0 {
		t.Errorf("Expected nothing to be sent, got: %d commands", len(fake.commands))
	}
}

func TestCard_DeleteAndDeleteKey(t *testing.T) {
	fake := &fakeCard{responses: []apdu.Rapdu{sw(0x9000), sw(0x6A88)}}
	c := NewCard(fake, nil)

	resp, err := c.Delete([]byte{0xA0, 0x00, 0x00, 0x00, 0x62, 0x01}, true)
	if err != nil {
		t.Fatal(err)
	}

	if card.StatusWord(resp) != 0x9000 {
		t.Errorf("Expected 9000, got: %04X", card.StatusWord(resp))
	}

	resp, err = c.DeleteKey(0x30)
	if err != nil {
		t.Fatal(err)
	}

	if card.StatusWord(resp) != 0x6A88 {
		t.Errorf("Expected 6A88 to be returned as is, got: %04X", card.StatusWord(resp))
	}

	expected := []apdu.Capdu{
		{Cla: 0x80, Ins: 0xE4, P1: 0x00, P2: 0x80, Data: []byte{0x4F, 0x06, 0xA0, 0x00, 0x00, 0x00, 0x62, 0x01}},
		{Cla: 0x80, Ins: 0xE4, P1: 0x00, P2: 0x00, Data: []byte{0xD2, 0x01, 0x30}},
	}
	if diff := cmp.Diff(expected, fake.commands); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if _, err = c.Delete([]byte{0x01, 0x02}, false); err == nil {
		t.Error("Expected error for short AID")
	}
}

func TestCard_InstallForInstall(t *testing.T) {
	fake := &fakeCard{}

	_, err := NewCard(fake, nil).InstallForInstall(InstallRequest{
		PackageAID:     []byte{0xA0, 0x00, 0x00, 0x00, 0x62},
		ModuleAID:      []byte{0xA0, 0x00, 0x00, 0x00, 0x62, 0x01},
		MakeSelectable: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	expected := apdu.Capdu{Cla: 0x80, Ins: 0xE6, P1: 0x0C, P2: 0x00, Data: []byte{
		0x05, 0xA0, 0x00, 0x00, 0x00, 0x62,
		0x06, 0xA0, 0x00, 0x00, 0x00, 0x62, 0x01,
		0x06, 0xA0, 0x00, 0x00, 0x00, 0x62, 0x01,
		0x01, 0x00,
		0x02, 0xC9, 0x00,
		0x00,
	}}
	if diff := cmp.Diff(expected, fake.commands[0]); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCard_PutKeyRequiresSecureChannel(t *testing.T) {
	fake := &fakeCard{}
	keys, _ := SingleKey(bytes.Repeat([]byte{0x40}, 16))

	_, err := NewCard(fake, nil).PutKey(nil, keys, PutKeyRequest{Keys: keys, NewKeyVersion: 0x21, KeyID: 0x01, KeyType: KeyTypeDES})
	if err == nil {
		t.Fatal("Expected error")
	}

	if len(fake.commands) != 0 {
		t.Errorf("Expected nothing to be sent, got: %d commands", len(fake.commands))
	}
}
