package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skythen/apdu"
	"github.com/skythen/gpsc/card"
	"github.com/skythen/gpsc/gp"
	"github.com/skythen/gpsc/internal/config"
	"github.com/skythen/gpsc/scp02"
	"github.com/urfave/cli/v2"
)

// session is an open card connection configured from the config file and flags.
type session struct {
	cfg    *config.Config
	log    *logrus.Logger
	keys   gp.StaticKeys
	agent  *card.Agent
	card   *gp.Card
	random io.Reader
}

func (env *environment) open(cCtx *cli.Context) (*session, error) {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return nil, err
	}

	log, err := cfg.Logger(env.errOut)
	if err != nil {
		return nil, err
	}

	keys, err := cfg.StaticKeys()
	if err != nil {
		return nil, err
	}

	t, err := env.connect(cfg.Reader, log)
	if err != nil {
		return nil, errors.Wrapf(err, "connect to reader %d", cfg.Reader)
	}

	agent := card.NewAgent(t, card.WithLogger(log))

	return &session{
		cfg:    cfg,
		log:    log,
		keys:   keys,
		agent:  agent,
		card:   gp.NewCard(agent, log, gp.WithChannel(uint8(cfg.Auth.Channel))),
		random: env.random,
	}, nil
}

func (s *session) authenticate() (*gp.Result, error) {
	authConfig, err := s.cfg.AuthenticatorConfig()
	if err != nil {
		return nil, err
	}

	authConfig.Random = s.random

	return gp.NewAuthenticator(s.agent, s.keys, authConfig, s.log).Authenticate()
}

func (s *session) close() {
	if err := s.agent.Disconnect(); err != nil {
		s.log.WithError(err).Warn("disconnect")
	}
}

// openAuthenticated opens a session with an established secure channel.
func (env *environment) openAuthenticated(cCtx *cli.Context) (*session, *gp.Result, error) {
	s, err := env.open(cCtx)
	if err != nil {
		return nil, nil, err
	}

	res, err := s.authenticate()
	if err != nil {
		s.close()

		return nil, nil, err
	}

	return s, res, nil
}

// loadConfig reads the config file, if any, and applies the global flags on top.
func loadConfig(cCtx *cli.Context) (*config.Config, error) {
	cfg := config.Default()

	if path := cCtx.String(ConfigFlag); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	if err := applyFlags(cCtx, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyFlags(cCtx *cli.Context, cfg *config.Config) error {
	if cCtx.IsSet(ReaderFlag) {
		cfg.Reader = cCtx.Int(ReaderFlag)
	}

	if cCtx.IsSet(KeyFlag) {
		cfg.Keys = config.KeysConfig{Key: cCtx.String(KeyFlag), Version: cfg.Keys.Version, ID: cfg.Keys.ID}
	}

	if cCtx.IsSet(EncFlag) || cCtx.IsSet(MacFlag) || cCtx.IsSet(DekFlag) {
		cfg.Keys.Key = ""
		cfg.Keys.ENC = cCtx.String(EncFlag)
		cfg.Keys.MAC = cCtx.String(MacFlag)
		cfg.Keys.DEK = cCtx.String(DekFlag)
	}

	for _, f := range []struct {
		name string
		dst  *int
	}{
		{KVNFlag, &cfg.Keys.Version},
		{LevelFlag, &cfg.Auth.SecurityLevel},
		{IParamFlag, &cfg.Auth.SCP02IParam},
	} {
		if !cCtx.IsSet(f.name) {
			continue
		}

		b, err := hexByte(cCtx.String(f.name))
		if err != nil {
			return errors.Wrapf(err, "--%s", f.name)
		}

		*f.dst = int(b)
	}

	if cCtx.IsSet(ChannelFlag) {
		cfg.Auth.Channel = cCtx.Int(ChannelFlag)
	}

	if cCtx.IsSet(LogLevelFlag) {
		cfg.Log.Level = cCtx.String(LogLevelFlag)
	}

	if cCtx.IsSet(LogFormatFlag) {
		cfg.Log.Format = cCtx.String(LogFormatFlag)
	}

	return nil
}

func hexByte(s string) (byte, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "0x"), 16, 8)
	if err != nil {
		return 0, errors.Errorf("%q is not a hex byte", s)
	}

	return byte(v), nil
}

// hexFlag decodes the value of a hex flag. An unset flag results in nil.
func hexFlag(cCtx *cli.Context, name string) ([]byte, error) {
	if !cCtx.IsSet(name) {
		return nil, nil
	}

	b, err := hex.DecodeString(strings.ReplaceAll(strings.TrimSpace(cCtx.String(name)), " ", ""))
	if err != nil {
		return nil, errors.Wrapf(err, "--%s", name)
	}

	return b, nil
}

func checkResponse(label string, resp apdu.Rapdu) error {
	if sw := card.StatusWord(resp); sw != 0x9000 {
		return errors.Errorf("%s returned %04X", label, sw)
	}

	return nil
}

func (env *environment) listReaders(cCtx *cli.Context) error {
	readers, err := env.readers()
	if err != nil {
		return err
	}

	if len(readers) == 0 {
		fmt.Fprintln(env.out, "no readers found")

		return nil
	}

	for i, r := range readers {
		fmt.Fprintf(env.out, "%d: %s\n", i, r)
	}

	return nil
}

func (env *environment) info(cCtx *cli.Context) error {
	s, err := env.open(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	cd, err := s.card.CardData()
	if err != nil {
		return err
	}

	for _, obj := range []struct {
		name string
		data []byte
	}{
		{"Key information", cd.KeyInformation},
		{"Card recognition", cd.CardRecognition},
		{"IIN", cd.IIN},
		{"CIN", cd.CIN},
		{"Sequence counter", cd.SequenceCounter},
	} {
		if obj.data != nil {
			fmt.Fprintf(env.out, "%-17s %02X\n", obj.name+":", obj.data)
		}
	}

	cplc, err := s.card.CPLC()
	if err != nil {
		return err
	}

	if card.StatusWord(cplc) == 0x9000 {
		fmt.Fprintf(env.out, "%-17s %02X\n", "CPLC:", cplc.Data)
	}

	return nil
}

func (env *environment) auth(cCtx *cli.Context) error {
	s, res, err := env.openAuthenticated(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Fprintf(env.out, "SCP%02X i=%02X kvn=%02X level=%s diversification=%02X\n",
		res.SCP, res.IParam, res.KeyVersion, res.SecurityLevel, res.KeyDiversificationData)

	return nil
}

func (env *environment) list(cCtx *cli.Context) error {
	scopes := map[string]byte{
		"isd":     gp.ScopeISD,
		"apps":    gp.ScopeApplications,
		"elf":     gp.ScopeExecutableLoadFiles,
		"modules": gp.ScopeELFAndModules,
	}

	name := strings.ToLower(cCtx.String(ScopeFlag))

	scope, ok := scopes[name]
	if !ok && name != "all" {
		return errors.Errorf("unknown scope %q", name)
	}

	s, _, err := env.openAuthenticated(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	if name != "all" {
		data, err := s.card.ListContent(scope)
		if err != nil {
			return err
		}

		fmt.Fprintf(env.out, "%s: %02X\n", strings.ToUpper(name), data)

		return nil
	}

	content, err := s.card.ListAllContent()
	if err != nil {
		return err
	}

	fmt.Fprintf(env.out, "ISD: %02X\nAPPS: %02X\nELF: %02X\n", content.ISD, content.Applications, content.ExecutableLoadFiles)

	return nil
}

func (env *environment) delete(cCtx *cli.Context) error {
	aid, err := hexFlag(cCtx, AIDFlag)
	if err != nil {
		return err
	}

	s, _, err := env.openAuthenticated(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	resp, err := s.card.Delete(aid, cCtx.Bool(RelatedFlag))
	if err != nil {
		return err
	}

	if err = checkResponse("DELETE", resp); err != nil {
		return err
	}

	fmt.Fprintf(env.out, "deleted %02X\n", aid)

	return nil
}

func (env *environment) deleteKey(cCtx *cli.Context) error {
	kvn, err := hexByte(cCtx.String(VersionFlag))
	if err != nil {
		return errors.Wrapf(err, "--%s", VersionFlag)
	}

	s, _, err := env.openAuthenticated(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	resp, err := s.card.DeleteKey(kvn)
	if err != nil {
		return err
	}

	if err = checkResponse("DELETE KEY", resp); err != nil {
		return err
	}

	fmt.Fprintf(env.out, "deleted key set %02X\n", kvn)

	return nil
}

func newKeys(cCtx *cli.Context) (gp.StaticKeys, error) {
	if cCtx.IsSet(NewKeyFlag) {
		key, err := hexFlag(cCtx, NewKeyFlag)
		if err != nil {
			return gp.StaticKeys{}, err
		}

		return gp.SingleKey(key)
	}

	var parts [3][]byte

	for i, name := range []string{NewEncFlag, NewMacFlag, NewDekFlag} {
		if !cCtx.IsSet(name) {
			return gp.StaticKeys{}, errors.Errorf("--%s or all of --%s, --%s and --%s are required", NewKeyFlag, NewEncFlag, NewMacFlag, NewDekFlag)
		}

		b, err := hexFlag(cCtx, name)
		if err != nil {
			return gp.StaticKeys{}, err
		}

		parts[i] = b
	}

	return gp.NewStaticKeys(parts[0], parts[1], parts[2])
}

func (env *environment) putKey(cCtx *cli.Context) error {
	keys, err := newKeys(cCtx)
	if err != nil {
		return err
	}

	newKvn, err := hexByte(cCtx.String(NewVersionFlag))
	if err != nil {
		return errors.Wrapf(err, "--%s", NewVersionFlag)
	}

	oldKvn, err := hexByte(cCtx.String(ReplaceFlag))
	if err != nil {
		return errors.Wrapf(err, "--%s", ReplaceFlag)
	}

	var keyType byte

	switch t := strings.ToLower(cCtx.String(KeyTypeFlag)); t {
	case "":
	case "aes":
		keyType = gp.KeyTypeAES
	case "des":
		keyType = gp.KeyTypeDES
	default:
		return errors.Errorf("unknown key type %q", t)
	}

	s, res, err := env.openAuthenticated(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	if keyType == 0 {
		keyType = gp.KeyTypeAES
		if res.SCP == scp02.ID {
			keyType = gp.KeyTypeDES
		}
	}

	resp, err := s.card.PutKey(res.Channel, s.keys, gp.PutKeyRequest{
		Keys:          keys,
		NewKeyVersion: newKvn,
		OldKeyVersion: oldKvn,
		KeyID:         0x01,
		KeyType:       keyType,
	})
	if err != nil {
		return err
	}

	if err = checkResponse("PUT KEY", resp); err != nil {
		return err
	}

	fmt.Fprintf(env.out, "key set %02X loaded\n", newKvn)

	return nil
}

func (env *environment) load(cCtx *cli.Context) error {
	data, err := os.ReadFile(cCtx.String(FileFlag))
	if err != nil {
		return errors.Wrap(err, "read load file")
	}

	aid, err := hexFlag(cCtx, AIDFlag)
	if err != nil {
		return err
	}

	sd, err := hexFlag(cCtx, SDFlag)
	if err != nil {
		return err
	}

	s, _, err := env.openAuthenticated(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	res, err := s.card.Load(aid, sd, data, cCtx.Int(BlockSizeFlag))
	if err != nil {
		return err
	}

	fmt.Fprintf(env.out, "loaded %02X: %d bytes in %d blocks\n", aid, len(data), res.Blocks)

	return nil
}

func (env *environment) install(cCtx *cli.Context) error {
	var (
		req gp.InstallRequest
		err error
	)

	for _, f := range []struct {
		name string
		dst  *[]byte
	}{
		{PackageFlag, &req.PackageAID},
		{ModuleFlag, &req.ModuleAID},
		{InstanceFlag, &req.InstanceAID},
		{PrivilegesFlag, &req.Privileges},
		{ParametersFlag, &req.Parameters},
	} {
		if *f.dst, err = hexFlag(cCtx, f.name); err != nil {
			return err
		}
	}

	req.MakeSelectable = cCtx.Bool(SelectableFlag)

	s, _, err := env.openAuthenticated(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	resp, err := s.card.InstallForInstall(req)
	if err != nil {
		return err
	}

	if err = checkResponse("INSTALL", resp); err != nil {
		return err
	}

	instance := req.InstanceAID
	if instance == nil {
		instance = req.ModuleAID
	}

	if instance == nil {
		instance = req.PackageAID
	}

	fmt.Fprintf(env.out, "installed %02X\n", instance)

	return nil
}

func (env *environment) keys(cCtx *cli.Context) error {
	s, err := env.open(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	infos, err := s.card.KeyInformation()
	if err != nil {
		return err
	}

	for _, info := range infos {
		components := make([]string, 0, len(info.Components))
		for _, c := range info.Components {
			components = append(components, fmt.Sprintf("type=%02X length=%d", c.Type, c.Length))
		}

		fmt.Fprintf(env.out, "version=%02X id=%02X %s\n", info.Version, info.ID, strings.Join(components, " / "))
	}

	return nil
}

func (env *environment) setStatus(cCtx *cli.Context) error {
	scope, err := hexByte(cCtx.String(ScopeFlag))
	if err != nil {
		return errors.Wrapf(err, "--%s", ScopeFlag)
	}

	state, err := hexByte(cCtx.String(StateFlag))
	if err != nil {
		return errors.Wrapf(err, "--%s", StateFlag)
	}

	aid, err := hexFlag(cCtx, AIDFlag)
	if err != nil {
		return err
	}

	s, _, err := env.openAuthenticated(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	resp, err := s.card.SetStatus(scope, state, aid)
	if err != nil {
		return err
	}

	if err = checkResponse("SET STATUS", resp); err != nil {
		return err
	}

	target := "card"
	if aid != nil {
		target = fmt.Sprintf("%02X", aid)
	}

	fmt.Fprintf(env.out, "status of %s set to %02X\n", target, state)

	return nil
}

// openSelected opens a session without secure channel and selects the application of the AID flag, if set.
func (env *environment) openSelected(cCtx *cli.Context) (*session, error) {
	aid, err := hexFlag(cCtx, AIDFlag)
	if err != nil {
		return nil, err
	}

	s, err := env.open(cCtx)
	if err != nil {
		return nil, err
	}

	if aid == nil {
		return s, nil
	}

	resp, err := s.card.Select(aid)
	if err == nil {
		err = checkResponse("SELECT", resp)
	}

	if err != nil {
		s.close()

		return nil, err
	}

	return s, nil
}

func (env *environment) selectAID(cCtx *cli.Context) error {
	aid, err := hexFlag(cCtx, AIDFlag)
	if err != nil {
		return err
	}

	fid, err := hexFlag(cCtx, FIDFlag)
	if err != nil {
		return err
	}

	if (aid == nil) == (fid == nil) {
		return errors.Errorf("exactly one of --%s and --%s is required", AIDFlag, FIDFlag)
	}

	s, err := env.open(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	var resp apdu.Rapdu
	if fid != nil {
		resp, err = s.card.SelectEF(fid)
	} else {
		resp, err = s.card.Select(aid)
	}

	if err != nil {
		return err
	}

	if err = checkResponse("SELECT", resp); err != nil {
		return err
	}

	fmt.Fprintf(env.out, "%02X\n", resp.Data)

	return nil
}

func (env *environment) readBinary(cCtx *cli.Context) error {
	s, err := env.openSelected(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	resp, err := s.card.ReadBinary(byte(cCtx.Int(SFIFlag)), cCtx.Int(OffsetFlag), cCtx.Int(LengthFlag))
	if err != nil {
		return err
	}

	if err = checkResponse("READ BINARY", resp); err != nil {
		return err
	}

	fmt.Fprintf(env.out, "%02X\n", resp.Data)

	return nil
}

func (env *environment) updateBinary(cCtx *cli.Context) error {
	data, err := hexFlag(cCtx, DataFlag)
	if err != nil {
		return err
	}

	s, err := env.openSelected(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	resp, err := s.card.UpdateBinary(byte(cCtx.Int(SFIFlag)), cCtx.Int(OffsetFlag), data)
	if err != nil {
		return err
	}

	if err = checkResponse("UPDATE BINARY", resp); err != nil {
		return err
	}

	fmt.Fprintf(env.out, "wrote %d bytes\n", len(data))

	return nil
}

func (env *environment) putData(cCtx *cli.Context) error {
	tag, err := hexTag(cCtx.String(TagFlag))
	if err != nil {
		return errors.Wrapf(err, "--%s", TagFlag)
	}

	data, err := hexFlag(cCtx, DataFlag)
	if err != nil {
		return err
	}

	s, err := env.openSelected(cCtx)
	if err != nil {
		return err
	}
	defer s.close()

	resp, err := s.card.PutData(tag, data)
	if err != nil {
		return err
	}

	if err = checkResponse("PUT DATA", resp); err != nil {
		return err
	}

	fmt.Fprintf(env.out, "stored %04X\n", tag)

	return nil
}

func hexTag(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(s), "0x"), 16, 16)
	if err != nil {
		return 0, errors.Errorf("%q is not a one or two byte hex tag", s)
	}

	return uint16(v), nil
}
