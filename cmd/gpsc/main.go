package main

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/skythen/gpsc/card"
	"github.com/skythen/gpsc/pcsc"
	"github.com/urfave/cli/v2"
)

const (
	ConfigFlag    = "config"
	ReaderFlag    = "reader"
	KeyFlag       = "key"
	EncFlag       = "enc"
	MacFlag       = "mac"
	DekFlag       = "dek"
	KVNFlag       = "kvn"
	LevelFlag     = "level"
	IParamFlag    = "scp02-i"
	ChannelFlag   = "channel"
	LogLevelFlag  = "log-level"
	LogFormatFlag = "log-format"

	ScopeFlag      = "scope"
	AIDFlag        = "aid"
	RelatedFlag    = "related"
	VersionFlag    = "version"
	NewKeyFlag     = "new-key"
	NewEncFlag     = "new-enc"
	NewMacFlag     = "new-mac"
	NewDekFlag     = "new-dek"
	NewVersionFlag = "new-version"
	ReplaceFlag    = "replace"
	KeyTypeFlag    = "type"
	FileFlag       = "file"
	SDFlag         = "sd"
	BlockSizeFlag  = "block-size"
	PackageFlag    = "package"
	ModuleFlag     = "module"
	InstanceFlag   = "instance"
	PrivilegesFlag = "privileges"
	ParametersFlag = "params"
	SelectableFlag = "selectable"
	StateFlag      = "state"
	SFIFlag        = "sfi"
	OffsetFlag     = "offset"
	LengthFlag     = "length"
	DataFlag       = "data"
	TagFlag        = "tag"
	FIDFlag        = "fid"
)

// transport is a connection to a card that can be closed.
type transport interface {
	card.Transmitter
	Disconnect() error
}

// environment holds what the commands need from the outside world.
type environment struct {
	out     io.Writer
	errOut  io.Writer
	random  io.Reader // host challenges, nil selects crypto/rand
	readers func() ([]string, error)
	connect func(index int, log logrus.FieldLogger) (transport, error)
}

func main() {
	env := &environment{
		out:     os.Stdout,
		errOut:  os.Stderr,
		readers: pcscReaders,
		connect: pcscConnect,
	}

	if err := env.app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "gpsc: %v\n", err)
		os.Exit(1)
	}
}

func (env *environment) app() *cli.App {
	return &cli.App{
		Name:      "gpsc",
		Usage:     "GlobalPlatform card management over SCP02 and SCP03",
		Writer:    env.out,
		ErrWriter: env.errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: ConfigFlag, Aliases: []string{"c"}, Usage: "YAML configuration file"},
			&cli.IntFlag{Name: ReaderFlag, Aliases: []string{"r"}, Usage: "reader index"},
			&cli.StringFlag{Name: KeyFlag, Aliases: []string{"k"}, Usage: "hex key used for ENC, MAC and DEK"},
			&cli.StringFlag{Name: EncFlag, Usage: "hex ENC key"},
			&cli.StringFlag{Name: MacFlag, Usage: "hex MAC key"},
			&cli.StringFlag{Name: DekFlag, Usage: "hex DEK key"},
			&cli.StringFlag{Name: KVNFlag, Usage: "hex key version number, 00 selects the first available"},
			&cli.StringFlag{Name: LevelFlag, Aliases: []string{"l"}, Usage: "hex security level, e.g. 01, 03, 13, 33"},
			&cli.StringFlag{Name: IParamFlag, Usage: "hex SCP02 i-parameter"},
			&cli.IntFlag{Name: ChannelFlag, Usage: "logical channel"},
			&cli.StringFlag{Name: LogLevelFlag, Usage: "trace, debug, info, warn or error"},
			&cli.StringFlag{Name: LogFormatFlag, Usage: "text, json or nocolor"},
		},
		Commands: []*cli.Command{
			{
				Name:   "readers",
				Usage:  "List PC/SC readers",
				Action: env.listReaders,
			},
			{
				Name:   "info",
				Usage:  "Read card data and CPLC without authentication",
				Action: env.info,
			},
			{
				Name:   "auth",
				Usage:  "Open a secure channel and print its parameters",
				Action: env.auth,
			},
			{
				Name:  "list",
				Usage: "List card content with GET STATUS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: ScopeFlag, Value: "all", Usage: "isd, apps, elf, modules or all"},
				},
				Action: env.list,
			},
			{
				Name:  "delete",
				Usage: "Delete an application or load file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: AIDFlag, Required: true, Usage: "hex AID"},
					&cli.BoolFlag{Name: RelatedFlag, Usage: "delete related objects"},
				},
				Action: env.delete,
			},
			{
				Name:  "delete-key",
				Usage: "Delete a key set",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: VersionFlag, Required: true, Usage: "hex key version number"},
				},
				Action: env.deleteKey,
			},
			{
				Name:  "put-key",
				Usage: "Add or replace a key set",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: NewKeyFlag, Usage: "hex key used for the new ENC, MAC and DEK"},
					&cli.StringFlag{Name: NewEncFlag, Usage: "hex new ENC key"},
					&cli.StringFlag{Name: NewMacFlag, Usage: "hex new MAC key"},
					&cli.StringFlag{Name: NewDekFlag, Usage: "hex new DEK key"},
					&cli.StringFlag{Name: NewVersionFlag, Required: true, Usage: "hex version number of the new key set"},
					&cli.StringFlag{Name: ReplaceFlag, Value: "00", Usage: "hex version number of the key set to replace, 00 adds"},
					&cli.StringFlag{Name: KeyTypeFlag, Usage: "aes or des, defaults to the type of the secure channel"},
				},
				Action: env.putKey,
			},
			{
				Name:  "load",
				Usage: "Load an executable load file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: FileFlag, Required: true, Usage: "load file (concatenated CAP components)"},
					&cli.StringFlag{Name: AIDFlag, Required: true, Usage: "hex load file AID"},
					&cli.StringFlag{Name: SDFlag, Usage: "hex AID of the associated security domain"},
					&cli.IntFlag{Name: BlockSizeFlag, Usage: "LOAD block size"},
				},
				Action: env.load,
			},
			{
				Name:  "install",
				Usage: "Install an application from a loaded load file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: PackageFlag, Required: true, Usage: "hex load file AID"},
					&cli.StringFlag{Name: ModuleFlag, Usage: "hex module AID"},
					&cli.StringFlag{Name: InstanceFlag, Usage: "hex instance AID"},
					&cli.StringFlag{Name: PrivilegesFlag, Usage: "hex privileges"},
					&cli.StringFlag{Name: ParametersFlag, Usage: "hex install parameters"},
					&cli.BoolFlag{Name: SelectableFlag, Value: true, Usage: "make the application selectable"},
				},
				Action: env.install,
			},
			{
				Name:   "keys",
				Usage:  "List the key sets from the key information template",
				Action: env.keys,
			},
			{
				Name:  "set-status",
				Usage: "Change the life cycle state of the card or of an application",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: ScopeFlag, Value: "80", Usage: "hex scope, 80 card, 40 application, 60 security domain and its applications"},
					&cli.StringFlag{Name: StateFlag, Required: true, Usage: "hex life cycle state, e.g. 0F secured, 7F locked, 80 lock application"},
					&cli.StringFlag{Name: AIDFlag, Usage: "hex AID of the application, empty for the card"},
				},
				Action: env.setStatus,
			},
			{
				Name:  "select",
				Usage: "Select an application by AID or an EF by file identifier and print the response",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: AIDFlag, Usage: "hex AID"},
					&cli.StringFlag{Name: FIDFlag, Usage: "hex file identifier of an EF under the current DF"},
				},
				Action: env.selectAID,
			},
			{
				Name:  "read-binary",
				Usage: "Read from a transparent EF",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: AIDFlag, Usage: "hex AID to select first"},
					&cli.IntFlag{Name: SFIFlag, Usage: "short file identifier, 0 reads the current EF"},
					&cli.IntFlag{Name: OffsetFlag, Usage: "offset in bytes"},
					&cli.IntFlag{Name: LengthFlag, Value: 256, Usage: "number of bytes, 1-256"},
				},
				Action: env.readBinary,
			},
			{
				Name:  "update-binary",
				Usage: "Write to a transparent EF",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: AIDFlag, Usage: "hex AID to select first"},
					&cli.IntFlag{Name: SFIFlag, Usage: "short file identifier, 0 writes the current EF"},
					&cli.IntFlag{Name: OffsetFlag, Usage: "offset in bytes"},
					&cli.StringFlag{Name: DataFlag, Required: true, Usage: "hex data"},
				},
				Action: env.updateBinary,
			},
			{
				Name:  "put-data",
				Usage: "Store a data object with the interindustry PUT DATA",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: AIDFlag, Usage: "hex AID to select first"},
					&cli.StringFlag{Name: TagFlag, Required: true, Usage: "hex tag, one or two bytes"},
					&cli.StringFlag{Name: DataFlag, Required: true, Usage: "hex data"},
				},
				Action: env.putData,
			},
		},
	}
}

func pcscReaders() ([]string, error) {
	ctx, err := pcsc.EstablishContext(nil)
	if err != nil {
		return nil, err
	}
	defer ctx.Release()

	return ctx.Readers()
}

// pcscTransport releases the PC/SC context together with the card connection.
type pcscTransport struct {
	*pcsc.Reader
	ctx *pcsc.Context
}

func (t pcscTransport) Disconnect() error {
	err := t.Reader.Disconnect()

	if releaseErr := t.ctx.Release(); err == nil {
		err = releaseErr
	}

	return err
}

func pcscConnect(index int, log logrus.FieldLogger) (transport, error) {
	ctx, err := pcsc.EstablishContext(log)
	if err != nil {
		return nil, err
	}

	r, err := ctx.Connect(index)
	if err != nil {
		_ = ctx.Release()

		return nil, err
	}

	if atr, err := r.ATR(); err == nil {
		log.WithField("reader", r.Name()).Infof("ATR %02X", atr)
	}

	return pcscTransport{Reader: r, ctx: ctx}, nil
}
