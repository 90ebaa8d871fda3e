// Package config loads the gpsc configuration file.
package config

import (
	"bytes"
	"encoding/hex"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/skythen/gpsc/card"
	"github.com/skythen/gpsc/gp"
	"gopkg.in/yaml.v3"
)

// DefaultKey is the well-known key of GlobalPlatform test cards.
const DefaultKey = "404142434445464748494A4B4C4D4E4F"

// Config is the content of the gpsc configuration file.
type Config struct {
	Reader int        `yaml:"reader"`
	Keys   KeysConfig `yaml:"keys"`
	Auth   AuthConfig `yaml:"auth"`
	Log    LogConfig  `yaml:"log"`
}

// KeysConfig holds the static keys as hex strings. Either Key or all of ENC, MAC and DEK are set.
type KeysConfig struct {
	Key     string `yaml:"key"`
	ENC     string `yaml:"enc"`
	MAC     string `yaml:"mac"`
	DEK     string `yaml:"dek"`
	Version int    `yaml:"version"`
	ID      int    `yaml:"id"`
}

// AuthConfig holds the secure channel parameters. SecurityLevel and SCP02IParam are byte values.
type AuthConfig struct {
	SecurityLevel int `yaml:"security_level"`
	SCP02IParam   int `yaml:"scp02_i"`
	Channel       int `yaml:"channel"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used for values the file does not set:
// first reader, C-MAC only, i-parameter '15', info level text logs.
func Default() *Config {
	return &Config{
		Auth: AuthConfig{SecurityLevel: 0x01, SCP02IParam: 0x15},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults and validates the result.
// Unknown fields are rejected.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	if err = dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parse config yaml")
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all values are in range and the keys decode to a valid key set.
func (c *Config) Validate() error {
	if c.Reader < 0 {
		return errors.New("config.reader must be >= 0")
	}

	if _, err := c.StaticKeys(); err != nil {
		return err
	}

	if err := checkByte(c.Keys.Version, "config.keys.version"); err != nil {
		return err
	}

	if err := checkByte(c.Keys.ID, "config.keys.id"); err != nil {
		return err
	}

	if err := checkByte(c.Auth.SecurityLevel, "config.auth.security_level"); err != nil {
		return err
	}

	if _, err := card.ParseSecurityLevel(byte(c.Auth.SecurityLevel)); err != nil {
		return errors.Wrap(err, "config.auth.security_level")
	}

	if err := checkByte(c.Auth.SCP02IParam, "config.auth.scp02_i"); err != nil {
		return err
	}

	if c.Auth.Channel < 0 || c.Auth.Channel > 19 {
		return errors.New("config.auth.channel must be 0..19")
	}

	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "config.log.level")
	}

	switch c.Log.Format {
	case "text", "json", "nocolor":
	default:
		return errors.Errorf("config.log.format must be text, json or nocolor, got %q", c.Log.Format)
	}

	return nil
}

func checkByte(v int, field string) error {
	if v < 0 || v > 0xFF {
		return errors.Errorf("%s must be 0..255, got %d", field, v)
	}

	return nil
}

// StaticKeys decodes the configured keys. Without any key DefaultKey is used.
func (c *Config) StaticKeys() (gp.StaticKeys, error) {
	k := c.Keys

	if k.Key == "" && k.ENC == "" && k.MAC == "" && k.DEK == "" {
		k.Key = DefaultKey
	}

	split := k.ENC != "" || k.MAC != "" || k.DEK != ""

	if split && k.Key != "" {
		return gp.StaticKeys{}, errors.New("config.keys: set either key or enc/mac/dek")
	}

	if !split {
		key, err := decodeKey(k.Key, "config.keys.key")
		if err != nil {
			return gp.StaticKeys{}, err
		}

		keys, err := gp.SingleKey(key)

		return keys, errors.Wrap(err, "config.keys.key")
	}

	enc, err := decodeKey(k.ENC, "config.keys.enc")
	if err != nil {
		return gp.StaticKeys{}, err
	}

	mac, err := decodeKey(k.MAC, "config.keys.mac")
	if err != nil {
		return gp.StaticKeys{}, err
	}

	dek, err := decodeKey(k.DEK, "config.keys.dek")
	if err != nil {
		return gp.StaticKeys{}, err
	}

	keys, err := gp.NewStaticKeys(enc, mac, dek)

	return keys, errors.Wrap(err, "config.keys")
}

func decodeKey(s string, field string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return nil, errors.Errorf("%s is required", field)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrapf(err, "%s is not valid hex", field)
	}

	return b, nil
}

// AuthenticatorConfig returns the handshake configuration.
func (c *Config) AuthenticatorConfig() (gp.Config, error) {
	level, err := card.ParseSecurityLevel(byte(c.Auth.SecurityLevel))
	if err != nil {
		return gp.Config{}, errors.Wrap(err, "config.auth.security_level")
	}

	return gp.Config{
		KeyVersionNumber: byte(c.Keys.Version),
		KeyID:            byte(c.Keys.ID),
		SecurityLevel:    level,
		SCP02IParam:      byte(c.Auth.SCP02IParam),
		ChannelID:        uint8(c.Auth.Channel),
	}, nil
}

// Logger returns a logger writing to out with the configured level and format.
func (c *Config) Logger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, errors.Wrap(err, "config.log.level")
	}

	log := logrus.New()
	log.Out = out
	log.Level = level

	switch c.Log.Format {
	case "json":
		log.Formatter = &logrus.JSONFormatter{}
	case "nocolor":
		log.Formatter = &logrus.TextFormatter{DisableColors: true}
	default:
		log.Formatter = &logrus.TextFormatter{}
	}

	return log, nil
}
