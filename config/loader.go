package config

import (
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// LoadFromFile loads defaults, then overlays tomlPath if it exists. A
// missing file is not an error: the defaults alone are returned.
func LoadFromFile(tomlPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "loading default config")
	}

	if err := k.Load(file.Provider(tomlPath), toml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "loading config file %q", tomlPath)
		}
	}

	cfg := &Config{}
	conf := koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
			),
			Result: cfg,
		},
	}
	if err := k.UnmarshalWithConf("", cfg, conf); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	return cfg, nil
}
