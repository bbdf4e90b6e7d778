// Package config loads the service manifest kindling supervises, translating
// the external YAML/TOML/JSON file (read via viper) into the typed structs
// the rest of the module consumes.
package config

import (
	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const defaultReadBufsize = ByteSize(2048)

// ByteSize is a byte count configurable either as a bare integer or as a
// human-readable size string ("256KiB", "2MiB"), decoded via ParseSize by
// byteSizeDecodeHook. A plain named int rather than int so the decode hook
// can target it specifically without intercepting every other int field in
// the manifest.
type ByteSize int

// StreamSpec configures capture of one of a service's stdout/stderr streams.
type StreamSpec struct {
	Watch       bool     `mapstructure:"watch"`
	ReadBufsize ByteSize `mapstructure:"read_bufsize"`
	BusBufsize  ByteSize `mapstructure:"bus_bufsize"`
}

// ServiceSpec describes one child process kindling launches and supervises.
type ServiceSpec struct {
	Name     string     `mapstructure:"name"`
	Exec     []string   `mapstructure:"exec"`
	Env      []string   `mapstructure:"env"`
	MustBeUp bool       `mapstructure:"must_be_up"`
	TTY      bool       `mapstructure:"tty"`
	Stdout   StreamSpec `mapstructure:"stdout"`
	Stderr   StreamSpec `mapstructure:"stderr"`
}

// Producer names the half of a service's output a Consumer reads from:
// "stdout:name" or "stderr:name", the Go rendering of conf.rs's Producer enum.
type Producer struct {
	Stream  string // "stdout" or "stderr"
	Service string
}

// ConsumerKind names a sink: "log:/path/to/file", "stdout", or "stderr" --
// the Go rendering of conf.rs's ConsumerKind enum.
type ConsumerKind struct {
	Kind string // "log", "stdout", "stderr"
	Path string // populated when Kind == "log"
}

// ConsumerSpec wires one Producer to one ConsumerKind.
type ConsumerSpec struct {
	Consumes Producer     `mapstructure:"consumes"`
	Kind     ConsumerKind `mapstructure:"kind"`
}

// File is the top-level manifest shape.
type File struct {
	Version   int            `mapstructure:"version"`
	Services  []ServiceSpec  `mapstructure:"service"`
	Consumers []ConsumerSpec `mapstructure:"consumer"`
}

// defaultStreamWatch fills in "watch: true" for any service's stdout/stderr
// block that omits it, and "must_be_up: true" for any service that omits it.
// Both default to true, which is indistinguishable from an explicit false
// once decoded into a Go bool, so the defaulting has to happen on the raw
// decoded value before Unmarshal runs -- viper's per-key SetDefault does not
// cascade into elements of a table array.
func defaultStreamWatch(v *viper.Viper) {
	raw, ok := v.Get("service").([]interface{})
	if !ok {
		return
	}
	for _, entry := range raw {
		svc, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		if _, set := svc["must_be_up"]; !set {
			svc["must_be_up"] = true
		}
		for _, stream := range []string{"stdout", "stderr"} {
			block, ok := svc[stream].(map[string]interface{})
			if !ok {
				block = map[string]interface{}{}
				svc[stream] = block
			}
			if _, set := block["watch"]; !set {
				block["watch"] = true
			}
		}
	}
	v.Set("service", raw)
}

func applyDefaults(f *File) {
	if f.Version == 0 {
		f.Version = 1
	}
	for i := range f.Services {
		svc := &f.Services[i]
		if svc.Stdout.ReadBufsize == 0 {
			svc.Stdout.ReadBufsize = defaultReadBufsize
		}
		if svc.Stderr.ReadBufsize == 0 {
			svc.Stderr.ReadBufsize = defaultReadBufsize
		}
	}
}

// Load reads and decodes the manifest at path. The format (YAML/TOML/JSON) is
// inferred by viper from the file extension.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read config %q", path)
	}

	defaultStreamWatch(v)

	var f File
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		producerDecodeHook,
		consumerKindDecodeHook,
		byteSizeDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&f, viper.DecodeHook(decodeHook)); err != nil {
		return nil, errors.Wrapf(err, "decode config %q", path)
	}

	applyDefaults(&f)
	return &f, nil
}

// ParseSize parses a human-readable byte size ("256KiB", "2MiB") via
// docker/go-units, falling back to a bare integer byte count.
func ParseSize(s string) (int, error) {
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parse size %q", s)
	}
	return int(n), nil
}

