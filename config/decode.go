package config

import (
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

var (
	producerType     = reflect.TypeOf(Producer{})
	consumerKindType = reflect.TypeOf(ConsumerKind{})
	byteSizeType     = reflect.TypeOf(ByteSize(0))
)

// byteSizeDecodeHook lets a ByteSize field (read_bufsize, bus_bufsize) take a
// human-readable size string ("256KiB", "2MiB") in the manifest, on top of
// the bare integer byte count mapstructure already decodes natively. Only
// the string form needs a hook: a manifest's own numeric form (TOML int,
// YAML int) converts into the named ByteSize type through mapstructure's
// normal numeric-kind conversion without this hook ever firing.
func byteSizeDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != byteSizeType {
		return data, nil
	}
	n, err := ParseSize(data.(string))
	if err != nil {
		return nil, err
	}
	return ByteSize(n), nil
}

// producerDecodeHook turns a "stdout:name" / "stderr:name" string into a
// Producer, the Go rendering of conf.rs's serde tagged-union Producer enum.
func producerDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != producerType {
		return data, nil
	}
	s, _ := data.(string)
	stream, name, ok := strings.Cut(s, ":")
	if !ok {
		return nil, errors.Errorf("producer %q: expected \"stdout:name\" or \"stderr:name\"", s)
	}
	switch stream {
	case "stdout", "stderr":
	default:
		return nil, errors.Errorf("producer %q: unknown stream %q", s, stream)
	}
	return Producer{Stream: stream, Service: name}, nil
}

// consumerKindDecodeHook turns "log:/path", "stdout", or "stderr" into a
// ConsumerKind, the Go rendering of conf.rs's serde tagged-union
// ConsumerKind enum.
func consumerKindDecodeHook(from, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != consumerKindType {
		return data, nil
	}
	s, _ := data.(string)
	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		kind, rest = s, ""
	}
	switch kind {
	case "log":
		if rest == "" {
			return nil, errors.Errorf("consumer kind %q: log requires a path", s)
		}
		return ConsumerKind{Kind: "log", Path: rest}, nil
	case "stdout", "stderr":
		return ConsumerKind{Kind: kind}, nil
	default:
		return nil, errors.Errorf("consumer kind %q: unknown kind %q", s, kind)
	}
}
