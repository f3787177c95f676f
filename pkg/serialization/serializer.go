// Package serialization encodes and compresses snapshot records for storage.
// PRINCIPLES:
// - KISS: one codec plus one optional compression stage
// - Codecs and compressors are chosen by name so config files can select them
package serialization

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrUnknownFormat is returned for unrecognized codec or compression names.
var ErrUnknownFormat = errors.New("unknown serialization format")

// Codec interface for serialization
// PRINCIPLES:
// - ISP: Simple interface with ≤5 methods
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
	Name() string
}

// CompressionType represents compression algorithms
type CompressionType string

const (
	CompressionNone CompressionType = "none"
	CompressionGzip CompressionType = "gzip"
	CompressionZstd CompressionType = "zstd"
)

// SerializationConfig holds serialization settings
type SerializationConfig struct {
	Codec       Codec
	Compression CompressionType
}

// Serializer runs the encode-then-compress pipeline and its inverse.
type Serializer struct {
	config SerializationConfig

	zstdOnce sync.Once
	zenc     *zstd.Encoder
	zdec     *zstd.Decoder
	zerr     error
}

// NewSerializer creates a new serializer with configuration
func NewSerializer(config SerializationConfig) *Serializer {
	if config.Codec == nil {
		config.Codec = NewMsgPackCodec()
	}
	if config.Compression == "" {
		config.Compression = CompressionNone
	}
	return &Serializer{config: config}
}

// FromNames builds a serializer from a codec name (json, msgpack) and a
// compression name (none, gzip, zstd).
func FromNames(codec, compression string) (*Serializer, error) {
	c, err := NewCodec(codec)
	if err != nil {
		return nil, err
	}
	switch ct := CompressionType(compression); ct {
	case "", CompressionNone, CompressionGzip, CompressionZstd:
		return NewSerializer(SerializationConfig{Codec: c, Compression: ct}), nil
	default:
		return nil, fmt.Errorf("%w: compression %q", ErrUnknownFormat, compression)
	}
}

// Name describes the pipeline, e.g. "msgpack+zstd".
func (s *Serializer) Name() string {
	return s.config.Codec.Name() + "+" + string(s.config.Compression)
}

// Serialize encodes and compresses v
func (s *Serializer) Serialize(v interface{}) ([]byte, error) {
	data, err := s.config.Codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("codec encoding failed: %w", err)
	}
	data, err = s.compress(data)
	if err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	return data, nil
}

// Deserialize decompresses and decodes data into v
func (s *Serializer) Deserialize(data []byte, v interface{}) error {
	data, err := s.decompress(data)
	if err != nil {
		return fmt.Errorf("decompression failed: %w", err)
	}
	if err := s.config.Codec.Decode(data, v); err != nil {
		return fmt.Errorf("codec decoding failed: %w", err)
	}
	return nil
}

func (s *Serializer) compress(data []byte) ([]byte, error) {
	switch s.config.Compression {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		if err := s.initZstd(); err != nil {
			return nil, err
		}
		return s.zenc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

func (s *Serializer) decompress(data []byte) ([]byte, error) {
	switch s.config.Compression {
	case CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		if err := s.initZstd(); err != nil {
			return nil, err
		}
		return s.zdec.DecodeAll(data, nil)
	default:
		return data, nil
	}
}

// initZstd builds the shared encoder and decoder. EncodeAll and DecodeAll
// are safe for concurrent use.
func (s *Serializer) initZstd() error {
	s.zstdOnce.Do(func() {
		s.zenc, s.zerr = zstd.NewWriter(nil)
		if s.zerr != nil {
			return
		}
		s.zdec, s.zerr = zstd.NewReader(nil)
	})
	return s.zerr
}

// JSONCodec implements JSON serialization
type JSONCodec struct{}

func (c *JSONCodec) Encode(v interface{}) ([]byte, error)    { return json.Marshal(v) }
func (c *JSONCodec) Decode(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (c *JSONCodec) Name() string                            { return "json" }

// MsgPackCodec implements MessagePack serialization
type MsgPackCodec struct{}

func (c *MsgPackCodec) Encode(v interface{}) ([]byte, error)    { return msgpack.Marshal(v) }
func (c *MsgPackCodec) Decode(data []byte, v interface{}) error { return msgpack.Unmarshal(data, v) }
func (c *MsgPackCodec) Name() string                            { return "msgpack" }

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() Codec {
	return &JSONCodec{}
}

// NewMsgPackCodec creates a new MessagePack codec
func NewMsgPackCodec() Codec {
	return &MsgPackCodec{}
}

// NewCodec returns the codec registered under name. The empty name is msgpack.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return NewMsgPackCodec(), nil
	case "json":
		return NewJSONCodec(), nil
	default:
		return nil, fmt.Errorf("%w: codec %q", ErrUnknownFormat, name)
	}
}

// DefaultSerializer creates a serializer with sensible defaults
func DefaultSerializer() *Serializer {
	return NewSerializer(SerializationConfig{
		Codec:       NewMsgPackCodec(),
		Compression: CompressionZstd,
	})
}
