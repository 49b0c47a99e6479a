package protocol

import (
	"bytes"
	"compress/flate"
	"encoding/json"
	"fmt"
	"io"
)

// Serializer turns values into bytes that carry their own declared type name.
// TypeOf must not construct anything so that the whitelist can be checked first.
type Serializer interface {
	Serialize(typeName string, v any) ([]byte, error)
	TypeOf(data []byte) (string, error)
	Deserialize(data []byte, into any) error
}

// Compressor is an optional payload transform applied after serialization.
// Decompress must fail with ErrDecompressedTooLarge rather than produce more
// than limit bytes.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, limit int) ([]byte, error)
}

// JSONSerializer wraps each value as {"type": name, "data": value}.
type JSONSerializer struct{}

type jsonEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (JSONSerializer) Serialize(typeName string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(jsonEnvelope{Type: typeName, Data: data})
}

func (JSONSerializer) TypeOf(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", err
	}
	if head.Type == "" {
		return "", fmt.Errorf("missing type name")
	}
	return head.Type, nil
}

func (JSONSerializer) Deserialize(data []byte, into any) error {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("missing data for %s", env.Type)
	}
	return json.Unmarshal(env.Data, into)
}

// FlateCompressor compresses with DEFLATE at the given level (0 means default).
type FlateCompressor struct {
	Level int
}

func (c FlateCompressor) Compress(data []byte) ([]byte, error) {
	level := c.Level
	if level == 0 {
		level = flate.DefaultCompression
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (FlateCompressor) Decompress(data []byte, limit int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrDecompressedTooLarge, limit)
	}
	return out, nil
}
