package protocol

import (
	"fmt"
)

// flagCompressed marks a payload whose body went through the Compressor.
const flagCompressed byte = 0x01

// Codec turns values into frame payloads and back. A payload is one flags byte
// followed by the (optionally compressed) serializer output.
type Codec struct {
	Types      *Registry
	Filter     *TypeFilter
	Serializer Serializer
	Compressor Compressor // nil disables compression on the send side

	// MaxDecompressedSize caps an inflated payload body; 0 means MaxFrameSize.
	MaxDecompressedSize int
}

// NewCodec returns a JSON codec over types with no compression.
func NewCodec(types *Registry, filter *TypeFilter) *Codec {
	if types == nil {
		types = NewRegistry()
	}
	return &Codec{
		Types:      types,
		Filter:     filter,
		Serializer: JSONSerializer{},
	}
}

// Marshal serializes v. v must be a registered type or a pointer to one.
func (c *Codec) Marshal(v any) ([]byte, error) {
	name, ok := c.Types.NameOf(v)
	if !ok {
		return nil, fmt.Errorf("marshal %T: type is not registered", v)
	}
	body, err := c.Serializer.Serialize(name, v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", name, err)
	}

	var flags byte
	// Control records stay uncompressed so a peer with a different compression
	// setting can still negotiate.
	if c.Compressor != nil && !IsBuiltin(name) {
		body, err = c.Compressor.Compress(body)
		if err != nil {
			return nil, &CompressionError{Op: "compress", Err: err}
		}
		flags |= flagCompressed
	}

	out := make([]byte, 1+len(body))
	out[0] = flags
	copy(out[1:], body)
	return out, nil
}

// Encode marshals v and frames it.
func (c *Codec) Encode(v any) ([]byte, error) {
	payload, err := c.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Frame(payload), nil
}

// TypeName returns the declared type of a marshaled payload without
// constructing it.
func (c *Codec) TypeName(payload []byte) (string, error) {
	body, err := c.body(payload)
	if err != nil {
		return "", err
	}
	name, err := c.Serializer.TypeOf(body)
	if err != nil {
		return "", &ProtocolError{Kind: KindDeserialize, Err: err}
	}
	return name, nil
}

// Unmarshal decodes a payload produced by Marshal. The declared type is checked
// against the filter and the registry before anything is constructed.
func (c *Codec) Unmarshal(payload []byte) (any, error) {
	body, err := c.body(payload)
	if err != nil {
		return nil, err
	}

	name, err := c.Serializer.TypeOf(body)
	if err != nil {
		return nil, &ProtocolError{Kind: KindDeserialize, Err: err}
	}
	if !c.Filter.Allowed(name) {
		return nil, &ProtocolError{Kind: KindNotWhitelisted, Type: name}
	}
	v, ok := c.Types.New(name)
	if !ok {
		return nil, &ProtocolError{Kind: KindUnknownType, Type: name}
	}
	if err := c.Serializer.Deserialize(body, v); err != nil {
		return nil, &ProtocolError{Kind: KindDeserialize, Type: name, Err: err}
	}
	return v, nil
}

func (c *Codec) body(payload []byte) ([]byte, error) {
	if len(payload) < 2 {
		return nil, &ProtocolError{Kind: KindDeserialize, Err: ErrShortPayload}
	}
	body := payload[1:]
	if payload[0]&flagCompressed == 0 {
		return body, nil
	}

	comp := c.Compressor
	if comp == nil {
		comp = FlateCompressor{}
	}
	limit := c.MaxDecompressedSize
	if limit <= 0 {
		limit = MaxFrameSize
	}
	out, err := comp.Decompress(body, limit)
	if err != nil {
		return nil, &CompressionError{Op: "decompress", Err: err}
	}
	return out, nil
}
