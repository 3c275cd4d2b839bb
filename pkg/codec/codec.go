// pkg/codec/codec.go

// Package codec turns record payloads into the bytes kept at rest and back.
package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	compressMask  = 0x0f
	encryptedFlag = 0x10
)

// MaxPayloadSize is the largest payload Encode accepts and Decode will allocate.
const MaxPayloadSize = 256 << 20

// Codec compresses and then optionally encrypts payloads. The returned id describes
// the transform applied, so payloads written with another setting stay readable.
type Codec struct {
	comp Compressor
	enc  Encryptor
}

// New returns a codec. A nil compressor means no compression; a nil encryptor means no encryption.
func New(comp Compressor, enc Encryptor) *Codec {
	if comp == nil {
		comp = noOp{}
	}
	return &Codec{comp: comp, enc: enc}
}

// Plain is a codec that stores payloads unchanged.
var Plain = New(nil, nil)

func (c *Codec) String() string {
	if c.enc != nil {
		return c.comp.Name() + "+aes"
	}
	return c.comp.Name()
}

func (c *Codec) Encrypted() bool { return c.enc != nil }

// Encode returns the at-rest form of data and the id to store next to it.
func (c *Codec) Encode(data []byte) (uint8, []byte, error) {
	if len(data) > MaxPayloadSize {
		return 0, nil, errors.Errorf("payload of %d bytes exceeds %d", len(data), MaxPayloadSize)
	}
	id := c.comp.ID()
	var out []byte
	if id == idNone || len(data) == 0 {
		id = idNone
		out = make([]byte, len(data))
		copy(out, data)
	} else {
		buf := make([]byte, 4+c.comp.CompressBound(len(data)))
		binary.BigEndian.PutUint32(buf, uint32(len(data)))
		n, err := c.comp.Compress(buf[4:], data)
		if err != nil {
			return 0, nil, errors.Wrapf(err, "compress with %s", c.comp.Name())
		}
		out = buf[:4+n]
	}
	if c.enc != nil {
		sealed, err := c.enc.Encrypt(out)
		if err != nil {
			return 0, nil, errors.Wrap(err, "encrypt")
		}
		out = sealed
		id |= encryptedFlag
	}
	return id, out, nil
}

// Decode reverses Encode for a payload stored with id.
func (c *Codec) Decode(id uint8, blob []byte) ([]byte, error) {
	if id&encryptedFlag != 0 {
		if c.enc == nil {
			return nil, errors.New("payload is encrypted but no passphrase is configured")
		}
		plain, err := c.enc.Decrypt(blob)
		if err != nil {
			return nil, err
		}
		blob = plain
	}
	comp, err := compressorByID(id & compressMask)
	if err != nil {
		return nil, err
	}
	if comp.ID() == idNone {
		out := make([]byte, len(blob))
		copy(out, blob)
		return out, nil
	}
	if len(blob) < 4 {
		return nil, errors.Errorf("compressed payload too short: %d bytes", len(blob))
	}
	size := binary.BigEndian.Uint32(blob)
	if size > MaxPayloadSize {
		return nil, errors.Errorf("corrupted payload header: size %d exceeds %d", size, MaxPayloadSize)
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	n, err := comp.Decompress(out, blob[4:])
	if err != nil {
		return nil, errors.Wrapf(err, "decompress with %s", comp.Name())
	}
	if n != int(size) {
		return nil, errors.Errorf("decompressed %d bytes, expect %d", n, size)
	}
	return out, nil
}
