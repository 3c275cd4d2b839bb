// pkg/codec/compress.go

package codec

import (
	"strings"

	"github.com/DataDog/zstd"
	"github.com/hungys/go-lz4"
	"github.com/pkg/errors"
)

// ZSTD_LEVEL is the compression level used by zstd.
const ZSTD_LEVEL = 1

// Compressor compresses whole payloads.
type Compressor interface {
	Name() string
	ID() uint8
	CompressBound(int) int
	Compress(dst, src []byte) (int, error)
	Decompress(dst, src []byte) (int, error)
}

const (
	idNone uint8 = iota
	idLZ4
	idZstd
)

// NewCompressor returns the compressor for algr, or nil if it is unknown.
func NewCompressor(algr string) Compressor {
	switch strings.ToLower(algr) {
	case "", "none":
		return noOp{}
	case "lz4":
		return lz4Compressor{}
	case "zstd":
		return zStandard{ZSTD_LEVEL}
	}
	return nil
}

func compressorByID(id uint8) (Compressor, error) {
	switch id {
	case idNone:
		return noOp{}, nil
	case idLZ4:
		return lz4Compressor{}, nil
	case idZstd:
		return zStandard{ZSTD_LEVEL}, nil
	}
	return nil, errors.Errorf("unknown compressor id %d", id)
}

type noOp struct{}

func (n noOp) Name() string            { return "none" }
func (n noOp) ID() uint8               { return idNone }
func (n noOp) CompressBound(l int) int { return l }
func (n noOp) Compress(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, errors.New("buffer too short")
	}
	return copy(dst, src), nil
}
func (n noOp) Decompress(dst, src []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, errors.New("buffer too short")
	}
	return copy(dst, src), nil
}

type zStandard struct {
	level int
}

func (n zStandard) Name() string            { return "zstd" }
func (n zStandard) ID() uint8               { return idZstd }
func (n zStandard) CompressBound(l int) int { return zstd.CompressBound(l) }
func (n zStandard) Compress(dst, src []byte) (int, error) {
	d, err := zstd.CompressLevel(dst, src, n.level)
	if err != nil {
		return 0, err
	}
	if len(d) > 0 && len(dst) > 0 && &d[0] != &dst[0] {
		return 0, errors.Errorf("buffer too short: %d < %d", cap(dst), len(d))
	}
	return len(d), err
}

func (n zStandard) Decompress(dst, src []byte) (int, error) {
	d, err := zstd.Decompress(dst, src)
	if err != nil {
		return 0, err
	}
	if len(d) > 0 && len(dst) > 0 && &d[0] != &dst[0] {
		return 0, errors.Errorf("buffer too short: %d < %d", len(dst), len(d))
	}
	return len(d), err
}

type lz4Compressor struct{}

func (l lz4Compressor) Name() string               { return "lz4" }
func (l lz4Compressor) ID() uint8                  { return idLZ4 }
func (l lz4Compressor) CompressBound(size int) int { return lz4.CompressBound(size) }
func (l lz4Compressor) Compress(dst, src []byte) (int, error) {
	return lz4.CompressDefault(src, dst)
}
func (l lz4Compressor) Decompress(dst, src []byte) (int, error) {
	return lz4.DecompressSafe(src, dst)
}
