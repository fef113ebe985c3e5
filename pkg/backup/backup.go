// Package backup exports and imports compressed images of every block of an
// array.
//
// An image is a compressed stream holding a length-prefixed header followed
// by each block of disk 0, then disk 1 and so on, every block exactly
// BlockSize bytes. The header is a protobuf-wire message:
//
//	1: magic     (bytes)
//	2: version   (varint)
//	3: disks     (varint)
//	4: blocks    (varint)
//	5: blockSize (varint)
package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/raid6/pkg/blockstore"
	"github.com/i5heu/raid6/pkg/raiderr"
)

// Codec is the compression of an image.
type Codec string

const (
	Zstd Codec = "zstd"
	XZ   Codec = "xz"
)

// ParseCodec validates a codec name. The empty string selects Zstd.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(s); c {
	case "":
		return Zstd, nil
	case Zstd, XZ:
		return c, nil
	default:
		return "", fmt.Errorf("backup: unknown codec %q", s)
	}
}

// Stats summarises a transferred image.
type Stats struct {
	Codec  Codec
	Blocks int
	// Bytes counts uncompressed block payload.
	Bytes int64
}

const (
	imageMagic   = "raid6-image"
	imageVersion = 1

	fieldMagic     protowire.Number = 1
	fieldVersion   protowire.Number = 2
	fieldDisks     protowire.Number = 3
	fieldBlocks    protowire.Number = 4
	fieldBlockSize protowire.Number = 5

	maxHeaderSize = 1 << 10
)

var (
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
	xzMagic   = []byte{0xFD, '7', 'z', 'X', 'Z', 0x00}
)

type header struct {
	magic   string
	version uint64
	g       blockstore.Geometry
}

func encodeHeader(g blockstore.Geometry) []byte {
	var msg []byte
	msg = protowire.AppendTag(msg, fieldMagic, protowire.BytesType)
	msg = protowire.AppendString(msg, imageMagic)
	msg = protowire.AppendTag(msg, fieldVersion, protowire.VarintType)
	msg = protowire.AppendVarint(msg, imageVersion)
	msg = protowire.AppendTag(msg, fieldDisks, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(g.Disks))
	msg = protowire.AppendTag(msg, fieldBlocks, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(g.Blocks))
	msg = protowire.AppendTag(msg, fieldBlockSize, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(g.BlockSize))
	return protowire.AppendBytes(nil, msg)
}

func decodeHeader(msg []byte) (header, error) {
	var h header
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return h, protowire.ParseError(n)
		}
		msg = msg[n:]

		switch {
		case num == fieldMagic && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(msg)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			h.magic = v
			msg = msg[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			switch num {
			case fieldVersion:
				h.version = v
			case fieldDisks:
				h.g.Disks = int(v)
			case fieldBlocks:
				h.g.Blocks = int(v)
			case fieldBlockSize:
				h.g.BlockSize = int(v)
			}
			msg = msg[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return h, protowire.ParseError(n)
			}
			msg = msg[n:]
		}
	}
	return h, nil
}

func compressor(w io.Writer, codec Codec) (io.WriteCloser, error) {
	switch codec {
	case Zstd:
		return zstd.NewWriter(w)
	case XZ:
		return xz.NewWriter(w)
	default:
		return nil, fmt.Errorf("backup: unknown codec %q", codec)
	}
}

// Write streams every block of store to w.
func Write(ctx context.Context, store blockstore.BlockStore, w io.Writer, codec Codec) (Stats, error) {
	stats := Stats{Codec: codec}
	g := store.Geometry()

	cw, err := compressor(w, codec)
	if err != nil {
		return stats, err
	}
	if _, err := cw.Write(encodeHeader(g)); err != nil {
		_ = cw.Close()
		return stats, fmt.Errorf("backup: write header: %w", err)
	}

	for d := 0; d < g.Disks; d++ {
		for b := 0; b < g.Blocks; b++ {
			if err := ctx.Err(); err != nil {
				_ = cw.Close()
				return stats, err
			}
			block, err := store.Read(ctx, d, b, 0, g.BlockSize)
			if err != nil {
				_ = cw.Close()
				return stats, fmt.Errorf("backup: %w", err)
			}
			if _, err := cw.Write(block); err != nil {
				_ = cw.Close()
				return stats, fmt.Errorf("backup: write disk %d block %d: %w", d, b, err)
			}
			stats.Blocks++
			stats.Bytes += int64(len(block))
		}
	}
	if err := cw.Close(); err != nil {
		return stats, fmt.Errorf("backup: finish %s stream: %w", codec, err)
	}
	return stats, nil
}

func decompressor(r io.Reader) (io.Reader, Codec, func(), error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, "", nil, fmt.Errorf("backup: read image: %w", err)
	}

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, "", nil, fmt.Errorf("backup: open zstd stream: %w", err)
		}
		return dec, Zstd, dec.Close, nil
	case bytes.HasPrefix(head, xzMagic):
		dec, err := xz.NewReader(br)
		if err != nil {
			return nil, "", nil, fmt.Errorf("backup: open xz stream: %w", err)
		}
		return dec, XZ, func() {}, nil
	default:
		return nil, "", nil, fmt.Errorf("backup: image is neither zstd nor xz: %w", raiderr.ErrConfig)
	}
}

// Read restores every block of store from an image produced by Write. The
// image geometry must equal the store geometry.
func Read(ctx context.Context, store blockstore.BlockStore, r io.Reader) (Stats, error) {
	var stats Stats
	dr, codec, closeFn, err := decompressor(r)
	if err != nil {
		return stats, err
	}
	defer closeFn()
	stats.Codec = codec

	br := bufio.NewReader(dr)
	size, err := binary.ReadUvarint(br)
	if err != nil {
		return stats, fmt.Errorf("backup: read header length: %w: %w", raiderr.ErrConfig, err)
	}
	if size > maxHeaderSize {
		return stats, fmt.Errorf("backup: header of %d bytes: %w", size, raiderr.ErrConfig)
	}
	msg := make([]byte, size)
	if _, err := io.ReadFull(br, msg); err != nil {
		return stats, fmt.Errorf("backup: read header: %w: %w", raiderr.ErrConfig, err)
	}
	h, err := decodeHeader(msg)
	if err != nil {
		return stats, fmt.Errorf("backup: decode header: %w: %w", raiderr.ErrConfig, err)
	}
	if h.magic != imageMagic || h.version != imageVersion {
		return stats, fmt.Errorf("backup: not a version %d image (magic %q, version %d): %w",
			imageVersion, h.magic, h.version, raiderr.ErrConfig)
	}
	g := store.Geometry()
	if h.g != g {
		return stats, fmt.Errorf("backup: image geometry %s does not match array %s: %w", h.g, g, raiderr.ErrConfig)
	}

	block := make([]byte, g.BlockSize)
	for d := 0; d < g.Disks; d++ {
		for b := 0; b < g.Blocks; b++ {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if _, err := io.ReadFull(br, block); err != nil {
				return stats, fmt.Errorf("backup: image truncated at disk %d block %d: %w", d, b, err)
			}
			if err := store.Write(ctx, d, b, 0, block); err != nil {
				return stats, fmt.Errorf("backup: %w", err)
			}
			stats.Blocks++
			stats.Bytes += int64(len(block))
		}
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return stats, fmt.Errorf("backup: trailing data after last block: %w", raiderr.ErrConfig)
	}
	return stats, nil
}
