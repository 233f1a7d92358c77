package upstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

var ErrUnsupportedCompression = errors.New("unsupported cabinet compression")

// Decompressor turns a compressed metadata blob into its raw payload.
type Decompressor interface {
	Decompress(data []byte) ([]byte, error)
}

const (
	cabHeaderSize     = 36
	cabFolderSize     = 8
	cabDataHeaderSize = 8

	cabFlagPrevCabinet    = 0x0001
	cabFlagNextCabinet    = 0x0002
	cabFlagReservePresent = 0x0004

	cabCompressNone  = 0
	cabCompressMSZIP = 1

	mszipWindow = 32 * 1024
)

// CabDecompressor extracts the concatenated folder data of a Microsoft
// Cabinet. Metadata cabinets hold a single file, so the folder data is the
// file content. Only stored and MSZIP folders are supported.
type CabDecompressor struct{}

func (CabDecompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < cabHeaderSize || string(data[:4]) != "MSCF" {
		return nil, fmt.Errorf("cabinet: bad signature")
	}
	le := binary.LittleEndian
	folders := int(le.Uint16(data[26:]))
	flags := le.Uint16(data[30:])

	off := cabHeaderSize
	folderReserve, dataReserve := 0, 0
	if flags&cabFlagReservePresent != 0 {
		if off+4 > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		headerReserve := int(le.Uint16(data[off:]))
		folderReserve = int(data[off+2])
		dataReserve = int(data[off+3])
		off += 4 + headerReserve
		if off > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
	}
	var err error
	if flags&cabFlagPrevCabinet != 0 {
		if off, err = skipCStrings(data, off, 2); err != nil {
			return nil, err
		}
	}
	if flags&cabFlagNextCabinet != 0 {
		if off, err = skipCStrings(data, off, 2); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	for i := 0; i < folders; i++ {
		if off+cabFolderSize > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		start := int(le.Uint32(data[off:]))
		blocks := int(le.Uint16(data[off+4:]))
		compression := le.Uint16(data[off+6:]) & 0x000F
		off += cabFolderSize + folderReserve

		folder, err := extractFolder(data, start, blocks, compression, dataReserve)
		if err != nil {
			return nil, fmt.Errorf("cabinet: folder %d: %w", i, err)
		}
		out.Write(folder)
	}
	return out.Bytes(), nil
}

func extractFolder(data []byte, off int, blocks int, compression uint16, reserve int) ([]byte, error) {
	if compression != cabCompressNone && compression != cabCompressMSZIP {
		return nil, fmt.Errorf("%w: type %d", ErrUnsupportedCompression, compression)
	}
	le := binary.LittleEndian
	var out []byte
	for b := 0; b < blocks; b++ {
		if off+cabDataHeaderSize > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		compressed := int(le.Uint16(data[off+4:]))
		uncompressed := int(le.Uint16(data[off+6:]))
		off += cabDataHeaderSize + reserve
		if off+compressed > len(data) {
			return nil, io.ErrUnexpectedEOF
		}
		block := data[off : off+compressed]
		off += compressed

		if compression == cabCompressNone {
			out = append(out, block...)
			continue
		}
		if len(block) < 2 || block[0] != 'C' || block[1] != 'K' {
			return nil, fmt.Errorf("block %d: bad MSZIP signature", b)
		}
		// MSZIP blocks share the deflate history window with earlier blocks.
		window := out
		if len(window) > mszipWindow {
			window = window[len(window)-mszipWindow:]
		}
		r := flate.NewReaderDict(bytes.NewReader(block[2:]), window)
		buf := make([]byte, uncompressed)
		if _, err := io.ReadFull(r, buf); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("block %d: inflate: %w", b, err)
		}
		_ = r.Close()
		out = append(out, buf...)
	}
	return out, nil
}

func skipCStrings(data []byte, off int, n int) (int, error) {
	for ; n > 0; n-- {
		if off > len(data) {
			return 0, io.ErrUnexpectedEOF
		}
		i := bytes.IndexByte(data[off:], 0)
		if i < 0 {
			return 0, io.ErrUnexpectedEOF
		}
		off += i + 1
	}
	return off, nil
}
