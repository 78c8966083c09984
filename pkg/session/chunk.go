package session

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// chunkMagic prefixes every automerge chunk, both full documents and change chunks.
var chunkMagic = []byte{0x85, 0x6f, 0x4a, 0x83}

const (
	chunkDocument   = 0x00
	chunkChange     = 0x01
	chunkCompressed = 0x02
)

// validateChunks walks the chunk framing of an update and rejects it unless it consists of whole, well formed
// chunks: magic bytes, a known type, a length that fits and, for uncompressed chunks, a matching checksum. The
// incremental loader stops at the first bad chunk without reporting it, so this has to happen before loading.
func validateChunks(update []byte) error {
	if len(update) == 0 {
		return fmt.Errorf("%w: empty update", ErrInvalidUpdate)
	}
	for offset := 0; offset < len(update); {
		rest := update[offset:]
		if len(rest) < 9 || !bytes.Equal(rest[:4], chunkMagic) {
			return fmt.Errorf("%w: no automerge chunk at byte %d", ErrInvalidUpdate, offset)
		}
		checksum, typ := rest[4:8], rest[8]
		if typ != chunkDocument && typ != chunkChange && typ != chunkCompressed {
			return fmt.Errorf("%w: unknown chunk type %d at byte %d", ErrInvalidUpdate, typ, offset)
		}
		length, n := binary.Uvarint(rest[9:])
		if n <= 0 {
			return fmt.Errorf("%w: bad chunk length at byte %d", ErrInvalidUpdate, offset)
		}
		start := 9 + n
		if length > uint64(len(rest)-start) {
			return fmt.Errorf("%w: chunk at byte %d is truncated", ErrInvalidUpdate, offset)
		}
		end := start + int(length)
		// compressed chunks are checksummed over their inflated form
		if typ != chunkCompressed {
			sum := sha256.Sum256(rest[8:end])
			if !bytes.Equal(sum[:4], checksum) {
				return fmt.Errorf("%w: checksum mismatch at byte %d", ErrInvalidUpdate, offset)
			}
		}
		offset += end
	}
	return nil
}
