package apkparser

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"path"

	"github.com/klauspost/compress/flate"
)

// zipLocation is one physical span of entry data inside the archive's bytes:
// an offset where the (possibly compressed) payload begins, the method it
// was packed with, and - when recovered from a central directory - the
// size and checksum recorded for it. A salvaged archive can produce more
// than one location for the same name; §4.1's manual-scan fallback keeps
// every one it finds rather than guessing which is authoritative on sight.
type zipLocation struct {
	dataOffset int64
	method     uint16

	// compressedSize/crc32 are only known when this location came from a
	// central directory entry. A location recovered by scanning local file
	// headers has neither: reading it is bounded by the caller's limit
	// instead, and TestIntegrity skips the checksum comparison for it.
	compressedSize int64
	crc32          uint32
	hasMeta        bool
}

type archiveEntry struct {
	name      string
	locations []zipLocation
}

// ZipIndex is read-only random access over a ZIP/APK's entries (§4.1): build
// it once from the archive's bytes, then look entries up by name. Archives
// archive/zip itself rejects but Android tolerates are recovered by scanning
// for local file header signatures directly.
type ZipIndex struct {
	src     io.ReaderAt
	size    int64
	order   []string
	entries map[string]*archiveEntry
}

// maxEntrySize bounds a single entry's decompressed size; it exists to give
// Store-method reads recovered by the manual scan (which carry no declared
// size) somewhere to stop.
const maxEntrySize = 1 << 32

// OpenZipIndex builds a ZipIndex from raw archive bytes.
func OpenZipIndex(data []byte) (*ZipIndex, error) {
	idx := &ZipIndex{
		src:     bytes.NewReader(data),
		size:    int64(len(data)),
		entries: make(map[string]*archiveEntry),
	}

	if err := idx.buildFromCentralDirectory(); err != nil {
		if err := idx.buildFromLocalHeaderScan(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBrokenArchive, err.Error())
		}
	}

	return idx, nil
}

// buildFromCentralDirectory is the fast path: let archive/zip validate the
// End of Central Directory and central directory itself, then read each
// entry's raw (still-compressed) bytes ourselves rather than going through
// zip.File.Open, so decompression stays in our own control for the
// Android-specific method override below.
func (idx *ZipIndex) buildFromCentralDirectory() error {
	zr, err := zip.NewReader(idx.src, idx.size)
	if err != nil {
		return err
	}

	for _, zf := range zr.File {
		dataOffset, err := zf.DataOffset()
		if err != nil {
			continue
		}

		idx.addLocation(path.Clean(zf.Name), zipLocation{
			dataOffset:     dataOffset,
			method:         androidMethod(zf.Name, zf.Method),
			compressedSize: int64(zf.CompressedSize64),
			crc32:          zf.CRC32,
			hasMeta:        true,
		})
	}
	return nil
}

// androidMethod mirrors how Android's own zip reader resolves a method
// value it doesn't recognize: treated as Deflate, except the two entries
// ZipAssetsProvider always extracts verbatim, which it treats as Store.
func androidMethod(name string, method uint16) uint16 {
	if method == zip.Store || method == zip.Deflate {
		return method
	}
	switch name {
	case "AndroidManifest.xml", "resources.arsc":
		return zip.Store
	default:
		return zip.Deflate
	}
}

// buildFromLocalHeaderScan recovers entries by walking the raw bytes for
// local file header signatures directly, for archives malformed enough
// that archive/zip won't open them at all (§4.1).
func (idx *ZipIndex) buildFromLocalHeaderScan() error {
	var pos int64
	for {
		off, err := findLocalFileHeader(idx.src, pos, idx.size)
		if err != nil {
			return err
		}
		if off < 0 {
			return nil
		}

		hdr := make([]byte, 30)
		if _, err := idx.src.ReadAt(hdr, off); err != nil {
			return err
		}

		method := binary.LittleEndian.Uint16(hdr[8:10])
		nameLen := binary.LittleEndian.Uint16(hdr[26:28])
		extraLen := binary.LittleEndian.Uint16(hdr[28:30])

		nameBuf := make([]byte, nameLen)
		if _, err := idx.src.ReadAt(nameBuf, off+30); err != nil {
			return err
		}

		dataOffset := off + 30 + int64(nameLen) + int64(extraLen)
		idx.addLocation(path.Clean(string(nameBuf)), zipLocation{
			dataOffset: dataOffset,
			method:     method,
		})

		pos = off + 4
	}
}

// findLocalFileHeader scans for the next "PK\x03\x04" signature at or after
// from, returning -1 when none remains before size.
func findLocalFileHeader(src io.ReaderAt, from, size int64) (int64, error) {
	sig := [4]byte{0x50, 0x4B, 0x03, 0x04}
	buf := make([]byte, 64*1024)
	matched := 0

	for pos := from; pos < size; {
		n := len(buf)
		if remaining := size - pos; int64(n) > remaining {
			n = int(remaining)
		}
		if _, err := src.ReadAt(buf[:n], pos); err != nil && err != io.EOF {
			return -1, err
		}

		for i := 0; i < n; i++ {
			if buf[i] == sig[matched] {
				matched++
				if matched == len(sig) {
					return pos + int64(i) - int64(len(sig)-1), nil
				}
			} else if buf[i] == sig[0] {
				matched = 1
			} else {
				matched = 0
			}
		}
		pos += int64(n)
	}
	return -1, nil
}

func (idx *ZipIndex) addLocation(name string, loc zipLocation) {
	e := idx.entries[name]
	if e == nil {
		e = &archiveEntry{name: name}
		idx.entries[name] = e
		idx.order = append(idx.order, name)
	}
	e.locations = append(e.locations, loc)
}

// Names returns every distinct entry name, in the order each first appeared
// while building the index.
func (z *ZipIndex) Names() []string {
	out := make([]string, len(z.order))
	copy(out, z.order)
	return out
}

// Read returns the first occurrence of name's uncompressed bytes, or
// ErrEntryNotFound. §3's Archive invariant: a repeated name resolves to its
// first occurrence only.
func (z *ZipIndex) Read(name string) ([]byte, error) {
	e := z.entries[path.Clean(name)]
	if e == nil || len(e.locations) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return readLocation(z.src, z.size, e.locations[0], maxEntrySize)
}

func readLocation(src io.ReaderAt, srcSize int64, loc zipLocation, limit int64) ([]byte, error) {
	span := limit
	if loc.hasMeta {
		span = loc.compressedSize
	} else if remaining := srcSize - loc.dataOffset; remaining < span {
		span = remaining
	}
	r := io.NewSectionReader(src, loc.dataOffset, span)

	if loc.method == zip.Store {
		return io.ReadAll(io.LimitReader(r, limit))
	}

	// Android treats anything other than Store as Deflate.
	fr := flate.NewReader(r)
	defer fr.Close()
	return io.ReadAll(io.LimitReader(fr, limit))
}

// TestIntegrity decompresses every entry and compares its CRC32 against the
// value recorded in the central directory, per §4.1. Reports a single
// ErrBrokenArchive without identifying which entry failed. Entries only
// recovered by the manual scan carry no stored checksum and are skipped.
func (z *ZipIndex) TestIntegrity() error {
	for _, name := range z.order {
		for _, loc := range z.entries[name].locations {
			if !loc.hasMeta {
				continue
			}

			data, err := readLocation(z.src, z.size, loc, maxEntrySize)
			if err != nil {
				return fmt.Errorf("%w: failed to read %s: %s", ErrBrokenArchive, name, err.Error())
			}
			if crc32.ChecksumIEEE(data) != loc.crc32 {
				return fmt.Errorf("%w: crc32 mismatch in %s", ErrBrokenArchive, name)
			}
		}
	}
	return nil
}

// Close releases the underlying archive. ZipIndex only ever wraps an
// in-memory buffer, so this is a no-op kept for symmetry with callers that
// defer it unconditionally.
func (z *ZipIndex) Close() error { return nil }
