package lsfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// DumpCompression selects the codec used by DumpDiagnostics to pack a
// diagnostic dump for transport.
type DumpCompression uint16

const (
	DumpNone DumpCompression = iota
	DumpGzip
	DumpXZ
	DumpZstd
)

func (c DumpCompression) String() string {
	switch c {
	case DumpNone:
		return "none"
	case DumpGzip:
		return "gzip"
	case DumpXZ:
		return "xz"
	case DumpZstd:
		return "zstd"
	}
	return fmt.Sprintf("DumpCompression(%d)", c)
}

// dumpCompHandler bridges a codec's native API to a uniform
// Compress/Decompress shape.
type dumpCompHandler struct {
	Compress   func([]byte) ([]byte, error)
	Decompress func(io.Reader) (io.ReadCloser, error)
}

var dumpHandlers = map[DumpCompression]*dumpCompHandler{}

// RegisterDumpCompressor installs the handler for kind. Build-tag-gated
// files (comp_xz.go, comp_zstd.go) call this from init().
func RegisterDumpCompressor(kind DumpCompression, h *dumpCompHandler) {
	dumpHandlers[kind] = h
}

func init() {
	RegisterDumpCompressor(DumpGzip, &dumpCompHandler{
		Compress: func(buf []byte) ([]byte, error) {
			var out bytes.Buffer
			w := gzip.NewWriter(&out)
			if _, err := w.Write(buf); err != nil {
				w.Close()
				return nil, err
			}
			if err := w.Close(); err != nil {
				return nil, err
			}
			return out.Bytes(), nil
		},
		Decompress: func(r io.Reader) (io.ReadCloser, error) {
			return gzip.NewReader(r)
		},
	})
}

// compressDump applies kind's registered handler, or returns buf unchanged
// for DumpNone.
func compressDump(kind DumpCompression, buf []byte) ([]byte, error) {
	if kind == DumpNone {
		return buf, nil
	}
	h, ok := dumpHandlers[kind]
	if !ok {
		return nil, newErr("dump.compress", KindInvalid, fmt.Errorf("compression %s not available (build tag not enabled?)", kind))
	}
	return h.Compress(buf)
}

// decompressDump is the inverse of compressDump.
func decompressDump(kind DumpCompression, r io.Reader) (io.ReadCloser, error) {
	if kind == DumpNone {
		return io.NopCloser(r), nil
	}
	h, ok := dumpHandlers[kind]
	if !ok {
		return nil, newErr("dump.decompress", KindInvalid, fmt.Errorf("compression %s not available (build tag not enabled?)", kind))
	}
	return h.Decompress(r)
}
