package worker

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// zlibMagic is the storage-layer magic prefix of §3's File record:
// "optionally prefixed with a magic tag indicating zlib compression."
var zlibMagic = []byte("ZLIB\x00")

// compressContent zlib-compresses content and prepends zlibMagic.
func compressContent(content []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(zlibMagic)
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decompressContent reverses compressContent; returns content
// unmodified if it does not carry the magic prefix.
func decompressContent(content []byte) ([]byte, error) {
	if !bytes.HasPrefix(content, zlibMagic) {
		return content, nil
	}
	r, err := zlib.NewReader(bytes.NewReader(content[len(zlibMagic):]))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
