package storage

import (
	"crypto/sha1"
	"encoding/hex"
)

// SymbolID computes symbol_id = H(path, kind, qualname) per §3, a
// stable 160-bit digest — the same sha1-based construction
// internal/workspace/path.go uses for root_id.
func SymbolID(path, kind, qualname string) string {
	h := sha1.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(qualname))
	return hex.EncodeToString(h.Sum(nil))
}
