package cache

import (
	"crypto/sha256"
	"encoding/hex"
)

// Key builds the exact-match cache key for one request. Scoping by virtual
// key keeps tenants from reading each other's responses; the raw body (with
// any routing overrides already applied) captures model, temperature and
// messages in one hash.
func Key(virtualKeyID, providerID, model string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(virtualKeyID))
	h.Write([]byte{0})
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(body)
	return "cache:resp:" + hex.EncodeToString(h.Sum(nil))
}
