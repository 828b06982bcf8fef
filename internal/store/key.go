package store

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash/fnv"
	"strings"
)

// KeySize is the number of bytes in a cache key. Keys are truncated content
// hashes; the full digest adds nothing once the keyspace is this wide.
const KeySize = 16

// Key uniquely identifies a cacheable response within one cache scope. It is
// opaque and never mutates.
type Key [KeySize]byte

// PublicKey derives the shared, cross-worker-addressable key for a request.
// Every worker derives the identical key for the identical request; that is
// what makes collapsed forwarding discovery possible.
func PublicKey(method, uri string) Key {
	return deriveKey("P", method, uri, "")
}

// VaryKey derives a public key narrowed by a Vary selection token.
func VaryKey(method, uri, varyToken string) Key {
	return deriveKey("P", method, uri, varyToken)
}

// PrivateKey derives a key usable only within this worker. The request serial
// keeps concurrent private fetches for one URI from colliding.
func PrivateKey(method, uri string, serial uint64) Key {
	var tag [8]byte
	binary.BigEndian.PutUint64(tag[:], serial)
	return deriveKey("R", method, uri, string(tag[:]))
}

func deriveKey(scope, method, uri, extra string) Key {
	h := sha256.New()
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(uri))
	if extra != "" {
		h.Write([]byte{0})
		h.Write([]byte(extra))
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Hash32 folds the key into a 32-bit table index seed.
func (k Key) Hash32() uint32 {
	h := fnv.New32a()
	h.Write(k[:])
	return h.Sum32()
}

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}
