package blobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ContentHash is the SHA-256 digest of a blob's bytes. It is the basis
// for the filesystem store's sharded layout and for deduplication.
type ContentHash [32]byte

// ComputeHash returns the ContentHash of data.
func ComputeHash(data []byte) ContentHash {
	return ContentHash(sha256.Sum256(data))
}

// HashFromBytes wraps a raw 32-byte digest as a ContentHash.
func HashFromBytes(b [32]byte) ContentHash {
	return ContentHash(b)
}

// HashFromHex parses a 64-character lowercase hex digest into a ContentHash.
func HashFromHex(s string) (ContentHash, error) {
	if len(s) != 64 {
		return ContentHash{}, fmt.Errorf("blobstore: content hash must be 64 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ContentHash{}, fmt.Errorf("blobstore: invalid hex content hash: %w", err)
	}
	var h ContentHash
	copy(h[:], b)
	return h, nil
}

// Hex returns the lowercase hex encoding of the hash.
func (h ContentHash) Hex() string {
	return hex.EncodeToString(h[:])
}

func (h ContentHash) String() string {
	return h.Hex()
}

// Bytes returns the raw 32-byte digest.
func (h ContentHash) Bytes() []byte {
	return h[:]
}

// ShardPrefix returns the first byte of the hash as 2 hex characters,
// used as the top-level shard directory name.
func (h ContentHash) ShardPrefix() string {
	return hex.EncodeToString(h[:1])
}

// ShardSuffix returns the remaining 31 bytes as 62 hex characters, used
// as the blob's filename within its shard directory.
func (h ContentHash) ShardSuffix() string {
	return hex.EncodeToString(h[1:])
}
