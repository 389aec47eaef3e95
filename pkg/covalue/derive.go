package covalue

// Hasher is the minimal hashing capability covalue needs from
// internal/crypto to derive IDs, kept here (rather than importing
// internal/crypto directly) to avoid a dependency cycle: internal/crypto
// never needs to know about CoValue headers.
type Hasher interface {
	Hash(data []byte) [32]byte
}

// DeriveID computes a CoValue's ID as the content hash of its canonically
// encoded header (§3: "Identified by a content hash of its header; that
// hash is the ID and never changes").
func DeriveID(h Hasher, header Header) (ID, error) {
	canon, err := Canonicalize(header)
	if err != nil {
		return ID{}, err
	}
	return NewID(h.Hash(canon)), nil
}
