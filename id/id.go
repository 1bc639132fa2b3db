// Package id implements the 160-bit identifiers used throughout the
// Kademlia core: node identifiers, message identifiers, and hashed keys.
package id

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/big"

	ipfsutil "github.com/ipfs/go-ipfs-util"
	"github.com/multiformats/go-multihash"
)

// Length is the width, in bytes, of an identifier (160 bits).
const Length = 20

// Bits is the width, in bits, of an identifier.
const Bits = Length * 8

// ErrInvalidIdentifier is returned when a value outside [0, 2^160) is
// used where an identifier is required.
var ErrInvalidIdentifier = errors.New("id: value outside [0, 2^160)")

// ID is a 160-bit unsigned identifier, big-endian encoded.
type ID [Length]byte

// Zero is the identifier with all bits unset.
var Zero ID

// HashKey hashes an arbitrary key (raw bytes, or the UTF-8 encoding of a
// string) down to a 160-bit identifier via SHA-1, interpreting the
// resulting digest big-endian.
func HashKey(key []byte) ID {
	digest := sha1.Sum(key)
	var out ID
	copy(out[:], digest[:])
	return out
}

// HashString is HashKey over the UTF-8 bytes of s.
func HashString(s string) ID {
	return HashKey([]byte(s))
}

// RandomIdentifier draws 160 random bits and hashes them with HashKey,
// matching the reference implementation's distribution. The extra hash
// step is part of the wire-visible contract and is kept even though, for
// a uniformly random seed, hashing it again is cryptographically
// equivalent to using the seed directly.
func RandomIdentifier() (ID, error) {
	var seed [Length]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return ID{}, err
	}
	return HashKey(seed[:]), nil
}

// MustRandomIdentifier is RandomIdentifier but panics on entropy failure,
// for use at process start-up where there is no sensible recovery.
func MustRandomIdentifier() ID {
	out, err := RandomIdentifier()
	if err != nil {
		panic(err)
	}
	return out
}

// FromBytes interprets b, big-endian, as an identifier. It returns
// ErrInvalidIdentifier if b does not fit in 160 bits.
func FromBytes(b []byte) (ID, error) {
	if len(b) > Length {
		// allow leading zero bytes beyond Length, reject real overflow
		for _, extra := range b[:len(b)-Length] {
			if extra != 0 {
				return ID{}, ErrInvalidIdentifier
			}
		}
		b = b[len(b)-Length:]
	}
	var out ID
	copy(out[Length-len(b):], b)
	return out, nil
}

// FromBigInt converts a non-negative big.Int smaller than 2^160 into an
// ID. It returns ErrInvalidIdentifier for negative values or values that
// do not fit in 160 bits.
func FromBigInt(v *big.Int) (ID, error) {
	if v.Sign() < 0 || v.BitLen() > Bits {
		return ID{}, ErrInvalidIdentifier
	}
	return FromBytes(v.Bytes())
}

// BigInt returns id as an unsigned big.Int.
func (i ID) BigInt() *big.Int {
	return new(big.Int).SetBytes(i[:])
}

// Bytes returns the big-endian byte representation of id.
func (i ID) Bytes() []byte {
	out := make([]byte, Length)
	copy(out, i[:])
	return out
}

// Equal reports whether two identifiers are the same.
func (i ID) Equal(other ID) bool {
	return i == other
}

// String renders id as lowercase hex, for plain debugging output.
func (i ID) String() string {
	return hex.EncodeToString(i[:])
}

// Multihash renders id as a self-describing SHA-1 multihash, base58
// encoded, for operator-facing output (the REPL's whoami and peers
// commands) where a shorter, standard identifier string is preferable
// to raw hex.
func (i ID) Multihash() (string, error) {
	mh, err := multihash.Encode(i[:], multihash.SHA1)
	if err != nil {
		return "", err
	}
	return multihash.Multihash(mh).B58String(), nil
}

// MarshalBinary implements encoding.BinaryMarshaler so identifiers are
// encoded compactly (as a byte string) by CBOR and other codecs that
// honor it, rather than as a 20-element array of integers.
func (i ID) MarshalBinary() ([]byte, error) {
	return i.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (i *ID) UnmarshalBinary(b []byte) error {
	out, err := FromBytes(b)
	if err != nil {
		return err
	}
	*i = out
	return nil
}

// Distance returns the XOR distance between two identifiers.
func Distance(a, b ID) ID {
	xored := ipfsutil.XOR(a[:], b[:])
	var out ID
	copy(out[:], xored)
	return out
}

// Less reports whether a's distance to target is strictly smaller than
// b's distance to target, i.e. whether a is closer to target than b.
func Less(a, b, target ID) bool {
	da := Distance(a, target)
	db := Distance(b, target)
	return da.BigInt().Cmp(db.BigInt()) < 0
}

// BitLen returns the number of bits needed to represent id, i.e. the
// position (1-indexed from the low bit) of its most significant set
// bit. BitLen of the zero identifier is 0.
func (i ID) BitLen() int {
	return i.BigInt().BitLen()
}

// BucketIndex returns the index, in [0, 160], of the bucket that peer p
// occupies in a routing table owned by self. Index 160 is a sentinel
// returned only when p == self and must never be used to index a
// bucket array; every other peer falls in [0, 159].
func BucketIndex(self, p ID) int {
	if self == p {
		return Bits
	}
	return Bits - Distance(self, p).BitLen()
}
