// Package keyref defines the core value types SCP handshakes consume
// and produce: the KeyReference that addresses a key slot on the
// device, the static and session key material, and the scoped
// zeroization rules spec.md §5 requires for all of it.
package keyref

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// Well-known Kid values, spec.md §3.
const (
	KidSCP03    byte = 0x01
	KidSCP11OCE byte = 0x10
	KidSCP11a   byte = 0x11
	KidSCP11b   byte = 0x13
	KidSCP11c   byte = 0x15
)

// KvnFactoryDefault is the KVN reserved for the SCP03 factory-default
// key set.
const KvnFactoryDefault byte = 0xFF

// KeyReference identifies a key slot on the device: kid selects the key
// purpose/type, kvn the version. Value type with structural equality.
type KeyReference struct {
	Kid byte
	Kvn byte
}

// IsScp03 reports whether this reference addresses an SCP03 key set.
func (k KeyReference) IsScp03() bool { return k.Kid == KidSCP03 }

// IsScp11 reports whether this reference addresses any SCP11 variant.
func (k KeyReference) IsScp11() bool {
	switch k.Kid {
	case KidSCP11a, KidSCP11b, KidSCP11c:
		return true
	default:
		return false
	}
}

// StaticKeys is the triple of 16-byte AES keys created by the host and
// consumed once by the SCP03 handshake. Owners must call Destroy on
// every exit path.
type StaticKeys struct {
	Enc []byte
	Mac []byte
	Dek []byte
}

// Destroy overwrites every key with zeros. Safe to call more than once
// and on a zero-value StaticKeys.
func (k *StaticKeys) Destroy() {
	zero(k.Enc)
	zero(k.Mac)
	zero(k.Dek)
}

// SessionKeys is the quadruple derived from a completed handshake.
// SDek is only populated when key-import operations are expected for
// this session.
type SessionKeys struct {
	SEnc  []byte
	SMac  []byte
	SRMac []byte
	SDek  []byte
}

// Destroy overwrites every session key with zeros.
func (k *SessionKeys) Destroy() {
	zero(k.SEnc)
	zero(k.SMac)
	zero(k.SRMac)
	zero(k.SDek)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

const (
	pbkdf2KeyLength     = 32
	pbkdf2Iterations    = 10000
	pbkdf2DefaultSeed   = "GlobalPlatform"
	staticHalfKeyLength = 16
)

// DeriveStaticKeysFromPassword derives a StaticKeys triple's ENC/MAC
// pair from a password via PBKDF2-SHA256, for bring-up scenarios that
// provision a device from an operator password rather than
// factory-random key material. DEK is left nil; callers that need a
// DEK-capable session must supply one explicitly.
//
// This mirrors the teacher's authkey.NewFromPassword derivation, widened
// from a single 32-byte ENC||MAC blob to a StaticKeys value.
func DeriveStaticKeysFromPassword(password string) StaticKeys {
	derived := pbkdf2.Key([]byte(password), []byte(pbkdf2DefaultSeed), pbkdf2Iterations, pbkdf2KeyLength, sha256.New)
	return StaticKeys{
		Enc: derived[:staticHalfKeyLength],
		Mac: derived[staticHalfKeyLength:],
	}
}
