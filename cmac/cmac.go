// Package cmac implements NIST SP 800-38B AES-CMAC, the primitive used
// throughout SCP03 for session-key derivation and the C-MAC/R-MAC
// command pipeline.
package cmac

import (
	"crypto/aes"
	"fmt"

	"github.com/enceve/crypto/cmac"
)

// Size is the length in bytes of a full AES-CMAC output.
const Size = 16

// Sum computes the full 16-byte AES-CMAC of msg keyed with key. Callers
// that need the SCP03 8-byte truncation (cryptograms, C-MAC/R-MAC) slice
// the result themselves — truncation is a call-site concern, not part of
// the primitive, so test vectors can assert against the untruncated
// value.
func Sum(key, msg []byte) ([Size]byte, error) {
	var out [Size]byte

	block, err := aes.NewCipher(key)
	if err != nil {
		return out, fmt.Errorf("cmac: %w", err)
	}

	mac, err := cmac.New(block)
	if err != nil {
		return out, fmt.Errorf("cmac: %w", err)
	}

	if _, err := mac.Write(msg); err != nil {
		return out, fmt.Errorf("cmac: %w", err)
	}

	copy(out[:], mac.Sum(nil))
	return out, nil
}
