// Package kdf implements the two key-derivation functions the SCP core
// needs: SCP03's SP 800-108 CMAC counter-mode KDF (session keys and
// cryptograms) and SCP11's ANSI X9.63 KDF over shared ECDH secrets.
package kdf

import (
	"crypto/sha256"
	"fmt"

	"github.com/vaultkeys/scp-go/cmac"
)

// SCP03 derivation-constant labels, spec.md §4.3.
const (
	LabelSEnc  byte = 0x04
	LabelSMac  byte = 0x06
	LabelSRMac byte = 0x07

	LabelCardCryptogram byte = 0x00
	LabelHostCryptogram byte = 0x01
)

// Scp03 derives outLen bytes (<= 16) of key material from baseKey using
// the SP 800-108 CMAC counter-mode construction GlobalPlatform specifies
// for SCP03: one CMAC iteration is sufficient since outLen never exceeds
// the 16-byte CMAC width.
//
// derivationData = 11 zero bytes || label || 0x00 || L(2, big-endian
// bits) || i(1, counter starting at 1) || context, where context is
// hostChallenge || cardChallenge.
func Scp03(baseKey []byte, label byte, hostChallenge, cardChallenge []byte, outLen int) ([]byte, error) {
	if len(baseKey) != 16 {
		return nil, fmt.Errorf("kdf: base key must be 16 bytes, got %d", len(baseKey))
	}
	if outLen <= 0 || outLen > cmac.Size {
		return nil, fmt.Errorf("kdf: invalid output length %d", outLen)
	}

	context := append(append([]byte{}, hostChallenge...), cardChallenge...)

	info := make([]byte, 0, 12+1+2+1+len(context))
	info = append(info, make([]byte, 11)...)
	info = append(info, label)
	info = append(info, 0x00)
	bits := outLen * 8
	info = append(info, byte(bits>>8), byte(bits))
	info = append(info, 0x01) // counter i = 1
	info = append(info, context...)

	full, err := cmac.Sum(baseKey, info)
	if err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return full[:outLen], nil
}

// Scp03Cryptogram computes the 8-byte card/host cryptogram: a CMAC
// truncation keyed with the session S-MAC key, over the given label and
// challenge pair.
func Scp03Cryptogram(sMac []byte, label byte, hostChallenge, cardChallenge []byte) ([]byte, error) {
	return Scp03(sMac, label, hostChallenge, cardChallenge, 8)
}

// X963 implements the ANSI X9.63 KDF over SHA-256: concatenate every
// shared secret, then produce counter-prefixed SHA-256 blocks of
// (sharedSecrets || counter || sharedInfo) until totalLen bytes have
// been produced, truncating the final block.
func X963(sharedSecrets [][]byte, sharedInfo []byte, totalLen int) ([]byte, error) {
	if totalLen <= 0 {
		return nil, fmt.Errorf("kdf: invalid output length %d", totalLen)
	}

	var z []byte
	for _, s := range sharedSecrets {
		z = append(z, s...)
	}

	out := make([]byte, 0, totalLen)
	for counter := uint32(1); len(out) < totalLen; counter++ {
		h := sha256.New()
		h.Write(z)
		h.Write([]byte{byte(counter >> 24), byte(counter >> 16), byte(counter >> 8), byte(counter)})
		h.Write(sharedInfo)
		out = append(out, h.Sum(nil)...)
	}
	return out[:totalLen], nil
}

// Scp11SessionKeys derives the five 16-byte SCP11 session keys in the
// order spec.md §4.3 names: s_enc, s_mac, s_rmac, s_dek, receipt_key.
func Scp11SessionKeys(sharedSecrets [][]byte, sharedInfo []byte) (sEnc, sMac, sRMac, sDek, receiptKey []byte, err error) {
	material, err := X963(sharedSecrets, sharedInfo, 5*16)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return material[0:16], material[16:32], material[32:48], material[48:64], material[64:80], nil
}
