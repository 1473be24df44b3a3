// Package securechannel implements the SCP03 and SCP11 engines (C5/C6):
// the mutual-authentication handshakes and the shared post-handshake
// wrap/unwrap pipeline (C-MAC/C-ENC/R-MAC/R-ENC) they install over APDU
// traffic.
//
// Grounded on the teacher's SecureChannel.Authenticate/
// SendEncryptedCommand/calculateMAC/updateKeychain for the handshake
// shape (mutex-guarded critical section, MAC-chain-then-counter
// ordering) and pad/unpad for SCP03's 0x80-then-zeros padding, adapted
// from the HSM's proprietary CREATE SESSION/SESSION MESSAGE framing to
// real ISO 7816-4 INITIALIZE UPDATE/EXTERNAL AUTHENTICATE APDUs.
package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"fmt"

	"github.com/vaultkeys/scp-go/apdu"
	"github.com/vaultkeys/scp-go/cmac"
	"github.com/vaultkeys/scp-go/keyref"
	"github.com/vaultkeys/scp-go/scperr"
)

// SessionState is the per-open-channel state the SCP03 and SCP11
// engines both produce and both drive through Wrap/Unwrap. Once
// Authenticated flips true, EncCounter never resets and MacChain only
// advances on verified MACs: a verification failure poisons the session
// permanently (spec.md §3).
type SessionState struct {
	Keys          keyref.SessionKeys
	MacChain      [16]byte
	EncCounter    uint32
	Authenticated bool

	// Encrypted selects whether C-ENC/R-ENC run in addition to
	// C-MAC/R-MAC. SCP03 sets this unless Scp03KeyParameters.MacOnly is
	// set; SCP11 always sets it.
	Encrypted bool
}

// Destroy zeroizes the session's key material. Safe to call more than
// once.
func (s *SessionState) Destroy() {
	if s == nil {
		return
	}
	s.Keys.Destroy()
	for i := range s.MacChain {
		s.MacChain[i] = 0
	}
	s.Authenticated = false
}

// Wrap applies the post-handshake command pipeline of spec.md §4.5 step
// 2 onward: optional C-ENC, then a C-MAC computed over
// mac_chain || header || Lc || encrypted_data, keyed with s_mac. The
// returned command carries the secure-messaging CLA bit set and the
// 8-byte MAC appended to its data.
func (s *SessionState) Wrap(cmd apdu.ApduCommand) (apdu.ApduCommand, error) {
	if !s.Authenticated {
		return apdu.ApduCommand{}, scperr.ErrNotAuthenticated
	}

	data := cmd.Data
	if s.Encrypted {
		encrypted, err := s.encryptCommandData(data)
		if err != nil {
			return apdu.ApduCommand{}, err
		}
		data = encrypted
	}
	// enc_counter advances once per wrapped command regardless of
	// whether C-ENC is active: P1 requires it to strictly increase per
	// command, and MAC-only channels still need a monotonic counter for
	// MessageCount()-driven retirement.
	s.EncCounter++

	wrapped := apdu.ApduCommand{
		CLA:  cmd.CLA | 0x04,
		INS:  cmd.INS,
		P1:   cmd.P1,
		P2:   cmd.P2,
		Data: data,
		Le:   cmd.Le,
	}

	// Lc here is the final transmitted length, i.e. data plus the 8-byte
	// MAC about to be appended.
	header := []byte{wrapped.CLA, wrapped.INS, wrapped.P1, wrapped.P2, byte(len(data) + 8)}
	mac, err := s.chainedMAC(s.Keys.SMac, header, data)
	if err != nil {
		return apdu.ApduCommand{}, err
	}

	wrapped.Data = append(append([]byte{}, data...), mac[:8]...)
	copy(s.MacChain[:], mac)

	return wrapped, nil
}

// Unwrap applies the post-handshake response pipeline of spec.md §4.5:
// verify the trailing 8-byte R-MAC against mac_chain || data || sw
// keyed with s_rmac, then, if encryption is active, decrypt and strip
// padding. A MAC mismatch returns scperr.ErrSecureChannelBroken and the
// caller must treat the owning channel as Terminated.
func (s *SessionState) Unwrap(resp apdu.ApduResponse) (apdu.ApduResponse, error) {
	if !s.Authenticated {
		return apdu.ApduResponse{}, scperr.ErrNotAuthenticated
	}
	if len(resp.Data) < 8 {
		return apdu.ApduResponse{}, &scperr.MalformedResponse{Reason: "response shorter than trailing R-MAC"}
	}

	body := resp.Data[:len(resp.Data)-8]
	receivedMAC := resp.Data[len(resp.Data)-8:]

	swBytes := []byte{byte(resp.SW >> 8), byte(resp.SW)}
	expected, err := s.chainedMAC(s.Keys.SRMac, body, swBytes)
	if err != nil {
		return apdu.ApduResponse{}, err
	}

	if subtle.ConstantTimeCompare(expected[:8], receivedMAC) != 1 {
		s.Authenticated = false
		return apdu.ApduResponse{}, scperr.ErrSecureChannelBroken
	}
	copy(s.MacChain[:], expected)

	plaintext := body
	if s.Encrypted {
		plaintext, err = s.decryptResponseData(body)
		if err != nil {
			return apdu.ApduResponse{}, err
		}
	}
	if resp.SW != apdu.SWSuccess {
		return apdu.ApduResponse{}, scperr.ErrSecureChannelBroken
	}

	return apdu.ApduResponse{Data: plaintext, SW: resp.SW}, nil
}

// chainedMAC computes a CMAC over mac_chain || a || b keyed with key,
// the shape both the command MAC (header||encrypted_data) and the
// response MAC (data||sw) share.
func (s *SessionState) chainedMAC(key []byte, a, b []byte) ([16]byte, error) {
	buf := make([]byte, 0, 16+len(a)+len(b))
	buf = append(buf, s.MacChain[:]...)
	buf = append(buf, a...)
	buf = append(buf, b...)
	return cmac.Sum(key, buf)
}

// pad applies SCP03's 0x80-then-zeros padding to a 16-byte boundary.
func pad(src []byte) []byte {
	padding := aes.BlockSize - len(src)%aes.BlockSize
	out := make([]byte, len(src), len(src)+padding)
	copy(out, src)
	out = append(out, 0x80)
	out = append(out, make([]byte, padding-1)...)
	return out
}

// unpad strips SCP03's 0x80-then-zeros padding.
func unpad(src []byte) ([]byte, error) {
	for i := len(src) - 1; i >= 0; i-- {
		switch src[i] {
		case 0x00:
			continue
		case 0x80:
			return src[:i], nil
		default:
			return nil, &scperr.MalformedResponse{Reason: "invalid SCP03 padding"}
		}
	}
	return nil, &scperr.MalformedResponse{Reason: "no padding marker found"}
}

// icv computes the AES-ECB(s_enc, encode_u128(counter)) seed spec.md
// §4.5 specifies for C-ENC/R-ENC. direction 0 is command, 1 is response
// (the high bit of the counter encoding is flipped for responses).
func icv(encKey []byte, counter uint32, direction byte) ([]byte, error) {
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("securechannel: %w", err)
	}

	plain := make([]byte, aes.BlockSize)
	if direction == 1 {
		plain[0] = 0x80
	}
	plain[12] = byte(counter >> 24)
	plain[13] = byte(counter >> 16)
	plain[14] = byte(counter >> 8)
	plain[15] = byte(counter)

	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, plain)
	return out, nil
}

func (s *SessionState) encryptCommandData(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.Keys.SEnc)
	if err != nil {
		return nil, fmt.Errorf("securechannel: %w", err)
	}

	iv, err := icv(s.Keys.SEnc, s.EncCounter, 0)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

func (s *SessionState) decryptResponseData(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return ciphertext, nil
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, &scperr.MalformedResponse{Reason: "encrypted response not block-aligned"}
	}

	block, err := aes.NewCipher(s.Keys.SEnc)
	if err != nil {
		return nil, fmt.Errorf("securechannel: %w", err)
	}

	// R-ENC is keyed under the same counter value as the C-ENC of the
	// command it answers. Wrap has already advanced EncCounter past
	// that value by the time Unwrap runs, so step back one to recover it.
	iv, err := icv(s.Keys.SEnc, s.EncCounter-1, 1)
	if err != nil {
		return nil, err
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return unpad(padded)
}
