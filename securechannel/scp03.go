package securechannel

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"

	"github.com/vaultkeys/scp-go/apdu"
	"github.com/vaultkeys/scp-go/kdf"
	"github.com/vaultkeys/scp-go/keyref"
	"github.com/vaultkeys/scp-go/scperr"
)

// INS/P1 values the SCP03 handshake uses, spec.md §4.5.
const (
	InsInitializeUpdate     byte = 0x50
	InsExternalAuthenticate byte = 0x82
	P1ExternalAuthenticate  byte = 0x33

	initUpdateChallengeLen      = 8
	initUpdateKeyDiversifyLen   = 10
	initUpdateKeyInfoLen        = 3
	initUpdateCardChallengeLen  = 8
	initUpdateCardCryptogramLen = 8
)

// Scp03KeyParameters is the input to the SCP03 handshake: spec.md §3.
// MacOnly selects the lower of the two SCP03 security levels: C-MAC/R-MAC
// without C-ENC/R-ENC, per spec.md §4.5's SecurityLevel choice. The
// default, false, is full MAC+ENC.
type Scp03KeyParameters struct {
	KeyRef     keyref.KeyReference
	StaticKeys keyref.StaticKeys
	MacOnly    bool
}

// AuthenticateScp03 drives the full SCP03 mutual-authentication
// handshake over send and returns the resulting SessionState, or an
// error. Grounded on the teacher's SecureChannel.Authenticate, adapted
// from the HSM's CREATE SESSION/AUTHENTICATE SESSION command pair to
// real INITIALIZE UPDATE/EXTERNAL AUTHENTICATE APDUs; card-cryptogram
// verification and KDF use the standalone kdf package instead of an
// inline CMAC call.
func AuthenticateScp03(ctx context.Context, send apdu.Transceiver, extended bool, params Scp03KeyParameters) (*SessionState, error) {
	defer params.StaticKeys.Destroy()

	hostChallenge := make([]byte, initUpdateChallengeLen)
	if _, err := rand.Read(hostChallenge); err != nil {
		return nil, fmt.Errorf("securechannel: generating host challenge: %w", err)
	}

	initCmd := apdu.ApduCommand{
		CLA:  0x80,
		INS:  InsInitializeUpdate,
		P1:   params.KeyRef.Kvn,
		P2:   params.KeyRef.Kid,
		Data: hostChallenge,
	}
	initResp, err := apdu.Exchange(ctx, send, initCmd, extended)
	if err != nil {
		return nil, err
	}
	if !initResp.Success() {
		return nil, classifyHandshakeSW(initResp.SW, InsInitializeUpdate, initResp.Data)
	}

	minLen := initUpdateKeyDiversifyLen + initUpdateKeyInfoLen + initUpdateCardChallengeLen + initUpdateCardCryptogramLen
	if len(initResp.Data) < minLen {
		return nil, &scperr.MalformedResponse{Reason: fmt.Sprintf("INITIALIZE UPDATE response too short: %d bytes", len(initResp.Data))}
	}

	offset := initUpdateKeyDiversifyLen + initUpdateKeyInfoLen
	cardChallenge := initResp.Data[offset : offset+initUpdateCardChallengeLen]
	cardCryptogram := initResp.Data[offset+initUpdateCardChallengeLen : offset+initUpdateCardChallengeLen+initUpdateCardCryptogramLen]

	sEnc, err := kdf.Scp03(params.StaticKeys.Enc, kdf.LabelSEnc, hostChallenge, cardChallenge, 16)
	if err != nil {
		return nil, fmt.Errorf("securechannel: deriving s_enc: %w", err)
	}
	sMac, err := kdf.Scp03(params.StaticKeys.Mac, kdf.LabelSMac, hostChallenge, cardChallenge, 16)
	if err != nil {
		return nil, fmt.Errorf("securechannel: deriving s_mac: %w", err)
	}
	sRMac, err := kdf.Scp03(params.StaticKeys.Mac, kdf.LabelSRMac, hostChallenge, cardChallenge, 16)
	if err != nil {
		return nil, fmt.Errorf("securechannel: deriving s_rmac: %w", err)
	}

	expectedCardCryptogram, err := kdf.Scp03Cryptogram(sMac, kdf.LabelCardCryptogram, hostChallenge, cardChallenge)
	if err != nil {
		return nil, fmt.Errorf("securechannel: computing expected card cryptogram: %w", err)
	}
	if !constantTimeEqual(expectedCardCryptogram, cardCryptogram) {
		return nil, scperr.ErrAuthenticationFailed
	}

	hostCryptogram, err := kdf.Scp03Cryptogram(sMac, kdf.LabelHostCryptogram, hostChallenge, cardChallenge)
	if err != nil {
		return nil, fmt.Errorf("securechannel: computing host cryptogram: %w", err)
	}

	// SCP03 has no session-derived DEK: PUT KEY wraps new key material
	// directly under the static DEK, so it is carried into the session
	// verbatim rather than derived here.
	sDek := append([]byte{}, params.StaticKeys.Dek...)

	session := &SessionState{
		Keys: keyref.SessionKeys{SEnc: sEnc, SMac: sMac, SRMac: sRMac, SDek: sDek},
	}

	// EXTERNAL AUTHENTICATE's MAC is the first wrapped-command MAC: it
	// is computed exactly like Wrap's C-MAC, with the initial all-zero
	// chaining value as IV, over header || hostCryptogram.
	extAuthHeader := []byte{0x84, InsExternalAuthenticate, P1ExternalAuthenticate, 0x00, byte(len(hostCryptogram) + 8)}
	mac, err := session.chainedMAC(sMac, extAuthHeader, hostCryptogram)
	if err != nil {
		return nil, fmt.Errorf("securechannel: computing EXTERNAL AUTHENTICATE MAC: %w", err)
	}

	extAuthCmd := apdu.ApduCommand{
		CLA:  0x84,
		INS:  InsExternalAuthenticate,
		P1:   P1ExternalAuthenticate,
		P2:   0x00,
		Data: append(append([]byte{}, hostCryptogram...), mac[:8]...),
	}
	extAuthResp, err := apdu.Exchange(ctx, send, extAuthCmd, extended)
	if err != nil {
		return nil, err
	}
	if !extAuthResp.Success() {
		return nil, classifyHandshakeSW(extAuthResp.SW, InsExternalAuthenticate, extAuthResp.Data)
	}

	copy(session.MacChain[:], mac)
	session.EncCounter = 1
	session.Encrypted = !params.MacOnly
	session.Authenticated = true

	return session, nil
}

// classifyHandshakeSW maps a handshake failure SW onto the taxonomy
// spec.md §4.8's Failure semantics names: 0x6982/0x6983 are always
// AuthenticationFailed during a handshake, never retried.
func classifyHandshakeSW(sw uint16, ins byte, data []byte) error {
	switch sw {
	case apdu.SWSecurityStatusNotSatisfied, apdu.SWAuthMethodBlocked:
		return scperr.ErrAuthenticationFailed
	default:
		return apdu.ClassifySW(sw, ins, data)
	}
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
