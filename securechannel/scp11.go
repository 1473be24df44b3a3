package securechannel

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"fmt"

	"github.com/wsddn/go-ecdh"

	"github.com/vaultkeys/scp-go/apdu"
	"github.com/vaultkeys/scp-go/cmac"
	"github.com/vaultkeys/scp-go/kdf"
	"github.com/vaultkeys/scp-go/keyref"
	"github.com/vaultkeys/scp-go/scperr"
	"github.com/vaultkeys/scp-go/tlv"
)

// INS/P1 values the SCP11 handshake uses, spec.md §4.6.
const (
	InsPerformSecurityOperation byte = 0x2A
	P1PerformSecurityOperation  byte = 0x88
)

// TLV tags the SCP11 handshake's request/response bodies use.
const (
	tagEphemeralPublicKey tlv.Tag = 0x5F49
	tagReceipt            tlv.Tag = 0x86
	tagCertificate        tlv.Tag = 0x7F21
	tagHostSignature      tlv.Tag = 0x5F37
)

// Scp11KeyParameters is the input to the SCP11 handshake: spec.md §3.
// DevicePK is the device's static public key (uncompressed point) that
// SCP11b/a/c all authenticate against. HostSK/OceRef/CertChain are only
// required for SCP11a/c, which additionally authenticate the host.
type Scp11KeyParameters struct {
	KeyRef    keyref.KeyReference
	DevicePK  []byte
	HostSK    *ecdsa.PrivateKey
	OceRef    *keyref.KeyReference
	CertChain []*x509.Certificate
}

// requiresHostAuth reports whether this key-ref's kid demands a host
// certificate chain and signature (SCP11a/c), as opposed to SCP11b's
// device-only authentication.
func requiresHostAuth(kid byte) bool {
	return kid == keyref.KidSCP11a || kid == keyref.KidSCP11c
}

// AuthenticateScp11 drives the SCP11a/b/c handshake over send and
// returns the resulting SessionState.
//
// Grounded on the go-ethereum hardware-wallet secure channel
// (accounts/scwallet/securechannel.go): ephemeral ECDH via
// github.com/wsddn/go-ecdh, then a KDF over the concatenated shared
// secrets, then a receipt/cryptogram verification, structurally the
// same shape as spec.md §4.6 describes, generalized here from P-256
// over a single shared secret to SCP11's two-ECDH (ephemeral + static)
// construction and ANSI X9.63 KDF (package kdf) instead of SHA-512 over
// a pairing key.
func AuthenticateScp11(ctx context.Context, send apdu.Transceiver, extended bool, params Scp11KeyParameters) (*SessionState, error) {
	if params.KeyRef.Kid == keyref.KidSCP11a || params.KeyRef.Kid == keyref.KidSCP11c {
		if params.HostSK == nil || params.OceRef == nil || len(params.CertChain) == 0 {
			return nil, fmt.Errorf("securechannel: %w: SCP11a/c requires host_sk, oce_ref and a certificate chain", scperr.ErrUnsupportedOperation)
		}
	}

	gen := ecdh.NewEllipticECDH(elliptic.P256())
	ephemeralSK, ephemeralPK, err := gen.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("securechannel: generating ephemeral key: %w", err)
	}

	devicePK, ok := gen.Unmarshal(params.DevicePK)
	if !ok {
		return nil, &scperr.MalformedResponse{Reason: "device static public key is not a valid P-256 point"}
	}

	var b tlv.Builder
	if requiresHostAuth(params.KeyRef.Kid) {
		for _, cert := range params.CertChain {
			b.Add(tagCertificate, cert.Raw)
		}
	}
	b.Add(tagEphemeralPublicKey, gen.Marshal(ephemeralPK))

	if requiresHostAuth(params.KeyRef.Kid) {
		signature, err := signChallenge(params.HostSK, gen.Marshal(ephemeralPK))
		if err != nil {
			return nil, fmt.Errorf("securechannel: signing host challenge: %w", err)
		}
		b.Add(tagHostSignature, signature)
	}

	psoCmd := apdu.ApduCommand{
		CLA:  0x80,
		INS:  InsPerformSecurityOperation,
		P1:   P1PerformSecurityOperation,
		P2:   params.KeyRef.Kid | (params.KeyRef.Kvn << 4),
		Data: b.Bytes(),
	}
	psoResp, err := apdu.Exchange(ctx, send, psoCmd, extended)
	if err != nil {
		return nil, err
	}
	if !psoResp.Success() {
		return nil, classifyHandshakeSW(psoResp.SW, InsPerformSecurityOperation, psoResp.Data)
	}

	devEphemeralBytes, ok := tlv.Find(psoResp.Data, tagEphemeralPublicKey)
	if !ok {
		return nil, &scperr.MalformedResponse{Reason: "SCP11 response missing device ephemeral public key"}
	}
	receipt, ok := tlv.Find(psoResp.Data, tagReceipt)
	if !ok {
		return nil, &scperr.MalformedResponse{Reason: "SCP11 response missing receipt"}
	}

	deviceEphemeralPK, ok := gen.Unmarshal(devEphemeralBytes)
	if !ok {
		return nil, &scperr.MalformedResponse{Reason: "device ephemeral public key is not a valid P-256 point"}
	}

	zEphemeral, err := gen.GenerateSharedSecret(ephemeralSK, deviceEphemeralPK)
	if err != nil {
		return nil, fmt.Errorf("securechannel: ephemeral ECDH: %w", err)
	}
	zStatic, err := gen.GenerateSharedSecret(ephemeralSK, devicePK)
	if err != nil {
		return nil, fmt.Errorf("securechannel: static ECDH: %w", err)
	}

	sharedInfo := scp11SharedInfo(params.KeyRef, params.CertChain)

	sEnc, sMac, sRMac, sDek, receiptKey, err := kdf.Scp11SessionKeys([][]byte{zEphemeral, zStatic}, sharedInfo)
	if err != nil {
		return nil, fmt.Errorf("securechannel: deriving SCP11 session keys: %w", err)
	}

	expectedReceipt, err := scp11Receipt(receiptKey, gen.Marshal(ephemeralPK), devEphemeralBytes)
	if err != nil {
		return nil, fmt.Errorf("securechannel: computing expected receipt: %w", err)
	}
	if subtle.ConstantTimeCompare(expectedReceipt, receipt) != 1 {
		return nil, scperr.ErrAuthenticationFailed
	}

	session := &SessionState{
		Keys:          keyref.SessionKeys{SEnc: sEnc, SMac: sMac, SRMac: sRMac, SDek: sDek},
		EncCounter:    1,
		Encrypted:     true,
		Authenticated: true,
	}
	return session, nil
}

// scp11SharedInfo builds the SharedInfo input to the X9.63 KDF: the
// kid/kvn pair, and, for SCP11a/c, a commitment to the certificate
// chain's hash so a tampered chain cannot produce matching session
// keys even if the signature check were bypassed.
//
// SCP11c uses the same layout (kid || kvn, no scenario byte) and the
// same receipt input as SCP11a/b. This is the only layout implemented:
// AuthenticateScp11 does not inspect device firmware or key info to
// detect an older SCP11c layout.
func scp11SharedInfo(ref keyref.KeyReference, chain []*x509.Certificate) []byte {
	info := []byte{ref.Kid, ref.Kvn}
	if len(chain) == 0 {
		return info
	}
	h := sha256.New()
	for _, cert := range chain {
		h.Write(cert.Raw)
	}
	return append(info, h.Sum(nil)...)
}

// scp11Receipt recomputes the device's receipt: an 8-byte CMAC over
// both ephemeral public keys, keyed with the derived receipt key.
func scp11Receipt(receiptKey, hostEphemeral, deviceEphemeral []byte) ([]byte, error) {
	buf := make([]byte, 0, len(hostEphemeral)+len(deviceEphemeral))
	buf = append(buf, hostEphemeral...)
	buf = append(buf, deviceEphemeral...)
	sum, err := cmac.Sum(receiptKey, buf)
	if err != nil {
		return nil, err
	}
	return sum[:8], nil
}

func signChallenge(hostSK *ecdsa.PrivateKey, challenge []byte) ([]byte, error) {
	digest := sha256.Sum256(challenge)
	return ecdsa.SignASN1(rand.Reader, hostSK, digest[:])
}
