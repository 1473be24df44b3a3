// Package securitydomain implements the Security Domain session (C8):
// the key-lifecycle operations spec.md §4.8 exposes on top of an
// already-selected channel.Channel, including the factory-reset
// protocol.
//
// Grounded on the teacher's commands.Create*Command builder-function
// idiom (CreatePutAuthkeyCommand, CreateGenerateAsymmetricKeyCommand,
// CreateDeleteObjectCommand), generalized from HSM opcodes to
// GlobalPlatform APDU instruction bytes, and the teacher's
// ObjectInfoResponse/ListObjectsResponse parsing idiom, re-expressed
// over package tlv against the GET DATA/STORE DATA templates GP
// defines instead of the HSM's fixed binary struct layout.
package securitydomain

import (
	"context"
	"crypto/aes"
	"crypto/x509"
	"fmt"
	"log/slog"

	"github.com/vaultkeys/scp-go/apdu"
	"github.com/vaultkeys/scp-go/channel"
	"github.com/vaultkeys/scp-go/keyref"
	applog "github.com/vaultkeys/scp-go/log"
	"github.com/vaultkeys/scp-go/scperr"
	"github.com/vaultkeys/scp-go/securechannel"
	"github.com/vaultkeys/scp-go/tlv"
)

// INS values for Security Domain operations, spec.md §4.8.
const (
	insGetData              byte = 0xCA
	insStoreData            byte = 0xE2
	insPutKey               byte = 0xD8
	insDelete               byte = 0xE4
	insGenerateKey          byte = 0xF1
	insInternalAuthenticate byte = 0x88
)

// TLV tags used by the GET DATA key-information template and PUT
// KEY/STORE DATA payloads.
const (
	tagKeyInfoTemplate       tlv.Tag = 0xE0
	tagKeyInfoEntry          tlv.Tag = 0xC0
	tagCardRecognitionData   tlv.Tag = 0x66
	tagEcPoint               tlv.Tag = 0xB0
	tagKeyReferenceEntry     tlv.Tag = 0xD0
	tagSubjectKeyIdentifier  tlv.Tag = 0x93
	tagCertificateEntry      tlv.Tag = 0x7F21
	tagAllowlistTemplate     tlv.Tag = 0x70
	tagAllowlistSerialNumber tlv.Tag = 0x93
)

// keyTypeAesOrEc is the single key_type value PUT KEY uses for both AES
// and EC components; the wrapped-data length, not the type byte,
// disambiguates them, per spec.md §6.
const keyTypeAesOrEc byte = 0x88

const (
	storeDataBlockMax  = 255
	p1StoreDataLast    = 0x80
	p1StoreDataNotLast = 0x00
	p2DeleteLastBit    = 0x80
	maxResetAttempts   = 65
)

// Domain drives Security Domain operations over an already-selected
// channel.Channel. It holds no state of its own beyond the channel.
type Domain struct {
	ch *channel.Channel
}

// New wraps ch for Security Domain operations.
func New(ch *channel.Channel) *Domain {
	return &Domain{ch: ch}
}

// KeyInfo is one entry of the GET DATA key-information template: a key
// reference and its component attributes, keyed by component id.
type KeyInfo struct {
	Ref        keyref.KeyReference
	Components map[byte]byte
}

// GetKeyInfo reads GET DATA tag 0x00E0 and parses its repeated 0xC0
// entries into a KeyInfo per key reference on the device.
func (d *Domain) GetKeyInfo(ctx context.Context) ([]KeyInfo, error) {
	raw, err := d.getData(ctx, 0x00, byte(tagKeyInfoTemplate))
	if err != nil {
		return nil, err
	}

	template := raw
	if inner, ok := tlv.Find(raw, tagKeyInfoTemplate); ok {
		template = inner
	}

	entries := tlv.FindAll(template, tagKeyInfoEntry)
	out := make([]KeyInfo, 0, len(entries))
	for _, v := range entries {
		if len(v) < 2 {
			return nil, &scperr.MalformedResponse{Reason: "key info entry shorter than kid/kvn"}
		}
		info := KeyInfo{
			Ref:        keyref.KeyReference{Kid: v[0], Kvn: v[1]},
			Components: map[byte]byte{},
		}
		for i := 2; i+1 < len(v); i += 2 {
			info.Components[v[i]] = v[i+1]
		}
		out = append(out, info)
	}
	return out, nil
}

// GetCardRecognition returns the raw TLV payload of GET DATA tag
// 0x0066.
func (d *Domain) GetCardRecognition(ctx context.Context) ([]byte, error) {
	return d.getData(ctx, 0x00, byte(tagCardRecognitionData))
}

// GetData is the generic GET DATA accessor for an arbitrary two-byte
// tag.
func (d *Domain) GetData(ctx context.Context, tag uint16) ([]byte, error) {
	return d.getData(ctx, byte(tag>>8), byte(tag))
}

func (d *Domain) getData(ctx context.Context, p1, p2 byte) ([]byte, error) {
	cmd := apdu.ApduCommand{CLA: 0x80, INS: insGetData, P1: p1, P2: p2, Le: u16ptr(0)}
	resp, err := d.ch.Transceive(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !resp.Success() {
		return nil, apdu.ClassifySW(resp.SW, insGetData, resp.Data)
	}
	return resp.Data, nil
}

// StoreData sends payload via chained STORE DATA, splitting it into
// blocks no larger than 255 bytes, with the P1 last-block bit set only
// on the final block.
func (d *Domain) StoreData(ctx context.Context, payload []byte) error {
	blocks := chunk(payload, storeDataBlockMax)
	if len(blocks) == 0 {
		blocks = [][]byte{{}}
	}

	for i, block := range blocks {
		p1 := byte(p1StoreDataNotLast)
		if i == len(blocks)-1 {
			p1 = p1StoreDataLast
		}
		cmd := apdu.ApduCommand{CLA: 0x80, INS: insStoreData, P1: p1, P2: byte(i), Data: block}
		resp, err := d.ch.Transceive(ctx, cmd)
		if err != nil {
			return err
		}
		if !resp.Success() {
			return apdu.ClassifySW(resp.SW, insStoreData, resp.Data)
		}
	}
	return nil
}

func chunk(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var out [][]byte
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}

// PutKeyAes provisions an AES key set (s_enc/s_mac/s_dek-analog static
// keys) under ref, wrapping each present component with the session's
// s_dek and computing its KCV. replaceKvn is the new version number.
func (d *Domain) PutKeyAes(ctx context.Context, ref keyref.KeyReference, keys keyref.StaticKeys, replaceKvn byte) error {
	dek, ok := d.ch.SessionDataEncryptionKey()
	if !ok {
		return fmt.Errorf("securitydomain: %w: put_key requires an open secure channel with a data encryption key", scperr.ErrUnsupportedOperation)
	}
	defer zeroBytes(dek)

	blob := []byte{replaceKvn}
	for _, key := range [][]byte{keys.Enc, keys.Mac, keys.Dek} {
		if len(key) == 0 {
			continue
		}
		wrapped, err := wrapWithDek(dek, key)
		if err != nil {
			return err
		}
		sum, err := kcv(key)
		if err != nil {
			return err
		}
		blob = append(blob, keyComponent(keyTypeAesOrEc, wrapped, sum)...)
	}

	return d.putKey(ctx, ref, blob)
}

// EcPublicKey is an uncompressed P-256 point, spec.md §4.8's EC PUT KEY
// variant.
type EcPublicKey struct {
	Point []byte
}

// PutKeyEcPublic provisions ref with pub's TLV-encoded point. Public
// key components carry no KCV.
func (d *Domain) PutKeyEcPublic(ctx context.Context, ref keyref.KeyReference, pub EcPublicKey, replaceKvn byte) error {
	encoded := tlv.Encode(tagEcPoint, pub.Point)
	blob := append([]byte{replaceKvn}, keyComponent(keyTypeAesOrEc, encoded, nil)...)
	return d.putKey(ctx, ref, blob)
}

// EcPrivateKey is a raw P-256 private scalar, wrapped with s_dek before
// transmission.
type EcPrivateKey struct {
	Scalar []byte
}

// PutKeyEcPrivate provisions ref with priv's scalar, wrapped under the
// session's s_dek.
func (d *Domain) PutKeyEcPrivate(ctx context.Context, ref keyref.KeyReference, priv EcPrivateKey, replaceKvn byte) error {
	dek, ok := d.ch.SessionDataEncryptionKey()
	if !ok {
		return fmt.Errorf("securitydomain: %w: put_key requires an open secure channel with a data encryption key", scperr.ErrUnsupportedOperation)
	}
	defer zeroBytes(dek)

	wrapped, err := wrapWithDek(dek, priv.Scalar)
	if err != nil {
		return err
	}
	blob := append([]byte{replaceKvn}, keyComponent(keyTypeAesOrEc, wrapped, nil)...)
	return d.putKey(ctx, ref, blob)
}

func (d *Domain) putKey(ctx context.Context, ref keyref.KeyReference, blob []byte) error {
	cmd := apdu.ApduCommand{CLA: 0x80, INS: insPutKey, P1: ref.Kvn, P2: ref.Kid, Data: blob}
	resp, err := d.ch.Transceive(ctx, cmd)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return apdu.ClassifySW(resp.SW, insPutKey, resp.Data)
	}
	return nil
}

// keyComponent builds one PUT KEY data-blob component: key_type || len
// || wrapped_key || kcv_len || kcv.
func keyComponent(keyType byte, wrapped, kcvBytes []byte) []byte {
	out := []byte{keyType, byte(len(wrapped))}
	out = append(out, wrapped...)
	out = append(out, byte(len(kcvBytes)))
	out = append(out, kcvBytes...)
	return out
}

// wrapWithDek encrypts key under dek block-by-block with no padding;
// PUT KEY's AES and EC components are always whole numbers of AES
// blocks (16-byte AES keys, 32-byte P-256 scalars).
func wrapWithDek(dek, key []byte) ([]byte, error) {
	if len(key)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("securitydomain: key length %d is not a multiple of the AES block size", len(key))
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("securitydomain: %w", err)
	}
	out := make([]byte, len(key))
	for i := 0; i < len(key); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], key[i:i+aes.BlockSize])
	}
	return out, nil
}

// kcv computes the key check value: the first 3 bytes of
// AES-ECB(key, 16 zero bytes).
func kcv(key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("securitydomain: %w", err)
	}
	out := make([]byte, aes.BlockSize)
	block.Encrypt(out, make([]byte, aes.BlockSize))
	return out[:3], nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// DeleteKey removes ref. deleteLast permits removing the last key of a
// set, mirrored onto P2's high bit.
func (d *Domain) DeleteKey(ctx context.Context, ref keyref.KeyReference, deleteLast bool) error {
	p2 := byte(0x00)
	if deleteLast {
		p2 |= p2DeleteLastBit
	}

	var b tlv.Builder
	b.Add(tagKeyReferenceEntry, []byte{ref.Kid, ref.Kvn})
	data := b.Bytes()

	cmd := apdu.ApduCommand{CLA: 0x80, INS: insDelete, P1: 0x00, P2: p2, Data: data}
	resp, err := d.ch.Transceive(ctx, cmd)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return apdu.ClassifySW(resp.SW, insDelete, resp.Data)
	}
	return nil
}

// GenerateKey triggers on-device key generation for ref and returns the
// resulting public point.
func (d *Domain) GenerateKey(ctx context.Context, ref keyref.KeyReference, replaceKvn byte) (EcPublicKey, error) {
	cmd := apdu.ApduCommand{CLA: 0x80, INS: insGenerateKey, P1: replaceKvn, P2: ref.Kid, Data: []byte{ref.Kvn}}
	resp, err := d.ch.Transceive(ctx, cmd)
	if err != nil {
		return EcPublicKey{}, err
	}
	if !resp.Success() {
		return EcPublicKey{}, apdu.ClassifySW(resp.SW, insGenerateKey, resp.Data)
	}

	point, ok := tlv.Find(resp.Data, tagEcPoint)
	if !ok {
		return EcPublicKey{}, &scperr.MalformedResponse{Reason: "GENERATE KEY response missing EC point"}
	}
	return EcPublicKey{Point: point}, nil
}

// StoreCaIssuer associates ski with the OCE key reference ref.
func (d *Domain) StoreCaIssuer(ctx context.Context, ref keyref.KeyReference, ski []byte) error {
	var b tlv.Builder
	b.Add(tagKeyReferenceEntry, []byte{ref.Kid, ref.Kvn})
	b.Add(tagSubjectKeyIdentifier, ski)
	return d.StoreData(ctx, b.Bytes())
}

// StoreCertificates stores chain under ref, order-sensitive: the leaf
// certificate must be last.
func (d *Domain) StoreCertificates(ctx context.Context, ref keyref.KeyReference, chain []*x509.Certificate) error {
	var b tlv.Builder
	b.Add(tagKeyReferenceEntry, []byte{ref.Kid, ref.Kvn})
	for _, cert := range chain {
		b.Add(tagCertificateEntry, cert.Raw)
	}
	return d.StoreData(ctx, b.Bytes())
}

// StoreAllowlist encodes serials as TLV 0x70 / 0x93 under ref.
func (d *Domain) StoreAllowlist(ctx context.Context, ref keyref.KeyReference, serials [][]byte) error {
	var inner tlv.Builder
	inner.Add(tagKeyReferenceEntry, []byte{ref.Kid, ref.Kvn})
	for _, serial := range serials {
		inner.Add(tagAllowlistSerialNumber, serial)
	}
	return d.StoreData(ctx, tlv.Encode(tagAllowlistTemplate, inner.Bytes()))
}

// Reset drives the factory-reset protocol: it enumerates every key
// reference reported by GetKeyInfo and, for each, repeatedly sends that
// kid's reset instruction with a fabricated key reference and an
// 8-byte zero payload until the device reports the key blocked, up to
// maxResetAttempts times. It then re-selects aid to return the channel
// to a clean Selected state. Reset requires a plaintext (unauthenticated)
// channel, since the reset instructions are themselves malformed
// handshake attempts that cannot be wrapped.
func (d *Domain) Reset(ctx context.Context, aid []byte, log *slog.Logger) error {
	log = applog.WithComponent(log, "securitydomain")

	if d.ch.Authenticated() {
		return fmt.Errorf("securitydomain: %w: reset must run on a plaintext channel", scperr.ErrUnsupportedOperation)
	}

	keys, err := d.GetKeyInfo(ctx)
	if err != nil {
		return fmt.Errorf("securitydomain: enumerating keys before reset: %w", err)
	}

	for _, k := range keys {
		if err := d.resetOne(ctx, k.Ref, log); err != nil {
			return err
		}
	}

	return d.ch.Select(ctx, aid)
}

func (d *Domain) resetOne(ctx context.Context, ref keyref.KeyReference, log *slog.Logger) error {
	ins, p1, p2 := resetInstructionFor(ref.Kid)
	payload := make([]byte, 8)

	for attempt := 0; attempt < maxResetAttempts; attempt++ {
		cmd := apdu.ApduCommand{CLA: 0x80, INS: ins, P1: p1, P2: p2, Data: payload}
		resp, err := d.ch.Transceive(ctx, cmd)
		if err != nil {
			return err
		}

		switch resp.SW {
		case apdu.SWAuthMethodBlocked, apdu.SWSecurityStatusNotSatisfied:
			return nil
		case apdu.SWInvalidCommandDataParam, apdu.SWSuccess:
			continue
		default:
			log.Warn("unexpected status during factory reset attempt",
				slog.Int("kid", int(ref.Kid)), slog.Int("sw", int(resp.SW)))
		}
	}
	return nil
}

// resetInstructionFor picks the reset instruction spec.md §4.8 assigns
// to kid.
func resetInstructionFor(kid byte) (ins, p1, p2 byte) {
	switch kid {
	case keyref.KidSCP03:
		return securechannel.InsInitializeUpdate, 0x00, 0x00
	case keyref.KidSCP11a, keyref.KidSCP11c:
		return securechannel.InsExternalAuthenticate, 0x00, 0x00
	case keyref.KidSCP11b:
		return insInternalAuthenticate, 0x00, 0x00
	default:
		return securechannel.InsPerformSecurityOperation, securechannel.P1PerformSecurityOperation, 0x00
	}
}

func u16ptr(v uint16) *uint16 { return &v }
