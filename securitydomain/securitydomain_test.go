package securitydomain_test

import (
	"context"
	"crypto/aes"
	"crypto/subtle"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultkeys/scp-go/channel"
	"github.com/vaultkeys/scp-go/cmac"
	"github.com/vaultkeys/scp-go/kdf"
	"github.com/vaultkeys/scp-go/keyref"
	"github.com/vaultkeys/scp-go/securechannel"
	"github.com/vaultkeys/scp-go/securitydomain"
	"github.com/vaultkeys/scp-go/tlv"
)

// deviceSecureState mirrors, from the device side, the C-MAC/R-MAC half
// of securechannel.SessionState's pipeline for a MAC-only session: it
// verifies an incoming wrapped command against the running mac_chain and
// produces a correctly chained R-MAC on the way back out, so a mock
// device can answer a command sent over a real authenticated Channel
// without needing the session's own (unexported) chaining state.
type deviceSecureState struct {
	sMac, sRMac []byte
	macChain    [16]byte
}

func deviceChainedMAC(chain [16]byte, key, a, b []byte) ([16]byte, error) {
	buf := make([]byte, 0, 16+len(a)+len(b))
	buf = append(buf, chain[:]...)
	buf = append(buf, a...)
	buf = append(buf, b...)
	return cmac.Sum(key, buf)
}

func (s *deviceSecureState) unwrapCommand(cla, ins, p1, p2 byte, wrapped []byte) ([]byte, error) {
	if len(wrapped) < 8 {
		return nil, fmt.Errorf("wrapped command shorter than trailing C-MAC")
	}
	body := wrapped[:len(wrapped)-8]
	mac := wrapped[len(wrapped)-8:]

	header := []byte{cla, ins, p1, p2, byte(len(wrapped))}
	expected, err := deviceChainedMAC(s.macChain, s.sMac, header, body)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected[:8], mac) != 1 {
		return nil, fmt.Errorf("bad command C-MAC")
	}
	s.macChain = expected
	return body, nil
}

func (s *deviceSecureState) wrapResponse(body []byte, sw uint16) []byte {
	swBytes := []byte{byte(sw >> 8), byte(sw)}
	mac, _ := deviceChainedMAC(s.macChain, s.sRMac, body, swBytes)
	s.macChain = mac
	return append(append(append([]byte{}, body...), mac[:8]...), swBytes...)
}

type fakeTransport struct {
	handler func(ctx context.Context, req []byte) ([]byte, error)
}

func (f *fakeTransport) TransceiveRaw(ctx context.Context, req []byte) ([]byte, error) {
	return f.handler(ctx, req)
}

func (f *fakeTransport) SupportsExtendedAPDU() bool { return false }

func bytesOf(base byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = base + byte(i)
	}
	return out
}

// mockDevice answers SELECT, SCP03 handshakes, and the Security Domain
// operation set. It is self-consistent: it runs the same kdf code the
// host runs, so session establishment can be asserted without an
// external test vector.
type mockDevice struct {
	staticEnc, staticMac, staticDek []byte
	cardChallenge                   []byte

	keyInfoTemplate []byte
	cardRecognition []byte

	storeDataBlocks []byte
	storeDataP1s    []byte
	putKeyBlob      []byte

	resetAttempts map[byte]int
	blockAfter    int

	sMacPending, sRMacPending []byte
	secure                    *deviceSecureState
}

func newMockDevice() *mockDevice {
	return &mockDevice{
		staticEnc:       bytesOf(0x40, 16),
		staticMac:       bytesOf(0x50, 16),
		staticDek:       bytesOf(0x60, 16),
		cardChallenge:   bytesOf(0xC0, 8),
		cardRecognition: []byte("card-recognition-data"),
		resetAttempts:   map[byte]int{},
		blockAfter:      3,
	}
}

func (d *mockDevice) scp03Params() securechannel.Scp03KeyParameters {
	return securechannel.Scp03KeyParameters{
		KeyRef: keyref.KeyReference{Kid: keyref.KidSCP03, Kvn: keyref.KvnFactoryDefault},
		StaticKeys: keyref.StaticKeys{
			Enc: append([]byte{}, d.staticEnc...),
			Mac: append([]byte{}, d.staticMac...),
			Dek: append([]byte{}, d.staticDek...),
		},
		MacOnly: true,
	}
}

func (d *mockDevice) handle(_ context.Context, req []byte) ([]byte, error) {
	ins := req[1]
	p1, p2 := req[2], req[3]
	lc := int(req[4])
	body := req[5 : 5+lc]

	switch ins {
	case 0xA4: // SELECT
		return []byte{0x90, 0x00}, nil

	case securechannel.InsInitializeUpdate:
		if p1 == 0x00 && p2 == 0x00 {
			return d.resetResponse(keyref.KidSCP03)
		}
		hostChallenge := body
		sMac, _ := kdf.Scp03(d.staticMac, kdf.LabelSMac, hostChallenge, d.cardChallenge, 16)
		sRMac, _ := kdf.Scp03(d.staticMac, kdf.LabelSRMac, hostChallenge, d.cardChallenge, 16)
		cryptogram, _ := kdf.Scp03Cryptogram(sMac, kdf.LabelCardCryptogram, hostChallenge, d.cardChallenge)
		d.sMacPending, d.sRMacPending = sMac, sRMac

		resp := make([]byte, 0, 29)
		resp = append(resp, make([]byte, 10)...)
		resp = append(resp, make([]byte, 3)...)
		resp = append(resp, d.cardChallenge...)
		resp = append(resp, cryptogram...)
		return append(resp, 0x90, 0x00), nil

	case securechannel.InsExternalAuthenticate:
		if p1 == 0x00 && p2 == 0x00 {
			return d.resetResponse(keyref.KidSCP11a)
		}
		hostCryptogram := body[:len(body)-8]
		header := []byte{req[0], ins, p1, p2, byte(lc)}
		mac, _ := deviceChainedMAC([16]byte{}, d.sMacPending, header, hostCryptogram)
		d.secure = &deviceSecureState{sMac: d.sMacPending, sRMac: d.sRMacPending, macChain: mac}
		return []byte{0x90, 0x00}, nil

	case 0x88: // INTERNAL AUTHENTICATE
		return d.resetResponse(keyref.KidSCP11b)

	case securechannel.InsPerformSecurityOperation:
		return d.resetResponse(0xFF)

	case 0xCA: // GET DATA
		if p1 == 0x00 && p2 == 0xE0 {
			return append(append([]byte{}, d.keyInfoTemplate...), 0x90, 0x00), nil
		}
		if p1 == 0x00 && p2 == 0x66 {
			return append(append([]byte{}, d.cardRecognition...), 0x90, 0x00), nil
		}
		return []byte{0x6A, 0x88}, nil

	case 0xE2: // STORE DATA
		d.storeDataBlocks = append(d.storeDataBlocks, body...)
		d.storeDataP1s = append(d.storeDataP1s, p1)
		return []byte{0x90, 0x00}, nil

	case 0xD8: // PUT KEY
		plain := body
		if d.secure != nil {
			var err error
			plain, err = d.secure.unwrapCommand(req[0], ins, p1, p2, body)
			if err != nil {
				return []byte{0x69, 0x88}, nil
			}
		}
		d.putKeyBlob = append([]byte{}, plain...)
		if d.secure != nil {
			return d.secure.wrapResponse(nil, 0x9000), nil
		}
		return []byte{0x90, 0x00}, nil

	case 0xE4: // DELETE
		return []byte{0x90, 0x00}, nil

	case 0xF1: // GENERATE KEY
		point := tlv.Encode(0xB0, bytesOf(0x77, 65))
		return append(point, 0x90, 0x00), nil

	default:
		return []byte{0x6D, 0x00}, nil
	}
}

// resetResponse simulates the retry-counter exhaustion the factory
// reset protocol relies on: the first blockAfter attempts for a given
// kid "continue" (0x6A80), after which the key is reported blocked.
func (d *mockDevice) resetResponse(kid byte) ([]byte, error) {
	d.resetAttempts[kid]++
	if d.resetAttempts[kid] >= d.blockAfter {
		return []byte{0x69, 0x83}, nil
	}
	return []byte{0x6A, 0x80}, nil
}

func keyInfoEntry(kid, kvn byte, components map[byte]byte) []byte {
	v := []byte{kid, kvn}
	for id, attr := range components {
		v = append(v, id, attr)
	}
	return tlv.Encode(0xC0, v)
}

func newSelectedChannel(t *testing.T, device *mockDevice) *channel.Channel {
	ch := channel.New(&fakeTransport{handler: device.handle})
	require.NoError(t, ch.Select(context.Background(), []byte{0xA0, 0x00}))
	return ch
}

func TestDomain_GetKeyInfo(t *testing.T) {
	device := newMockDevice()
	device.keyInfoTemplate = tlv.Encode(0xE0, append(
		keyInfoEntry(keyref.KidSCP03, keyref.KvnFactoryDefault, map[byte]byte{0x88: 0x10}),
		keyInfoEntry(keyref.KidSCP11b, 0x01, map[byte]byte{0xB0: 0x20})...,
	))

	ch := newSelectedChannel(t, device)
	dom := securitydomain.New(ch)

	infos, err := dom.GetKeyInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, keyref.KeyReference{Kid: keyref.KidSCP03, Kvn: keyref.KvnFactoryDefault}, infos[0].Ref)
	require.Equal(t, byte(0x10), infos[0].Components[0x88])
	require.Equal(t, keyref.KeyReference{Kid: keyref.KidSCP11b, Kvn: 0x01}, infos[1].Ref)
}

func TestDomain_GetCardRecognition(t *testing.T) {
	device := newMockDevice()
	ch := newSelectedChannel(t, device)
	dom := securitydomain.New(ch)

	data, err := dom.GetCardRecognition(context.Background())
	require.NoError(t, err)
	require.Equal(t, device.cardRecognition, data)
}

// STORE DATA splits an oversized payload into <=255-byte blocks and
// marks only the final one as last.
func TestDomain_StoreDataChaining(t *testing.T) {
	device := newMockDevice()
	ch := newSelectedChannel(t, device)
	dom := securitydomain.New(ch)

	payload := bytesOf(0x01, 600)
	require.NoError(t, dom.StoreData(context.Background(), payload))

	require.Equal(t, payload, device.storeDataBlocks)
	require.Len(t, device.storeDataP1s, 3)
	require.Equal(t, byte(0x00), device.storeDataP1s[0])
	require.Equal(t, byte(0x00), device.storeDataP1s[1])
	require.Equal(t, byte(0x80), device.storeDataP1s[2])
}

func decryptECB(key, ciphertext []byte) []byte {
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	out := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	return out
}

// P8-adjacent: put_key wraps each static-key component under the
// session's s_dek such that decrypting it with the same DEK recovers
// the original key, and its KCV matches AES-ECB(key, 0^16)[:3].
func TestDomain_PutKeyAes(t *testing.T) {
	device := newMockDevice()
	ch := channel.New(&fakeTransport{handler: device.handle})
	require.NoError(t, ch.Select(context.Background(), []byte{0xA0}))
	require.NoError(t, ch.Authenticate(context.Background(), device.scp03Params()))

	dom := securitydomain.New(ch)
	newKeys := keyref.StaticKeys{
		Enc: bytesOf(0x01, 16),
		Mac: bytesOf(0x02, 16),
		Dek: bytesOf(0x03, 16),
	}
	require.NoError(t, dom.PutKeyAes(context.Background(), keyref.KeyReference{Kid: keyref.KidSCP03, Kvn: 0x02}, newKeys, 0x02))

	require.NotEmpty(t, device.putKeyBlob)
	require.Equal(t, byte(0x02), device.putKeyBlob[0]) // replace_kvn

	offset := 1
	expectedKeys := [][]byte{newKeys.Enc, newKeys.Mac, newKeys.Dek}
	for _, expected := range expectedKeys {
		keyType := device.putKeyBlob[offset]
		length := int(device.putKeyBlob[offset+1])
		wrapped := device.putKeyBlob[offset+2 : offset+2+length]
		kcvLen := int(device.putKeyBlob[offset+2+length])
		kcv := device.putKeyBlob[offset+3+length : offset+3+length+kcvLen]

		require.Equal(t, byte(0x88), keyType)
		require.Equal(t, expected, decryptECB(device.staticDek, wrapped))

		block, err := aes.NewCipher(expected)
		require.NoError(t, err)
		zeroOut := make([]byte, aes.BlockSize)
		block.Encrypt(zeroOut, make([]byte, aes.BlockSize))
		require.Equal(t, zeroOut[:3], kcv)

		offset += 3 + length + kcvLen
	}
}

func TestDomain_PutKeyAes_RequiresAuthenticatedChannel(t *testing.T) {
	device := newMockDevice()
	ch := newSelectedChannel(t, device)
	dom := securitydomain.New(ch)

	err := dom.PutKeyAes(context.Background(), keyref.KeyReference{Kid: keyref.KidSCP03, Kvn: 0x02}, keyref.StaticKeys{Enc: bytesOf(0x01, 16)}, 0x02)
	require.Error(t, err)
}

func TestDomain_DeleteKey(t *testing.T) {
	device := newMockDevice()
	ch := newSelectedChannel(t, device)
	dom := securitydomain.New(ch)

	err := dom.DeleteKey(context.Background(), keyref.KeyReference{Kid: keyref.KidSCP11b, Kvn: 0x01}, true)
	require.NoError(t, err)
}

func TestDomain_GenerateKey(t *testing.T) {
	device := newMockDevice()
	ch := newSelectedChannel(t, device)
	dom := securitydomain.New(ch)

	pub, err := dom.GenerateKey(context.Background(), keyref.KeyReference{Kid: keyref.KidSCP11b, Kvn: 0x01}, 0x02)
	require.NoError(t, err)
	require.Len(t, pub.Point, 65)
}

// S5: factory reset exhausts each key's retry counter in turn, then
// leaves the channel re-selected and ready for a fresh handshake.
func TestDomain_Reset(t *testing.T) {
	device := newMockDevice()
	device.keyInfoTemplate = tlv.Encode(0xE0, append(
		keyInfoEntry(keyref.KidSCP03, keyref.KvnFactoryDefault, nil),
		keyInfoEntry(keyref.KidSCP11b, 0x01, nil)...,
	))

	ch := newSelectedChannel(t, device)
	dom := securitydomain.New(ch)

	err := dom.Reset(context.Background(), []byte{0xA0, 0x00}, nil)
	require.NoError(t, err)
	require.Equal(t, channel.StateSelected, ch.State())
	require.GreaterOrEqual(t, device.resetAttempts[keyref.KidSCP03], device.blockAfter)
	require.GreaterOrEqual(t, device.resetAttempts[keyref.KidSCP11b], device.blockAfter)
}

func TestDomain_Reset_RequiresPlaintextChannel(t *testing.T) {
	device := newMockDevice()
	ch := channel.New(&fakeTransport{handler: device.handle})
	require.NoError(t, ch.Select(context.Background(), []byte{0xA0}))
	require.NoError(t, ch.Authenticate(context.Background(), device.scp03Params()))

	dom := securitydomain.New(ch)
	err := dom.Reset(context.Background(), []byte{0xA0}, nil)
	require.Error(t, err)
}

// P9: after reset(), get_key_info() still reports the (unchanged, in
// this mock) factory default key set.
func TestDomain_Reset_ThenGetKeyInfoReportsDefaults(t *testing.T) {
	device := newMockDevice()
	device.keyInfoTemplate = tlv.Encode(0xE0, keyInfoEntry(keyref.KidSCP03, keyref.KvnFactoryDefault, nil))

	ch := newSelectedChannel(t, device)
	dom := securitydomain.New(ch)

	require.NoError(t, dom.Reset(context.Background(), []byte{0xA0}, nil))

	infos, err := dom.GetKeyInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, keyref.KeyReference{Kid: keyref.KidSCP03, Kvn: keyref.KvnFactoryDefault}, infos[0].Ref)
}

