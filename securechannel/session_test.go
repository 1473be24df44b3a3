package securechannel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultkeys/scp-go/apdu"
	"github.com/vaultkeys/scp-go/keyref"
	"github.com/vaultkeys/scp-go/scperr"
)

func testSession() *SessionState {
	return &SessionState{
		Keys: keyref.SessionKeys{
			SEnc:  bytesOf(0xA0),
			SMac:  bytesOf(0xB0),
			SRMac: bytesOf(0xC0),
		},
		EncCounter:    1,
		Encrypted:     true,
		Authenticated: true,
	}
}

func bytesOf(base byte) []byte {
	out := make([]byte, 16)
	for i := range out {
		out[i] = base + byte(i)
	}
	return out
}

// P1: mac_chain and enc_counter advance monotonically across wraps and
// never reset while authenticated.
func TestSessionState_CounterAndChainAdvance(t *testing.T) {
	s := testSession()
	initialChain := s.MacChain

	wrapped1, err := s.Wrap(apdu.ApduCommand{CLA: 0x80, INS: 0xD8, Data: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, uint32(2), s.EncCounter)
	require.NotEqual(t, initialChain, s.MacChain)

	chainAfterFirst := s.MacChain
	wrapped2, err := s.Wrap(apdu.ApduCommand{CLA: 0x80, INS: 0xD8, Data: []byte("world")})
	require.NoError(t, err)
	require.Equal(t, uint32(3), s.EncCounter)
	require.NotEqual(t, chainAfterFirst, s.MacChain)
	require.NotEqual(t, wrapped1.Data, wrapped2.Data)
}

// P1 also holds for a MAC-only session: enc_counter advances per wrapped
// command even though C-ENC never runs.
func TestSessionState_CounterAdvancesWithoutEncryption(t *testing.T) {
	s := testSession()
	s.Encrypted = false

	_, err := s.Wrap(apdu.ApduCommand{CLA: 0x80, INS: 0xD8, Data: []byte("hello")})
	require.NoError(t, err)
	require.Equal(t, uint32(2), s.EncCounter)

	_, err = s.Wrap(apdu.ApduCommand{CLA: 0x80, INS: 0xD8, Data: []byte("world")})
	require.NoError(t, err)
	require.Equal(t, uint32(3), s.EncCounter)
}

func TestSessionState_WrapSetsSecureMessagingBit(t *testing.T) {
	s := testSession()
	wrapped, err := s.Wrap(apdu.ApduCommand{CLA: 0x80, INS: 0xD8})
	require.NoError(t, err)
	require.NotZero(t, wrapped.CLA&0x04)
}

// P2: a response whose R-MAC does not match the expected CMAC breaks the
// channel, without ever touching the encrypted payload.
func TestSessionState_UnwrapRejectsTamperedMAC(t *testing.T) {
	s := testSession()
	resp := apdu.ApduResponse{Data: append([]byte("reply"), make([]byte, 8)...), SW: apdu.SWSuccess}
	_, err := s.Unwrap(resp)
	require.ErrorIs(t, err, scperr.ErrSecureChannelBroken)
}

func TestSessionState_UnwrapAcceptsValidMAC(t *testing.T) {
	s := testSession()
	s.Encrypted = false // isolate R-MAC verification from R-ENC decryption
	body := []byte("plaintext-response-body")
	swBytes := []byte{0x90, 0x00}

	mac, err := s.chainedMAC(s.Keys.SRMac, body, swBytes)
	require.NoError(t, err)

	resp := apdu.ApduResponse{Data: append(append([]byte{}, body...), mac[:8]...), SW: apdu.SWSuccess}

	fresh := testSession()
	fresh.Encrypted = false
	unwrapped, err := fresh.Unwrap(resp)
	require.NoError(t, err)
	require.Equal(t, body, unwrapped.Data)
	require.Equal(t, apdu.SWSuccess, unwrapped.SW)
}

func TestSessionState_WrapRequiresAuthentication(t *testing.T) {
	s := &SessionState{}
	_, err := s.Wrap(apdu.ApduCommand{})
	require.ErrorIs(t, err, scperr.ErrNotAuthenticated)
}

func TestSessionState_UnwrapRequiresAuthentication(t *testing.T) {
	s := &SessionState{}
	_, err := s.Unwrap(apdu.ApduResponse{Data: make([]byte, 8)})
	require.ErrorIs(t, err, scperr.ErrNotAuthenticated)
}

func TestSessionState_DestroyClearsKeys(t *testing.T) {
	s := testSession()
	s.Destroy()
	require.False(t, s.Authenticated)
	for _, b := range s.Keys.SEnc {
		require.Zero(t, b)
	}
}
