// Package channel implements the Fresh -> Selected -> Authenticating ->
// Open -> Terminated protocol stack on top of package apdu and,
// optionally, package securechannel: select an application, drive an
// SCP03/SCP11 handshake, and transceive commands transparently wrapped
// or in the clear.
//
// Grounded on the teacher's SecureChannel: the single channelLock field
// guarding every round trip is the same name and the same "one critical
// section around the whole exchange, not its sub-steps" shape the
// teacher uses, generalized from a channel that is always encrypted to
// one that may be plaintext, SCP03, or SCP11.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vaultkeys/scp-go/apdu"
	applog "github.com/vaultkeys/scp-go/log"
	"github.com/vaultkeys/scp-go/scperr"
	"github.com/vaultkeys/scp-go/securechannel"
	"github.com/vaultkeys/scp-go/transport"
)

// State is a position in the channel lifecycle, spec.md §3/§4.7.
type State int

const (
	StateFresh State = iota
	StateSelected
	StateAuthenticating
	StateOpen
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateSelected:
		return "selected"
	case StateAuthenticating:
		return "authenticating"
	case StateOpen:
		return "open"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Option configures a Channel at construction time.
type Option func(*Channel)

// WithLogger attaches a structured logger. Components log without
// knowing the backend; a nil logger discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(c *Channel) { c.log = applog.WithComponent(l, "channel") }
}

// WithExtendedAPDU overrides the transport's own SupportsExtendedAPDU
// answer, for callers who know better than the transport does.
func WithExtendedAPDU(extended bool) Option {
	return func(c *Channel) { c.extended = extended }
}

// Channel is the single owner of one logical connection to a device.
// Every exported method takes channelLock, so goroutines may share a
// Channel: channelLock guards the entire wrap -> transport -> unwrap
// round trip, not its sub-steps, and calls are served one at a time.
type Channel struct {
	channelLock sync.Mutex

	transport transport.Transport
	extended  bool
	log       *slog.Logger

	state   State
	session *securechannel.SessionState
}

// New builds a Channel over t in state Fresh.
func New(t transport.Transport, opts ...Option) *Channel {
	c := &Channel{
		transport: t,
		extended:  t.SupportsExtendedAPDU(),
		log:       applog.Discard(),
		state:     StateFresh,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports the channel's current lifecycle position.
func (c *Channel) State() State {
	c.channelLock.Lock()
	defer c.channelLock.Unlock()
	return c.state
}

// Select sends SELECT for aid, moving Fresh -> Selected on success. A
// rejected AID (0x6A82, ApplicationNotFound) leaves the channel Fresh;
// it does not Terminate the channel.
func (c *Channel) Select(ctx context.Context, aid []byte) error {
	c.channelLock.Lock()
	defer c.channelLock.Unlock()

	if c.state == StateTerminated {
		return scperr.ErrChannelTerminated
	}

	cmd := apdu.ApduCommand{CLA: 0x00, INS: insSelect, P1: 0x04, P2: 0x00, Data: aid}
	resp, err := apdu.Exchange(ctx, c.send, cmd, c.extended)
	if err != nil {
		return err
	}
	if !resp.Success() {
		return apdu.ClassifySW(resp.SW, cmd.INS, resp.Data)
	}

	c.state = StateSelected
	c.log.Info("application selected", slog.Int("aid_len", len(aid)))
	return nil
}

// Authenticate drives an SCP handshake using params, which must be a
// securechannel.Scp03KeyParameters or securechannel.Scp11KeyParameters.
// Calling Authenticate on an already-Open channel terminates the
// existing session and starts a new one under params, the re-
// authenticate-to-rotate semantics spec.md §4.7 describes for a key
// rotated by put_key mid-session.
func (c *Channel) Authenticate(ctx context.Context, params any) (err error) {
	c.channelLock.Lock()
	defer c.channelLock.Unlock()
	defer c.recoverLocked()

	switch c.state {
	case StateTerminated:
		return scperr.ErrChannelTerminated
	case StateFresh:
		return fmt.Errorf("channel: %w: authenticate requires a selected application", scperr.ErrUnsupportedOperation)
	}

	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	c.state = StateAuthenticating

	var session *securechannel.SessionState
	switch p := params.(type) {
	case securechannel.Scp03KeyParameters:
		session, err = securechannel.AuthenticateScp03(ctx, c.send, c.extended, p)
	case securechannel.Scp11KeyParameters:
		session, err = securechannel.AuthenticateScp11(ctx, c.send, c.extended, p)
	default:
		err = fmt.Errorf("channel: %w: unrecognized key parameters type %T", scperr.ErrUnsupportedOperation, params)
	}

	if err != nil {
		if c.state != StateTerminated {
			c.state = StateSelected
		}
		return err
	}

	c.session = session
	c.state = StateOpen
	c.log.Info("secure channel open")
	return nil
}

// Transceive sends cmd, transparently wrapping/unwrapping it through the
// active SCP session if one exists, and returns the device's response.
// A response MAC failure or transport error Terminates the channel;
// every subsequent call fails immediately without touching the
// transport, per spec.md P2.
func (c *Channel) Transceive(ctx context.Context, cmd apdu.ApduCommand) (resp apdu.ApduResponse, err error) {
	c.channelLock.Lock()
	defer c.channelLock.Unlock()
	defer c.recoverLocked()

	switch c.state {
	case StateTerminated:
		return apdu.ApduResponse{}, scperr.ErrChannelTerminated
	case StateFresh:
		return apdu.ApduResponse{}, fmt.Errorf("channel: %w: transceive requires a selected application", scperr.ErrUnsupportedOperation)
	}

	outgoing := cmd
	if c.session != nil {
		outgoing, err = c.session.Wrap(cmd)
		if err != nil {
			return apdu.ApduResponse{}, err
		}
	}

	resp, err = apdu.Exchange(ctx, c.send, outgoing, c.extended)
	if err != nil {
		return apdu.ApduResponse{}, err
	}

	if c.session != nil {
		unwrapped, uerr := c.session.Unwrap(resp)
		if uerr != nil {
			c.state = StateTerminated
			return apdu.ApduResponse{}, uerr
		}
		resp = unwrapped
	}

	if c.state == StateSelected {
		c.state = StateOpen
	}
	return resp, nil
}

// Authenticated reports whether a secure-channel session is currently
// active on this channel.
func (c *Channel) Authenticated() bool {
	c.channelLock.Lock()
	defer c.channelLock.Unlock()
	return c.session != nil && c.session.Authenticated
}

// SessionDataEncryptionKey returns a copy of the active session's
// s_dek, for callers (securitydomain's put_key) that wrap key material
// off to the side of the normal Transceive pipeline. ok is false when
// no secure session is open.
func (c *Channel) SessionDataEncryptionKey() (key []byte, ok bool) {
	c.channelLock.Lock()
	defer c.channelLock.Unlock()
	if c.session == nil || !c.session.Authenticated {
		return nil, false
	}
	return append([]byte{}, c.session.Keys.SDek...), true
}

// MessageCount reports the active session's command counter, for
// callers (package pool) that retire a channel before it climbs too
// close to reuse: 1 right after the handshake, plus one per wrapped
// command. It is 0 on a plaintext or not-yet-authenticated channel.
func (c *Channel) MessageCount() uint32 {
	c.channelLock.Lock()
	defer c.channelLock.Unlock()
	if c.session == nil {
		return 0
	}
	return c.session.EncCounter
}

// Close destroys any active session and Terminates the channel. Close
// is idempotent.
func (c *Channel) Close() error {
	c.channelLock.Lock()
	defer c.channelLock.Unlock()

	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	c.state = StateTerminated
	return nil
}

// send adapts transport.TransceiveRaw to apdu.Transceiver, Terminating
// the channel on any transport-level failure and distinguishing a
// caller cancellation from an opaque transport error.
func (c *Channel) send(ctx context.Context, req []byte) ([]byte, error) {
	raw, err := c.transport.TransceiveRaw(ctx, req)
	if err != nil {
		c.state = StateTerminated
		if ctx.Err() != nil {
			return nil, scperr.ErrCancelled
		}
		return nil, &scperr.TransportError{Op: "transceive_raw", Err: err}
	}
	return raw, nil
}

// recoverLocked destroys any session key material before a panic
// unwinds past the API boundary, then re-panics. channelLock is assumed
// held by the caller's defer ordering.
func (c *Channel) recoverLocked() {
	if r := recover(); r != nil {
		if c.session != nil {
			c.session.Destroy()
			c.session = nil
		}
		c.state = StateTerminated
		panic(r)
	}
}

const insSelect byte = 0xA4
