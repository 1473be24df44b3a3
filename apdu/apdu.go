// Package apdu implements the ISO 7816-4 command/response framing that
// carries every protocol in this module: short and extended encoding,
// command chaining for oversized requests, response chaining for
// oversized replies, and the status-word taxonomy spec.md §4.4 defines.
//
// Grounded on the teacher's commands.CommandMessage/ParseResponse pair
// (length-prefixed framing, response dispatch by type), generalized from
// the HSM's proprietary session-message wire format to real ISO 7816-4
// APDUs, and on the sim-reader pack member's 61xx/GET RESPONSE chaining
// loop and SWToString taxonomy.
package apdu

import (
	"bytes"
	"context"
	"fmt"

	"github.com/vaultkeys/scp-go/scperr"
)

// Status words enumerated by spec.md §4.4.
const (
	SWSuccess                    uint16 = 0x9000
	SWApplicationNotFound        uint16 = 0x6A82
	SWReferencedDataNotFound     uint16 = 0x6A88
	SWSecurityStatusNotSatisfied uint16 = 0x6982
	SWAuthMethodBlocked          uint16 = 0x6983
	SWInvalidCommandDataParam    uint16 = 0x6A80
	SWUnsupportedIns             uint16 = 0x6D00
	SWUnsupportedCla             uint16 = 0x6E00
)

// InsGetResponse is the instruction byte response chaining issues to
// drain buffered bytes following a 0x61xx status word.
const InsGetResponse byte = 0xC0

// ClaChainingBit marks a command-chaining fragment as non-final.
const ClaChainingBit byte = 0x10

// ShortApduMaxBody is the largest body a short-form APDU fragment may
// carry before command chaining is required.
const ShortApduMaxBody = 255

// ApduCommand is a logical command prior to wire encoding. Le is a
// pointer because "no Le byte at all" and "Le=0 meaning 256/65536
// expected bytes" are distinct wire states.
type ApduCommand struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Le               *uint16
}

// ApduResponse is a fully unchained, parsed response.
type ApduResponse struct {
	Data []byte
	SW   uint16
}

// Success reports whether the response's status word is 0x9000.
func (r ApduResponse) Success() bool { return r.SW == SWSuccess }

// ParseResponse splits a raw device reply into its body and trailing
// two-byte status word.
func ParseResponse(raw []byte) (ApduResponse, error) {
	if len(raw) < 2 {
		return ApduResponse{}, &scperr.MalformedResponse{Reason: fmt.Sprintf("response shorter than SW: %d bytes", len(raw))}
	}
	sw := uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
	return ApduResponse{Data: raw[:len(raw)-2], SW: sw}, nil
}

// ClassifySW maps a non-success status word to the taxonomy spec.md
// §4.4/§7 names. A nil return means sw == 0x9000.
//
// SWApplicationNotFound gets its own case because spec.md §4.8's failure
// semantics call for a distinguishable ApplicationNotFound signal on a
// rejected SELECT, not just a generic ApduError: the returned error is
// still an *scperr.ApduError carrying the SW/Ins/Data for diagnosis, but
// also matches errors.Is(err, scperr.ErrApplicationNotFound). Every
// other non-success SW falls through to default; of those, 0x6D00 and
// 0x6E00 also match errors.Is(err, scperr.ErrUnsupportedOperation).
func ClassifySW(sw uint16, ins byte, data []byte) error {
	switch sw {
	case SWSuccess:
		return nil
	case SWApplicationNotFound:
		return &scperr.ApduError{SW: sw, Ins: ins, Data: data}
	default:
		return &scperr.ApduError{SW: sw, Ins: ins, Data: data}
	}
}

// encodeShort builds an ISO 7816-4 short APDU: CLA INS P1 P2 [Lc data] [Le].
func encodeShort(cmd ApduCommand) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(cmd.CLA)
	buf.WriteByte(cmd.INS)
	buf.WriteByte(cmd.P1)
	buf.WriteByte(cmd.P2)

	if len(cmd.Data) > 0 {
		buf.WriteByte(byte(len(cmd.Data)))
		buf.Write(cmd.Data)
	}

	if cmd.Le != nil {
		buf.WriteByte(byte(*cmd.Le))
	}

	return buf.Bytes()
}

// encodeExtended builds an ISO 7816-4 extended APDU:
// CLA INS P1 P2 0x00 [Lc(2) data] [Le(2)].
func encodeExtended(cmd ApduCommand) []byte {
	buf := new(bytes.Buffer)
	buf.WriteByte(cmd.CLA)
	buf.WriteByte(cmd.INS)
	buf.WriteByte(cmd.P1)
	buf.WriteByte(cmd.P2)

	if len(cmd.Data) > 0 || cmd.Le == nil {
		buf.WriteByte(0x00)
	}

	if len(cmd.Data) > 0 {
		lc := len(cmd.Data)
		buf.WriteByte(byte(lc >> 8))
		buf.WriteByte(byte(lc))
		buf.Write(cmd.Data)
	}

	if cmd.Le != nil {
		le := *cmd.Le
		if len(cmd.Data) == 0 {
			buf.WriteByte(0x00)
		}
		buf.WriteByte(byte(le >> 8))
		buf.WriteByte(byte(le))
	}

	return buf.Bytes()
}

// Frame encodes a logical command into one or more wire-ready fragments.
// Extended encoding, when requested and the transport supports it,
// always yields exactly one fragment. Otherwise, when the body exceeds
// ShortApduMaxBody, the payload is split into command-chained fragments
// of at most 255 bytes; every fragment but the last sets CLA bit 0x10
// and carries no Le.
func Frame(cmd ApduCommand, extended bool) [][]byte {
	if extended {
		return [][]byte{encodeExtended(cmd)}
	}

	if len(cmd.Data) <= ShortApduMaxBody {
		return [][]byte{encodeShort(cmd)}
	}

	var fragments [][]byte
	data := cmd.Data
	for len(data) > ShortApduMaxBody {
		chunk := data[:ShortApduMaxBody]
		data = data[ShortApduMaxBody:]
		fragments = append(fragments, encodeShort(ApduCommand{
			CLA:  cmd.CLA | ClaChainingBit,
			INS:  cmd.INS,
			P1:   cmd.P1,
			P2:   cmd.P2,
			Data: chunk,
		}))
	}
	fragments = append(fragments, encodeShort(ApduCommand{
		CLA:  cmd.CLA,
		INS:  cmd.INS,
		P1:   cmd.P1,
		P2:   cmd.P2,
		Data: data,
		Le:   cmd.Le,
	}))
	return fragments
}

// Transceiver is the minimal one-shot send/receive contract Unchain and
// Exchange drive. It is satisfied by transport.Transport.TransceiveRaw.
type Transceiver func(ctx context.Context, req []byte) ([]byte, error)

// Unchain sends first, then drives response chaining: while the status
// word's high byte is 0x61, it issues GET RESPONSE (INS 0xC0, P1=P2=0,
// Le = the low byte, 0 meaning up to 256) and appends the returned body,
// until a terminal status word is returned.
func Unchain(ctx context.Context, send Transceiver, first []byte) (ApduResponse, error) {
	raw, err := send(ctx, first)
	if err != nil {
		return ApduResponse{}, &scperr.TransportError{Op: "transceive", Err: err}
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return ApduResponse{}, err
	}

	accum := append([]byte{}, resp.Data...)
	for resp.SW>>8 == 0x61 {
		le := byte(resp.SW)
		getResponse := encodeShort(ApduCommand{
			CLA: 0x00,
			INS: InsGetResponse,
			P1:  0x00,
			P2:  0x00,
			Le:  u16ptr(uint16(le)),
		})

		raw, err = send(ctx, getResponse)
		if err != nil {
			return ApduResponse{}, &scperr.TransportError{Op: "get response", Err: err}
		}
		resp, err = ParseResponse(raw)
		if err != nil {
			return ApduResponse{}, err
		}
		accum = append(accum, resp.Data...)
	}

	return ApduResponse{Data: accum, SW: resp.SW}, nil
}

// Exchange frames cmd, drives command chaining (requiring SW 0x9000 on
// every non-final fragment) and then response chaining on the final
// fragment's reply, returning the fully reassembled response.
func Exchange(ctx context.Context, send Transceiver, cmd ApduCommand, extended bool) (ApduResponse, error) {
	fragments := Frame(cmd, extended)

	for i, frag := range fragments {
		if i == len(fragments)-1 {
			return Unchain(ctx, send, frag)
		}

		raw, err := send(ctx, frag)
		if err != nil {
			return ApduResponse{}, &scperr.TransportError{Op: "transceive (chained fragment)", Err: err}
		}
		resp, err := ParseResponse(raw)
		if err != nil {
			return ApduResponse{}, err
		}
		if resp.SW != SWSuccess {
			return ApduResponse{}, ClassifySW(resp.SW, cmd.INS, resp.Data)
		}
	}

	return ApduResponse{}, fmt.Errorf("apdu: no fragments produced for command")
}

func u16ptr(v uint16) *uint16 { return &v }
