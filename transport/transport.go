// Package transport defines the external collaborator contract
// spec.md §6 hands raw APDU bytes across, and a reference HTTP
// implementation of it.
//
// Grounded on the teacher's connector.Connector/HTTPConnector
// (net/http request/response shape), generalized from the HSM
// connector's length-prefixed octet-stream body to a plain raw-APDU
// transceive endpoint; GetStatus/StatusResponse are dropped as
// HSM-connector-specific, out of scope per spec.md's OS-level transport
// exclusion.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Transport is the one operation the SCP core requires from its
// caller-supplied I/O layer: send raw bytes, get raw bytes back. The
// core never assumes reliability beyond per-call semantics.
type Transport interface {
	TransceiveRaw(ctx context.Context, req []byte) ([]byte, error)
	SupportsExtendedAPDU() bool
}

// HTTPTransport sends raw APDU bytes as an octet-stream POST body and
// reads the reply the same way. It does not support extended APDUs
// unless ExtendedAPDU is explicitly set, since that is a property of
// the device/reader behind the endpoint, not of HTTP itself.
type HTTPTransport struct {
	URL          string
	Client       *http.Client
	ExtendedAPDU bool
}

// NewHTTPTransport builds an HTTPTransport against url, given as a
// host[:port] without a scheme (requests go to http://<url>/transceive),
// using http.DefaultClient.
func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{URL: url, Client: http.DefaultClient}
}

// TransceiveRaw posts req to the transport endpoint and returns the
// response body verbatim.
func (t *HTTPTransport) TransceiveRaw(ctx context.Context, req []byte) ([]byte, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+t.URL+"/transceive", bytes.NewReader(req))
	if err != nil {
		return nil, fmt.Errorf("transport: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")

	res, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("transport: request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: server returned status %d", res.StatusCode)
	}

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: reading response: %w", err)
	}

	return data, nil
}

// SupportsExtendedAPDU reports whether this endpoint is known to
// forward extended-length APDUs to the underlying device.
func (t *HTTPTransport) SupportsExtendedAPDU() bool {
	return t.ExtendedAPDU
}
