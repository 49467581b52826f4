package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type method string

const (
	methodTransportCreate   method = "transport.create"
	methodTransportConnect  method = "transport.connect"
	methodTransportPair     method = "transport.pair"
	methodTransportDump     method = "transport.dump"
	methodTransportGetStats method = "transport.getStats"
	methodTransportClose    method = "transport.close"
)

// Error codes reported in response envelopes.
const (
	codeInvalidMessage    = "invalid_message"
	codeUnknownMethod     = "unknown_method"
	codeInvalidParams     = "invalid_params"
	codeTransportNotFound = "transport_not_found"
	codeAlreadyConnected  = "already_connected"
	codeTransportClosed   = "transport_closed"
	codeInternal          = "internal"
)

// request is the control channel envelope. Method-specific parameters are
// decoded lazily from Data by the handler that knows their shape.
type request struct {
	ID          string          `json:"id"`
	Method      method          `json:"method"`
	TransportID string          `json:"transportId,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

type response struct {
	ID    string         `json:"id"`
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *responseError `json:"error,omitempty"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createParams struct {
	EnableSRTP bool `json:"enableSrtp"`
	EnableRTX  bool `json:"enableRtx"`
}

type connectParams struct {
	IP      string `json:"ip"`
	Port    uint16 `json:"port"`
	SRTPKey string `json:"srtpKey,omitempty"` // base64
}

type pairParams struct {
	PeerTransportID string `json:"peerTransportId"`
}

func parseRequest(data []byte) (request, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var req request
	if err := dec.Decode(&req); err != nil {
		return request{}, err
	}
	if req.ID == "" {
		return request{}, fmt.Errorf("request missing id")
	}
	if req.Method == "" {
		return request{}, fmt.Errorf("request missing method")
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return request{}, fmt.Errorf("unexpected trailing data")
	}
	return req, nil
}

// decodeParams strictly decodes method parameters into out. A missing Data
// payload leaves out at its zero value, which suits methods whose parameters
// are all optional.
func decodeParams(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
