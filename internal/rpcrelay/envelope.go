package rpcrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	jsonrpcVersion = "2.0"
	// SingleFlightID is the request id used when at most one call is in
	// flight.
	SingleFlightID uint64 = 1
)

var emptyParams = json.RawMessage("[]")

// Request is the envelope sent to the peer process.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      uint64          `json:"id"`
}

// NewRequest builds an envelope. Missing params are sent as [].
func NewRequest(method string, params json.RawMessage, id uint64) Request {
	if len(strings.TrimSpace(string(params))) == 0 || string(params) == "null" {
		params = emptyParams
	}
	return Request{JSONRPC: jsonrpcVersion, Method: method, Params: params, ID: id}
}

func (r Request) Marshal() ([]byte, error) {
	if r.Method == "" {
		return nil, fmt.Errorf("rpcrelay: empty method")
	}
	if !json.Valid(r.Params) {
		return nil, fmt.Errorf("rpcrelay: params are not valid JSON")
	}
	return json.Marshal(r)
}

// replyID extracts the numeric id of a reply. ok is false when the reply has
// no usable id.
//
// Only bare JSON integers count: "7" and 7 are different JSON-RPC ids.
func replyID(reply []byte) (id uint64, ok bool) {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(reply, &env); err != nil {
		return 0, false
	}
	raw := bytes.TrimSpace(env.ID)
	if len(raw) == 0 || raw[0] < '0' || raw[0] > '9' {
		return 0, false
	}
	n, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
