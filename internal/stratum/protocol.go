package stratum

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Protocol methods
const (
	MethodSubscribe     = "subscribe"
	MethodAuthorize     = "authorize"
	MethodSubmit        = "submit"
	MethodNotify        = "notify"
	MethodSetDifficulty = "set_difficulty"
)

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest represents a subscribe request
type SubscribeRequest struct {
	UserAgent string
}

// SubscribeResponse carries the initial session parameters
type SubscribeResponse struct {
	ExtraNonce string        `json:"extranonce"`
	Difficulty uint64        `json:"difficulty"`
	Template   *NotifyParams `json:"template,omitempty"`
}

// AuthorizeRequest represents an authorize request
type AuthorizeRequest struct {
	MinerID     string
	Worker      string
	Credentials string
}

// SubmitRequest represents a share submission
type SubmitRequest struct {
	JobID       string
	NonceHex    string
	NTime       uint64
	ExtraNonce2 string
}

// SubmitResult is the server's verdict on a submission
type SubmitResult struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// NotifyParams represents notify parameters
type NotifyParams struct {
	JobID      string `json:"job_id"`
	PrevHash   string `json:"prev_hash"`
	MerkleRoot string `json:"merkle_root"`
	Version    uint32 `json:"version"`
	NBits      uint64 `json:"nbits"`
	NTime      uint64 `json:"ntime"`
	CleanJobs  bool   `json:"clean_jobs"`
}

// SetDifficultyParams represents set_difficulty parameters
type SetDifficultyParams struct {
	Difficulty uint64 `json:"difficulty"`
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	msg := GetMessage()
	if err := json.Unmarshal(data, msg); err != nil {
		PutMessage(msg)
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses subscribe parameters. All parameters are
// optional.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}
	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	return req, nil
}

// ParseAuthorizeRequest parses authorize parameters:
// [miner_id, worker, credentials]. Credentials may be omitted.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	minerID, ok := params[0].(string)
	if !ok || minerID == "" {
		return nil, fmt.Errorf("miner_id must be a non-empty string")
	}

	worker, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("worker must be string")
	}

	req := &AuthorizeRequest{MinerID: minerID, Worker: worker}
	if len(params) > 2 {
		credentials, ok := params[2].(string)
		if !ok {
			return nil, fmt.Errorf("credentials must be string")
		}
		req.Credentials = credentials
	}
	return req, nil
}

// ParseSubmitRequest parses submit parameters:
// [job_id, nonce_hex, ntime, extranonce2]. ntime is accepted as either a
// JSON number or a decimal string.
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 4 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	jobID, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("job_id must be string")
	}

	nonceHex, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("nonce_hex must be string")
	}

	ntime, err := parseNTime(params[2])
	if err != nil {
		return nil, err
	}

	extraNonce2, ok := params[3].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce2 must be string")
	}

	return &SubmitRequest{
		JobID:       jobID,
		NonceHex:    nonceHex,
		NTime:       ntime,
		ExtraNonce2: extraNonce2,
	}, nil
}

func parseNTime(v any) (uint64, error) {
	switch t := v.(type) {
	case float64:
		if t < 0 || t != math.Trunc(t) {
			return 0, fmt.Errorf("ntime must be a non-negative integer")
		}
		return uint64(t), nil
	case string:
		n, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("ntime must be a decimal string: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("ntime must be number or string")
	}
}
