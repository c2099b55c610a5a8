package stratum

import (
	"encoding/json"
	"fmt"

	"github.com/bardlex/gomp/internal/poolstore"
)

// Message represents a Stratum JSON-RPC message. Requests carry ID, Method
// and Params; responses carry ID and Result or Error; notifications carry a
// null ID with Method and Params.
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum rejection. On the wire it is the conventional
// triple [code, message, data], not an object.
type Error struct {
	Code    int
	Message string
	Data    any
}

// MarshalJSON encodes the error as the [code, message, data] triple miners
// expect.
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON accepts the triple form.
func (e *Error) UnmarshalJSON(data []byte) error {
	var triple []json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return fmt.Errorf("stratum error must be an array: %w", err)
	}
	if len(triple) < 2 {
		return fmt.Errorf("stratum error triple has %d elements", len(triple))
	}
	if err := json.Unmarshal(triple[0], &e.Code); err != nil {
		return fmt.Errorf("stratum error code: %w", err)
	}
	if err := json.Unmarshal(triple[1], &e.Message); err != nil {
		return fmt.Errorf("stratum error message: %w", err)
	}
	if len(triple) > 2 {
		if err := json.Unmarshal(triple[2], &e.Data); err != nil {
			return fmt.Errorf("stratum error data: %w", err)
		}
	}
	return nil
}

// Stratum error codes. 20 doubles as the catch-all for unknown methods,
// malformed JSON and malformed params.
const (
	ErrorUnknown        = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorStaleShare     = 26
)

// errorMessages are the canonical reject strings sent alongside each code.
var errorMessages = map[int]string{
	ErrorUnknown:        "Other/Unknown",
	ErrorJobNotFound:    "Job not found",
	ErrorDuplicateShare: "Duplicate share",
	ErrorLowDifficulty:  "Low difficulty share",
	ErrorUnauthorized:   "Unauthorized worker",
	ErrorNotSubscribed:  "Not subscribed",
	ErrorStaleShare:     "Stale share",
}

// ErrorMessage returns the canonical message for a Stratum error code.
func ErrorMessage(code int) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return errorMessages[ErrorUnknown]
}

// RejectCode maps the store's reject-reason tags onto wire error codes.
func RejectCode(reason poolstore.RejectReason) int {
	switch reason {
	case poolstore.RejectJobNotFound:
		return ErrorJobNotFound
	case poolstore.RejectDuplicate:
		return ErrorDuplicateShare
	case poolstore.RejectLowDifficulty:
		return ErrorLowDifficulty
	case poolstore.RejectUnauthorized:
		return ErrorUnauthorized
	case poolstore.RejectStale:
		return ErrorStaleShare
	default:
		return ErrorUnknown
	}
}

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	WorkerName  string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
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

// NewErrorResponse creates an error response carrying the canonical
// message for code.
func NewErrorResponse(id any, code int) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: ErrorMessage(code),
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

// NewSubscribeResponse builds the mining.subscribe result:
// [[["mining.set_difficulty", sid], ["mining.notify", sid]],
// extranonce1_hex, extranonce2_size].
func NewSubscribeResponse(id any, sessionID, extraNonce1 string, extraNonce2Size int) *Message {
	subs := []any{
		[]any{"mining.set_difficulty", sessionID},
		[]any{"mining.notify", sessionID},
	}
	return NewResponse(id, []any{subs, extraNonce1, extraNonce2Size})
}

// NewSetDifficulty builds a mining.set_difficulty notification. Difficulty
// is always an integer on this pool.
func NewSetDifficulty(difficulty int64) *Message {
	return NewNotification("mining.set_difficulty", []any{difficulty})
}

// NotifyParams is the ordered parameter list of a mining.notify.
type NotifyParams struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// NewNotify builds a mining.notify notification from job parameters.
func NewNotify(p NotifyParams) *Message {
	branch := make([]any, len(p.MerkleBranch))
	for i, h := range p.MerkleBranch {
		branch[i] = h
	}
	return NewNotification("mining.notify", []any{
		p.JobID,
		p.PrevHash,
		p.Coinb1,
		p.Coinb2,
		branch,
		p.Version,
		p.NBits,
		p.NTime,
		p.CleanJobs,
	})
}

// NewReconnect builds a client.reconnect notification, an operator-
// triggered request for the miner to reconnect elsewhere after waitSec.
func NewReconnect(host string, port, waitSec int) *Message {
	return NewNotification("client.reconnect", []any{host, port, waitSec})
}

// NewShowMessage builds a client.show_message notification.
func NewShowMessage(text string) *Message {
	return NewNotification("client.show_message", []any{text})
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

// ParseSubscribeRequest parses mining.subscribe parameters. Both the user
// agent and the session-id hint are optional.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}
	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}
	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 2 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	password, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("password must be string")
	}

	return &AuthorizeRequest{
		Username: username,
		Password: password,
	}, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	workerName, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("worker name must be string")
	}

	jobID, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("job_id must be string")
	}

	extraNonce2, ok := params[2].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce2 must be string")
	}

	nTime, ok := params[3].(string)
	if !ok {
		return nil, fmt.Errorf("ntime must be string")
	}

	nonce, ok := params[4].(string)
	if !ok {
		return nil, fmt.Errorf("nonce must be string")
	}

	return &SubmitRequest{
		WorkerName:  workerName,
		JobID:       jobID,
		ExtraNonce2: extraNonce2,
		NTime:       nTime,
		Nonce:       nonce,
	}, nil
}
