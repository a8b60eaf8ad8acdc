// ABOUTME: Wire envelope types and codec for the gateway control protocol
// ABOUTME: Decodes/validates the frame kinds: connect, req, res, error, event

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version spoken by this gateway.
// MinVersion is the oldest version a client may negotiate.
const (
	Version    = 3
	MinVersion = 3
)

// Frame type discriminators.
const (
	TypeConnect = "connect"
	TypeRequest = "req"
	TypeRes     = "res"
	TypeError   = "error"
	TypeEvent   = "event"
)

// EventChallenge is the event name carried by the server's handshake
// challenge. The challenge travels as an event frame so that clients can
// consume it with the same decoder as every other push.
const EventChallenge = "connect.challenge"

// ClientInfo describes the connecting client software.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Envelope is one wire message. Exactly the fields relevant to its Type are
// populated; an Envelope is immutable once constructed and validated.
type Envelope struct {
	Type string `json:"type"`

	// connect fields
	Token    string     `json:"token,omitempty"`
	Nonce    string     `json:"nonce,omitempty"`
	Client   ClientInfo `json:"client,omitzero"`
	Protocol int        `json:"protocol,omitempty"`
	Caps     []string   `json:"caps,omitempty"`

	// req fields
	ID             string          `json:"id,omitempty"`
	Method         string          `json:"method,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`

	// res fields
	Result json.RawMessage `json:"result,omitempty"`

	// error fields
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// event fields
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	TS      int64           `json:"ts,omitempty"`
}

// nowMillis returns the current time as unix milliseconds, the timestamp
// unit used on event frames.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Decode parses and validates a single frame. Validation happens here, once:
// callers may rely on a returned Envelope being well formed for its type.
// Failures are returned as *Error with a wire code, never as raw JSON errors.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, NewError(CodeInvalidFrame, fmt.Sprintf("malformed frame: %v", err))
	}

	switch env.Type {
	case TypeConnect:
		if env.Token == "" {
			return nil, NewError(CodeInvalidFrame, "connect frame requires token")
		}
		if env.Nonce == "" {
			return nil, NewError(CodeInvalidFrame, "connect frame requires nonce")
		}
		if env.Protocol != 0 && (env.Protocol < MinVersion || env.Protocol > Version) {
			return nil, NewError(CodeUnsupportedProtocol,
				fmt.Sprintf("protocol version %d not supported", env.Protocol))
		}
	case TypeRequest:
		if env.ID == "" {
			return nil, NewError(CodeInvalidRequest, "req frame requires id")
		}
		if env.Method == "" {
			return nil, NewError(CodeInvalidRequest, "req frame requires method")
		}
	case TypeRes:
		if env.ID == "" {
			return nil, NewError(CodeInvalidFrame, "res frame requires id")
		}
	case TypeError:
		if env.Code == "" {
			return nil, NewError(CodeInvalidFrame, "error frame requires code")
		}
	case TypeEvent:
		if env.Event == "" {
			return nil, NewError(CodeInvalidFrame, "event frame requires event name")
		}
		if env.TS == 0 {
			return nil, NewError(CodeInvalidFrame, "event frame requires ts")
		}
	case "":
		return nil, NewError(CodeInvalidFrame, "frame missing type")
	default:
		return nil, NewError(CodeInvalidFrame, fmt.Sprintf("unknown frame type %q", env.Type))
	}

	return &env, nil
}

// Encode serializes an envelope for the wire.
func Encode(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", env.Type, err)
	}
	return data, nil
}

// challengePayload is the body of the connect.challenge event.
type challengePayload struct {
	Nonce      string `json:"nonce"`
	ServerTime int64  `json:"serverTime"`
	Protocol   int    `json:"protocol"`
}

// NewChallenge builds the handshake challenge sent immediately on accept.
func NewChallenge(nonce string) *Envelope {
	payload, _ := json.Marshal(challengePayload{
		Nonce:      nonce,
		ServerTime: nowMillis(),
		Protocol:   Version,
	})
	return &Envelope{
		Type:    TypeEvent,
		Event:   EventChallenge,
		Payload: payload,
		TS:      nowMillis(),
	}
}

// ChallengeNonce extracts the nonce from a connect.challenge event frame.
func ChallengeNonce(env *Envelope) (string, error) {
	if env.Type != TypeEvent || env.Event != EventChallenge {
		return "", NewError(CodeInvalidFrame, "not a connect.challenge frame")
	}
	var payload challengePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return "", NewError(CodeInvalidFrame, "malformed challenge payload")
	}
	if payload.Nonce == "" {
		return "", NewError(CodeInvalidFrame, "challenge missing nonce")
	}
	return payload.Nonce, nil
}

// NewConnect builds the client's handshake reply.
func NewConnect(token, nonce string, client ClientInfo, caps []string) *Envelope {
	return &Envelope{
		Type:     TypeConnect,
		Token:    token,
		Nonce:    nonce,
		Client:   client,
		Protocol: Version,
		Caps:     caps,
	}
}

// NewRequest builds a req frame. Params must already be marshaled JSON.
func NewRequest(id, method string, params json.RawMessage, idempotencyKey string) *Envelope {
	return &Envelope{
		Type:           TypeRequest,
		ID:             id,
		Method:         method,
		Params:         params,
		IdempotencyKey: idempotencyKey,
	}
}

// NewResponse builds a res frame echoing the request id.
func NewResponse(id string, result json.RawMessage) *Envelope {
	return &Envelope{Type: TypeRes, ID: id, Result: result}
}

// NewErrorFrame builds an error frame. The id may be empty for
// connection-level errors that are not tied to a request.
func NewErrorFrame(id, code, message string) *Envelope {
	return &Envelope{Type: TypeError, ID: id, Code: code, Message: message}
}

// NewEvent builds an event frame stamped with the current time.
func NewEvent(event string, payload json.RawMessage) *Envelope {
	return &Envelope{Type: TypeEvent, Event: event, Payload: payload, TS: nowMillis()}
}
