// Package protocol defines the wire frames exchanged over a live voice
// connection and the strict decoder applied at the transport boundary.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const ProtocolVersion1 = "1"

// Client frame types.
const (
	TypeAuthenticate     = "authenticate"
	TypeCallStart        = "call:start"
	TypeCallEnd          = "call:end"
	TypeUserMessage      = "user:message"
	TypeAudioStreamStart = "audio:stream"
	TypeAudioChunk       = "audio:chunk"
	TypeAudioEnd         = "audio:end"
	TypeBargeIn          = "barge-in"
	TypePing             = "ping"
)

// Server frame types.
const (
	TypeAuthenticated = "authenticated"
	TypeCallStarted   = "call:started"
	TypeCallEnded     = "call:ended"
	TypeTyping        = "sandra:typing"
	TypeResponse      = "sandra:response"
	TypeAudioStart    = "sandra:audio:start"
	TypeAudioChunkOut = "sandra:audio:chunk"
	TypeAudioEndOut   = "sandra:audio:end"
	TypeInterrupted   = "sandra:interrupted"
	TypeBargeInAck    = "barge-in:ack"
	TypeError         = "error"
	TypeAudioChunkAck = "audio:chunk:ack"
	TypeAudioEndAck   = "audio:end:ack"
	TypeTranscription = "audio:transcription"
	TypeStateUpdate   = "state:update"
	TypePong          = "pong"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// ClientAuthenticate establishes the session identity. It must be the
// first frame on a connection.
type ClientAuthenticate struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

type ClientCallStart struct {
	Type string `json:"type"`
}

type ClientCallEnd struct {
	Type string `json:"type"`
}

type ClientUserMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClientAudioStreamStart opens a capture episode.
type ClientAudioStreamStart struct {
	Type string `json:"type"`
}

// ClientAudioChunk carries one sequence-numbered capture fragment.
type ClientAudioChunk struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
	DataB64  string `json:"data_b64"`
}

// ClientAudioEnd closes a capture episode. Total, when set, is the
// number of chunks the client sent; it feeds the completeness check.
type ClientAudioEnd struct {
	Type  string `json:"type"`
	Total int64  `json:"total,omitempty"`
}

type ClientBargeIn struct {
	Type string `json:"type"`
}

type ClientPing struct {
	Type string `json:"type"`
}

// DecodeClientMessage decodes and validates one inbound frame. Malformed
// frames yield a *DecodeError; they never panic or kill the session.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case TypeAuthenticate:
		var msg ClientAuthenticate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid authenticate frame", "")
		}
		if strings.TrimSpace(msg.UserID) == "" {
			return nil, badRequest("authenticate.user_id is required", "user_id")
		}
		msg.UserID = strings.TrimSpace(msg.UserID)
		return msg, nil
	case TypeCallStart:
		return ClientCallStart{Type: typ}, nil
	case TypeCallEnd:
		return ClientCallEnd{Type: typ}, nil
	case TypeUserMessage:
		var msg ClientUserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid user:message frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("user:message.text is required", "text")
		}
		return msg, nil
	case TypeAudioStreamStart:
		return ClientAudioStreamStart{Type: typ}, nil
	case TypeAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio:chunk frame", "")
		}
		if msg.Sequence < 0 {
			return nil, badRequest("audio:chunk.sequence must be >= 0", "sequence")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio:chunk.data_b64 is required", "data_b64")
		}
		return msg, nil
	case TypeAudioEnd:
		var msg ClientAudioEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio:end frame", "")
		}
		if msg.Total < 0 {
			return nil, badRequest("audio:end.total must be >= 0", "total")
		}
		return msg, nil
	case TypeBargeIn:
		return ClientBargeIn{Type: typ}, nil
	case TypePing:
		return ClientPing{Type: typ}, nil
	default:
		return nil, unsupported("unsupported message type", "type")
	}
}

// ServerAuthenticated acknowledges identity and hands out the session
// and room handles.
type ServerAuthenticated struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	RoomID    string `json:"room_id"`
}

type ServerCallStarted struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

type ServerCallEnded struct {
	Type string `json:"type"`
}

type ServerTyping struct {
	Type   string `json:"type"`
	Typing bool   `json:"typing"`
}

type ServerResponse struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type ServerAudioStart struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
}

type ServerAudioChunk struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Seq      int64  `json:"seq"`
	DataB64  string `json:"data_b64"`
}

type ServerAudioEnd struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id"`
	Chunks   int64  `json:"chunks"`
}

type ServerInterrupted struct {
	Type     string `json:"type"`
	StreamID string `json:"stream_id,omitempty"`
}

type ServerBargeInAck struct {
	Type     string `json:"type"`
	Accepted bool   `json:"accepted"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

type ServerAudioChunkAck struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
}

type ServerAudioEndAck struct {
	Type       string `json:"type"`
	ChunkCount int64  `json:"chunk_count"`
}

type ServerTranscription struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ServerStateUpdate mirrors the session state to every device in the
// room.
type ServerStateUpdate struct {
	Type       string `json:"type"`
	CallStatus string `json:"call_status"`
	TurnStatus string `json:"turn_status"`
}

type ServerPong struct {
	Type string `json:"type"`
}
