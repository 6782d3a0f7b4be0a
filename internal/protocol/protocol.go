// Package protocol defines the JSON messages exchanged with clients. Every
// message is a single flat JSON object whose "type" field selects its
// shape; transports frame one message per websocket frame or per line.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cory-johannsen/storyweave/internal/game/story"
)

// ErrProtocol marks a malformed inbound message.
var ErrProtocol = errors.New("protocol error")

// Type selects a message shape.
type Type string

// Inbound message types.
const (
	TypeCharacterSetup Type = "CHARACTER_SETUP"
	TypeClientMessage  Type = "CLIENT_MESSAGE"
	TypeStartGame      Type = "START_GAME"
	TypeLoadSession    Type = "LOAD_SESSION"
	TypeLanguageSetup  Type = "LANGUAGE_SETUP"
)

// Outbound message types.
const (
	TypeSetupResponse Type = "SETUP_RESPONSE"
	TypeUpdateHistory Type = "UPDATE_HISTORY"
	TypeStatus        Type = "STATUS"
)

// Inbound is any client message. Fields not used by Type are ignored.
type Inbound struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// CHARACTER_SETUP, CLIENT_MESSAGE and START_GAME.
	Name string `json:"name,omitempty"`
	// CHARACTER_SETUP and START_GAME.
	Backstory string `json:"backstory,omitempty"`
	// CLIENT_MESSAGE.
	Content string `json:"content,omitempty"`
	// START_GAME.
	Setting string `json:"setting,omitempty"`
	// START_GAME and LANGUAGE_SETUP.
	Language           string `json:"language,omitempty"`
	TranslationEnabled *bool  `json:"translation_enabled,omitempty"`
}

// Decode parses and validates one inbound message.
//
// Postcondition: Returns an error wrapping ErrProtocol for malformed JSON,
// an unknown type, or a missing required field.
func Decode(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := in.validate(); err != nil {
		return Inbound{}, err
	}
	return in, nil
}

func (in Inbound) validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %q", ErrProtocol, in.Type, field)
	}
	switch in.Type {
	case TypeCharacterSetup:
		if strings.TrimSpace(in.Name) == "" {
			return missing("name")
		}
	case TypeClientMessage:
		if strings.TrimSpace(in.Content) == "" {
			return missing("content")
		}
	case TypeStartGame:
		if strings.TrimSpace(in.Setting) == "" {
			return missing("setting")
		}
		if strings.TrimSpace(in.Name) == "" {
			return missing("name")
		}
	case TypeLoadSession:
	case TypeLanguageSetup:
		if strings.TrimSpace(in.Language) == "" {
			return missing("language")
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrProtocol)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrProtocol, in.Type)
	}
	return nil
}

// LanguageConfig returns the language settings carried by a START_GAME or
// LANGUAGE_SETUP message, defaulting omitted fields from def.
func (in Inbound) LanguageConfig(def story.LanguageConfig) story.LanguageConfig {
	out := def
	if in.Language != "" {
		out.Language = in.Language
	}
	if in.TranslationEnabled != nil {
		out.TranslationEnabled = *in.TranslationEnabled
	}
	return out
}

// SetupResponse answers CHARACTER_SETUP and LOAD_SESSION with the status
// text and the session's full history.
type SetupResponse struct {
	Type    Type        `json:"type"`
	Content string      `json:"content"`
	History [][2]string `json:"history"`
}

// UpdateHistory is broadcast after every committed turn and carries the
// full history in commit order.
type UpdateHistory struct {
	Type      Type        `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Messages  [][2]string `json:"messages"`
}

// Status reports the outcome of START_GAME, LOAD_SESSION, LANGUAGE_SETUP,
// or a rejected message.
type Status struct {
	Type    Type   `json:"type"`
	Code    string `json:"code"`
	Content string `json:"content"`
}

// NewSetupResponse builds a SETUP_RESPONSE.
func NewSetupResponse(content string, history [][2]string) SetupResponse {
	if history == nil {
		history = [][2]string{}
	}
	return SetupResponse{Type: TypeSetupResponse, Content: content, History: history}
}

// NewUpdateHistory builds an UPDATE_HISTORY.
func NewUpdateHistory(sessionID string, messages [][2]string) UpdateHistory {
	if messages == nil {
		messages = [][2]string{}
	}
	return UpdateHistory{Type: TypeUpdateHistory, SessionID: sessionID, Messages: messages}
}

// NewStatus builds a STATUS from an operation result.
func NewStatus(s story.Status) Status {
	return Status{Type: TypeStatus, Code: string(s.Code), Content: s.Message}
}

// Encode serializes an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", msg, err)
	}
	return data, nil
}

// Outbound is the union of every server message, used by clients to
// decode whatever arrives.
type Outbound struct {
	Type      Type        `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code,omitempty"`
	Content   string      `json:"content,omitempty"`
	History   [][2]string `json:"history,omitempty"`
	Messages  [][2]string `json:"messages,omitempty"`
}

// DecodeOutbound parses a server message.
func DecodeOutbound(data []byte) (Outbound, error) {
	var out Outbound
	if err := json.Unmarshal(data, &out); err != nil {
		return Outbound{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	switch out.Type {
	case TypeSetupResponse, TypeUpdateHistory, TypeStatus:
		return out, nil
	default:
		return Outbound{}, fmt.Errorf("%w: unknown server message type %q", ErrProtocol, out.Type)
	}
}
