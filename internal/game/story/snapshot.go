package story

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidateSessionID reports whether id can name a session. The same id is
// used as a file name, a database key and a Redis key, so it is restricted
// to a conservative alphabet.
func ValidateSessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidSessionID, id)
	}
	return nil
}

// LanguageConfig is the display language of a session and whether actions
// and responses are translated to and from the backend's working language.
type LanguageConfig struct {
	Language           string `json:"language"`
	TranslationEnabled bool   `json:"translation_enabled"`
}

// Snapshot is the durable form of one session.
type Snapshot struct {
	Players        map[string]Player `json:"players"`
	Setting        string            `json:"setting"`
	MessageHistory [][2]string       `json:"message_history"`
	LanguageConfig
	// Summary is the condensed conversation memory, if one was produced.
	Summary string `json:"summary,omitempty"`
	// SummaryThrough is the last transcript sequence number folded into Summary.
	SummaryThrough int64 `json:"summary_through,omitempty"`
}

// Transcript rebuilds the ordered turns held by the snapshot.
func (s Snapshot) Transcript() []Turn {
	turns := make([]Turn, 0, len(s.MessageHistory))
	for i, pair := range s.MessageHistory {
		turns = append(turns, TurnFromPair(int64(i+1), pair))
	}
	return turns
}

// PlayerNames returns the roster names in sorted order.
func (s Snapshot) PlayerNames() []string {
	names := make([]string, 0, len(s.Players))
	for name := range s.Players {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EncodeSnapshot serializes a snapshot to JSON.
//
// Postcondition: A nil roster or history is encoded as an empty object/array.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s.Players == nil {
		s.Players = map[string]Player{}
	}
	if s.MessageHistory == nil {
		s.MessageHistory = [][2]string{}
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// rawSnapshot decodes history entries loosely so malformed pairs are
// detected instead of silently truncated or padded.
type rawSnapshot struct {
	Players        map[string]Player `json:"players"`
	Setting        string            `json:"setting"`
	MessageHistory [][]string        `json:"message_history"`
	LanguageConfig
	Summary        string `json:"summary"`
	SummaryThrough int64  `json:"summary_through"`
}

// DecodeSnapshot parses and validates a stored snapshot.
//
// Postcondition: Returns a fully populated Snapshot, or an error wrapping
// ErrSessionCorrupted and a zero Snapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrSessionCorrupted, err)
	}
	if raw.Players == nil {
		return Snapshot{}, fmt.Errorf("%w: missing players", ErrSessionCorrupted)
	}
	if raw.MessageHistory == nil {
		return Snapshot{}, fmt.Errorf("%w: missing message_history", ErrSessionCorrupted)
	}
	for name, p := range raw.Players {
		if p.Name != name {
			return Snapshot{}, fmt.Errorf("%w: player key %q does not match name %q", ErrSessionCorrupted, name, p.Name)
		}
	}
	history := make([][2]string, 0, len(raw.MessageHistory))
	for i, entry := range raw.MessageHistory {
		if len(entry) != 2 {
			return Snapshot{}, fmt.Errorf("%w: message_history[%d] has %d elements", ErrSessionCorrupted, i, len(entry))
		}
		history = append(history, [2]string{entry[0], entry[1]})
	}
	if raw.SummaryThrough < 0 || raw.SummaryThrough > int64(len(history)) {
		return Snapshot{}, fmt.Errorf("%w: summary_through %d out of range", ErrSessionCorrupted, raw.SummaryThrough)
	}
	return Snapshot{
		Players:        raw.Players,
		Setting:        raw.Setting,
		MessageHistory: history,
		LanguageConfig: raw.LanguageConfig,
		Summary:        raw.Summary,
		SummaryThrough: raw.SummaryThrough,
	}, nil
}
