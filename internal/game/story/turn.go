package story

import "strings"

// promptSeparator joins a player name and its action in a persisted prompt.
const promptSeparator = ": "

// Turn is one committed (action, response) exchange.
type Turn struct {
	// Sequence is the 1-based commit position within the session transcript.
	Sequence int64
	// PlayerName is the character that submitted the action.
	PlayerName string
	// Action is the text the player submitted.
	Action string
	// Response is the narration produced for the action.
	Response string
}

// Prompt renders the action the way it is shown to players and persisted:
// "Name: action".
func (t Turn) Prompt() string {
	return t.PlayerName + promptSeparator + t.Action
}

// Pair returns the [prompt, response] form used on the wire and on disk.
func (t Turn) Pair() [2]string {
	return [2]string{t.Prompt(), t.Response}
}

// TurnFromPair rebuilds a Turn from its persisted pair form.
//
// Postcondition: The returned Turn has the given sequence number; a prompt
// without a separator yields an empty PlayerName.
func TurnFromPair(seq int64, pair [2]string) Turn {
	name, action, ok := strings.Cut(pair[0], promptSeparator)
	if !ok {
		return Turn{Sequence: seq, Action: pair[0], Response: pair[1]}
	}
	return Turn{Sequence: seq, PlayerName: name, Action: action, Response: pair[1]}
}

// Pairs converts a transcript into its wire form.
func Pairs(turns []Turn) [][2]string {
	out := make([][2]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Pair())
	}
	return out
}
