// Package story holds the value types shared by every layer of the
// collaborative narrative server: players, turns, persisted snapshots,
// and the status messages returned to clients.
package story

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// maxNameLength bounds a character display name.
const maxNameLength = 64

// Player is one character taking part in a session.
type Player struct {
	// ID is a unique, opaque identifier assigned when the player joins.
	ID string `json:"id"`
	// Name is the character display name; unique within a session.
	Name string `json:"name"`
	// Backstory is optional free text describing the character.
	Backstory string `json:"backstory"`
}

// NewPlayer creates a Player with a fresh UUID.
//
// Precondition: name must satisfy ValidatePlayerName.
// Postcondition: Returns a Player with a non-empty ID, or ErrInvalidPlayerName.
func NewPlayer(name, backstory string) (Player, error) {
	name = strings.TrimSpace(name)
	if err := ValidatePlayerName(name); err != nil {
		return Player{}, err
	}
	return Player{
		ID:        uuid.NewString(),
		Name:      name,
		Backstory: strings.TrimSpace(backstory),
	}, nil
}

// ValidatePlayerName reports whether name can be used as a character name.
// Names end up as the prefix of a persisted prompt ("Name: action"), so the
// separator and line breaks are not allowed.
func ValidatePlayerName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name must not be empty", ErrInvalidPlayerName)
	case len(name) > maxNameLength:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidPlayerName, maxNameLength)
	case strings.ContainsAny(name, ":\r\n"):
		return fmt.Errorf("%w: name %q contains ':' or a line break", ErrInvalidPlayerName, name)
	}
	return nil
}
