// Package world declares what the mine engine needs from the host world:
// coordinate spaces, their occupants, and interactive region selection.
package world

import (
	"context"
	"errors"

	"minekeeper/internal/mine"
)

var (
	ErrSpaceNotFound = errors.New("space not found")
	ErrNoSelection   = errors.New("no active selection")
	ErrUnsupported   = errors.New("operation not supported")
)

// Space is a live coordinate space.
type Space interface {
	ID() string
	// SetCell assigns kind k to the cell at p.
	SetCell(p mine.Point, k mine.Kind) error
	// Occupants returns the actors positioned inside box, bounds included.
	Occupants(box mine.Box) []Occupant
}

// Resolver finds a space by id. It fails with ErrSpaceNotFound when the
// space is not loaded.
type Resolver interface {
	Space(id string) (Space, error)
}

// Occupant is an actor that can be relocated.
type Occupant interface {
	ID() string
	Position() mine.Location
	// TeleportAsync relocates through the host's safe path. It may fail with
	// ErrUnsupported.
	TeleportAsync(ctx context.Context, to mine.Location) error
	// Teleport relocates immediately.
	Teleport(to mine.Location) error
}

// Selector returns the two corners of an actor's current selection, or
// ErrNoSelection.
type Selector interface {
	Selection(actor string) (space string, c1, c2 mine.Point, err error)
}
