package eventbus

import "time"

// Mine lifecycle event types.
const (
	MineCreated      = "mine.created"
	MineDeleted      = "mine.deleted"
	MineReset        = "mine.reset"
	MineResetSkipped = "mine.reset_skipped"
	MineEvacuated    = "mine.evacuated"
	ConfigReloaded   = "config.reloaded"
)

// ResetEvent is the payload of MineReset and MineResetSkipped.
type ResetEvent struct {
	Mine      string        `json:"mine"`
	Space     string        `json:"space"`
	Cells     int           `json:"cells"`
	Evacuated int           `json:"evacuated"`
	Stranded  int           `json:"stranded"`
	Duration  time.Duration `json:"duration"`
	CatchUp   bool          `json:"catch_up,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// EvacuationEvent is the payload of MineEvacuated.
type EvacuationEvent struct {
	Mine      string   `json:"mine"`
	Occupants []string `json:"occupants"`
}

// MineEvent is the payload of MineCreated and MineDeleted.
type MineEvent struct {
	Mine  string `json:"mine"`
	Space string `json:"space"`
}
