package session

import (
	"github.com/alanbriolat/m3u8dl/download"
	"github.com/alanbriolat/m3u8dl/internal/pubsub"
)

// Subscription receives every Event a Session publishes, until either side is closed.
type Subscription = pubsub.ReceiverCloser[Event]

type Event interface {
	// The run this event relates to.
	RunID() RunID
}

type runEvent struct {
	id RunID
}

func (e runEvent) RunID() RunID {
	return e.id
}

type RunStarted struct {
	runEvent
	URL string
}

// RunUpdated is sent whenever the RunRecord changes, e.g. on entering each stage.
type RunUpdated struct {
	runEvent
	OldState RunRecord
	NewState RunRecord
}

// ChunkDone is sent once per chunk, in completion order.
type ChunkDone struct {
	runEvent
	Progress download.Progress
}

type RunFinished struct {
	runEvent
	Record RunRecord
	Err    error
}
