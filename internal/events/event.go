// Package events fans session state changes out to interested parties: live
// websocket subscribers ([Hub]), a NATS subject ([NATSPublisher]), and a
// PostgreSQL journal ([Journal]). Each sink implements [session.Observer] and
// returns from OnStateChange without blocking on I/O.
package events

import (
	"time"

	"github.com/MrWong99/livecoach/internal/session"
	"github.com/MrWong99/livecoach/pkg/types"
)

// Event is the wire and storage form of a [session.Change].
type Event struct {
	SessionID string     `json:"session_id"`
	From      string     `json:"from"`
	To        string     `json:"to"`
	ErrorKind types.Kind `json:"error_kind,omitempty"`
	Error     string     `json:"error,omitempty"`
	At        time.Time  `json:"at"`
}

// FromChange converts a controller transition to an Event.
func FromChange(c session.Change) Event {
	e := Event{
		SessionID: c.SessionID,
		From:      c.From.String(),
		To:        c.To.String(),
		At:        c.At.UTC(),
	}
	if c.Err != nil {
		e.ErrorKind = types.KindOf(c.Err)
		e.Error = c.Err.Error()
	}
	return e
}
