// Package transport defines the capability interface the communicator core
// consumes from the underlying gossip transport (peer discovery, group
// join/leave, whisper, shout, polled event receive). Concrete transports --
// this module ships transport/zyrezmq -- are external collaborators from
// the core's point of view; it only ever depends on Adapter.
package transport

import (
	"time"
)

// EventType enumerates the transport events the communicator's receive loop
// must handle.
type EventType string

const (
	EventShout   EventType = "SHOUT"
	EventWhisper EventType = "WHISPER"
	EventEnter   EventType = "ENTER"
	EventExit    EventType = "EXIT"
	EventJoin    EventType = "JOIN"
	EventLeave   EventType = "LEAVE"
	EventEvasive EventType = "EVASIVE"
	EventStop    EventType = "STOP"
)

// Event is one polled transport event. Group is absent (empty) for WHISPER
// events -- the field shift noted in spec §4.1 step 2 and §9.
type Event struct {
	Type     EventType
	PeerID   string
	PeerName string
	Group    string
	Message  []byte
}

// Adapter is the capability surface consumed by communicator.Communicator.
// Implementations wrap peer discovery/group membership/whisper/shout over
// whatever gossip substrate backs them (zyrezmq.Adapter backs this with
// ZeroMQ PUB/SUB/ROUTER/DEALER sockets).
type Adapter interface {
	// CreateNode allocates the local node identity. Called once, before
	// SetHeader/Start.
	CreateNode(name string) error

	// SetInterface pins the adapter to a specific network interface. A
	// no-op is an acceptable implementation.
	SetInterface(name string) error

	// SetHeader publishes a peer-header key/value to other peers. Must be
	// called before Start (spec §4.1, §9 precondition).
	SetHeader(key, value string) error

	// Start begins transport-level participation (peer discovery, group
	// membership announcements).
	Start() error

	// Join adds the node to a group. Implementations should be
	// idempotent; the communicator core itself also guards against
	// double-join (spec §4.1).
	Join(group string) error

	// Leave removes the node from a group. Implementations should treat
	// leaving a non-member group as a no-op.
	Leave(group string) error

	// Shout broadcasts payload to every member of group.
	Shout(group string, payload []byte) error

	// Whisper unicasts payload to a single peer by peer-id.
	Whisper(peerID string, payload []byte) error

	// Poll blocks up to timeout waiting for the next transport event. ok
	// is false on a timeout with no event (not an error).
	Poll(timeout time.Duration) (event Event, ok bool, err error)

	// PeerHeaderValue looks up a peer's self-advertised header value
	// (e.g. "name"), resolved via the transport's peer directory. ok is
	// false if the peer or key is unknown.
	PeerHeaderValue(peerID, key string) (value string, ok bool)

	// Stop halts transport participation without releasing resources.
	Stop() error

	// Destroy releases every resource the adapter holds (peer handle,
	// poller handle, uuid handles). Safe to call after Stop.
	Destroy() error
}
