// Package communicator implements the reliable, idempotent,
// receiver-filtered group-messaging layer described by the design: a
// single-threaded receive loop over a transport.Adapter, duplicate
// suppression, ack emission/ingestion, and ack-tracked retransmission.
package communicator

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetcomm/envelope"
	"fleetcomm/transport"
)

// Defaults per spec §4.1 / §6.
const (
	DefaultResendInterval = 5000 * time.Millisecond
	DefaultNumRetries     = 5
	DefaultMaxMessageAge  = 30000 * time.Millisecond
	DefaultPollInterval   = 1000 * time.Millisecond

	// startupPause keeps construction from racing the first dispatch to a
	// pure-virtual Handler method (spec §4.1, "Programmer" error kind in
	// §7).
	startupPause = 50 * time.Millisecond
)

// Handler is the pair of overridable callbacks the receive loop invokes.
// Both are called only on the receive-loop goroutine; implementations must
// not block it (spec §5).
type Handler interface {
	// OnMessage is invoked for every non-duplicate SHOUT/WHISPER and for
	// every other transport event (ENTER, EXIT, JOIN, LEAVE, EVASIVE,
	// ...), with no dedup/ack processing for the latter.
	OnMessage(evt transport.Event)

	// OnSendStatus reports the terminal outcome of an ack-tracked send:
	// true once every outstanding receiver (or any receiver, if none were
	// named) has acknowledged, false once retries are exhausted.
	OnSendStatus(msgID string, ok bool)
}

// Config tunes a Communicator. New replaces non-positive durations, a zero
// NumRetries and a nil NewUUID with the package defaults; NewConfig returns
// a Config with those defaults already filled in.
type Config struct {
	NodeName      string
	Interface     string
	Groups        []string
	ExpectAckFor  []string
	SendAckFor    []string
	ResendInterval time.Duration
	NumRetries    int
	MaxMessageAge time.Duration
	PollInterval  time.Duration
	Verbose       bool

	// Deferred, when true, means the caller must call StartNode exactly
	// once after New returns (spec §4.1). When false (the default), New
	// starts the node itself.
	Deferred bool

	// NewUUID generates msgIds for synthesized ACKNOWLEDGEMENT envelopes.
	// UUID generation is an external collaborator per spec §1; this hook
	// lets callers supply their own, defaulting to google/uuid.
	NewUUID func() string
}

// NewConfig returns a Config for nodeName with every other field at its
// package default.
func NewConfig(nodeName string) Config {
	return Config{
		NodeName:       nodeName,
		ResendInterval: DefaultResendInterval,
		NumRetries:     DefaultNumRetries,
		MaxMessageAge:  DefaultMaxMessageAge,
		PollInterval:   DefaultPollInterval,
		NewUUID:        uuid.NewString,
	}
}

func (c *Config) applyDefaults() {
	if c.ResendInterval <= 0 {
		c.ResendInterval = DefaultResendInterval
	}
	if c.NumRetries == 0 {
		c.NumRetries = DefaultNumRetries
	}
	if c.MaxMessageAge <= 0 {
		c.MaxMessageAge = DefaultMaxMessageAge
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.NewUUID == nil {
		c.NewUUID = uuid.NewString
	}
}

type lifecycleState int32

const (
	stateNotStarted lifecycleState = iota
	stateRunning
	stateDestroyed
)

// resendEntry is the queued, ack-tracked form of a sent message, per spec
// §3.
type resendEntry struct {
	message              []byte
	retriesLeft          int
	nextRetryAt          time.Time
	isShout              bool
	targets              []string // group names (shout) or peer-ids (whisper)
	outstandingReceivers []string // node names still expected to ack
}

// Communicator is the concurrent reliability layer described by spec §4.1.
type Communicator struct {
	cfg     Config
	adapter transport.Adapter
	handler Handler

	state int32

	groupsMu sync.Mutex
	groups   map[string]struct{}

	ackMu        sync.Mutex
	expectAckFor []string
	sendAckFor   []string

	queueMu sync.Mutex
	queue   map[string]*resendEntry

	// seen is confined to the receive-loop goroutine; no lock needed
	// (spec §5).
	seen map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	closeOnce sync.Once
}

// New constructs a Communicator over adapter. Unless cfg.Deferred is set,
// New also starts the transport and receive loop before returning.
func New(adapter transport.Adapter, handler Handler, cfg Config) (*Communicator, error) {
	if adapter == nil {
		return nil, errors.New("communicator: nil adapter")
	}
	if handler == nil {
		return nil, errors.New("communicator: nil handler")
	}
	if cfg.NodeName == "" {
		return nil, errors.New("communicator: NodeName is required")
	}
	cfg.applyDefaults()

	if err := adapter.CreateNode(cfg.NodeName); err != nil {
		return nil, fmt.Errorf("communicator: create node: %w", err)
	}
	if cfg.Interface != "" {
		if err := adapter.SetInterface(cfg.Interface); err != nil {
			return nil, fmt.Errorf("communicator: set interface: %w", err)
		}
	}

	c := &Communicator{
		cfg:          cfg,
		adapter:      adapter,
		handler:      handler,
		groups:       make(map[string]struct{}),
		expectAckFor: append([]string{}, cfg.ExpectAckFor...),
		sendAckFor:   append([]string{}, cfg.SendAckFor...),
		queue:        make(map[string]*resendEntry),
		seen:         make(map[string]time.Time),
	}

	if !cfg.Deferred {
		if err := c.StartNode(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// SetHeaders sets peer-header key/values exposed to other peers. Must be
// called before StartNode (spec §4.1, §9).
func (c *Communicator) SetHeaders(headers map[string]string) error {
	if atomic.LoadInt32(&c.state) != int32(stateNotStarted) {
		return errors.New("communicator: SetHeaders must be called before StartNode")
	}
	for k, v := range headers {
		if err := c.adapter.SetHeader(k, v); err != nil {
			return fmt.Errorf("communicator: set header %q: %w", k, err)
		}
	}
	return nil
}

// SetExpectAckFor configures the set of message types this node tracks and
// retries until acknowledged.
func (c *Communicator) SetExpectAckFor(types []string) {
	c.ackMu.Lock()
	c.expectAckFor = append([]string{}, types...)
	c.ackMu.Unlock()
}

// SetSendAckFor configures the set of incoming message types this node
// acknowledges.
func (c *Communicator) SetSendAckFor(types []string) {
	c.ackMu.Lock()
	c.sendAckFor = append([]string{}, types...)
	c.ackMu.Unlock()
}

func (c *Communicator) expectAckForSnapshot() []string {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	return append([]string{}, c.expectAckFor...)
}

func (c *Communicator) sendAckForSnapshot() []string {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	return append([]string{}, c.sendAckFor...)
}

// StartNode starts the transport and the receive loop. Must be called
// exactly once; if the Communicator was constructed with Deferred=false
// this has already happened inside New and a second call returns an error.
func (c *Communicator) StartNode() error {
	if !atomic.CompareAndSwapInt32(&c.state, int32(stateNotStarted), int32(stateRunning)) {
		return errors.New("communicator: already started or destroyed")
	}
	if err := c.adapter.Start(); err != nil {
		atomic.StoreInt32(&c.state, int32(stateNotStarted))
		return fmt.Errorf("communicator: start: %w", err)
	}
	for _, g := range c.cfg.Groups {
		if err := c.JoinGroup(g); err != nil {
			log.Printf("[communicator %s] join %s at start failed: %v", c.cfg.NodeName, g, err)
		}
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.loop()
	return nil
}

// JoinGroup joins group. Double-join is a silent, logged no-op.
func (c *Communicator) JoinGroup(group string) error {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if _, ok := c.groups[group]; ok {
		log.Printf("[communicator %s] already joined %s, ignoring", c.cfg.NodeName, group)
		return nil
	}
	if err := c.adapter.Join(group); err != nil {
		return fmt.Errorf("communicator: join %s: %w", group, err)
	}
	c.groups[group] = struct{}{}
	return nil
}

// LeaveGroup leaves group. Leaving a non-member group is a silent, logged
// no-op.
func (c *Communicator) LeaveGroup(group string) error {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if _, ok := c.groups[group]; !ok {
		log.Printf("[communicator %s] not a member of %s, ignoring leave", c.cfg.NodeName, group)
		return nil
	}
	if err := c.adapter.Leave(group); err != nil {
		return fmt.Errorf("communicator: leave %s: %w", group, err)
	}
	delete(c.groups, group)
	return nil
}

// JoinedGroups returns the groups currently joined.
func (c *Communicator) JoinedGroups() []string {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	out := make([]string, 0, len(c.groups))
	for g := range c.groups {
		out = append(out, g)
	}
	return out
}

// Shout broadcasts payload to groups, or to every joined group if none are
// given. payload is expected to already be a marshaled envelope; a parse
// failure or a missing msgId/type simply means the send is untracked.
func (c *Communicator) Shout(payload []byte, groups ...string) error {
	targets := groups
	if len(targets) == 0 {
		targets = c.JoinedGroups()
	}
	c.maybeTrack(payload, true, targets)

	var firstErr error
	for _, g := range targets {
		if err := c.adapter.Shout(g, payload); err != nil {
			log.Printf("[communicator %s] shout to %s failed: %v", c.cfg.NodeName, g, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Whisper unicasts payload to one or more peer-ids.
func (c *Communicator) Whisper(payload []byte, peerIDs ...string) error {
	c.maybeTrack(payload, false, peerIDs)

	var firstErr error
	for _, p := range peerIDs {
		if err := c.adapter.Whisper(p, payload); err != nil {
			log.Printf("[communicator %s] whisper to %s failed: %v", c.cfg.NodeName, p, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Communicator) maybeTrack(payload []byte, isShout bool, targets []string) {
	msg, err := envelope.Parse(payload)
	if err != nil || !msg.IsAckTrackable(c.expectAckForSnapshot()) {
		return
	}
	entry := &resendEntry{
		message:              append([]byte{}, payload...),
		retriesLeft:          c.cfg.NumRetries,
		nextRetryAt:          time.Now().Add(c.cfg.ResendInterval),
		isShout:              isShout,
		targets:              append([]string{}, targets...),
		outstandingReceivers: append([]string{}, msg.Header.ReceiverIDs...),
	}
	c.queueMu.Lock()
	c.queue[msg.Header.MsgID] = entry
	c.queueMu.Unlock()
}

// loop is the single receive-loop goroutine. See spec §4.1 for the exact
// step sequence.
func (c *Communicator) loop() {
	defer close(c.doneCh)
	time.Sleep(startupPause)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		evt, ok, err := c.adapter.Poll(c.cfg.PollInterval)
		if err != nil {
			log.Printf("[communicator %s] poll error: %v", c.cfg.NodeName, err)
			continue
		}
		if !ok {
			c.tickRetransmissions()
			continue
		}

		if c.cfg.Verbose && evt.Type != transport.EventEvasive {
			log.Printf("[communicator %s] event=%s peer=%s(%s) group=%s", c.cfg.NodeName, evt.Type, evt.PeerName, evt.PeerID, evt.Group)
		}

		switch evt.Type {
		case transport.EventShout, transport.EventWhisper:
			c.handleInboundMessage(evt)
		default:
			c.handler.OnMessage(evt)
		}

		c.tickRetransmissions()
	}
}

func (c *Communicator) handleInboundMessage(evt transport.Event) {
	msg, parseErr := envelope.Parse(evt.Message)

	duplicate := false
	if parseErr == nil && msg.HasMsgID() {
		duplicate = c.checkAndRecordDuplicate(msg.Header.MsgID)
	}
	if duplicate {
		return
	}

	if parseErr == nil {
		c.emitAck(evt, msg)
		if evt.Type == transport.EventWhisper {
			c.ingestAck(evt, msg)
		}
	} else {
		log.Printf("[communicator %s] malformed %s from %s: %v", c.cfg.NodeName, evt.Type, evt.PeerName, parseErr)
	}

	c.handler.OnMessage(evt)
}

// checkAndRecordDuplicate prunes expired dedup entries and reports whether
// msgID has already been seen within MaxMessageAge. Confined to the
// receive-loop goroutine, per spec §5.
func (c *Communicator) checkAndRecordDuplicate(msgID string) bool {
	now := time.Now()
	for id, firstSeenAt := range c.seen {
		if now.Sub(firstSeenAt) > c.cfg.MaxMessageAge {
			delete(c.seen, id)
		}
	}
	if _, ok := c.seen[msgID]; ok {
		return true
	}
	c.seen[msgID] = now
	return false
}

// emitAck implements spec §4.1.1.
func (c *Communicator) emitAck(evt transport.Event, msg envelope.Envelope) {
	sendAckFor := c.sendAckForSnapshot()
	if len(sendAckFor) == 0 || !msg.HasMsgID() {
		return
	}
	if !contains(sendAckFor, msg.Header.Type) {
		return
	}
	if !msg.AddressedTo(c.cfg.NodeName) {
		return
	}

	ack, err := envelope.NewAck(c.cfg.NewUUID(), msg.Header.MsgID)
	if err != nil {
		log.Printf("[communicator %s] build ack: %v", c.cfg.NodeName, err)
		return
	}
	raw, err := ack.Marshal()
	if err != nil {
		log.Printf("[communicator %s] marshal ack: %v", c.cfg.NodeName, err)
		return
	}
	if err := c.adapter.Whisper(evt.PeerID, raw); err != nil {
		log.Printf("[communicator %s] whisper ack to %s: %v", c.cfg.NodeName, evt.PeerID, err)
	}
}

// ingestAck implements spec §4.1.2.
func (c *Communicator) ingestAck(evt transport.Event, msg envelope.Envelope) {
	if msg.Header.Type != envelope.TypeAcknowledgement {
		return
	}
	origMsgID, err := envelope.DecodeAck(msg)
	if err != nil {
		log.Printf("[communicator %s] malformed ack from %s: %v", c.cfg.NodeName, evt.PeerName, err)
		return
	}

	c.queueMu.Lock()
	entry, ok := c.queue[origMsgID]
	if !ok {
		c.queueMu.Unlock()
		return
	}

	if len(entry.outstandingReceivers) == 0 {
		delete(c.queue, origMsgID)
		c.queueMu.Unlock()
		c.handler.OnSendStatus(origMsgID, true)
		return
	}

	name, ok := c.adapter.PeerHeaderValue(evt.PeerID, "name")
	if !ok {
		c.queueMu.Unlock()
		return
	}
	entry.outstandingReceivers = removeString(entry.outstandingReceivers, name)
	done := len(entry.outstandingReceivers) == 0
	if done {
		delete(c.queue, origMsgID)
	}
	c.queueMu.Unlock()

	if done {
		c.handler.OnSendStatus(origMsgID, true)
	}
}

// tickRetransmissions implements spec §4.1.3. A tracked message is
// transmitted exactly NumRetries+1 times in total (1 initial send plus
// NumRetries retransmits); OnSendStatus(_, false) fires the instant the
// NumRetries-th retransmit goes out, not one interval later.
func (c *Communicator) tickRetransmissions() {
	now := time.Now()
	var failed []string

	c.queueMu.Lock()
	for msgID, entry := range c.queue {
		if entry.nextRetryAt.After(now) {
			continue
		}
		c.resend(entry)
		entry.retriesLeft--
		if entry.retriesLeft <= 0 {
			failed = append(failed, msgID)
			delete(c.queue, msgID)
			continue
		}
		entry.nextRetryAt = entry.nextRetryAt.Add(c.cfg.ResendInterval)
	}
	c.queueMu.Unlock()

	for _, msgID := range failed {
		c.handler.OnSendStatus(msgID, false)
	}
}

func (c *Communicator) resend(e *resendEntry) {
	if e.isShout {
		for _, g := range e.targets {
			if err := c.adapter.Shout(g, e.message); err != nil {
				log.Printf("[communicator %s] resend shout to %s: %v", c.cfg.NodeName, g, err)
			}
		}
		return
	}
	for _, p := range e.targets {
		if err := c.adapter.Whisper(p, e.message); err != nil {
			log.Printf("[communicator %s] resend whisper to %s: %v", c.cfg.NodeName, p, err)
		}
	}
}

// Close tears the Communicator down: leaves all groups, stops the receive
// loop, stops and destroys the transport. Safe to call more than once.
func (c *Communicator) Close() error {
	var retErr error
	c.closeOnce.Do(func() {
		wasRunning := atomic.CompareAndSwapInt32(&c.state, int32(stateRunning), int32(stateDestroyed))
		if !wasRunning {
			atomic.CompareAndSwapInt32(&c.state, int32(stateNotStarted), int32(stateDestroyed))
		}
		if wasRunning {
			close(c.stopCh)
			<-c.doneCh
			for _, g := range c.JoinedGroups() {
				if err := c.adapter.Leave(g); err != nil {
					log.Printf("[communicator %s] leave %s on close: %v", c.cfg.NodeName, g, err)
				}
			}
			if err := c.adapter.Stop(); err != nil {
				log.Printf("[communicator %s] stop: %v", c.cfg.NodeName, err)
			}
		}
		retErr = c.adapter.Destroy()
	})
	return retErr
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item == v {
			continue
		}
		out = append(out, item)
	}
	return out
}
