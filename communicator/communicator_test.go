package communicator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetcomm/envelope"
	"fleetcomm/transport"
)

// fakeAdapter is a minimal in-memory transport.Adapter used to drive the
// communicator's receive loop deterministically in tests.
type fakeAdapter struct {
	mu        sync.Mutex
	headers   map[string]string
	peerNames map[string]string // peerID -> self-advertised "name" header
	groups    map[string]bool
	events    chan transport.Event
	shouts    []sentShout
	whispers  []sentWhisper
	started   bool
	destroyed bool
}

type sentShout struct {
	group   string
	payload []byte
}

type sentWhisper struct {
	peerID  string
	payload []byte
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		headers:   make(map[string]string),
		peerNames: make(map[string]string),
		groups:    make(map[string]bool),
		events:    make(chan transport.Event, 64),
	}
}

func (f *fakeAdapter) CreateNode(name string) error  { return nil }
func (f *fakeAdapter) SetInterface(name string) error { return nil }
func (f *fakeAdapter) SetHeader(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[key] = value
	return nil
}
func (f *fakeAdapter) Start() error { f.started = true; return nil }
func (f *fakeAdapter) Join(group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[group] = true
	return nil
}
func (f *fakeAdapter) Leave(group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.groups, group)
	return nil
}
func (f *fakeAdapter) Shout(group string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte{}, payload...)
	f.shouts = append(f.shouts, sentShout{group, cp})
	return nil
}
func (f *fakeAdapter) Whisper(peerID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte{}, payload...)
	f.whispers = append(f.whispers, sentWhisper{peerID, cp})
	return nil
}
func (f *fakeAdapter) Poll(timeout time.Duration) (transport.Event, bool, error) {
	select {
	case evt := <-f.events:
		return evt, true, nil
	case <-time.After(timeout):
		return transport.Event{}, false, nil
	}
}
func (f *fakeAdapter) PeerHeaderValue(peerID, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if key != "name" {
		return "", false
	}
	name, ok := f.peerNames[peerID]
	return name, ok
}
func (f *fakeAdapter) Stop() error    { return nil }
func (f *fakeAdapter) Destroy() error { f.destroyed = true; return nil }

func (f *fakeAdapter) shoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shouts)
}

func (f *fakeAdapter) inject(evt transport.Event) {
	f.events <- evt
}

// recordingHandler captures OnMessage/OnSendStatus calls for assertions.
type recordingHandler struct {
	mu         sync.Mutex
	messages   []transport.Event
	statuses   []sendStatus
}

type sendStatus struct {
	msgID string
	ok    bool
}

func (r *recordingHandler) OnMessage(evt transport.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, evt)
}

func (r *recordingHandler) OnSendStatus(msgID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, sendStatus{msgID, ok})
}

func (r *recordingHandler) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recordingHandler) lastStatus() (sendStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return sendStatus{}, false
	}
	return r.statuses[len(r.statuses)-1], true
}

func testConfig(name string) Config {
	cfg := NewConfig(name)
	cfg.ResendInterval = 30 * time.Millisecond
	cfg.NumRetries = 2
	cfg.MaxMessageAge = 150 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.Groups = []string{"g"}
	return cfg
}

func newTestCommunicator(t *testing.T, name string) (*Communicator, *fakeAdapter, *recordingHandler) {
	t.Helper()
	adapter := newFakeAdapter()
	handler := &recordingHandler{}
	comm, err := New(adapter, handler, testConfig(name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = comm.Close() })
	return comm, adapter, handler
}

// S1 -- retry exhaustion: onSendStatus(false) fires once retries+1 sends
// have gone out and no ack arrived.
func TestRetryExhaustionFiresFailure(t *testing.T) {
	comm, adapter, handler := newTestCommunicator(t, "A")
	comm.SetExpectAckFor([]string{"TASK"})

	env, err := envelope.New("TASK", "m1", nil)
	require.NoError(t, err)
	env.Header.ReceiverIDs = []string{"B"}
	raw, err := env.Marshal()
	require.NoError(t, err)

	require.NoError(t, comm.Shout(raw, "g"))

	require.Eventually(t, func() bool {
		status, ok := handler.lastStatus()
		return ok && status.msgID == "m1" && !status.ok
	}, 2*time.Second, 5*time.Millisecond)

	// exactly one initial send + NumRetries retransmits, no more
	assert.Equal(t, 3, adapter.shoutCount())
}

// S2 -- late ack: an ack before retries exhaust removes the entry and
// fires success, with no further retransmissions after the ack.
func TestLateAckFiresSuccess(t *testing.T) {
	comm, adapter, handler := newTestCommunicator(t, "A")
	comm.SetExpectAckFor([]string{"TASK"})

	env, err := envelope.New("TASK", "m1", nil)
	require.NoError(t, err)
	env.Header.ReceiverIDs = []string{"B"}
	raw, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, comm.Shout(raw, "g"))

	ack, err := envelope.NewAck("ack1", "m1")
	require.NoError(t, err)
	ackRaw, err := ack.Marshal()
	require.NoError(t, err)

	adapter.mu.Lock()
	adapter.peerNames["peer-b"] = "B"
	adapter.mu.Unlock()
	adapter.inject(transport.Event{Type: transport.EventWhisper, PeerID: "peer-b", PeerName: "B", Message: ackRaw})

	require.Eventually(t, func() bool {
		status, ok := handler.lastStatus()
		return ok && status.msgID == "m1" && status.ok
	}, time.Second, 5*time.Millisecond)

	countAfterAck := adapter.shoutCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, countAfterAck, adapter.shoutCount(), "no further retransmissions after ack")
}

// S3 -- multi-receiver ack: entry is removed only once every named
// receiver has acked.
func TestMultiReceiverAckRequiresAll(t *testing.T) {
	comm, adapter, handler := newTestCommunicator(t, "A")
	comm.SetExpectAckFor([]string{"TASK"})

	env, err := envelope.New("TASK", "m1", nil)
	require.NoError(t, err)
	env.Header.ReceiverIDs = []string{"B", "C"}
	raw, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, comm.Shout(raw, "g"))

	adapter.mu.Lock()
	adapter.peerNames["peer-b"] = "B"
	adapter.mu.Unlock()

	ack, err := envelope.NewAck("ack1", "m1")
	require.NoError(t, err)
	ackRaw, err := ack.Marshal()
	require.NoError(t, err)
	adapter.inject(transport.Event{Type: transport.EventWhisper, PeerID: "peer-b", PeerName: "B", Message: ackRaw})

	time.Sleep(40 * time.Millisecond)
	_, ok := handler.lastStatus()
	assert.False(t, ok, "entry should remain until every receiver acks")

	// C's ack is its own envelope with its own msgId; reusing ack1 would be
	// dropped by duplicate suppression.
	ackC, err := envelope.NewAck("ack2", "m1")
	require.NoError(t, err)
	ackCRaw, err := ackC.Marshal()
	require.NoError(t, err)

	adapter.mu.Lock()
	adapter.peerNames["peer-c"] = "C"
	adapter.mu.Unlock()
	adapter.inject(transport.Event{Type: transport.EventWhisper, PeerID: "peer-c", PeerName: "C", Message: ackCRaw})

	require.Eventually(t, func() bool {
		status, ok := handler.lastStatus()
		return ok && status.ok
	}, time.Second, 5*time.Millisecond)
}

// S4 -- duplicate suppression: a second SHOUT of the same msgId within
// MaxMessageAge does not re-fire OnMessage; after MaxMessageAge it does.
func TestDuplicateSuppression(t *testing.T) {
	_, adapter, handler := newTestCommunicator(t, "B")

	env, err := envelope.New("TASK", "m1", nil)
	require.NoError(t, err)
	raw, err := env.Marshal()
	require.NoError(t, err)

	adapter.inject(transport.Event{Type: transport.EventShout, PeerID: "peer-a", PeerName: "A", Group: "g", Message: raw})
	require.Eventually(t, func() bool { return handler.messageCount() == 1 }, time.Second, 5*time.Millisecond)

	adapter.inject(transport.Event{Type: transport.EventShout, PeerID: "peer-a", PeerName: "A", Group: "g", Message: raw})
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, handler.messageCount())

	time.Sleep(200 * time.Millisecond) // past MaxMessageAge (150ms)
	adapter.inject(transport.Event{Type: transport.EventShout, PeerID: "peer-a", PeerName: "A", Group: "g", Message: raw})
	require.Eventually(t, func() bool { return handler.messageCount() == 2 }, time.Second, 5*time.Millisecond)
}

// Receiver-filtering: a node not named in receiverIds does not ack, even for
// a type in its sendAckFor list.
func TestAckOnlyFromAddressedReceiver(t *testing.T) {
	comm, adapter, handler := newTestCommunicator(t, "C")
	comm.SetSendAckFor([]string{"TASK"})
	_ = handler

	env, err := envelope.New("TASK", "m1", nil)
	require.NoError(t, err)
	env.Header.ReceiverIDs = []string{"other-node"}
	raw, err := env.Marshal()
	require.NoError(t, err)

	adapter.inject(transport.Event{Type: transport.EventShout, PeerID: "peer-a", PeerName: "A", Group: "g", Message: raw})
	// OnMessage runs after the ack decision, so once it has fired any ack
	// would already have been whispered.
	require.Eventually(t, func() bool { return handler.messageCount() == 1 }, time.Second, 5*time.Millisecond)

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	assert.Empty(t, adapter.whispers, "node not addressed should not ack")
}

// S7 -- without SetHeaders({"name": ...}) before start, multi-receiver acks
// are silently dropped because the sender's name can't be resolved: the
// entry stays queued until its retries run out and only a failure status
// is reported.
func TestAckDroppedWithoutNameHeader(t *testing.T) {
	comm, adapter, handler := newTestCommunicator(t, "A")
	comm.SetExpectAckFor([]string{"TASK"})

	env, err := envelope.New("TASK", "m1", nil)
	require.NoError(t, err)
	env.Header.ReceiverIDs = []string{"B"}
	raw, err := env.Marshal()
	require.NoError(t, err)
	require.NoError(t, comm.Shout(raw, "g"))

	// peer-b never registered a "name" header with the fake adapter.
	ack, err := envelope.NewAck("ack1", "m1")
	require.NoError(t, err)
	ackRaw, err := ack.Marshal()
	require.NoError(t, err)
	adapter.inject(transport.Event{Type: transport.EventWhisper, PeerID: "peer-b", Message: ackRaw})

	var status sendStatus
	require.Eventually(t, func() bool {
		var ok bool
		status, ok = handler.lastStatus()
		return ok && status.msgID == "m1"
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, status.ok, "ack with unresolvable sender name must be ignored, not crash")
}

// S8 -- idempotent join/leave.
func TestJoinLeaveIdempotent(t *testing.T) {
	comm, _, _ := newTestCommunicator(t, "A")
	assert.NoError(t, comm.JoinGroup("g")) // already joined at start via cfg.Groups
	assert.NoError(t, comm.LeaveGroup("g"))
	assert.NoError(t, comm.LeaveGroup("g")) // not a member anymore
	assert.NoError(t, comm.JoinGroup("g"))
}

func TestCloseIsIdempotentAndReleasesTransport(t *testing.T) {
	adapter := newFakeAdapter()
	handler := &recordingHandler{}
	comm, err := New(adapter, handler, testConfig("A"))
	require.NoError(t, err)

	require.NoError(t, comm.Close())
	require.NoError(t, comm.Close())
	assert.True(t, adapter.destroyed)
}
