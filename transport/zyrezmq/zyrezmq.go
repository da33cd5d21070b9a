// Package zyrezmq is a ZeroMQ-based transport.Adapter: PUB/SUB sockets
// carry group shout traffic, a ROUTER socket fed by per-peer DEALER
// sockets carries whisper traffic, and a REP-backed rendezvous service
// (grounded in the teacher's ref.go registration/heartbeat/list server)
// carries peer discovery.
//
// DEALER sockets identify themselves with SetIdentity(peerID) before
// connecting, so the ROUTER's auto-prepended identity frame on receive is
// directly usable as transport.Event.PeerID -- no separate handshake is
// needed to correlate a whisper back to its sender.
package zyrezmq

import (
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"

	"fleetcomm/transport"
)

// rendezvousEnvelope is the wire shape for the rendezvous REQ/REP protocol,
// generalized from the teacher's ref.go Envelope{Service, Data, Timestamp,
// Clock}.
type rendezvousEnvelope struct {
	Service   string                 `msgpack:"service"`
	Data      map[string]interface{} `msgpack:"data"`
	Timestamp string                 `msgpack:"timestamp"`
	Clock     int                    `msgpack:"clock"`
}

type peerInfo struct {
	id         string
	name       string
	headers    map[string]string
	pubAddr    string
	routerAddr string
}

// RendezvousHeartbeat is the interval at which a node re-registers with the
// rendezvous service and refreshes its view of the peer directory.
const RendezvousHeartbeat = 2 * time.Second

// Adapter is a transport.Adapter backed by ZeroMQ.
type Adapter struct {
	rendezvousAddr string
	ifaceIP        string

	zctx *zmq.Context

	mu      sync.Mutex
	peerID  string
	name    string
	headers map[string]string
	groups  map[string]bool

	pubSock    *zmq.Socket
	routerSock *zmq.Socket
	subSock    *zmq.Socket

	pubAddr    string
	routerAddr string

	peers  map[string]*peerInfo
	dealer map[string]*zmq.Socket

	events chan transport.Event
	stopCh chan struct{}
	stopOnce sync.Once
	wg     sync.WaitGroup

	started   bool
	destroyed bool
	clock     int
}

// NewAdapter constructs an Adapter that discovers peers through the
// rendezvous REP service listening at rendezvousAddr (e.g.
// "tcp://rendezvous.local:5550").
func NewAdapter(rendezvousAddr string) (*Adapter, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zyrezmq: new context: %w", err)
	}
	return &Adapter{
		rendezvousAddr: rendezvousAddr,
		zctx:           zctx,
		headers:        map[string]string{},
		groups:         map[string]bool{},
		peers:          map[string]*peerInfo{},
		dealer:         map[string]*zmq.Socket{},
		events:         make(chan transport.Event, 256),
		stopCh:         make(chan struct{}),
		ifaceIP:        "127.0.0.1",
	}, nil
}

func (a *Adapter) CreateNode(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.peerID != "" {
		return fmt.Errorf("zyrezmq: node already created")
	}
	a.peerID = uuid.NewString()
	a.name = name
	a.headers["name"] = name
	return nil
}

func (a *Adapter) SetInterface(name string) error {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return fmt.Errorf("zyrezmq: interface %q: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("zyrezmq: interface %q has no address", name)
	}
	ip, _, err := net.ParseCIDR(addrs[0].String())
	if err != nil {
		return fmt.Errorf("zyrezmq: parse address of %q: %w", name, err)
	}
	a.mu.Lock()
	a.ifaceIP = ip.String()
	a.mu.Unlock()
	return nil
}

func (a *Adapter) SetHeader(key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("zyrezmq: SetHeader called after Start")
	}
	a.headers[key] = value
	return nil
}

// Start binds the PUB/ROUTER sockets, registers with the rendezvous
// service, and spawns the directory-refresh loop.
func (a *Adapter) Start() error {
	a.mu.Lock()
	if a.peerID == "" {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: CreateNode must be called before Start")
	}
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: already started")
	}

	pub, err := a.zctx.NewSocket(zmq.PUB)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: new pub socket: %w", err)
	}
	if err := pub.Bind("tcp://*:*"); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: bind pub socket: %w", err)
	}
	pubEndpoint, err := pub.GetLastEndpoint()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: pub last endpoint: %w", err)
	}

	router, err := a.zctx.NewSocket(zmq.ROUTER)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: new router socket: %w", err)
	}
	if err := router.Bind("tcp://*:*"); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: bind router socket: %w", err)
	}
	routerEndpoint, err := router.GetLastEndpoint()
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: router last endpoint: %w", err)
	}

	sub, err := a.zctx.NewSocket(zmq.SUB)
	if err != nil {
		a.mu.Unlock()
		return fmt.Errorf("zyrezmq: new sub socket: %w", err)
	}

	a.pubSock = pub
	a.routerSock = router
	a.subSock = sub
	a.pubAddr = advertise(pubEndpoint, a.ifaceIP)
	a.routerAddr = advertise(routerEndpoint, a.ifaceIP)
	a.started = true
	a.mu.Unlock()

	if err := a.register(); err != nil {
		return fmt.Errorf("zyrezmq: register with rendezvous: %w", err)
	}

	a.wg.Add(1)
	go a.directoryLoop()

	return nil
}

// advertise substitutes a bind wildcard host in a zmq "tcp://host:port"
// endpoint with the interface IP a peer should actually dial.
func advertise(endpoint, ifaceIP string) string {
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 {
		return endpoint
	}
	return fmt.Sprintf("tcp://%s%s", ifaceIP, endpoint[idx:])
}

func (a *Adapter) Join(group string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.groups[group] {
		return nil
	}
	a.groups[group] = true
	if a.subSock != nil {
		if err := a.subSock.SetSubscribe(group); err != nil {
			return fmt.Errorf("zyrezmq: subscribe %q: %w", group, err)
		}
	}
	return nil
}

func (a *Adapter) Leave(group string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.groups[group] {
		return nil
	}
	delete(a.groups, group)
	if a.subSock != nil {
		if err := a.subSock.SetUnsubscribe(group); err != nil {
			return fmt.Errorf("zyrezmq: unsubscribe %q: %w", group, err)
		}
	}
	return nil
}

// Shout publishes [group, peerID, payload] -- the sender frame generalizes
// the teacher's subLoop.go two-frame [topic, payload] shape so that
// recipients can attribute a shout to its sender without a reverse lookup.
func (a *Adapter) Shout(group string, payload []byte) error {
	a.mu.Lock()
	pub := a.pubSock
	peerID := a.peerID
	a.mu.Unlock()
	if pub == nil {
		return fmt.Errorf("zyrezmq: Shout called before Start")
	}
	_, err := pub.SendMessage(group, peerID, payload)
	return err
}

func (a *Adapter) Whisper(peerID string, payload []byte) error {
	dealer, err := a.dealerFor(peerID)
	if err != nil {
		return err
	}
	_, err = dealer.SendBytes(payload, 0)
	return err
}

func (a *Adapter) dealerFor(peerID string) (*zmq.Socket, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sock, ok := a.dealer[peerID]; ok {
		return sock, nil
	}

	peer, ok := a.peers[peerID]
	if !ok {
		return nil, fmt.Errorf("zyrezmq: unknown peer %s", peerID)
	}

	sock, err := a.zctx.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, fmt.Errorf("zyrezmq: new dealer socket: %w", err)
	}
	if err := sock.SetIdentity(a.peerID); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zyrezmq: set dealer identity: %w", err)
	}
	if err := sock.Connect(peer.routerAddr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("zyrezmq: connect dealer to %s: %w", peer.routerAddr, err)
	}
	a.dealer[peerID] = sock
	return sock, nil
}

// Poll drains a pending directory event first, then polls the router and
// sub sockets for up to timeout.
func (a *Adapter) Poll(timeout time.Duration) (transport.Event, bool, error) {
	select {
	case ev := <-a.events:
		return ev, true, nil
	default:
	}

	a.mu.Lock()
	router := a.routerSock
	sub := a.subSock
	a.mu.Unlock()
	if router == nil || sub == nil {
		return transport.Event{}, false, fmt.Errorf("zyrezmq: Poll called before Start")
	}

	poller := zmq.NewPoller()
	poller.Add(router, zmq.POLLIN)
	poller.Add(sub, zmq.POLLIN)

	polled, err := poller.Poll(timeout)
	if err != nil {
		return transport.Event{}, false, fmt.Errorf("zyrezmq: poll: %w", err)
	}
	if len(polled) == 0 {
		select {
		case ev := <-a.events:
			return ev, true, nil
		default:
		}
		return transport.Event{}, false, nil
	}

	for _, p := range polled {
		switch p.Socket {
		case router:
			return a.recvWhisper()
		case sub:
			return a.recvShout()
		}
	}
	return transport.Event{}, false, nil
}

func (a *Adapter) recvWhisper() (transport.Event, bool, error) {
	parts, err := a.routerSock.RecvMessageBytes(0)
	if err != nil {
		return transport.Event{}, false, fmt.Errorf("zyrezmq: router recv: %w", err)
	}
	if len(parts) < 2 {
		return transport.Event{}, false, nil
	}
	peerID := string(parts[0])
	payload := parts[1]
	return transport.Event{
		Type:     transport.EventWhisper,
		PeerID:   peerID,
		PeerName: a.peerNameLocked(peerID),
		Message:  payload,
	}, true, nil
}

func (a *Adapter) recvShout() (transport.Event, bool, error) {
	parts, err := a.subSock.RecvMessageBytes(0)
	if err != nil {
		return transport.Event{}, false, fmt.Errorf("zyrezmq: sub recv: %w", err)
	}
	if len(parts) < 3 {
		return transport.Event{}, false, nil
	}
	group := string(parts[0])
	peerID := string(parts[1])
	payload := parts[2]
	return transport.Event{
		Type:     transport.EventShout,
		PeerID:   peerID,
		PeerName: a.peerNameLocked(peerID),
		Group:    group,
		Message:  payload,
	}, true, nil
}

func (a *Adapter) peerNameLocked(peerID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.peers[peerID]; ok {
		return p.name
	}
	return ""
}

func (a *Adapter) PeerHeaderValue(peerID, key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.peers[peerID]
	if !ok {
		return "", false
	}
	v, ok := p.headers[key]
	return v, ok
}

func (a *Adapter) Stop() error {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return nil
	}
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
	return nil
}

func (a *Adapter) Destroy() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return nil
	}
	a.destroyed = true

	for _, sock := range a.dealer {
		sock.Close()
	}
	if a.pubSock != nil {
		a.pubSock.Close()
	}
	if a.routerSock != nil {
		a.routerSock.Close()
	}
	if a.subSock != nil {
		a.subSock.Close()
	}
	return a.zctx.Term()
}
