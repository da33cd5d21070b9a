package zyrezmq

import (
	"fmt"
	"log"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"
)

// peerRecord is one rendezvous-server-side bookkeeping entry.
type peerRecord struct {
	name       string
	pubAddr    string
	routerAddr string
	headers    map[string]string
	lastSeen   time.Time
}

// RendezvousServer is the peer-directory REP service that zyrezmq.Adapter
// instances register with and poll, adapted from the teacher's ref.go
// central registration/heartbeat/list server -- generalized from ref.go's
// name/rank bookkeeping to this module's peer_id/name/pub_addr/router_addr/
// headers directory, with the same last-seen TTL pruning.
type RendezvousServer struct {
	bindAddr string
	ttl      time.Duration

	mu      sync.Mutex
	peers   map[string]*peerRecord
	clock   int

	zctx    *zmq.Context
	rep     *zmq.Socket
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewRendezvousServer constructs a server bound to bindAddr (e.g.
// "tcp://*:5550"). Entries not refreshed within ttl are pruned, mirroring
// ref.go's pruneLoop (15s over a 5s sweep).
func NewRendezvousServer(bindAddr string, ttl time.Duration) (*RendezvousServer, error) {
	zctx, err := zmq.NewContext()
	if err != nil {
		return nil, fmt.Errorf("zyrezmq: rendezvous: new context: %w", err)
	}
	rep, err := zctx.NewSocket(zmq.REP)
	if err != nil {
		zctx.Term()
		return nil, fmt.Errorf("zyrezmq: rendezvous: new rep socket: %w", err)
	}
	if err := rep.Bind(bindAddr); err != nil {
		rep.Close()
		zctx.Term()
		return nil, fmt.Errorf("zyrezmq: rendezvous: bind %s: %w", bindAddr, err)
	}
	return &RendezvousServer{
		bindAddr: bindAddr,
		ttl:      ttl,
		peers:    map[string]*peerRecord{},
		zctx:     zctx,
		rep:      rep,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Serve runs the REP loop and the prune sweep until Stop is called. It
// blocks, so callers run it in its own goroutine.
func (s *RendezvousServer) Serve() {
	go s.pruneLoop()
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		raw, err := s.rep.RecvBytes(0)
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			log.Printf("zyrezmq: rendezvous: recv: %v", err)
			continue
		}

		var req rendezvousEnvelope
		if err := msgpack.Unmarshal(raw, &req); err != nil {
			log.Printf("zyrezmq: rendezvous: decode: %v", err)
			s.rep.SendBytes([]byte("ERR"), 0)
			continue
		}

		resp := s.handle(req)
		out, err := msgpack.Marshal(resp)
		if err != nil {
			log.Printf("zyrezmq: rendezvous: encode response: %v", err)
			continue
		}
		s.rep.SendBytes(out, 0)
	}
}

func (s *RendezvousServer) handle(req rendezvousEnvelope) rendezvousEnvelope {
	s.mu.Lock()
	s.clock++
	clock := s.clock
	s.mu.Unlock()

	resp := rendezvousEnvelope{
		Service:   req.Service,
		Data:      map[string]interface{}{},
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Clock:     clock,
	}

	switch req.Service {
	case "register":
		id, _ := req.Data["peer_id"].(string)
		if id == "" {
			resp.Data["error"] = "missing peer_id"
			return resp
		}
		name, _ := req.Data["name"].(string)
		pubAddr, _ := req.Data["pub_addr"].(string)
		routerAddr, _ := req.Data["router_addr"].(string)
		headers := decodeHeaders(req.Data["headers"])

		s.mu.Lock()
		s.peers[id] = &peerRecord{
			name:       name,
			pubAddr:    pubAddr,
			routerAddr: routerAddr,
			headers:    headers,
			lastSeen:   time.Now(),
		}
		s.mu.Unlock()
		resp.Data["status"] = "ok"

	case "list":
		s.mu.Lock()
		peers := make([]map[string]interface{}, 0, len(s.peers))
		for id, p := range s.peers {
			peers = append(peers, map[string]interface{}{
				"peer_id":     id,
				"name":        p.name,
				"pub_addr":    p.pubAddr,
				"router_addr": p.routerAddr,
				"headers":     p.headers,
			})
		}
		s.mu.Unlock()
		resp.Data["peers"] = peers

	default:
		resp.Data["error"] = "unknown service"
	}

	return resp
}

func (s *RendezvousServer) pruneLoop() {
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		now := time.Now()
		for id, p := range s.peers {
			if now.Sub(p.lastSeen) > s.ttl {
				log.Printf("zyrezmq: rendezvous: pruning inactive peer %s", id)
				delete(s.peers, id)
			}
		}
		s.mu.Unlock()
	}
}

// Stop halts the REP loop and the prune sweep and releases ZeroMQ
// resources.
func (s *RendezvousServer) Stop() {
	close(s.stopCh)
	s.rep.Close()
	s.zctx.Term()
}
