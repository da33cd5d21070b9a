package zyrezmq

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/vmihailenco/msgpack/v5"

	"fleetcomm/transport"
)

// register announces this node's address and headers to the rendezvous
// service via the "register" service, generalizing the teacher's
// ref.go "rank" registration call.
func (a *Adapter) register() error {
	a.mu.Lock()
	req := rendezvousEnvelope{
		Service: "register",
		Data: map[string]interface{}{
			"peer_id":     a.peerID,
			"name":        a.name,
			"pub_addr":    a.pubAddr,
			"router_addr": a.routerAddr,
			"headers":     a.headers,
		},
	}
	a.mu.Unlock()

	_, err := a.callRendezvous(req)
	return err
}

// callRendezvous opens a short-lived REQ socket, sends one request, and
// closes it -- the teacher's ref.go server is itself a single long-lived
// REP loop, so a throwaway REQ per call keeps this side simple and avoids
// REQ/REP state-machine lockstep bugs across retries.
func (a *Adapter) callRendezvous(req rendezvousEnvelope) (rendezvousEnvelope, error) {
	sock, err := a.zctx.NewSocket(zmq.REQ)
	if err != nil {
		return rendezvousEnvelope{}, fmt.Errorf("zyrezmq: new req socket: %w", err)
	}
	defer sock.Close()

	if err := sock.SetRcvtimeo(5 * time.Second); err != nil {
		return rendezvousEnvelope{}, fmt.Errorf("zyrezmq: set rcvtimeo: %w", err)
	}
	if err := sock.SetSndtimeo(5 * time.Second); err != nil {
		return rendezvousEnvelope{}, fmt.Errorf("zyrezmq: set sndtimeo: %w", err)
	}
	if err := sock.Connect(a.rendezvousAddr); err != nil {
		return rendezvousEnvelope{}, fmt.Errorf("zyrezmq: connect rendezvous: %w", err)
	}

	a.mu.Lock()
	a.clock++
	req.Clock = a.clock
	req.Timestamp = time.Now().Format(time.RFC3339Nano)
	a.mu.Unlock()

	raw, err := msgpack.Marshal(req)
	if err != nil {
		return rendezvousEnvelope{}, fmt.Errorf("zyrezmq: encode rendezvous request: %w", err)
	}
	if _, err := sock.SendBytes(raw, 0); err != nil {
		return rendezvousEnvelope{}, fmt.Errorf("zyrezmq: send rendezvous request: %w", err)
	}

	respRaw, err := sock.RecvBytes(0)
	if err != nil {
		return rendezvousEnvelope{}, fmt.Errorf("zyrezmq: recv rendezvous response: %w", err)
	}
	var resp rendezvousEnvelope
	if err := msgpack.Unmarshal(respRaw, &resp); err != nil {
		return rendezvousEnvelope{}, fmt.Errorf("zyrezmq: decode rendezvous response: %w", err)
	}
	return resp, nil
}

// directoryLoop periodically re-registers and fetches the full peer list,
// generalizing the teacher's ref.go heartbeat+list services into a single
// client-side polling loop. Arrivals/departures surface as ENTER/EXIT
// transport events.
func (a *Adapter) directoryLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(RendezvousHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
		}

		if err := a.register(); err != nil {
			log.Printf("zyrezmq: heartbeat: %v", err)
			continue
		}

		resp, err := a.callRendezvous(rendezvousEnvelope{Service: "list"})
		if err != nil {
			log.Printf("zyrezmq: list: %v", err)
			continue
		}
		a.reconcilePeers(resp.Data)
	}
}

func (a *Adapter) reconcilePeers(data map[string]interface{}) {
	raw, ok := data["peers"]
	if !ok {
		return
	}
	entries, ok := raw.([]interface{})
	if !ok {
		return
	}

	seen := map[string]bool{}

	for _, e := range entries {
		fields, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		id, _ := fields["peer_id"].(string)
		if id == "" || id == a.peerID {
			continue
		}
		seen[id] = true

		name, _ := fields["name"].(string)
		pubAddr, _ := fields["pub_addr"].(string)
		routerAddr, _ := fields["router_addr"].(string)
		headers := decodeHeaders(fields["headers"])

		a.mu.Lock()
		_, known := a.peers[id]
		a.peers[id] = &peerInfo{id: id, name: name, headers: headers, pubAddr: pubAddr, routerAddr: routerAddr}
		a.mu.Unlock()

		if !known {
			a.connectSubTo(pubAddr)
			a.emit(transport.Event{Type: transport.EventEnter, PeerID: id, PeerName: name})
		}
	}

	a.mu.Lock()
	var gone []string
	for id := range a.peers {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	for _, id := range gone {
		name := a.peers[id].name
		delete(a.peers, id)
		if sock, ok := a.dealer[id]; ok {
			sock.Close()
			delete(a.dealer, id)
		}
		a.mu.Unlock()
		a.emit(transport.Event{Type: transport.EventExit, PeerID: id, PeerName: name})
		a.mu.Lock()
	}
	a.mu.Unlock()
}

// decodeHeaders tolerates both a map[string]interface{} (typical after
// msgpack round-trip through a generic map) and a pre-decoded
// map[string]string.
func decodeHeaders(raw interface{}) map[string]string {
	out := map[string]string{}
	switch v := raw.(type) {
	case map[string]string:
		for k, val := range v {
			out[k] = val
		}
	case map[string]interface{}:
		for k, val := range v {
			if s, ok := val.(string); ok {
				out[k] = s
			}
		}
	case []byte:
		var m map[string]string
		if json.Unmarshal(v, &m) == nil {
			out = m
		}
	}
	return out
}

func (a *Adapter) connectSubTo(pubAddr string) {
	if pubAddr == "" {
		return
	}
	a.mu.Lock()
	sub := a.subSock
	a.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Connect(pubAddr); err != nil {
		log.Printf("zyrezmq: connect sub to %s: %v", pubAddr, err)
	}
}

func (a *Adapter) emit(ev transport.Event) {
	select {
	case a.events <- ev:
	default:
		log.Printf("zyrezmq: event channel full, dropping %s for %s", ev.Type, ev.PeerID)
	}
}
