// Package envelope implements the ropod message envelope: a JSON header
// carrying a msgId, a type, a timestamp and an optional receiverIds list,
// wrapped around an opaque payload.
package envelope

import (
	"encoding/json"
	"errors"
	"time"
)

// Metamodel is the fixed schema identifier carried by every envelope this
// module produces.
const Metamodel = "ropod-msg-schema.json"

// TypeAcknowledgement is the message type synthesized by the communicator
// core when acking a shout/whisper.
const TypeAcknowledgement = "ACKNOWLEDGEMENT"

// Header is the envelope's required/optional addressing metadata.
type Header struct {
	Type         string   `json:"type"`
	Metamodel    string   `json:"metamodel,omitempty"`
	MsgID        string   `json:"msgId"`
	Timestamp    string   `json:"timestamp"`
	ReceiverIDs  []string `json:"receiverIds,omitempty"`
}

// Envelope is the canonical header/payload schema described in spec §3 and
// §6. Payload is kept as raw JSON so the communicator core never needs to
// know the shape of application payloads.
type Envelope struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds an envelope with the given type, msgId and payload,
// timestamping it with Now().
func New(msgType, msgID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Header: Header{
			Type:      msgType,
			Metamodel: Metamodel,
			MsgID:     msgID,
			Timestamp: Now(),
		},
		Payload: raw,
	}, nil
}

// Now returns the current time formatted the way every envelope timestamps
// itself. Kept as a var so tests can override it deterministically.
var Now = func() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Marshal renders the envelope to its wire JSON form.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Parse decodes a wire-format envelope. It does not fail on a missing
// msgId/type -- callers check HasMsgID/Header.Type themselves, since an
// envelope without a msgId is still deliverable to onMessage, just never
// ack-tracked.
func Parse(raw []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// HasMsgID reports whether the envelope carries a non-empty msgId.
func (e Envelope) HasMsgID() bool {
	return e.Header.MsgID != ""
}

// IsAckTrackable reports whether e's type is a member of types (the
// expectAckFor/sendAckFor allow-list) and it carries a msgId.
func (e Envelope) IsAckTrackable(types []string) bool {
	if !e.HasMsgID() {
		return false
	}
	return contains(types, e.Header.Type)
}

// AddressedTo reports whether receiverIds is empty (addressed to everyone)
// or contains nodeName.
func (e Envelope) AddressedTo(nodeName string) bool {
	if len(e.Header.ReceiverIDs) == 0 {
		return true
	}
	return contains(e.Header.ReceiverIDs, nodeName)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// AckPayload is the payload shape of an ACKNOWLEDGEMENT envelope.
type AckPayload struct {
	ReceivedMsg string `json:"receivedMsg"`
}

// NewAck builds the ACKNOWLEDGEMENT envelope sent in response to
// origMsgID, per spec §4.1.1.
func NewAck(msgID, origMsgID string) (Envelope, error) {
	return New(TypeAcknowledgement, msgID, AckPayload{ReceivedMsg: origMsgID})
}

// DecodeAck extracts payload.receivedMsg from an ACKNOWLEDGEMENT envelope.
func DecodeAck(e Envelope) (string, error) {
	var p AckPayload
	if len(e.Payload) == 0 {
		return "", errors.New("envelope: empty ack payload")
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return "", err
	}
	return p.ReceivedMsg, nil
}
