package covalue

import "encoding/json"

// MessageKind tags the four peer wire messages of §4.8.
type MessageKind string

const (
	MessageKnown   MessageKind = "KNOWN"
	MessageContent MessageKind = "CONTENT"
	MessageLoad    MessageKind = "LOAD"
	MessageDone    MessageKind = "DONE"
)

// SessionKnown is one session's replication progress as advertised between
// peers: the last index that peer holds for that session.
type SessionKnown struct {
	LastIndex int `json:"lastIndex"`
}

// SessionContent is the delta a CONTENT message carries for one session:
// the transactions after afterIndex, plus the signature covering them.
type SessionContent struct {
	AfterIndex   int           `json:"afterIndex"`
	Transactions []Transaction `json:"transactions"`
	LastSignature []byte       `json:"lastSignature"`
}

// Message is the newline-delimited canonical-JSON envelope exchanged with a
// peer over the duplex channel of §6. Kind selects which payload fields are
// populated: Header and Sessions for KNOWN, New for CONTENT.
type Message struct {
	Kind MessageKind `json:"kind"`
	ID   ID          `json:"id"`

	// KNOWN / LOAD
	Header   *Header                  `json:"header,omitempty"`
	Sessions map[string]SessionKnown  `json:"sessions,omitempty"`

	// CONTENT
	New map[string]SessionContent `json:"new,omitempty"`
}

// Encode renders m as one newline-delimited canonical-JSON wire frame.
func Encode(m Message) ([]byte, error) {
	body, err := Canonicalize(m)
	if err != nil {
		return nil, err
	}
	return append(body, '\n'), nil
}

// Decode parses one wire frame (without its trailing newline) into a
// Message.
func Decode(frame []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
