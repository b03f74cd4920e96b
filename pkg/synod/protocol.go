package synod

import (
	"encoding/json"
	"fmt"
)

// Msg is one of the message types of the intercom protocol. The set is
// closed: DecodeMsg and Node.onMsg switch over every type below.
type Msg interface {
	GetType() string

	fmt.Stringer
}

type IncomingMsg struct {
	SourceId NodeId
	Msg      Msg
}

type LeaseRead struct {
	Ballot   Ballot `json:"ballot"`
	SenderId NodeId `json:"senderId"`
}

func (msg *LeaseRead) GetType() string {
	return "leaseRead"
}

func (msg *LeaseRead) String() string {
	return fmt.Sprintf("LeaseRead{ballot: %v, sender: %q}",
		msg.Ballot, msg.SenderId)
}

type LeaseAckRead struct {
	Ballot           Ballot      `json:"ballot"`
	KnownWriteBallot Ballot      `json:"knownWriteBallot"`
	Lease            *Lease      `json:"lease,omitempty"`
	SenderUri        NodeAddress `json:"senderUri"`
}

func (msg *LeaseAckRead) GetType() string {
	return "leaseAckRead"
}

func (msg *LeaseAckRead) String() string {
	return fmt.Sprintf("LeaseAckRead{ballot: %v, knownWriteBallot: %v, "+
		"lease: %v, sender: %s}",
		msg.Ballot, msg.KnownWriteBallot, msg.Lease, msg.SenderUri)
}

type LeaseNackRead struct {
	Ballot         Ballot      `json:"ballot"`
	PromisedBallot Ballot      `json:"promisedBallot"`
	SenderUri      NodeAddress `json:"senderUri"`
}

func (msg *LeaseNackRead) GetType() string {
	return "leaseNackRead"
}

func (msg *LeaseNackRead) String() string {
	return fmt.Sprintf("LeaseNackRead{ballot: %v, promisedBallot: %v, "+
		"sender: %s}", msg.Ballot, msg.PromisedBallot, msg.SenderUri)
}

type LeaseWrite struct {
	Ballot   Ballot `json:"ballot"`
	Lease    *Lease `json:"lease"`
	SenderId NodeId `json:"senderId"`
}

func (msg *LeaseWrite) GetType() string {
	return "leaseWrite"
}

func (msg *LeaseWrite) String() string {
	return fmt.Sprintf("LeaseWrite{ballot: %v, lease: %v, sender: %q}",
		msg.Ballot, msg.Lease, msg.SenderId)
}

type LeaseAckWrite struct {
	Ballot    Ballot      `json:"ballot"`
	SenderUri NodeAddress `json:"senderUri"`
}

func (msg *LeaseAckWrite) GetType() string {
	return "leaseAckWrite"
}

func (msg *LeaseAckWrite) String() string {
	return fmt.Sprintf("LeaseAckWrite{ballot: %v, sender: %s}",
		msg.Ballot, msg.SenderUri)
}

type LeaseNackWrite struct {
	Ballot         Ballot      `json:"ballot"`
	PromisedBallot Ballot      `json:"promisedBallot"`
	SenderUri      NodeAddress `json:"senderUri"`
}

func (msg *LeaseNackWrite) GetType() string {
	return "leaseNackWrite"
}

func (msg *LeaseNackWrite) String() string {
	return fmt.Sprintf("LeaseNackWrite{ballot: %v, promisedBallot: %v, "+
		"sender: %s}", msg.Ballot, msg.PromisedBallot, msg.SenderUri)
}

// ProcessAnnouncement is the liveness beacon broadcast by every node. The
// register never looks at it.
type ProcessAnnouncement struct {
	Node    NodeId      `json:"node"`
	Address NodeAddress `json:"address"`
}

func (msg *ProcessAnnouncement) GetType() string {
	return "processAnnouncement"
}

func (msg *ProcessAnnouncement) String() string {
	return fmt.Sprintf("ProcessAnnouncement{node: %q, address: %s}",
		msg.Node, msg.Address)
}

func EncodeMsg(msg Msg) ([]byte, error) {
	value := struct {
		Type  string `json:"type"`
		Value Msg    `json:"value"`
	}{
		Type:  msg.GetType(),
		Value: msg,
	}

	return json.Marshal(value)
}

func DecodeMsg(data []byte) (Msg, error) {
	var value struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	}

	if err := json.Unmarshal(data, &value); err != nil {
		return nil, err
	}

	var msg Msg

	switch value.Type {
	case "leaseRead":
		msg = &LeaseRead{}
	case "leaseAckRead":
		msg = &LeaseAckRead{}
	case "leaseNackRead":
		msg = &LeaseNackRead{}
	case "leaseWrite":
		msg = &LeaseWrite{}
	case "leaseAckWrite":
		msg = &LeaseAckWrite{}
	case "leaseNackWrite":
		msg = &LeaseNackWrite{}
	case "processAnnouncement":
		msg = &ProcessAnnouncement{}

	default:
		return nil, fmt.Errorf("unknown message type %q", value.Type)
	}

	if err := json.Unmarshal(value.Value, msg); err != nil {
		return nil, err
	}

	return msg, nil
}
