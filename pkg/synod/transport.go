package synod

// Transport carries protocol messages between synod members. Delivery
// retries and reconnection are the business of the implementation; the
// register only sees a failed SendTo as a missing vote.
type Transport interface {
	Start() error
	Stop()

	// SendTo blocks until the message has been handed over to the
	// recipient or delivery has failed.
	SendTo(NodeId, Msg) error

	Incoming() <-chan IncomingMsg
}
