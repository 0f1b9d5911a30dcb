package call

type Status string

const (
	Idle      Status = "Idle"      /**< No call session exists. */
	Outgoing  Status = "Outgoing"  /**< Offer sent, waiting for the answer. */
	Incoming  Status = "Incoming"  /**< Offer received, waiting for the user. */
	Connected Status = "Connected" /**< Handshake locally complete. */
)

type Direction string

const (
	DirectionOutgoing Direction = "Outgoing"
	DirectionIncoming Direction = "Incoming"
)
