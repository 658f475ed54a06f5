package domain

// SendCommand is a client's intent to publish. Topic is used in topic
// mode, Sender and Recipient in peer mode.
type SendCommand struct {
	Topic     Topic
	Sender    string
	Recipient string
	Message   string
}

func (c SendCommand) Peer() bool {
	return c.Sender != "" || c.Recipient != ""
}
