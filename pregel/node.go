package pregel

// Write constructs a ChannelWrite, the value a NodeFunc returns to update
// one of its declared output channels once its superstep finishes.
func Write(channel string, value any) ChannelWrite {
	return ChannelWrite{Channel: channel, Value: value}
}

// SendTo constructs a Send, scheduling node to run as a push task on the
// next superstep with payload as its input - the channel-based equivalent
// of the teacher's Goto(nodeID) explicit routing (pregel/node.go), except
// deferred to the following step rather than taken immediately.
func SendTo(node string, payload any) Send {
	return Send{To: node, Payload: payload}
}
