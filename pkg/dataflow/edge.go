package dataflow

// message is the batch of one epoch sent along an edge. After the message the producer will not
// send batches for epochs before frontier.
type message struct {
	epoch    uint64
	deltas   []Delta
	frontier uint64
}

// edge connects an output of one operator to an input port of another. The channel has exactly
// one producer and one consumer. The producer never blocks on a full channel: messages wait in
// the outbox until the consumer makes room.
type edge struct {
	from, to *node
	port     int
	ch       chan message
	outbox   []message
}

func (e *edge) send(m message) {
	e.outbox = append(e.outbox, m)
}

// flush moves as many messages as possible from the outbox to the channel and reports whether
// any message was sent.
func (e *edge) flush() bool {
	sent := false
	for len(e.outbox) > 0 {
		select {
		case e.ch <- e.outbox[0]:
			e.outbox[0] = message{}
			e.outbox = e.outbox[1:]
			sent = true
		default:
			return sent
		}
	}
	e.outbox = nil
	return sent
}

// receive returns the next message of the channel, if any.
func (e *edge) receive() (message, bool) {
	select {
	case m := <-e.ch:
		return m, true
	default:
		return message{}, false
	}
}
