package iso7816

import (
	"errors"
	"fmt"
)

var (
	// ErrCardCommunication is wrapped by transmitters when the card itself
	// failed (removed, mute, reset) rather than the reader.
	ErrCardCommunication = errors.New("card communication failure")

	// ErrDesynchronized reports a batch whose responses cannot be paired with its commands.
	ErrDesynchronized = errors.New("desynchronized exchanges")
)

// Transmitter sends a raw command and returns the raw response.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// BatchTransmitter is implemented by connections processing a group of
// commands in a single request. With stopOnUnsuccessful, the connection stops
// after the first response whose status is not a success.
type BatchTransmitter interface {
	TransmitBatch(cmds [][]byte, stopOnUnsuccessful bool) ([][]byte, error)
}

// Observer is called with every exchange, GET RESPONSE and re-sent commands included.
type Observer func(tx Transaction)

// Client sends commands over a Transmitter and completes the exchanges left
// open by the transport: on 61XX it fetches the XX remaining bytes with GET
// RESPONSE, on 6CXX it sends the command again with Le set to XX.
type Client struct {
	Card     Transmitter
	Observer Observer
}

// NewClient returns a Client using card.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card}
}

// maxFollowUps bounds the GET RESPONSE and re-sent commands of one Send.
const maxFollowUps = 32

// Send transmits cmd and returns every exchange it took.
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	var trace Trace
	for {
		if len(trace) > maxFollowUps {
			return trace, fmt.Errorf("%w: no final status after %d exchanges", ErrDesynchronized, len(trace))
		}
		resp, err := c.exchange(cmd)
		if err != nil {
			return trace, err
		}
		tx := Transaction{Command: cmd, Response: resp}
		c.notify(tx)
		trace = append(trace, tx)

		next := followUp(cmd, resp.Status)
		if next == nil {
			return trace, nil
		}
		cmd = next
	}
}

// followUp returns the command completing an exchange that ended with sw,
// nil when the exchange is complete.
func followUp(cmd *CommandAPDU, sw StatusWord) *CommandAPDU {
	available := int(sw.SW2())
	if available == 0 {
		available = MaxShortLe
	}
	switch sw.SW1() {
	case 0x61:
		return NewCommandAPDU(cmd.Class.WithoutChaining(), InsGetResponse, 0x00, 0x00, nil, available)
	case 0x6C:
		again := *cmd
		again.Ne = available
		return &again
	}
	return nil
}

func (c *Client) exchange(cmd *CommandAPDU) (*ResponseAPDU, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}
	rawResp, err := c.Card.Transmit(raw)
	if err != nil {
		return nil, fmt.Errorf("transmission error: %w", err)
	}
	return ParseResponseAPDU(rawResp)
}

// SendBatch transmits cmds in order as a single logical request and returns
// one Trace per answered command. On error the traces collected so far are
// returned as well, so the caller knows which commands were processed.
//
// When the connection is a BatchTransmitter, the whole group is handed over
// at once and 61XX or 6CXX statuses are left to the connection.
func (c *Client) SendBatch(cmds []*CommandAPDU, stopOnUnsuccessful bool) ([]Trace, error) {
	if bt, ok := c.Card.(BatchTransmitter); ok {
		return c.sendAtOnce(bt, cmds, stopOnUnsuccessful)
	}

	traces := make([]Trace, 0, len(cmds))
	for _, cmd := range cmds {
		trace, err := c.Send(cmd)
		if err != nil {
			return traces, err
		}
		traces = append(traces, trace)
		if stopOnUnsuccessful && !trace.IsSuccess() {
			break
		}
	}
	return traces, nil
}

func (c *Client) sendAtOnce(bt BatchTransmitter, cmds []*CommandAPDU, stopOnUnsuccessful bool) ([]Trace, error) {
	raw := make([][]byte, len(cmds))
	for i, cmd := range cmds {
		b, err := cmd.Bytes()
		if err != nil {
			return nil, fmt.Errorf("encoding error on command %d: %w", i, err)
		}
		raw[i] = b
	}

	answers, txErr := bt.TransmitBatch(raw, stopOnUnsuccessful)
	if len(answers) > len(cmds) {
		return nil, fmt.Errorf("%w: %d responses for %d commands", ErrDesynchronized, len(answers), len(cmds))
	}

	traces := make([]Trace, 0, len(answers))
	for i, answer := range answers {
		resp, err := ParseResponseAPDU(answer)
		if err != nil {
			return traces, err
		}
		tx := Transaction{Command: cmds[i], Response: resp}
		c.notify(tx)
		traces = append(traces, Trace{tx})
	}
	if txErr != nil {
		return traces, fmt.Errorf("transmission error: %w", txErr)
	}

	// Fewer answers than commands only when the batch stopped on a failure.
	if n := len(traces); n < len(cmds) && (!stopOnUnsuccessful || n == 0 || traces[n-1].IsSuccess()) {
		return traces, fmt.Errorf("%w: %d responses for %d commands", ErrDesynchronized, n, len(cmds))
	}
	return traces, nil
}

func (c *Client) notify(tx Transaction) {
	if c.Observer != nil {
		c.Observer(tx)
	}
}
