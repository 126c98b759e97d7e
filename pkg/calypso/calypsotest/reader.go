package calypsotest

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// Device is a simulated card or SAM.
type Device interface {
	Process(cmd []byte) []byte
	PowerOnData() []byte
}

// Reader connects a simulated device. It implements the calypso CardReader
// interface and processes batches in a single call.
type Reader struct {
	mu          sync.Mutex
	device      Device
	contactless bool
	protocol    string
	history     [][]byte
	batches     int
	released    int

	// FailOn, when set, makes Transmit fail with a card communication error
	// for the commands it matches. The command is not processed.
	FailOn func(cmd []byte) bool
}

// NewReader returns a contactless ISO 14443-4 reader holding device.
func NewReader(device Device) *Reader {
	return &Reader{device: device, contactless: true, protocol: "ISO_14443_4"}
}

// SetContactless sets the interface reported by IsContactless.
func (r *Reader) SetContactless(contactless bool) { r.contactless = contactless }

// SetProtocol sets the protocol name reported by Protocol.
func (r *Reader) SetProtocol(protocol string) { r.protocol = protocol }

// Transmit sends one command to the device.
func (r *Reader) Transmit(cmd []byte) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transmit(cmd)
}

func (r *Reader) transmit(cmd []byte) ([]byte, error) {
	if r.FailOn != nil && r.FailOn(cmd) {
		return nil, fmt.Errorf("%w: no answer to %X", iso7816.ErrCardCommunication, cmd)
	}
	r.history = append(r.history, bytes.Clone(cmd))
	return r.device.Process(cmd), nil
}

// TransmitBatch sends cmds in order, stopping after the first unsuccessful
// status when stopOnUnsuccessful is set.
func (r *Reader) TransmitBatch(cmds [][]byte, stopOnUnsuccessful bool) ([][]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	out := make([][]byte, 0, len(cmds))
	for _, cmd := range cmds {
		resp, err := r.transmit(cmd)
		if err != nil {
			return out, err
		}
		out = append(out, resp)
		if stopOnUnsuccessful && !successful(resp) {
			break
		}
	}
	return out, nil
}

func successful(resp []byte) bool {
	if len(resp) < 2 {
		return false
	}
	return iso7816.NewStatusWord(resp[len(resp)-2], resp[len(resp)-1]).IsSuccess()
}

// IsContactless reports the simulated interface.
func (r *Reader) IsContactless() bool { return r.contactless }

// PowerOnData returns the ATR of the device.
func (r *Reader) PowerOnData() []byte { return r.device.PowerOnData() }

// Protocol returns the simulated protocol name.
func (r *Reader) Protocol() string { return r.protocol }

// ReleaseChannel counts the channel releases.
func (r *Reader) ReleaseChannel() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	return nil
}

// Released returns the number of ReleaseChannel calls.
func (r *Reader) Released() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// History returns the commands processed by the device.
func (r *Reader) History() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.history))
	for i, c := range r.history {
		out[i] = bytes.Clone(c)
	}
	return out
}

// CountINS returns the number of processed commands with the given instruction byte.
func (r *Reader) CountINS(ins byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.history {
		if len(c) > 1 && c[1] == ins {
			n++
		}
	}
	return n
}

// Batches returns the number of TransmitBatch calls.
func (r *Reader) Batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches
}

// Reset forgets the command history.
func (r *Reader) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history, r.batches = nil, 0
}

// SequentialReader is a reader without batch support: commands are sent one by one.
type SequentialReader struct {
	r *Reader
}

// Sequential returns a view of r without TransmitBatch.
func (r *Reader) Sequential() *SequentialReader {
	return &SequentialReader{r: r}
}

func (s *SequentialReader) Transmit(cmd []byte) ([]byte, error) { return s.r.Transmit(cmd) }
func (s *SequentialReader) IsContactless() bool                  { return s.r.IsContactless() }
func (s *SequentialReader) PowerOnData() []byte                  { return s.r.PowerOnData() }
func (s *SequentialReader) Protocol() string                     { return s.r.Protocol() }
func (s *SequentialReader) ReleaseChannel() error                { return s.r.ReleaseChannel() }
