package calypso

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// CardReader is the transport used to exchange APDUs with a card or a SAM.
// Implementations may also implement iso7816.BatchTransmitter to process a
// group of commands in a single request.
//
// Transmit errors wrapping iso7816.ErrCardCommunication are reported as card
// (or SAM) I/O errors, any other error as a reader I/O error.
type CardReader interface {
	iso7816.Transmitter
	// IsContactless reports whether the card is accessed through the contactless interface.
	IsContactless() bool
	// PowerOnData returns the ATR of the inserted card.
	PowerOnData() []byte
	// Protocol names the communication protocol, used by protocol filters.
	Protocol() string
	// ReleaseChannel closes the logical channel after the last command.
	ReleaseChannel() error
}

// SamRevocationService tells whether a SAM is revoked. serial holds the 4-byte
// serial number, or its 3 least significant bytes when the signature embeds a
// partial serial number. counter is the SAM counter value found in the signed data.
type SamRevocationService interface {
	IsSamRevoked(serial []byte, counter int) bool
}

// AuditRecord is one APDU exchange recorded when the transaction audit is enabled.
type AuditRecord struct {
	Device   string
	Request  []byte
	Response []byte
}

// channel wraps a reader with the ISO 7816 client and maps failures to the error taxonomy.
type channel struct {
	reader CardReader
	client *iso7816.Client
	device string
	ioKind Kind
	logger *slog.Logger
	audit  *[]AuditRecord
}

func newChannel(reader CardReader, device string, ioKind Kind, logger *slog.Logger, audit *[]AuditRecord) *channel {
	ch := &channel{
		reader: reader,
		client: iso7816.NewClient(reader),
		device: device,
		ioKind: ioKind,
		logger: logger,
		audit:  audit,
	}
	ch.client.Observer = ch.observe
	return ch
}

func (ch *channel) observe(tx iso7816.Transaction) {
	req, _ := tx.Command.Bytes()
	var resp []byte
	if tx.Response != nil {
		resp = tx.Response.Bytes()
	}
	ch.logger.Debug("apdu exchange",
		slog.String("device", ch.device),
		slog.String("request", fmt.Sprintf("%X", req)),
		slog.String("response", fmt.Sprintf("%X", resp)))
	if ch.audit != nil {
		*ch.audit = append(*ch.audit, AuditRecord{Device: ch.device, Request: req, Response: resp})
	}
}

// exchange is a request/response pair as seen by the session digest: the
// original command and the final response of its trace.
type exchange struct {
	request  []byte
	response *iso7816.ResponseAPDU
}

func (e exchange) responseBytes() []byte {
	return e.response.Bytes()
}

// transmit sends one command.
func (ch *channel) transmit(op string, cmd *iso7816.CommandAPDU) (exchange, error) {
	exs, err := ch.transmitBatch(op, []*iso7816.CommandAPDU{cmd}, false)
	if err != nil {
		return exchange{}, err
	}
	return exs[0], nil
}

// transmitBatch sends cmds as one request. With stopOnUnsuccessful, fewer
// exchanges than commands may be returned.
func (ch *channel) transmitBatch(op string, cmds []*iso7816.CommandAPDU, stopOnUnsuccessful bool) ([]exchange, error) {
	traces, err := ch.client.SendBatch(cmds, stopOnUnsuccessful)
	exs := make([]exchange, 0, len(traces))
	for i, trace := range traces {
		req, encErr := cmds[i].Bytes()
		if encErr != nil {
			return exs, &Error{Kind: KindIllegalArgument, Op: op, Err: encErr}
		}
		exs = append(exs, exchange{request: req, response: trace.Response()})
	}
	if err != nil {
		return exs, ch.classify(op, err)
	}
	return exs, nil
}

func (ch *channel) classify(op string, err error) error {
	kind := KindReaderIO
	switch {
	case errors.Is(err, iso7816.ErrDesynchronized):
		kind = KindDesynchronizedExchanges
	case errors.Is(err, iso7816.ErrCardCommunication):
		kind = ch.ioKind
	}
	return &Error{Kind: kind, Op: op, Msg: ch.device + " exchange failed", Err: err}
}

func (ch *channel) release() error {
	if err := ch.reader.ReleaseChannel(); err != nil {
		return &Error{Kind: KindReaderIO, Op: "release channel", Err: err}
	}
	return nil
}
