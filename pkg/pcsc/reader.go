// Package pcsc exposes PC/SC smart card readers as calypso.CardReader values.
package pcsc

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ebfe/scard"

	"github.com/gregLibert/calypso/pkg/iso7816"
	"github.com/gregLibert/calypso/pkg/logging"
)

// Protocol names reported by Reader.Protocol.
const (
	ProtocolContactless = "ISO_14443_4"
	ProtocolContact     = "ISO_7816_3"
)

// cardErrors are the PC/SC failures caused by the card rather than the reader.
var cardErrors = []error{
	scard.ErrRemovedCard,
	scard.ErrResetCard,
	scard.ErrNoSmartcard,
	scard.ErrUnresponsiveCard,
	scard.ErrUnpoweredCard,
	scard.ErrUnsupportedCard,
}

// Readers lists the names of the PC/SC readers. No reader is not an error.
func Readers() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PC/SC: %w", err)
	}
	readers, err := ctx.ListReaders()
	if rerr := ctx.Release(); rerr != nil {
		return nil, fmt.Errorf("failed to release context: %w", rerr)
	}
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	return readers, err
}

// Option configures a Reader.
type Option func(*Reader)

// WithContactless forces the interface type instead of deducing it from the ATR.
func WithContactless(contactless bool) Option {
	return func(r *Reader) {
		r.contactless = contactless
		r.forced = true
	}
}

// WithLogger sets the logger reporting connections.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reader) { r.logger = l }
}

// Reader is a card inserted in a PC/SC reader.
type Reader struct {
	name        string
	ctx         *scard.Context
	card        *scard.Card
	atr         []byte
	contactless bool
	forced      bool
	logger      *slog.Logger
}

// Open connects to the card inserted in the named reader.
func Open(name string, opts ...Option) (*Reader, error) {
	r := &Reader{name: name, logger: logging.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("failed to establish context: %w", err)
	}
	r.ctx = ctx
	if err := r.connect(); err != nil {
		if rerr := ctx.Release(); rerr != nil {
			r.logger.Warn("failed to release context", slog.Any("error", rerr))
		}
		return nil, err
	}
	if !r.forced {
		r.contactless = isContactlessATR(r.atr)
	}
	r.logger.Info("card connected",
		slog.String("reader", name),
		slog.String("atr", fmt.Sprintf("%X", r.atr)),
		slog.Bool("contactless", r.contactless))
	return r, nil
}

func (r *Reader) connect() error {
	card, err := r.ctx.Connect(r.name, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		return fmt.Errorf("failed to connect to reader %q: %w", r.name, wrapCardError(err))
	}
	status, err := card.Status()
	if err != nil {
		_ = card.Disconnect(scard.LeaveCard)
		return fmt.Errorf("failed to get card status: %w", wrapCardError(err))
	}
	r.card = card
	r.atr = bytes.Clone(status.Atr)
	return nil
}

// Transmit sends one APDU. After ReleaseChannel, the card is reconnected first.
func (r *Reader) Transmit(cmd []byte) ([]byte, error) {
	if r.card == nil {
		if err := r.connect(); err != nil {
			return nil, err
		}
	}
	resp, err := r.card.Transmit(cmd)
	if err != nil {
		return nil, fmt.Errorf("transmit on %q: %w", r.name, wrapCardError(err))
	}
	return resp, nil
}

// IsContactless reports whether the card answered through the contactless interface.
func (r *Reader) IsContactless() bool { return r.contactless }

// PowerOnData returns the ATR read at connection.
func (r *Reader) PowerOnData() []byte { return bytes.Clone(r.atr) }

// Protocol returns ProtocolContactless or ProtocolContact.
func (r *Reader) Protocol() string {
	if r.contactless {
		return ProtocolContactless
	}
	return ProtocolContact
}

// Name returns the PC/SC reader name.
func (r *Reader) Name() string { return r.name }

// ReleaseChannel disconnects from the card, leaving it powered.
func (r *Reader) ReleaseChannel() error {
	if r.card == nil {
		return nil
	}
	err := r.card.Disconnect(scard.LeaveCard)
	r.card = nil
	if err != nil {
		return fmt.Errorf("failed to disconnect card: %w", err)
	}
	return nil
}

// Close releases the channel and the PC/SC context.
func (r *Reader) Close() error {
	cerr := r.ReleaseChannel()
	if err := r.ctx.Release(); err != nil {
		return fmt.Errorf("failed to release context: %w", err)
	}
	return cerr
}

// wrapCardError marks failures of the card itself with iso7816.ErrCardCommunication.
func wrapCardError(err error) error {
	for _, target := range cardErrors {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", iso7816.ErrCardCommunication, err)
		}
	}
	return err
}

// isContactlessATR recognizes the ATR built by PC/SC part 3 readers for
// contactless cards: 3B 8x 80 01 historical bytes.
func isContactlessATR(atr []byte) bool {
	return len(atr) >= 4 && atr[0] == 0x3B && atr[1]&0xF0 == 0x80 && atr[2] == 0x80 && atr[3] == 0x01
}
