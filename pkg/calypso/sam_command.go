package calypso

import (
	"bytes"
	"log/slog"

	"github.com/gregLibert/calypso/pkg/iso7816"
)

// Calypso SAM instruction codes.
const (
	samInsSelectDiversifier  = 0x14
	samInsGetChallenge       = 0x84
	samInsDigestInit         = 0x8A
	samInsDigestUpdate       = 0x8C
	samInsDigestClose        = 0x8E
	samInsDigestAuthenticate = 0x82
	samInsSvPrepareLoad      = 0x56
	samInsSvPrepareDebit     = 0x54
	samInsSvPrepareUndebit   = 0x5C
	samInsSvCheck            = 0x58
	samInsGiveRandom         = 0x86
	samInsCardCipherPin      = 0x12
	samInsCardGenerateKey    = 0x12
	samInsPsoSignature       = 0x2A
	samInsUnlock             = 0x20
)

// PSO mode flags of the data signature commands.
const (
	psoModeTraceable     = 0x01
	psoModePartialSerial = 0x02
	psoModeBusy          = 0x04
)

const svSamDataSize = 12

// samSignatureCommand is a queued signature computation or verification.
type samSignatureCommand interface {
	psoCommand(cla byte) *iso7816.CommandAPDU
	checkRevocation(svc SamRevocationService) error
	parsePso(resp *iso7816.ResponseAPDU) error
}

// samCommandProcessor runs the SAM side of card and SAM transactions.
type samCommandProcessor struct {
	ch          *channel
	sam         *CalypsoSam
	revocation  SamRevocationService
	logger      *slog.Logger
	diversifier []byte
	pending     []samSignatureCommand
}

func newSamCommandProcessor(res *SamResource, revocation SamRevocationService, logger *slog.Logger, audit *[]AuditRecord) *samCommandProcessor {
	return &samCommandProcessor{
		ch:         newChannel(res.Reader, "sam", KindSamIO, logger, audit),
		sam:        res.Sam,
		revocation: revocation,
		logger:     logger,
	}
}

func (p *samCommandProcessor) apdu(ins, p1, p2 byte, data []byte, ne int) *iso7816.CommandAPDU {
	return newAPDU(p.sam.class(), ins, p1, p2, data, ne)
}

func samStatusError(op string, sw iso7816.StatusWord) error {
	if sw == iso7816.SWInsNotSupported || sw == iso7816.SWClaNotSupported {
		return statusError(KindSamAnomaly, op, sw)
	}
	return statusError(KindUnexpectedStatus, op, sw)
}

// transmit sends one command. A failed exchange forgets the selected
// diversifier: the SAM may have been reset.
func (p *samCommandProcessor) transmit(op string, cmd *iso7816.CommandAPDU) (exchange, error) {
	ex, err := p.ch.transmit(op, cmd)
	if err != nil {
		p.diversifier = nil
	}
	return ex, err
}

func (p *samCommandProcessor) transmitBatch(op string, cmds []*iso7816.CommandAPDU) ([]exchange, error) {
	exs, err := p.ch.transmitBatch(op, cmds, true)
	if err != nil {
		p.diversifier = nil
	}
	return exs, err
}

// send transmits one command and requires a successful status.
func (p *samCommandProcessor) send(op string, cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	ex, err := p.transmit(op, cmd)
	if err != nil {
		return nil, err
	}
	if ex.response.Status != swSuccess {
		return ex.response, samStatusError(op, ex.response.Status)
	}
	return ex.response, nil
}

// selectDiversifier sets the key diversifier unless it is already selected.
func (p *samCommandProcessor) selectDiversifier(div []byte) error {
	if bytes.Equal(p.diversifier, div) {
		return nil
	}
	if _, err := p.send("Select Diversifier", p.apdu(samInsSelectDiversifier, 0x00, 0x00, div, 0)); err != nil {
		return err
	}
	p.diversifier = bytes.Clone(div)
	return nil
}

// challenge returns a terminal challenge of 4 bytes, or 8 in extended mode.
func (p *samCommandProcessor) challenge(extended bool) ([]byte, error) {
	size := 4
	if extended {
		size = 8
	}
	resp, err := p.send("Get Challenge", p.apdu(samInsGetChallenge, 0x00, 0x00, nil, size))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != size {
		return nil, newError(KindSamAnomaly, "Get Challenge", "challenge length %d, want %d", len(resp.Data), size)
	}
	return bytes.Clone(resp.Data), nil
}

// terminalSignature feeds the session transcript to the SAM digest and
// returns the terminal session signature.
func (p *samCommandProcessor) terminalSignature(s *sessionContext) ([]byte, error) {
	const op = "Digest Close"
	var p1 byte
	size := 4
	if s.extended {
		p1, size = 0x80, 8
	}
	init := append([]byte{s.kif, s.kvc}, s.openData...)
	cmds := []*iso7816.CommandAPDU{p.apdu(samInsDigestInit, p1, 0xFF, init, 0)}
	for _, m := range s.transcript {
		cmds = append(cmds, p.apdu(samInsDigestUpdate, 0x00, 0x00, m, 0))
	}
	cmds = append(cmds, p.apdu(samInsDigestClose, 0x00, 0x00, nil, size))

	exs, err := p.transmitBatch(op, cmds)
	if err != nil {
		return nil, err
	}
	for _, ex := range exs {
		if ex.response.Status != swSuccess {
			return nil, samStatusError(op, ex.response.Status)
		}
	}
	if len(exs) != len(cmds) {
		return nil, newError(KindDesynchronizedExchanges, op, "%d responses for %d commands", len(exs), len(cmds))
	}
	sig := exs[len(exs)-1].response.Data
	if len(sig) != size {
		return nil, newError(KindSamAnomaly, op, "signature length %d, want %d", len(sig), size)
	}
	return bytes.Clone(sig), nil
}

// notVerifiable turns a SAM communication failure into a verification that
// could not be performed.
func notVerifiable(op string, err error) error {
	switch KindOf(err) {
	case KindSamIO, KindReaderIO, KindDesynchronizedExchanges:
		return &Error{Kind: KindCardSignatureNotVerifiable, Op: op, Msg: "SAM unavailable", Err: err}
	}
	return err
}

// authenticate checks the card session signature.
func (p *samCommandProcessor) authenticate(cardSignature []byte) error {
	const op = "Digest Authenticate"
	ex, err := p.transmit(op, p.apdu(samInsDigestAuthenticate, 0x00, 0x00, cardSignature, 0))
	if err != nil {
		return notVerifiable(op, err)
	}
	switch sw := ex.response.Status; sw {
	case swSuccess:
		return nil
	case iso7816.SWConditionsNotSatisfied, iso7816.SWIncorrectSecureMessaging:
		return statusError(KindInvalidCardSignature, op, sw)
	default:
		return samStatusError(op, sw)
	}
}

// svPrepare computes the SAM part of an SV reload, debit or undebit command.
func (p *samCommandProcessor) svPrepare(cmd *svOperationCmd, getHeader, getData []byte) ([]byte, error) {
	ins := byte(samInsSvPrepareLoad)
	switch {
	case cmd.operation == SvDebit && cmd.action == SvUndo:
		ins = samInsSvPrepareUndebit
	case cmd.operation == SvDebit:
		ins = samInsSvPrepareDebit
	}
	data := make([]byte, 0, len(getHeader)+len(getData)+4+len(cmd.partial))
	data = append(data, getHeader...)
	data = append(data, getData...)
	data = append(data, cmd.header()...)
	data = append(data, cmd.partial...)
	resp, err := p.send("SV Prepare", p.apdu(ins, 0x01, 0xFF, data, 0))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != svSamDataSize {
		return nil, newError(KindSamAnomaly, "SV Prepare", "response length %d, want %d", len(resp.Data), svSamDataSize)
	}
	return bytes.Clone(resp.Data), nil
}

// svCheck verifies the signature returned by the card for an SV operation.
func (p *samCommandProcessor) svCheck(cardSignature []byte) error {
	const op = "SV Check"
	ex, err := p.transmit(op, p.apdu(samInsSvCheck, 0x00, 0x00, cardSignature, 0))
	if err != nil {
		return notVerifiable(op, err)
	}
	switch sw := ex.response.Status; sw {
	case swSuccess:
		return nil
	case iso7816.SWConditionsNotSatisfied:
		return statusError(KindInvalidCardSignature, op, sw)
	default:
		return samStatusError(op, sw)
	}
}

// giveRandom hands the card challenge to the SAM before a ciphering.
func (p *samCommandProcessor) giveRandom(cardChallenge []byte) error {
	_, err := p.send("Give Random", p.apdu(samInsGiveRandom, 0x00, 0x00, cardChallenge, 0))
	return err
}

// cipherPin ciphers the PIN presented to the card (8 bytes).
func (p *samCommandProcessor) cipherPin(kif, kvc byte, pin []byte) ([]byte, error) {
	return p.cipher("Card Cipher PIN", samInsCardCipherPin, 0x80, 0xFF, append([]byte{kif, kvc}, pin...), 8)
}

// cipherNewPin ciphers a new PIN for Change PIN (16 bytes). The current PIN
// field is left blank.
func (p *samCommandProcessor) cipherNewPin(kif, kvc byte, newPin []byte) ([]byte, error) {
	data := append([]byte{kif, kvc, 0, 0, 0, 0}, newPin...)
	return p.cipher("Card Cipher PIN", samInsCardCipherPin, 0x40, 0xFF, data, 16)
}

// generateKey builds the cryptogram loading a new key in the card (32 bytes).
func (p *samCommandProcessor) generateKey(issuerKif, issuerKvc, newKif, newKvc byte) ([]byte, error) {
	return p.cipher("Card Generate Key", samInsCardGenerateKey, 0xFF, 0xFF, []byte{issuerKif, issuerKvc, newKif, newKvc}, 32)
}

func (p *samCommandProcessor) cipher(op string, ins, p1, p2 byte, data []byte, size int) ([]byte, error) {
	resp, err := p.send(op, p.apdu(ins, p1, p2, data, 0))
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != size {
		return nil, newError(KindSamAnomaly, op, "cryptogram length %d, want %d", len(resp.Data), size)
	}
	return bytes.Clone(resp.Data), nil
}

// unlock presents the unlock data of a locked SAM.
func (p *samCommandProcessor) unlock(data []byte) error {
	_, err := p.send("Unlock", p.apdu(samInsUnlock, 0x00, 0x00, data, 0))
	return err
}

// queueSignature adds a signature operation run by the next processSignatures.
func (p *samCommandProcessor) queueSignature(cmd samSignatureCommand) {
	p.pending = append(p.pending, cmd)
}

// processSignatures runs the queued signature operations in order and stops
// at the first failure. The queue is emptied either way.
func (p *samCommandProcessor) processSignatures() error {
	pending := p.pending
	p.pending = nil
	for _, cmd := range pending {
		if err := cmd.checkRevocation(p.revocation); err != nil {
			return err
		}
		req := cmd.psoCommand(p.sam.class())
		ex, err := p.transmit("PSO Signature", req)
		if err != nil {
			return err
		}
		if err := cmd.parsePso(ex.response); err != nil {
			return err
		}
	}
	return nil
}

