package calypso

import (
	"bytes"
	"encoding/binary"

	"github.com/gregLibert/calypso/pkg/bits"
	"github.com/gregLibert/calypso/pkg/iso7816"
)

const (
	defaultSignatureSize = 8
	samCounterBits       = 24
)

// signatureParams are the validated inputs common to all signature operations.
type signatureParams struct {
	Data        []byte `validate:"required,min=1,max=208"`
	Size        int    `validate:"min=1,max=8"`
	Diversifier []byte `validate:"omitempty,min=1,max=8"`
	KIF         byte
	KVC         byte
}

// signatureData is the parameter block embedded by the four signature data types.
type signatureData struct {
	params      signatureParams
	diversifier []byte
	processed   bool
}

func newSignatureData(data []byte, kif, kvc byte) signatureData {
	return signatureData{params: signatureParams{
		Data: bytes.Clone(data),
		Size: defaultSignatureSize,
		KIF:  kif,
		KVC:  kvc,
	}}
}

// SetKeyDiversifier sets the diversifier of the signing key. By default the
// serial number of the target card or SAM is used.
func (d *signatureData) SetKeyDiversifier(div []byte) { d.params.Diversifier = bytes.Clone(div) }

// Data returns the input data.
func (d *signatureData) Data() []byte { return bytes.Clone(d.params.Data) }

// KIF returns the KIF of the signing key.
func (d *signatureData) KIF() byte { return d.params.KIF }

// KVC returns the KVC of the signing key.
func (d *signatureData) KVC() byte { return d.params.KVC }

// prepare validates the parameters and resolves the default diversifier.
func (d *signatureData) prepare(op string, defaultDiversifier []byte) error {
	if err := structValidator.Struct(&d.params); err != nil {
		return &Error{Kind: KindIllegalArgument, Op: op, Msg: "invalid signature data", Err: err}
	}
	d.diversifier = d.params.Diversifier
	if d.diversifier == nil {
		d.diversifier = bytes.Clone(defaultDiversifier)
	}
	d.processed = false
	return nil
}

func (d *signatureData) requireProcessed(op string) error {
	if !d.processed {
		return illegalState(op, "the signature operation has not been processed")
	}
	return nil
}

// header encodes [mode][kif][kvc][size][offset][diversifier length][diversifier].
func (d *signatureData) header(mode byte, offset int) []byte {
	out := []byte{mode, d.params.KIF, d.params.KVC, byte(d.params.Size)}
	out = binary.BigEndian.AppendUint16(out, uint16(offset))
	out = append(out, byte(len(d.diversifier)))
	return append(out, d.diversifier...)
}

// traceability configures the SAM traceability mode: the SAM writes its
// serial number and a counter into the data at a bit offset before signing.
type traceability struct {
	enabled       bool
	offset        int
	partialSerial bool
	busyMode      bool
}

func (t *traceability) mode() byte {
	var m byte
	if t.enabled {
		m |= psoModeTraceable
		if t.partialSerial {
			m |= psoModePartialSerial
		}
	}
	if t.busyMode {
		m |= psoModeBusy
	}
	return m
}

func (t *traceability) serialBits() int {
	if t.partialSerial {
		return 24
	}
	return 32
}

func (t *traceability) check(op string, data []byte) error {
	if !t.enabled {
		return nil
	}
	return checkRange(op, "traceability offset", t.offset, 0, len(data)*8-t.serialBits()-samCounterBits)
}

// SignatureComputationData describes a basic signature computed by the SAM.
type SignatureComputationData struct {
	signatureData
	signature []byte
}

// NewSignatureComputationData returns the data to sign with the key (kif, kvc).
func NewSignatureComputationData(data []byte, kif, kvc byte) *SignatureComputationData {
	return &SignatureComputationData{signatureData: newSignatureData(data, kif, kvc)}
}

// SetSignatureSize sets the expected signature size (1 to 8 bytes, 8 by default).
func (d *SignatureComputationData) SetSignatureSize(size int) { d.params.Size = size }

// Signature returns the computed signature.
func (d *SignatureComputationData) Signature() ([]byte, error) {
	if err := d.requireProcessed("Signature"); err != nil {
		return nil, err
	}
	return bytes.Clone(d.signature), nil
}

func (d *SignatureComputationData) validate(op string, defaultDiversifier []byte) error {
	return d.prepare(op, defaultDiversifier)
}

func (d *SignatureComputationData) psoCommand(cla byte) *iso7816.CommandAPDU {
	data := append(d.header(0, 0), d.params.Data...)
	return newAPDU(cla, samInsPsoSignature, 0x9E, 0x9A, data, d.params.Size)
}

func (d *SignatureComputationData) checkRevocation(SamRevocationService) error { return nil }

func (d *SignatureComputationData) parsePso(resp *iso7816.ResponseAPDU) error {
	if resp.Status != swSuccess {
		return psoComputeError(resp.Status)
	}
	if len(resp.Data) != d.params.Size {
		return newError(KindSamAnomaly, "PSO Compute Signature", "signature length %d, want %d", len(resp.Data), d.params.Size)
	}
	d.signature = bytes.Clone(resp.Data)
	d.processed = true
	return nil
}

// TraceableSignatureComputationData describes a signature whose signed data
// may carry the SAM serial number and counter.
type TraceableSignatureComputationData struct {
	signatureData
	trace      traceability
	signedData []byte
	signature  []byte
}

// NewTraceableSignatureComputationData returns the data to sign with the key (kif, kvc).
// Busy mode is enabled by default.
func NewTraceableSignatureComputationData(data []byte, kif, kvc byte) *TraceableSignatureComputationData {
	return &TraceableSignatureComputationData{
		signatureData: newSignatureData(data, kif, kvc),
		trace:         traceability{busyMode: true},
	}
}

// SetSignatureSize sets the expected signature size (1 to 8 bytes, 8 by default).
func (d *TraceableSignatureComputationData) SetSignatureSize(size int) { d.params.Size = size }

// WithSamTraceabilityMode makes the SAM write its serial number (the 3 least
// significant bytes when partialSerial is set) and its counter into the data
// at the given bit offset.
func (d *TraceableSignatureComputationData) WithSamTraceabilityMode(offset int, partialSerial bool) {
	d.trace.enabled = true
	d.trace.offset = offset
	d.trace.partialSerial = partialSerial
}

// WithoutBusyMode disables the SAM busy mode.
func (d *TraceableSignatureComputationData) WithoutBusyMode() { d.trace.busyMode = false }

// SignedData returns the data as signed by the SAM, traceability information included.
func (d *TraceableSignatureComputationData) SignedData() ([]byte, error) {
	if err := d.requireProcessed("SignedData"); err != nil {
		return nil, err
	}
	return bytes.Clone(d.signedData), nil
}

// Signature returns the computed signature.
func (d *TraceableSignatureComputationData) Signature() ([]byte, error) {
	if err := d.requireProcessed("Signature"); err != nil {
		return nil, err
	}
	return bytes.Clone(d.signature), nil
}

func (d *TraceableSignatureComputationData) validate(op string, defaultDiversifier []byte) error {
	if err := d.prepare(op, defaultDiversifier); err != nil {
		return err
	}
	return d.trace.check(op, d.params.Data)
}

func (d *TraceableSignatureComputationData) psoCommand(cla byte) *iso7816.CommandAPDU {
	data := append(d.header(d.trace.mode(), d.trace.offset), d.params.Data...)
	ne := d.params.Size
	if d.trace.enabled {
		ne += len(d.params.Data)
	}
	return newAPDU(cla, samInsPsoSignature, 0x9E, 0x9A, data, ne)
}

func (d *TraceableSignatureComputationData) checkRevocation(SamRevocationService) error { return nil }

func (d *TraceableSignatureComputationData) parsePso(resp *iso7816.ResponseAPDU) error {
	if resp.Status != swSuccess {
		return psoComputeError(resp.Status)
	}
	want := d.params.Size
	if d.trace.enabled {
		want += len(d.params.Data)
	}
	if len(resp.Data) != want {
		return newError(KindSamAnomaly, "PSO Compute Signature", "response length %d, want %d", len(resp.Data), want)
	}
	if d.trace.enabled {
		d.signedData = bytes.Clone(resp.Data[:len(d.params.Data)])
		d.signature = bytes.Clone(resp.Data[len(d.params.Data):])
	} else {
		d.signedData = bytes.Clone(d.params.Data)
		d.signature = bytes.Clone(resp.Data)
	}
	d.processed = true
	return nil
}

func psoComputeError(sw iso7816.StatusWord) error {
	if sw == iso7816.SWConditionsNotSatisfied {
		return statusError(KindSamBusy, "PSO Compute Signature", sw)
	}
	return samStatusError("PSO Compute Signature", sw)
}

// SignatureVerificationData describes a basic signature checked by the SAM.
type SignatureVerificationData struct {
	signatureData
	signature []byte
	valid     bool
}

// NewSignatureVerificationData returns the data and signature to check with the key (kif, kvc).
func NewSignatureVerificationData(data, signature []byte, kif, kvc byte) *SignatureVerificationData {
	d := &SignatureVerificationData{signatureData: newSignatureData(data, kif, kvc), signature: bytes.Clone(signature)}
	d.params.Size = len(signature)
	return d
}

// IsSignatureValid reports the verification result.
func (d *SignatureVerificationData) IsSignatureValid() (bool, error) {
	if err := d.requireProcessed("IsSignatureValid"); err != nil {
		return false, err
	}
	return d.valid, nil
}

func (d *SignatureVerificationData) validate(op string, defaultDiversifier []byte) error {
	return d.prepare(op, defaultDiversifier)
}

func (d *SignatureVerificationData) psoCommand(cla byte) *iso7816.CommandAPDU {
	return newAPDU(cla, samInsPsoSignature, 0x00, 0xA8, verifyPayload(&d.signatureData, 0, 0, d.signature), 0)
}

func (d *SignatureVerificationData) checkRevocation(SamRevocationService) error { return nil }

func (d *SignatureVerificationData) parsePso(resp *iso7816.ResponseAPDU) error {
	valid, err := psoVerifyResult(resp.Status)
	if valid || KindOf(err) == KindInvalidSignature {
		d.valid, d.processed = valid, true
	}
	return err
}

// TraceableSignatureVerificationData describes a signature whose signed data
// may carry the serial number and counter of the signing SAM.
type TraceableSignatureVerificationData struct {
	signatureData
	trace        traceability
	checkRevoked bool
	signature    []byte
	valid        bool
}

// NewTraceableSignatureVerificationData returns the data and signature to check
// with the key (kif, kvc). Busy mode is enabled by default.
func NewTraceableSignatureVerificationData(data, signature []byte, kif, kvc byte) *TraceableSignatureVerificationData {
	d := &TraceableSignatureVerificationData{
		signatureData: newSignatureData(data, kif, kvc),
		trace:         traceability{busyMode: true},
		signature:     bytes.Clone(signature),
	}
	d.params.Size = len(signature)
	return d
}

// WithSamTraceabilityMode declares where the signing SAM wrote its serial
// number and counter. With checkRevocation, the SAM revocation service is
// queried before the verification.
func (d *TraceableSignatureVerificationData) WithSamTraceabilityMode(offset int, partialSerial, checkRevocation bool) {
	d.trace.enabled = true
	d.trace.offset = offset
	d.trace.partialSerial = partialSerial
	d.checkRevoked = checkRevocation
}

// WithoutBusyMode disables the SAM busy mode.
func (d *TraceableSignatureVerificationData) WithoutBusyMode() { d.trace.busyMode = false }

// IsSignatureValid reports the verification result.
func (d *TraceableSignatureVerificationData) IsSignatureValid() (bool, error) {
	if err := d.requireProcessed("IsSignatureValid"); err != nil {
		return false, err
	}
	return d.valid, nil
}

func (d *TraceableSignatureVerificationData) validate(op string, defaultDiversifier []byte) error {
	if err := d.prepare(op, defaultDiversifier); err != nil {
		return err
	}
	return d.trace.check(op, d.params.Data)
}

func (d *TraceableSignatureVerificationData) psoCommand(cla byte) *iso7816.CommandAPDU {
	payload := verifyPayload(&d.signatureData, d.trace.mode(), d.trace.offset, d.signature)
	return newAPDU(cla, samInsPsoSignature, 0x00, 0xA8, payload, 0)
}

// checkRevocation reads the signing SAM serial number and counter from the
// signed data and rejects signatures from revoked SAMs.
func (d *TraceableSignatureVerificationData) checkRevocation(svc SamRevocationService) error {
	if !d.trace.enabled || !d.checkRevoked {
		return nil
	}
	if svc == nil {
		return illegalState("Verify Signature", "no SAM revocation service is set")
	}
	serialBits := d.trace.serialBits()
	serial := make([]byte, serialBits/8)
	v := bits.ReadWindow(d.params.Data, d.trace.offset, serialBits)
	for i := range serial {
		serial[len(serial)-1-i] = byte(v >> (8 * i))
	}
	counter := int(bits.ReadWindow(d.params.Data, d.trace.offset+serialBits, samCounterBits))
	if svc.IsSamRevoked(serial, counter) {
		return newError(KindSamRevoked, "Verify Signature", "SAM %X is revoked (counter %d)", serial, counter)
	}
	return nil
}

func (d *TraceableSignatureVerificationData) parsePso(resp *iso7816.ResponseAPDU) error {
	valid, err := psoVerifyResult(resp.Status)
	if valid || KindOf(err) == KindInvalidSignature {
		d.valid, d.processed = valid, true
	}
	return err
}

// verifyPayload encodes the header followed by [data length][data][signature].
func verifyPayload(d *signatureData, mode byte, offset int, signature []byte) []byte {
	out := d.header(mode, offset)
	out = append(out, byte(len(d.params.Data)))
	out = append(out, d.params.Data...)
	return append(out, signature...)
}

func psoVerifyResult(sw iso7816.StatusWord) (bool, error) {
	const op = "PSO Verify Signature"
	switch sw {
	case swSuccess:
		return true, nil
	case iso7816.SWIncorrectSecureMessaging:
		return false, statusError(KindInvalidSignature, op, sw)
	case iso7816.SWConditionsNotSatisfied:
		return false, statusError(KindSamBusy, op, sw)
	}
	return false, samStatusError(op, sw)
}

// signatureOperation is a signature data value accepted by the Prepare methods.
type signatureOperation interface {
	samSignatureCommand
	validate(op string, defaultDiversifier []byte) error
}

var (
	_ signatureOperation = (*SignatureComputationData)(nil)
	_ signatureOperation = (*TraceableSignatureComputationData)(nil)
	_ signatureOperation = (*SignatureVerificationData)(nil)
	_ signatureOperation = (*TraceableSignatureVerificationData)(nil)
)
