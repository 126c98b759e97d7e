package calypsotest

import (
	"bytes"
	"encoding/binary"

	"github.com/gregLibert/calypso/pkg/bits"
	"github.com/gregLibert/calypso/pkg/iso7816"
)

// DefaultSamSerial is the serial number of a simulated SAM.
var DefaultSamSerial = []byte{0x12, 0x34, 0x56, 0x78}

// Sam is a simulated Calypso SAM.
type Sam struct {
	keys       KeySet
	serial     []byte
	subtype    byte
	unlockData []byte
	locked     bool
	busy       bool
	replies    map[byte]iso7816.StatusWord

	diversifier   []byte
	challenge     []byte
	cardChallenge []byte
	digest        *sessionDigest
	digestSize    int
	svChecks      [][]byte
	tnum          int
	counter       int
	rnd           uint32
}

// SamOption configures a simulated SAM.
type SamOption func(*Sam)

// WithSamSerial sets the 4-byte SAM serial number.
func WithSamSerial(serial []byte) SamOption {
	return func(s *Sam) { s.serial = bytes.Clone(serial) }
}

// WithSamSubtype sets the application subtype byte identifying the product (C1 by default).
func WithSamSubtype(subtype byte) SamOption {
	return func(s *Sam) { s.subtype = subtype }
}

// WithUnlockData locks the SAM until data is presented.
func WithUnlockData(data []byte) SamOption {
	return func(s *Sam) {
		s.unlockData = bytes.Clone(data)
		s.locked = true
	}
}

// WithSamKeySet sets the issuer keys known by the SAM.
func WithSamKeySet(ks KeySet) SamOption {
	return func(s *Sam) { s.keys = ks }
}

// NewSam returns an unlocked C1 SAM holding the default keys.
func NewSam(opts ...SamOption) *Sam {
	s := &Sam{keys: DefaultKeySet(), serial: DefaultSamSerial, subtype: 0xC1}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetBusy makes signature computations and verifications answer 6985.
func (s *Sam) SetBusy(busy bool) { s.busy = busy }

// RespondWith makes the SAM answer sw to the commands with instruction ins
// instead of processing them. SWSuccess removes the override.
func (s *Sam) RespondWith(ins byte, sw iso7816.StatusWord) {
	if sw == iso7816.SWSuccess {
		delete(s.replies, ins)
		return
	}
	if s.replies == nil {
		s.replies = make(map[byte]iso7816.StatusWord)
	}
	s.replies[ins] = sw
}

// IsLocked reports whether the SAM waits for its unlock data.
func (s *Sam) IsLocked() bool { return s.locked }

// Counter returns the traceability counter written in signed data.
func (s *Sam) Counter() int { return s.counter }

// PowerOnData returns the SAM ATR.
func (s *Sam) PowerOnData() []byte {
	atr := []byte{0x3B, 0x3F, 0x96, 0x00, 0x80, 0x5A, 0x0A, 0x20, s.subtype, 0x80, 0x01, 0x00}
	atr = append(atr, s.serial...)
	return append(atr, 0x82, 0x90, 0x00)
}

func (s *Sam) class() byte {
	if s.subtype == 0xC1 {
		return 0x80
	}
	return 0x94
}

func (s *Sam) random(n int) []byte {
	s.rnd++
	return mac(s.serial, []byte("R"), binary.BigEndian.AppendUint32(nil, s.rnd))[:n]
}

func (s *Sam) key(kif, kvc byte, div []byte) ([]byte, bool) {
	return s.keys.diversified(KeyRef{KIF: kif, KVC: kvc}, div)
}

// Sign returns the signature a SAM computes over data with the key (kif, kvc)
// diversified with div.
func (s *Sam) Sign(kif, kvc byte, div, data []byte, size int) []byte {
	k, ok := s.key(kif, kvc, div)
	if !ok {
		return nil
	}
	return mac(k, []byte("PSO"), data)[:size]
}

// Process answers one C-APDU.
func (s *Sam) Process(raw []byte) []byte {
	cmd, err := parseCommand(raw)
	if err != nil {
		return status(iso7816.SWWrongLength)
	}
	if cmd.cla != s.class() {
		return status(iso7816.SWClaNotSupported)
	}
	if sw, ok := s.replies[cmd.ins]; ok {
		return status(sw)
	}
	if cmd.ins == 0x20 {
		if s.locked && !bytes.Equal(cmd.data, s.unlockData) {
			return status(iso7816.SWIncorrectSecureMessaging)
		}
		s.locked = false
		return success()
	}
	if s.locked {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	switch cmd.ins {
	case 0x14:
		s.diversifier = bytes.Clone(cmd.data)
		return success()
	case 0x84:
		s.challenge = s.random(cmd.ne)
		return success(s.challenge)
	case 0x86:
		s.cardChallenge = bytes.Clone(cmd.data)
		return success()
	case 0x8A:
		return s.digestInit(cmd)
	case 0x8C:
		if s.digest == nil {
			return status(iso7816.SWConditionsNotSatisfied)
		}
		s.digest.add(cmd.data)
		return success()
	case 0x8E:
		if s.digest == nil {
			return status(iso7816.SWConditionsNotSatisfied)
		}
		return success(s.digest.terminalSignature(s.digestSize))
	case 0x82:
		if s.digest == nil {
			return status(iso7816.SWConditionsNotSatisfied)
		}
		d := s.digest
		s.digest = nil
		if !bytes.Equal(cmd.data, d.cardSignature(len(cmd.data))) {
			return status(iso7816.SWIncorrectSecureMessaging)
		}
		return success()
	case 0x56, 0x54, 0x5C:
		return s.svPrepare(cmd)
	case 0x58:
		if len(s.svChecks) == 0 || !bytes.Equal(cmd.data, s.svChecks[0]) {
			s.svChecks = nil
			return status(iso7816.SWConditionsNotSatisfied)
		}
		s.svChecks = s.svChecks[1:]
		return success()
	case 0x12:
		return s.cipher(cmd)
	case 0x2A:
		return s.pso(cmd)
	}
	return status(iso7816.SWInsNotSupported)
}

func (s *Sam) digestInit(cmd *command) []byte {
	if len(cmd.data) < 2 || s.challenge == nil {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	k, ok := s.key(cmd.data[0], cmd.data[1], s.diversifier)
	if !ok {
		return status(iso7816.SWReferenceDataNotFound)
	}
	s.digest = newSessionDigest(k, s.challenge, cmd.data[2:])
	s.digestSize = 4
	if cmd.p1 == 0x80 {
		s.digestSize = 8
	}
	return success()
}

func (s *Sam) svPrepare(cmd *command) []byte {
	getSize := 30
	kif := DebitKey.KIF
	if cmd.ins == 0x56 {
		getSize, kif = 33, LoadKey.KIF
	}
	if len(cmd.data) < 4+getSize+4 {
		return status(iso7816.SWWrongLength)
	}
	getData := cmd.data[4 : 4+getSize]
	partial := cmd.data[4+getSize+4:]
	k, ok := s.key(kif, getData[2], s.diversifier)
	if !ok {
		return status(iso7816.SWReferenceDataNotFound)
	}
	s.tnum++
	tnum := bits.AppendUint24(nil, s.tnum)
	sig := svSamSignature(k, getData, partial, s.serial, tnum)
	s.svChecks = append(s.svChecks, svCardSignature(k, sig))
	out := append(bytes.Clone(s.serial), tnum...)
	return success(append(out, sig...))
}

func (s *Sam) cipher(cmd *command) []byte {
	if len(cmd.data) < 2 || s.cardChallenge == nil {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	k, ok := s.key(cmd.data[0], cmd.data[1], s.diversifier)
	if !ok {
		return status(iso7816.SWReferenceDataNotFound)
	}
	chal := s.cardChallenge
	s.cardChallenge = nil
	switch cmd.p1 {
	case 0x80:
		plain := make([]byte, 8)
		copy(plain, cmd.data[2:])
		return success(xorStream(k, chal, plain))
	case 0x40:
		plain := make([]byte, 16)
		copy(plain, cmd.data[2:])
		return success(xorStream(k, chal, plain))
	case 0xFF:
		if len(cmd.data) != 4 {
			return status(iso7816.SWWrongLength)
		}
		newKey, ok := s.key(cmd.data[2], cmd.data[3], s.diversifier)
		if !ok {
			return status(iso7816.SWReferenceDataNotFound)
		}
		plain := append([]byte{cmd.data[2], cmd.data[3]}, keyCryptogramBody(newKey)...)
		return success(xorStream(k, chal, plain))
	}
	return status(iso7816.SWIncorrectP1P2)
}

// psoHeader is [mode][kif][kvc][size][offset(2)][diversifier length][diversifier].
type psoHeader struct {
	mode   byte
	kif    byte
	kvc    byte
	size   int
	offset int
	div    []byte
}

func parsePsoHeader(data []byte) (*psoHeader, []byte, bool) {
	if len(data) < 7 || len(data) < 7+int(data[6]) {
		return nil, nil, false
	}
	h := &psoHeader{
		mode:   data[0],
		kif:    data[1],
		kvc:    data[2],
		size:   int(data[3]),
		offset: int(binary.BigEndian.Uint16(data[4:])),
		div:    data[7 : 7+int(data[6])],
	}
	return h, data[7+len(h.div):], true
}

func (s *Sam) pso(cmd *command) []byte {
	h, rest, ok := parsePsoHeader(cmd.data)
	if !ok {
		return status(iso7816.SWWrongLength)
	}
	if s.busy {
		return status(iso7816.SWConditionsNotSatisfied)
	}
	k, ok := s.key(h.kif, h.kvc, h.div)
	if !ok {
		return status(iso7816.SWReferenceDataNotFound)
	}
	switch {
	case cmd.p1 == 0x9E && cmd.p2 == 0x9A:
		signed := bytes.Clone(rest)
		if h.mode&0x01 != 0 {
			serialBits := 32
			if h.mode&0x02 != 0 {
				serialBits = 24
			}
			s.counter++
			bits.WriteWindow(signed, h.offset, serialBits, uint64(binary.BigEndian.Uint32(s.serial)))
			bits.WriteWindow(signed, h.offset+serialBits, 24, uint64(s.counter))
			return success(signed, mac(k, []byte("PSO"), signed)[:h.size])
		}
		return success(mac(k, []byte("PSO"), signed)[:h.size])
	case cmd.p1 == 0x00 && cmd.p2 == 0xA8:
		if len(rest) < 1 || len(rest) != 1+int(rest[0])+h.size {
			return status(iso7816.SWWrongLength)
		}
		data, sig := rest[1:1+int(rest[0])], rest[1+int(rest[0]):]
		if !bytes.Equal(sig, mac(k, []byte("PSO"), data)[:h.size]) {
			return status(iso7816.SWIncorrectSecureMessaging)
		}
		return success()
	}
	return status(iso7816.SWIncorrectP1P2)
}
