package calypsotest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// KeyRef designates an issuer key by its KIF and KVC.
type KeyRef struct {
	KIF byte
	KVC byte
}

// Issuer keys of the default key set, one per session level.
var (
	PersonalizationKey = KeyRef{KIF: 0x21, KVC: 0x79}
	LoadKey            = KeyRef{KIF: 0x27, KVC: 0x79}
	DebitKey           = KeyRef{KIF: 0x30, KVC: 0x79}
	PinKey             = KeyRef{KIF: 0x26, KVC: 0x79}
)

// KeySet holds the issuer master keys shared by the simulated cards and SAMs.
// Card keys are the master keys diversified with the card serial number.
type KeySet map[KeyRef][]byte

// DefaultKeySet returns a key set holding the default keys.
func DefaultKeySet() KeySet {
	ks := KeySet{}
	for i, ref := range []KeyRef{PersonalizationKey, LoadKey, DebitKey, PinKey} {
		ks[ref] = bytes.Repeat([]byte{byte(0x11 * (i + 1))}, 16)
	}
	return ks
}

func (ks KeySet) diversified(ref KeyRef, div []byte) ([]byte, bool) {
	master, ok := ks[ref]
	if !ok {
		return nil, false
	}
	return mac(master, div), true
}

func mac(key []byte, parts ...[]byte) []byte {
	h := hmac.New(sha256.New, key)
	for _, p := range parts {
		var n [2]byte
		binary.BigEndian.PutUint16(n[:], uint16(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

// xorStream ciphers or deciphers data with a keystream derived from key and challenge.
func xorStream(key, challenge, data []byte) []byte {
	stream := mac(key, []byte("K"), challenge)
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ stream[i%len(stream)]
	}
	return out
}

// sessionDigest is the transcript both sides sign at the end of a session.
type sessionDigest struct {
	key   []byte
	parts [][]byte
}

func newSessionDigest(key, terminalChallenge, openData []byte) *sessionDigest {
	return &sessionDigest{key: key, parts: [][]byte{bytes.Clone(terminalChallenge), bytes.Clone(openData)}}
}

func (d *sessionDigest) add(msg []byte) {
	d.parts = append(d.parts, bytes.Clone(msg))
}

func (d *sessionDigest) terminalSignature(size int) []byte {
	return mac(d.key, append([][]byte{[]byte("T")}, d.parts...)...)[:size]
}

func (d *sessionDigest) cardSignature(size int) []byte {
	return mac(d.key, append([][]byte{[]byte("C")}, d.parts...)...)[:size]
}
