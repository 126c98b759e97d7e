package calypso

import "bytes"

// DirectoryHeader holds the metadata of a DF: access rights and the session keys per write access level.
type DirectoryHeader struct {
	lid              uint16
	accessConditions []byte
	keyIndexes       []byte
	dfStatus         byte
	kifs             map[WriteAccessLevel]byte
	kvcs             map[WriteAccessLevel]byte
}

// LID returns the logical identifier of the DF.
func (h *DirectoryHeader) LID() uint16 { return h.lid }

// AccessConditions returns the 4 access condition bytes.
func (h *DirectoryHeader) AccessConditions() []byte { return bytes.Clone(h.accessConditions) }

// KeyIndexes returns the 4 key index bytes.
func (h *DirectoryHeader) KeyIndexes() []byte { return bytes.Clone(h.keyIndexes) }

// DFStatus returns the DF status byte.
func (h *DirectoryHeader) DFStatus() byte { return h.dfStatus }

// KIF returns the key identifier associated with the level.
func (h *DirectoryHeader) KIF(level WriteAccessLevel) (byte, bool) {
	v, ok := h.kifs[level]
	return v, ok
}

// KVC returns the key version associated with the level.
func (h *DirectoryHeader) KVC(level WriteAccessLevel) (byte, bool) {
	v, ok := h.kvcs[level]
	return v, ok
}

func (h *DirectoryHeader) clone() *DirectoryHeader {
	if h == nil {
		return nil
	}
	c := &DirectoryHeader{
		lid:              h.lid,
		accessConditions: bytes.Clone(h.accessConditions),
		keyIndexes:       bytes.Clone(h.keyIndexes),
		dfStatus:         h.dfStatus,
		kifs:             make(map[WriteAccessLevel]byte, len(h.kifs)),
		kvcs:             make(map[WriteAccessLevel]byte, len(h.kvcs)),
	}
	for k, v := range h.kifs {
		c.kifs[k] = v
	}
	for k, v := range h.kvcs {
		c.kvcs[k] = v
	}
	return c
}
