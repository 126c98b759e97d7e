package calypsotest

import (
	"bytes"
	"slices"
)

// EFType is the structure code of an elementary file.
type EFType byte

const (
	Binary            EFType = 0x01
	Linear            EFType = 0x02
	Cyclic            EFType = 0x04
	SimulatedCounters EFType = 0x08
	Counters          EFType = 0x09
)

// File describes an elementary file of a simulated card. Content maps record
// numbers to their initial value; counter files hold 3 bytes per counter in
// record 1.
type File struct {
	LID        uint16
	SFI        byte
	Type       EFType
	RecordSize int
	Records    int
	Content    map[int][]byte
}

type ef struct {
	lid     uint16
	sfi     byte
	typ     EFType
	recSize int
	nbRec   int
	records [][]byte
}

func newEF(def File) *ef {
	f := &ef{lid: def.LID, sfi: def.SFI, typ: def.Type, recSize: def.RecordSize, nbRec: def.Records}
	if f.typ == Binary {
		f.nbRec = 1
	}
	f.records = make([][]byte, f.nbRec)
	for i := range f.records {
		f.records[i] = make([]byte, f.recSize)
	}
	for n, content := range def.Content {
		if n >= 1 && n <= f.nbRec {
			copy(f.records[n-1], content)
		}
	}
	return f
}

func (f *ef) clone() *ef {
	c := *f
	c.records = make([][]byte, len(f.records))
	for i, r := range f.records {
		c.records[i] = bytes.Clone(r)
	}
	return &c
}

func (f *ef) record(n int) ([]byte, bool) {
	if n < 1 || n > len(f.records) {
		return nil, false
	}
	return f.records[n-1], true
}

// counter returns the 3 bytes holding counter n.
func (f *ef) counter(n int) ([]byte, bool) {
	if f.typ != Counters && f.typ != SimulatedCounters {
		return nil, false
	}
	if n < 1 || n*3 > f.recSize {
		return nil, false
	}
	return f.records[0][(n-1)*3 : n*3], true
}

// push inserts a record at the head of a cyclic file, dropping the oldest.
func (f *ef) push(data []byte) {
	rec := make([]byte, f.recSize)
	copy(rec, data)
	f.records = slices.Insert(f.records, 0, rec)
	if len(f.records) > f.nbRec {
		f.records = f.records[:f.nbRec]
	}
}

func orInto(dst, src []byte) {
	for i := range src {
		if i < len(dst) {
			dst[i] |= src[i]
		}
	}
}
