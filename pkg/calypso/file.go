package calypso

import (
	"bytes"
	"maps"
	"slices"

	"github.com/gregLibert/calypso/pkg/bits"
)

// FileHeader holds the structural metadata of an elementary file, as returned by Select File.
type FileHeader struct {
	lid               uint16
	recordsNumber     int
	recordSize        int
	fileType          FileType
	accessConditions  []byte
	keyIndexes        []byte
	dfStatus          byte
	sharedReference   uint16
	hasSharedRef      bool
	proprietaryHeader []byte
}

// LID returns the logical identifier of the file.
func (h *FileHeader) LID() uint16 { return h.lid }

// RecordsNumber returns the number of records (1 for binary files).
func (h *FileHeader) RecordsNumber() int { return h.recordsNumber }

// RecordSize returns the record size, or the file size for binary files.
func (h *FileHeader) RecordSize() int { return h.recordSize }

// Type returns the file structure.
func (h *FileHeader) Type() FileType { return h.fileType }

// AccessConditions returns the 4 access condition bytes.
func (h *FileHeader) AccessConditions() []byte { return bytes.Clone(h.accessConditions) }

// KeyIndexes returns the 4 key index bytes.
func (h *FileHeader) KeyIndexes() []byte { return bytes.Clone(h.keyIndexes) }

// DFStatus returns the DF status byte.
func (h *FileHeader) DFStatus() byte { return h.dfStatus }

// SharedReference returns the LID of the file this file shares its data with.
func (h *FileHeader) SharedReference() (uint16, bool) {
	return h.sharedReference, h.hasSharedRef
}

// ProprietaryHeader returns the raw proprietary information the header was built from.
func (h *FileHeader) ProprietaryHeader() []byte { return bytes.Clone(h.proprietaryHeader) }

func (h *FileHeader) clone() *FileHeader {
	if h == nil {
		return nil
	}
	c := *h
	c.accessConditions = bytes.Clone(h.accessConditions)
	c.keyIndexes = bytes.Clone(h.keyIndexes)
	c.proprietaryHeader = bytes.Clone(h.proprietaryHeader)
	return &c
}

// FileData holds the content of an elementary file, one buffer per record number.
// Records that were never read are absent.
type FileData struct {
	records map[int][]byte
}

func newFileData() *FileData {
	return &FileData{records: make(map[int][]byte)}
}

// Content returns the content of record #1, or nil if it was not read.
func (d *FileData) Content() []byte {
	return d.ContentOf(1)
}

// ContentOf returns the content of the given record, or nil if it was not read.
func (d *FileData) ContentOf(record int) []byte {
	return bytes.Clone(d.records[record])
}

// ContentPart returns length bytes of the given record starting at offset.
// It returns nil when the requested range was not read.
func (d *FileData) ContentPart(record, offset, length int) []byte {
	content, ok := d.records[record]
	if !ok || offset < 0 || length < 0 || offset+length > len(content) {
		return nil
	}
	return bytes.Clone(content[offset : offset+length])
}

// AllRecordsContent returns a copy of all known records.
func (d *FileData) AllRecordsContent() map[int][]byte {
	out := make(map[int][]byte, len(d.records))
	for n, content := range d.records {
		out[n] = bytes.Clone(content)
	}
	return out
}

// RecordNumbers returns the sorted numbers of the known records.
func (d *FileData) RecordNumbers() []int {
	return slices.Sorted(maps.Keys(d.records))
}

// CounterValue returns the value of counter #n (1-based), stored in record #1.
func (d *FileData) CounterValue(n int) (int, bool) {
	content := d.records[1]
	start := (n - 1) * 3
	if n < 1 || start+3 > len(content) {
		return 0, false
	}
	return bits.Uint24(content[start:]), true
}

// AllCountersValue returns every complete counter found in record #1, keyed by counter number.
// A truncated trailing group yields no value.
func (d *FileData) AllCountersValue() map[int]int {
	content := d.records[1]
	out := make(map[int]int, len(content)/3)
	for i := 0; i+3 <= len(content); i += 3 {
		out[i/3+1] = bits.Uint24(content[i:])
	}
	return out
}

func (d *FileData) setContent(record int, content []byte) {
	d.records[record] = bytes.Clone(content)
}

// setContentAt writes content into the record at offset, padding unknown bytes with zeros.
func (d *FileData) setContentAt(record int, content []byte, offset int) {
	current := d.records[record]
	if need := offset + len(content); len(current) < need {
		current = append(current, make([]byte, need-len(current))...)
	}
	copy(current[offset:], content)
	d.records[record] = current
}

// fillContent ORs content into the record at offset, as Write Record and Write Binary do.
func (d *FileData) fillContent(record int, content []byte, offset int) {
	current := d.records[record]
	if need := offset + len(content); len(current) < need {
		current = append(current, make([]byte, need-len(current))...)
	}
	for i, b := range content {
		current[offset+i] |= b
	}
	d.records[record] = current
}

// addCyclicContent inserts content as record #1 and shifts the others, as Append Record does.
func (d *FileData) addCyclicContent(content []byte, maxRecords int) {
	numbers := d.RecordNumbers()
	shifted := make(map[int][]byte, len(numbers)+1)
	for _, n := range numbers {
		if maxRecords > 0 && n+1 > maxRecords {
			continue
		}
		shifted[n+1] = d.records[n]
	}
	shifted[1] = bytes.Clone(content)
	d.records = shifted
}

func (d *FileData) setCounter(n, value int) {
	d.setContentAt(1, bits.AppendUint24(nil, value), (n-1)*3)
}

func (d *FileData) clone() *FileData {
	c := newFileData()
	for n, content := range d.records {
		c.records[n] = bytes.Clone(content)
	}
	return c
}

// ElementaryFile is a card EF known through its SFI and/or its LID.
type ElementaryFile struct {
	sfi    byte
	header *FileHeader
	data   *FileData
}

func newElementaryFile(sfi byte) *ElementaryFile {
	return &ElementaryFile{sfi: sfi, data: newFileData()}
}

// SFI returns the short file identifier, 0 when unknown.
func (f *ElementaryFile) SFI() byte { return f.sfi }

// Header returns the file header, nil until the file was selected or listed.
func (f *ElementaryFile) Header() *FileHeader { return f.header }

// Data returns the file content.
func (f *ElementaryFile) Data() *FileData { return f.data }

func (f *ElementaryFile) clone() *ElementaryFile {
	return &ElementaryFile{sfi: f.sfi, header: f.header.clone(), data: f.data.clone()}
}
