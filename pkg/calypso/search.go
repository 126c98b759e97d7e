package calypso

import (
	"bytes"
	"slices"
)

// SearchCommandData describes a Search Record Multiple command and receives
// its result.
type SearchCommandData struct {
	sfi            byte
	recordNumber   int
	offset         int
	repeatedOffset bool
	searchData     []byte
	mask           []byte
	fetchFirst     bool

	matchingRecordNumbers []int
}

// NewSearchCommandData returns a search starting at record 1 of the current file.
func NewSearchCommandData() *SearchCommandData {
	return &SearchCommandData{recordNumber: 1}
}

// SetSFI sets the file to search, 0 for the current file.
func (s *SearchCommandData) SetSFI(sfi byte) *SearchCommandData {
	s.sfi = sfi
	return s
}

// StartAtRecord sets the first record to examine.
func (s *SearchCommandData) StartAtRecord(record int) *SearchCommandData {
	s.recordNumber = record
	return s
}

// SetOffset sets the position of the pattern in the records.
func (s *SearchCommandData) SetOffset(offset int) *SearchCommandData {
	s.offset = offset
	return s
}

// EnableRepeatedOffset makes the card look for the pattern at every position
// from the offset.
func (s *SearchCommandData) EnableRepeatedOffset() *SearchCommandData {
	s.repeatedOffset = true
	return s
}

// SetSearchData sets the pattern.
func (s *SearchCommandData) SetSearchData(data []byte) *SearchCommandData {
	s.searchData = bytes.Clone(data)
	return s
}

// SetMask sets the bits of the pattern taken into account. A short mask is
// padded with FFh.
func (s *SearchCommandData) SetMask(mask []byte) *SearchCommandData {
	s.mask = bytes.Clone(mask)
	return s
}

// FetchFirstMatchingResult asks the card to return the content of the first
// matching record.
func (s *SearchCommandData) FetchFirstMatchingResult() *SearchCommandData {
	s.fetchFirst = true
	return s
}

// MatchingRecordNumbers returns the numbers of the matching records, available
// after processing.
func (s *SearchCommandData) MatchingRecordNumbers() []int {
	return slices.Clone(s.matchingRecordNumbers)
}

func (s *SearchCommandData) validate(op string) error {
	if err := checkRange(op, "sfi", int(s.sfi), 0, 30); err != nil {
		return err
	}
	if err := checkRange(op, "record number", s.recordNumber, 1, 250); err != nil {
		return err
	}
	if err := checkRange(op, "offset", s.offset, 0, 249); err != nil {
		return err
	}
	if err := checkLength(op, "search data", s.searchData, 1, 250-s.offset); err != nil {
		return err
	}
	return checkLength(op, "mask", s.mask, 0, len(s.searchData))
}
