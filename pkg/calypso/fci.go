package calypso

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/gregLibert/calypso/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// CALYPSO FCI:
// The Select Application response of a Calypso card is an ISO 7816-4 FCI:
//
//	6F  File Control Information
//	    84  DF name (AID)
//	    A5  Proprietary template
//	        BF0C  FCI issuer discretionary data
//	              C7  Application serial number (8 bytes)
//	              53  Discretionary data: startup information (7 bytes or more)
//
// Select File and Get Data (FCP) return the Calypso proprietary information
// (tag 85, 23 bytes) describing either the current DF or an EF.

// FCITemplate is the content of the '6F' template returned by Select Application.
type FCITemplate struct {
	DFName      []byte                  `tlv:"84" fmt:"hex"`
	Proprietary *FCIProprietaryTemplate `tlv:"A5"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FCIProprietaryTemplate is the 'A5' template.
type FCIProprietaryTemplate struct {
	Discretionary *FCIDiscretionaryData `tlv:"BF0C"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FCIDiscretionaryData is the 'BF0C' template carrying the Calypso identification data.
type FCIDiscretionaryData struct {
	ApplicationSerialNumber []byte `tlv:"C7" fmt:"hex"`
	StartupInfo             []byte `tlv:"53" fmt:"hex"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// String renders the FCI for logs and the CLI.
func (fci *FCITemplate) String() string {
	var sb strings.Builder
	sb.WriteString("Calypso FCI")
	tlv.WriteFields(&sb, "6F", fci)
	tlv.WriteFields(&sb, "BF0C", fci.discretionary())
	return sb.String()
}

// ParseFCI decodes a Select Application response data field.
func ParseFCI(data []byte) (*FCITemplate, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}
	p, ok := tlv.Search(packets, "6F")
	if !ok {
		return nil, fmt.Errorf("mandatory tag '6F' not found")
	}
	fci := &FCITemplate{}
	if err := tlv.UnmarshalFromPackets(p.TLVs, fci); err != nil {
		return nil, fmt.Errorf("FCI unmarshal failed: %w", err)
	}
	return fci, nil
}

func (fci *FCITemplate) discretionary() *FCIDiscretionaryData {
	if fci.Proprietary == nil || fci.Proprietary.Discretionary == nil {
		return nil
	}
	return fci.Proprietary.Discretionary
}

// Offsets in the Calypso proprietary information (tag 85).
const (
	propInfoSize        = 23
	propSfiOffset       = 0
	propTypeOffset      = 1
	propEfTypeOffset    = 2
	propRecSizeOffset   = 3
	propNumRecOffset    = 4
	propAcOffset        = 5
	propKeyIndexOffset  = 9
	propDfStatusOffset  = 13
	propKvcsOffset      = 14
	propKifsOffset      = 17
	propSharedRefOffset = 19
	propLidOffset       = 21
	propFileTypeMF      = 0x01
	propFileTypeDF      = 0x02
	propFileTypeEF      = 0x04
	efDescriptorSize    = 6
)

// selectedFile is the decoded proprietary information of a Select File response:
// exactly one of dir and file is set.
type selectedFile struct {
	dir  *DirectoryHeader
	sfi  byte
	file *FileHeader
}

// parseSelectFileResponse extracts the proprietary information from a Select File
// or Get Data (FCP) response. Cards return tag 85 bare or inside a 62 or 6F template.
func parseSelectFileResponse(data []byte) (*selectedFile, error) {
	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}
	info, ok := tlv.Search(packets, "85")
	if !ok || len(info.Value) == 0 {
		return nil, fmt.Errorf("proprietary information (tag 85) not found")
	}
	return parseProprietaryInformation(info.Value)
}

func parseProprietaryInformation(info []byte) (*selectedFile, error) {
	if len(info) < propInfoSize {
		return nil, fmt.Errorf("proprietary information too short: %d bytes", len(info))
	}
	lid := binary.BigEndian.Uint16(info[propLidOffset:])
	ac := info[propAcOffset : propAcOffset+4]
	ki := info[propKeyIndexOffset : propKeyIndexOffset+4]

	switch info[propTypeOffset] {
	case propFileTypeMF, propFileTypeDF:
		dir := &DirectoryHeader{
			lid:              lid,
			accessConditions: append([]byte(nil), ac...),
			keyIndexes:       append([]byte(nil), ki...),
			dfStatus:         info[propDfStatusOffset],
			kifs:             make(map[WriteAccessLevel]byte, 3),
			kvcs:             make(map[WriteAccessLevel]byte, 3),
		}
		for _, level := range []WriteAccessLevel{WriteAccessPersonalization, WriteAccessLoad, WriteAccessDebit} {
			dir.kvcs[level] = info[propKvcsOffset+int(level)]
			dir.kifs[level] = info[propKifsOffset+int(level)]
		}
		return &selectedFile{dir: dir}, nil

	case propFileTypeEF:
		fileType, ok := fileTypeFromCode(info[propEfTypeOffset])
		if !ok {
			return nil, fmt.Errorf("unknown EF type 0x%02X", info[propEfTypeOffset])
		}
		header := &FileHeader{
			lid:               lid,
			fileType:          fileType,
			accessConditions:  append([]byte(nil), ac...),
			keyIndexes:        append([]byte(nil), ki...),
			dfStatus:          info[propDfStatusOffset],
			proprietaryHeader: append([]byte(nil), info...),
		}
		if fileType == FileTypeBinary {
			header.recordSize = int(binary.BigEndian.Uint16(info[propRecSizeOffset:]))
			header.recordsNumber = 1
		} else {
			header.recordSize = int(info[propRecSizeOffset])
			header.recordsNumber = int(info[propNumRecOffset])
		}
		if ref := binary.BigEndian.Uint16(info[propSharedRefOffset:]); ref != 0 && ref != lid {
			header.sharedReference = ref
			header.hasSharedRef = true
		}
		return &selectedFile{sfi: info[propSfiOffset], file: header}, nil
	}
	return nil, fmt.Errorf("unknown file type 0x%02X", info[propTypeOffset])
}

// efListEntry is one 'C1' descriptor of the Get Data EF list response.
type efListEntry struct {
	sfi    byte
	header *FileHeader
}

type efListTemplate struct {
	List struct {
		Descriptors [][]byte `tlv:"C1"`
	} `tlv:"C0"`
}

// parseEFList decodes 'C0' { 'C1' LID(2) SFI EFType RecSize NbRec }*.
func parseEFList(data []byte) ([]efListEntry, error) {
	var list efListTemplate
	if err := tlv.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	entries := make([]efListEntry, 0, len(list.List.Descriptors))
	for _, d := range list.List.Descriptors {
		if len(d) < efDescriptorSize {
			return nil, fmt.Errorf("EF descriptor too short: %d bytes", len(d))
		}
		fileType, ok := fileTypeFromCode(d[3])
		if !ok {
			return nil, fmt.Errorf("unknown EF type 0x%02X", d[3])
		}
		entries = append(entries, efListEntry{
			sfi: d[2],
			header: &FileHeader{
				lid:           binary.BigEndian.Uint16(d),
				fileType:      fileType,
				recordSize:    int(d[4]),
				recordsNumber: int(d[5]),
			},
		})
	}
	return entries, nil
}
