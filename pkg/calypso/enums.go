package calypso

import "fmt"

// APIVersion is the version of the Calypso card API implemented by this package.
const APIVersion = "2.3"

// WriteAccessLevel selects the key family used to open a secure session.
type WriteAccessLevel int

const (
	// WriteAccessPersonalization uses the issuer key.
	WriteAccessPersonalization WriteAccessLevel = iota
	// WriteAccessLoad uses the load key.
	WriteAccessLoad
	// WriteAccessDebit uses the debit key.
	WriteAccessDebit
)

func (l WriteAccessLevel) String() string {
	switch l {
	case WriteAccessPersonalization:
		return "PERSONALIZATION"
	case WriteAccessLoad:
		return "LOAD"
	case WriteAccessDebit:
		return "DEBIT"
	default:
		return fmt.Sprintf("WriteAccessLevel(%d)", int(l))
	}
}

func (l WriteAccessLevel) valid() bool {
	return l >= WriteAccessPersonalization && l <= WriteAccessDebit
}

// keyIndex is the session key index sent in P1 of Open Secure Session (1 to 3).
func (l WriteAccessLevel) keyIndex() byte {
	return byte(l) + 1
}

// ProductType identifies the Calypso card product.
type ProductType int

const (
	ProductUnknown ProductType = iota
	ProductPrimeRevision1
	ProductPrimeRevision2
	ProductPrimeRevision3
	ProductLight
	ProductBasic
)

func (p ProductType) String() string {
	switch p {
	case ProductPrimeRevision1:
		return "PRIME_REVISION_1"
	case ProductPrimeRevision2:
		return "PRIME_REVISION_2"
	case ProductPrimeRevision3:
		return "PRIME_REVISION_3"
	case ProductLight:
		return "LIGHT"
	case ProductBasic:
		return "BASIC"
	default:
		return "UNKNOWN"
	}
}

// SamProductType identifies the SAM product.
type SamProductType int

const (
	SamUnknown SamProductType = iota
	SamC1
	SamS1E1
	SamS1DX
	CSamF
)

func (p SamProductType) String() string {
	switch p {
	case SamC1:
		return "SAM_C1"
	case SamS1E1:
		return "SAM_S1E1"
	case SamS1DX:
		return "SAM_S1DX"
	case CSamF:
		return "CSAM_F"
	default:
		return "UNKNOWN"
	}
}

// FileType is the structure of an elementary file.
type FileType int

const (
	FileTypeLinear FileType = iota + 1
	FileTypeBinary
	FileTypeCyclic
	FileTypeCounters
	FileTypeSimulatedCounters
)

func (t FileType) String() string {
	switch t {
	case FileTypeLinear:
		return "LINEAR"
	case FileTypeBinary:
		return "BINARY"
	case FileTypeCyclic:
		return "CYCLIC"
	case FileTypeCounters:
		return "COUNTERS"
	case FileTypeSimulatedCounters:
		return "SIMULATED_COUNTERS"
	default:
		return fmt.Sprintf("FileType(%d)", int(t))
	}
}

// EF type codes found in the Select File proprietary information.
const (
	efTypeBinary            = 0x01
	efTypeLinear            = 0x02
	efTypeCyclic            = 0x04
	efTypeSimulatedCounters = 0x08
	efTypeCounters          = 0x09
)

func fileTypeFromCode(code byte) (FileType, bool) {
	switch code {
	case efTypeBinary:
		return FileTypeBinary, true
	case efTypeLinear:
		return FileTypeLinear, true
	case efTypeCyclic:
		return FileTypeCyclic, true
	case efTypeSimulatedCounters:
		return FileTypeSimulatedCounters, true
	case efTypeCounters:
		return FileTypeCounters, true
	}
	return 0, false
}

func (t FileType) code() byte {
	switch t {
	case FileTypeBinary:
		return efTypeBinary
	case FileTypeCyclic:
		return efTypeCyclic
	case FileTypeSimulatedCounters:
		return efTypeSimulatedCounters
	case FileTypeCounters:
		return efTypeCounters
	default:
		return efTypeLinear
	}
}

// SelectFileControl chooses which file a Select File command targets relative to the current one.
type SelectFileControl int

const (
	SelectFirstEF SelectFileControl = iota
	SelectNextEF
	SelectCurrentDF
)

func (c SelectFileControl) String() string {
	switch c {
	case SelectFirstEF:
		return "FIRST_EF"
	case SelectNextEF:
		return "NEXT_EF"
	case SelectCurrentDF:
		return "CURRENT_DF"
	default:
		return fmt.Sprintf("SelectFileControl(%d)", int(c))
	}
}

// GetDataTag is the data object requested by a Get Data command.
type GetDataTag int

const (
	GetDataFCPForCurrentFile GetDataTag = iota
	GetDataFCIForCurrentDF
	GetDataEFList
	GetDataTraceabilityInformation
)

func (t GetDataTag) String() string {
	switch t {
	case GetDataFCPForCurrentFile:
		return "FCP_FOR_CURRENT_FILE"
	case GetDataFCIForCurrentDF:
		return "FCI_FOR_CURRENT_DF"
	case GetDataEFList:
		return "EF_LIST"
	case GetDataTraceabilityInformation:
		return "TRACEABILITY_INFORMATION"
	default:
		return fmt.Sprintf("GetDataTag(%d)", int(t))
	}
}

// p1p2 is the tag value placed in P1-P2 of the Get Data command.
func (t GetDataTag) p1p2() uint16 {
	switch t {
	case GetDataFCPForCurrentFile:
		return 0x0062
	case GetDataFCIForCurrentDF:
		return 0x006F
	case GetDataEFList:
		return 0x00C0
	default:
		return 0x0185
	}
}

// SvOperation is the kind of Stored Value operation announced by SV Get.
type SvOperation int

const (
	SvReload SvOperation = iota
	SvDebit
)

func (o SvOperation) String() string {
	if o == SvDebit {
		return "DEBIT"
	}
	return "RELOAD"
}

// SvAction tells whether a debit is performed or cancelled.
type SvAction int

const (
	SvDo SvAction = iota
	SvUndo
)

func (a SvAction) String() string {
	if a == SvUndo {
		return "UNDO"
	}
	return "DO"
}
