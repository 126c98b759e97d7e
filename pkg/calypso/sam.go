package calypso

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// samAtrPattern extracts the 10 identification bytes from a SAM ATR:
// platform, application type, application subtype, software issuer,
// software version, software revision and the 4-byte serial number.
var samAtrPattern = regexp.MustCompile(`^3B(.{6}|.{10})805A(.{20})829000$`)

// CalypsoSam is the image of a Calypso SAM, built from its power-on data.
type CalypsoSam struct {
	powerOnData     []byte
	productType     SamProductType
	serialNumber    []byte
	platform        byte
	applicationType byte
	applicationSub  byte
	softwareIssuer  byte
	softwareVersion byte
	softwareRev     byte
}

// ParseSamPowerOnData builds a SAM image from its ATR.
func ParseSamPowerOnData(atr []byte) (*CalypsoSam, error) {
	m := samAtrPattern.FindStringSubmatch(strings.ToUpper(hex.EncodeToString(atr)))
	if m == nil {
		return nil, fmt.Errorf("unrecognized SAM power-on data %X", atr)
	}
	id, err := hex.DecodeString(m[2])
	if err != nil {
		return nil, fmt.Errorf("invalid SAM identification bytes: %w", err)
	}
	sam := &CalypsoSam{
		powerOnData:     bytes.Clone(atr),
		platform:        id[0],
		applicationType: id[1],
		applicationSub:  id[2],
		softwareIssuer:  id[3],
		softwareVersion: id[4],
		softwareRev:     id[5],
		serialNumber:    bytes.Clone(id[6:10]),
	}
	sam.productType = samProductFromSubtype(sam.applicationSub)
	return sam, nil
}

func samProductFromSubtype(sub byte) SamProductType {
	switch sub {
	case 0xC1:
		return SamC1
	case 0xD0, 0xD1, 0xD2:
		return SamS1DX
	case 0xE1:
		return SamS1E1
	case 0xE2:
		return CSamF
	}
	return SamUnknown
}

// ProductType returns the SAM product.
func (s *CalypsoSam) ProductType() SamProductType { return s.productType }

// SerialNumber returns the 4-byte SAM serial number.
func (s *CalypsoSam) SerialNumber() []byte { return bytes.Clone(s.serialNumber) }

// PowerOnData returns the SAM ATR.
func (s *CalypsoSam) PowerOnData() []byte { return bytes.Clone(s.powerOnData) }

// Platform returns the platform byte.
func (s *CalypsoSam) Platform() byte { return s.platform }

// ApplicationType returns the application type byte.
func (s *CalypsoSam) ApplicationType() byte { return s.applicationType }

// ApplicationSubType returns the application subtype byte.
func (s *CalypsoSam) ApplicationSubType() byte { return s.applicationSub }

// SoftwareIssuer returns the software issuer byte.
func (s *CalypsoSam) SoftwareIssuer() byte { return s.softwareIssuer }

// SoftwareVersion returns the software version byte.
func (s *CalypsoSam) SoftwareVersion() byte { return s.softwareVersion }

// SoftwareRevision returns the software revision byte.
func (s *CalypsoSam) SoftwareRevision() byte { return s.softwareRev }

func (s *CalypsoSam) String() string {
	return fmt.Sprintf("CalypsoSam{product=%s serial=%X}", s.productType, s.serialNumber)
}

// class is the CLA byte of SAM commands.
func (s *CalypsoSam) class() byte {
	if s.productType == SamC1 {
		return 0x80
	}
	return 0x94
}
