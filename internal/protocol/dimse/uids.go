// Package dimse implements the DICOM Upper Layer protocol (PS3.8) and the
// DIMSE command set encoding (PS3.7) needed for C-ECHO and C-STORE.
//
// The package covers association negotiation (A-ASSOCIATE-RQ/AC/RJ), data
// transfer (P-DATA-TF), orderly release (A-RELEASE) and A-ABORT, plus the
// implicit-VR little-endian command sets exchanged inside P-DATA streams.
// Data set payloads are treated as opaque byte streams throughout; nothing
// in this package re-encodes the objects being transferred.
package dimse

import "strings"

// Well-known UIDs used during negotiation.
const (
	// ApplicationContextName is the single application context defined by
	// the standard (PS3.7 A.2.1).
	ApplicationContextName = "1.2.840.10008.3.1.1.1"

	// Transfer syntaxes.
	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"

	// VerificationSOPClass is the C-ECHO SOP class.
	VerificationSOPClass = "1.2.840.10008.1.1"

	// ImplementationClassUID identifies this implementation during
	// negotiation.
	ImplementationClassUID = "1.2.826.0.1.3680043.10.1514.1"

	// ImplementationVersionName is the version string sent alongside the
	// implementation class UID.
	ImplementationVersionName = "DICOMGW_010"
)

// Common storage SOP classes accepted by the receiver. The list mirrors the
// modalities the gateway is deployed against; unknown storage classes are
// rejected at presentation-context negotiation.
var StorageSOPClasses = []string{
	"1.2.840.10008.5.1.4.1.1.1",     // CR Image Storage
	"1.2.840.10008.5.1.4.1.1.1.1",   // Digital X-Ray (presentation)
	"1.2.840.10008.5.1.4.1.1.2",     // CT Image Storage
	"1.2.840.10008.5.1.4.1.1.2.1",   // Enhanced CT Image Storage
	"1.2.840.10008.5.1.4.1.1.4",     // MR Image Storage
	"1.2.840.10008.5.1.4.1.1.4.1",   // Enhanced MR Image Storage
	"1.2.840.10008.5.1.4.1.1.6.1",   // US Image Storage
	"1.2.840.10008.5.1.4.1.1.7",     // Secondary Capture Image Storage
	"1.2.840.10008.5.1.4.1.1.12.1",  // X-Ray Angiographic Image Storage
	"1.2.840.10008.5.1.4.1.1.20",    // NM Image Storage
	"1.2.840.10008.5.1.4.1.1.88.11", // Basic Text SR
	"1.2.840.10008.5.1.4.1.1.88.22", // Enhanced SR
	"1.2.840.10008.5.1.4.1.1.88.33", // Comprehensive SR
	"1.2.840.10008.5.1.4.1.1.128",   // PET Image Storage
}

// SupportedTransferSyntaxes are the syntaxes the receiver accepts. Whatever
// syntax the peer selects is preserved end to end; the gateway never
// transcodes.
var SupportedTransferSyntaxes = []string{
	ExplicitVRLittleEndian,
	ImplicitVRLittleEndian,
}

// IsStorageSOPClass reports whether uid is one of the accepted storage
// SOP classes.
func IsStorageSOPClass(uid string) bool {
	for _, s := range StorageSOPClasses {
		if s == uid {
			return true
		}
	}
	return false
}

// IsSupportedTransferSyntax reports whether uid is a transfer syntax the
// receiver negotiates.
func IsSupportedTransferSyntax(uid string) bool {
	for _, s := range SupportedTransferSyntaxes {
		if s == uid {
			return true
		}
	}
	return false
}

// ValidUID reports whether s is a syntactically valid DICOM UID: dotted
// decimal components, at most 64 characters (PS3.5 section 9). The check is
// also what makes UIDs safe to use as filesystem path components.
func ValidUID(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if part == "" {
			return false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// ValidAETitle reports whether s is usable as an AE title: 1-16 characters,
// no control characters or backslash (PS3.5 default character repertoire).
func ValidAETitle(s string) bool {
	if s == "" || len(s) > 16 {
		return false
	}
	for _, c := range s {
		if c < 0x20 || c > 0x7e || c == '\\' {
			return false
		}
	}
	return strings.TrimSpace(s) != ""
}

// padAE space-pads an AE title to the fixed 16-byte wire field.
func padAE(s string) [16]byte {
	var out [16]byte
	copy(out[:], s)
	for i := len(s); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

// trimAE strips the wire padding from a 16-byte AE title field.
func trimAE(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}
