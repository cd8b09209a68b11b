package dimse

// DIMSE status codes (PS3.7 annex C) the gateway emits or interprets.
const (
	StatusSuccess             uint16 = 0x0000
	StatusCancel              uint16 = 0xFE00
	StatusPending             uint16 = 0xFF00
	StatusPendingWarning      uint16 = 0xFF01
	StatusOutOfResources      uint16 = 0xA700
	StatusSOPClassNotSupported uint16 = 0x0122
	StatusProcessingFailure   uint16 = 0x0110
	StatusCannotUnderstand    uint16 = 0xC000
)

// StatusClass is the coarse interpretation of a DIMSE status value.
type StatusClass int

const (
	StatusClassSuccess StatusClass = iota
	StatusClassWarning
	StatusClassFailure
	StatusClassCancelled
	StatusClassPendingOp
)

func (c StatusClass) String() string {
	switch c {
	case StatusClassSuccess:
		return "success"
	case StatusClassWarning:
		return "warning"
	case StatusClassFailure:
		return "failure"
	case StatusClassCancelled:
		return "cancelled"
	case StatusClassPendingOp:
		return "pending"
	default:
		return "unknown"
	}
}

// ClassifyStatus maps a status value to its class per PS3.7 annex C.
func ClassifyStatus(s uint16) StatusClass {
	switch {
	case s == StatusSuccess:
		return StatusClassSuccess
	case s == StatusCancel:
		return StatusClassCancelled
	case s == StatusPending || s == StatusPendingWarning:
		return StatusClassPendingOp
	case s == 0x0001 || s == 0x0107 || s == 0x0116 || s&0xF000 == 0xB000:
		return StatusClassWarning
	default:
		return StatusClassFailure
	}
}

// RetryableStatus reports whether a failure status signals a condition worth
// retrying later. Out-of-resources failures (0xA7xx) are transient by
// definition; everything else in the failure class is treated as permanent.
func RetryableStatus(s uint16) bool {
	return s >= 0xA700 && s <= 0xA7FF
}
