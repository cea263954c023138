package dlp

import (
	"github.com/piwi3910/podshield/internal/audit"
)

// Reason codes attached to decisions.
const (
	ReasonAllowed                   = "ALLOWED"
	ReasonLoggedOnly                = "LOGGED_ONLY"
	ReasonNoPolicy                  = "NO_POLICY"
	ReasonPolicyUnavailable         = "POLICY_UNAVAILABLE"
	ReasonSessionTerminated         = "SESSION_TERMINATED"
	ReasonApprovalRequired          = "APPROVAL_REQUIRED"
	ReasonClipboardBlocked          = "CLIPBOARD_BLOCKED"
	ReasonClipboardDirectionBlocked = "CLIPBOARD_DIRECTION_BLOCKED"
	ReasonClipboardSizeExceeded     = "CLIPBOARD_SIZE_EXCEEDED"
	ReasonFileDownloadBlocked       = "FILE_DOWNLOAD_BLOCKED"
	ReasonFileUploadBlocked         = "FILE_UPLOAD_BLOCKED"
	ReasonFileTypeBlocked           = "FILE_TYPE_BLOCKED"
	ReasonFileSizeExceeded          = "FILE_SIZE_EXCEEDED"
	ReasonMIMETypeBlocked           = "MIME_TYPE_BLOCKED"
	ReasonPrintBlocked              = "PRINT_BLOCKED"
	ReasonPrintDestinationBlocked   = "PRINT_DESTINATION_BLOCKED"
	ReasonUSBBlocked                = "USB_BLOCKED"
	ReasonUSBStorageBlocked         = "USB_STORAGE_BLOCKED"
	ReasonUSBDeviceNotWhitelisted   = "USB_DEVICE_NOT_WHITELISTED"
	ReasonSensitiveDataBlocked      = "SENSITIVE_DATA_BLOCKED"
	ReasonMalwareDetected           = "MALWARE_DETECTED"
	ReasonScanTimeout               = "SCAN_TIMEOUT"
	ReasonScanFailed                = "SCAN_FAILED"
	ReasonContentNotScanned         = "CONTENT_NOT_SCANNED"
)

var reasonMessages = map[string]string{
	ReasonAllowed:                   "Transfer allowed",
	ReasonLoggedOnly:                "Transfer allowed and logged",
	ReasonNoPolicy:                  "No security policy is attached to this session",
	ReasonPolicyUnavailable:         "Security policy could not be loaded",
	ReasonSessionTerminated:         "Session access has been revoked",
	ReasonApprovalRequired:          "Transfer is held for administrator approval",
	ReasonClipboardBlocked:          "Clipboard is blocked by policy",
	ReasonClipboardDirectionBlocked: "Clipboard is not allowed in this direction",
	ReasonClipboardSizeExceeded:     "Clipboard content exceeds the allowed size",
	ReasonFileDownloadBlocked:       "File downloads are blocked by policy",
	ReasonFileUploadBlocked:         "File uploads are blocked by policy",
	ReasonFileTypeBlocked:           "File type is not allowed",
	ReasonFileSizeExceeded:          "File exceeds the maximum allowed size",
	ReasonMIMETypeBlocked:           "Content type is not allowed",
	ReasonPrintBlocked:              "Printing is blocked by policy",
	ReasonPrintDestinationBlocked:   "Print destination is not allowed",
	ReasonUSBBlocked:                "USB devices are blocked by policy",
	ReasonUSBStorageBlocked:         "USB storage devices are blocked by policy",
	ReasonUSBDeviceNotWhitelisted:   "USB device is not whitelisted",
	ReasonSensitiveDataBlocked:      "Content contains sensitive data",
	ReasonMalwareDetected:           "Malware detected in content",
	ReasonScanTimeout:               "Content scan timed out",
	ReasonScanFailed:                "Content scan failed",
	ReasonContentNotScanned:         "Content is too large to scan",
}

// Message returns the user-facing text for a reason code.
func Message(reason string) string {
	if m, ok := reasonMessages[reason]; ok {
		return m
	}

	return reason
}

// Decision is the result of evaluating a transfer.
type Decision struct {
	Action             audit.Decision     `json:"action"`
	Reason             string             `json:"reason"`
	Message            string             `json:"message"`
	ContentHash        string             `json:"contentHash,omitempty"`
	AttemptID          string             `json:"attemptId,omitempty"`
	ThreatName         string             `json:"threatName,omitempty"`
	TransferType       audit.TransferType `json:"transferType"`
	Direction          audit.Direction    `json:"direction"`
	SensitiveDataTypes []string           `json:"sensitiveDataTypes,omitempty"`
	Allowed            bool               `json:"allowed"`
	RequiresApproval   bool               `json:"requiresApproval,omitempty"`
	ScanSkipped        bool               `json:"scanSkipped,omitempty"`
}

// SensitiveDataDetected reports whether any sensitive data was found.
func (d *Decision) SensitiveDataDetected() bool {
	return len(d.SensitiveDataTypes) > 0
}

func deny(reason string) *Decision {
	return &Decision{Action: audit.DecisionBlocked, Reason: reason, Message: Message(reason)}
}

func quarantine() *Decision {
	return &Decision{
		Action:           audit.DecisionQuarantined,
		Reason:           ReasonApprovalRequired,
		Message:          Message(ReasonApprovalRequired),
		RequiresApproval: true,
	}
}
