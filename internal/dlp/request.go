// Package dlp implements the transfer evaluator: the data-loss-prevention
// decision for every clipboard, file, print and USB action a session client
// reports.
//
// Evaluation order is fixed. A session without a usable policy is blocked
// outright. Otherwise the policy gate for the channel runs first, then shape
// constraints (extension, size, MIME type), then content inspection. The
// first check that denies the request decides it. Every evaluation is
// recorded, and denials raise a security alert on the bus.
package dlp

import (
	"strings"

	"github.com/piwi3910/podshield/internal/audit"
	"github.com/piwi3910/podshield/pkg/apierrors"
)

// Action is a client-reported transfer action.
type Action string

const (
	ActionClipboardCopy  Action = "clipboard_copy"
	ActionClipboardPaste Action = "clipboard_paste"
	ActionFileDownload   Action = "file_download"
	ActionFileUpload     Action = "file_upload"
	ActionPrint          Action = "print"
	ActionUSBAccess      Action = "usb_access"
)

// Actions lists every supported action.
var Actions = []Action{
	ActionClipboardCopy, ActionClipboardPaste, ActionFileDownload,
	ActionFileUpload, ActionPrint, ActionUSBAccess,
}

// ParseAction validates a wire action name.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Actions {
		if a == known {
			return a, nil
		}
	}

	return "", apierrors.UnsupportedAction(s)
}

// TransferType returns the audited channel of the action.
func (a Action) TransferType() audit.TransferType {
	switch a {
	case ActionClipboardCopy, ActionClipboardPaste:
		return audit.TransferClipboard
	case ActionFileDownload:
		return audit.TransferFileDownload
	case ActionFileUpload:
		return audit.TransferFileUpload
	case ActionPrint:
		return audit.TransferPrint
	default:
		return audit.TransferUSB
	}
}

// Direction reports whether the action moves data out of or into the
// session. USB access is treated as outbound since a device can carry data
// away.
func (a Action) Direction() audit.Direction {
	switch a {
	case ActionClipboardPaste, ActionFileUpload:
		return audit.DirectionInbound
	default:
		return audit.DirectionOutbound
	}
}

// PrintDestination is where a print job goes.
type PrintDestination string

const (
	PrintLocal   PrintDestination = "LOCAL"
	PrintNetwork PrintDestination = "NETWORK"
	PrintPDF     PrintDestination = "PDF"
)

// PrintDetails describes a print job.
type PrintDetails struct {
	Destination PrintDestination `json:"destination"`
	Printer     string           `json:"printer,omitempty"`
}

// USBDevice identifies the device a session tries to use.
type USBDevice struct {
	Class     string `json:"class"`
	VendorID  string `json:"vendorId"`
	ProductID string `json:"productId"`
}

// Storage reports whether the device is a mass-storage device. Class may be
// the USB class code ("08") or a name.
func (d *USBDevice) Storage() bool {
	c := strings.ToLower(strings.TrimSpace(d.Class))

	return c == "08" || c == "0x08" || strings.Contains(c, "storage")
}

// Metadata is the channel-specific detail carried by a policy_check message.
type Metadata struct {
	Destination string `json:"destination,omitempty"`
	Printer     string `json:"printer,omitempty"`
	DeviceClass string `json:"deviceClass,omitempty"`
	VendorID    string `json:"vendorId,omitempty"`
	ProductID   string `json:"productId,omitempty"`
}

// TransferRequest is one action to evaluate. Content is optional; when it is
// present FileSize defaults to its length.
type TransferRequest struct {
	Print     *PrintDetails `json:"print,omitempty"`
	USB       *USBDevice    `json:"usb,omitempty"`
	SessionID string        `json:"sessionId"`
	RequestID string        `json:"requestId,omitempty"`
	Action    Action        `json:"action"`
	FileName  string        `json:"fileName,omitempty"`
	MimeType  string        `json:"mimeType,omitempty"`
	Content   []byte        `json:"content,omitempty"`
	FileSize  int64         `json:"fileSize,omitempty"`
}

// ApplyMetadata fills the print or USB details from channel metadata.
func (r *TransferRequest) ApplyMetadata(md *Metadata) {
	if md == nil {
		return
	}

	switch r.Action {
	case ActionPrint:
		if md.Destination != "" || md.Printer != "" {
			r.Print = &PrintDetails{
				Destination: PrintDestination(strings.ToUpper(md.Destination)),
				Printer:     md.Printer,
			}
		}
	case ActionUSBAccess:
		if md.DeviceClass != "" || md.VendorID != "" || md.ProductID != "" {
			r.USB = &USBDevice{Class: md.DeviceClass, VendorID: md.VendorID, ProductID: md.ProductID}
		}
	}
}

// Size returns the declared or actual payload size.
func (r *TransferRequest) Size() int64 {
	if r.FileSize > 0 {
		return r.FileSize
	}

	return int64(len(r.Content))
}

// Validate checks the request before evaluation.
func (r *TransferRequest) Validate() error {
	if r.SessionID == "" {
		return apierrors.Validation("sessionId is required")
	}

	if _, err := ParseAction(string(r.Action)); err != nil {
		return err
	}

	if r.FileSize < 0 {
		return apierrors.Validation("fileSize must not be negative")
	}

	if r.FileSize > 0 && len(r.Content) > 0 && int64(len(r.Content)) > r.FileSize {
		return apierrors.Validation("content is larger than the declared fileSize")
	}

	return nil
}
