package scanner

import (
	"bytes"
	"path"
	"strings"

	"github.com/h2non/filetype"

	"github.com/piwi3910/podshield/internal/patterns"
)

var (
	executableExtensions = map[string]bool{
		".exe": true, ".dll": true, ".msi": true, ".com": true, ".scr": true,
		".elf": true, ".so": true, ".bin": true, ".dylib": true, ".app": true,
	}
	scriptExtensions = map[string]bool{
		".sh": true, ".bash": true, ".ps1": true, ".bat": true, ".cmd": true,
		".vbs": true, ".js": true, ".py": true, ".pl": true, ".rb": true,
	}
	activeContentExtensions = map[string]bool{
		".zip": true, ".7z": true, ".rar": true, ".jar": true, ".iso": true,
		".docm": true, ".xlsm": true, ".pptm": true, ".hta": true, ".lnk": true,
	}
	documentExtensions = map[string]bool{
		".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
		".ppt": true, ".pptx": true, ".rtf": true, ".odt": true,
	}
	executableMIMETypes = map[string]bool{
		"application/x-msdownload":                      true,
		"application/vnd.microsoft.portable-executable": true,
		"application/x-executable":                      true,
		"application/x-elf":                             true,
		"application/x-mach-binary":                     true,
		"application/x-sharedlib":                       true,
	}
)

// Mach-O magics (32/64 bit, both byte orders).
var machOMagics = [][]byte{
	{0xFE, 0xED, 0xFA, 0xCE}, {0xFE, 0xED, 0xFA, 0xCF},
	{0xCE, 0xFA, 0xED, 0xFE}, {0xCF, 0xFA, 0xED, 0xFE},
}

// sniffExecutable identifies native executable formats from the header.
func sniffExecutable(content []byte) (string, bool) {
	if kind, err := filetype.Match(content); err == nil && kind != filetype.Unknown {
		switch kind.Extension {
		case "exe":
			return "PE", true
		case "elf":
			return "ELF", true
		}
	}

	for _, magic := range machOMagics {
		if bytes.HasPrefix(content, magic) {
			return "MachO", true
		}
	}

	return "", false
}

func declaredExecutable(fileName, mimeType string) bool {
	ext := extension(fileName)

	return executableExtensions[ext] || executableMIMETypes[strings.ToLower(mimeType)]
}

func extension(fileName string) string {
	return strings.ToLower(path.Ext(strings.ReplaceAll(fileName, "\\", "/")))
}

// FileRisk rates how dangerous a file is likely to be from its declared
// type alone. The transfer evaluator uses it to decide whether a malware
// scan timeout may fail open.
func FileRisk(fileName, mimeType string) patterns.Severity {
	ext := extension(fileName)

	switch {
	case declaredExecutable(fileName, mimeType):
		return patterns.SeverityCritical
	case scriptExtensions[ext], activeContentExtensions[ext]:
		return patterns.SeverityHigh
	case documentExtensions[ext]:
		return patterns.SeverityMedium
	default:
		return patterns.SeverityLow
	}
}
