package scanner

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/text/encoding/unicode"
)

var (
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
	pdfMagic   = []byte("%PDF-")
)

// ExtractText returns the scannable text of content. PDFs are reduced to
// the plain text of their first pageLimit pages and UTF-16 payloads (by
// byte-order mark or declared charset) are transcoded to UTF-8. Anything else is scanned as-is.
func ExtractText(ctx context.Context, content []byte, mimeType string, pageLimit int) (string, error) {
	switch {
	case isPDF(content):
		text, err := extractPDF(ctx, content, pageLimit)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}

			// Unparseable PDFs are still scanned as raw bytes; the text
			// streams of simple documents are often uncompressed.
			return string(content), nil
		}

		return text, nil
	case isUTF16(content, mimeType):
		decoded, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder().Bytes(content)
		if err != nil {
			return "", fmt.Errorf("failed to decode UTF-16 content: %w", err)
		}

		return string(decoded), nil
	default:
		return string(content), nil
	}
}

func isPDF(content []byte) bool {
	return bytes.HasPrefix(content, pdfMagic)
}

func isUTF16(content []byte, mimeType string) bool {
	return bytes.HasPrefix(content, bomUTF16LE) || bytes.HasPrefix(content, bomUTF16BE) ||
		strings.Contains(strings.ToLower(mimeType), "utf-16")
}

func extractPDF(ctx context.Context, content []byte, pageLimit int) (text string, err error) {
	// The PDF parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	pages := min(reader.NumPage(), pageLimit)

	var sb strings.Builder

	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}

		sb.WriteString(pageText)
		sb.WriteByte('\n')
	}

	return sb.String(), nil
}
