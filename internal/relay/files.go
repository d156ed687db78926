package relay

import (
	"fmt"
	"mime"
	"strings"

	"github.com/ashureev/gigachat-relay/internal/shared"
)

// FileClass groups accepted content types. Each class has its own size
// ceiling and analysis prompt.
type FileClass int

// File classes.
const (
	ClassUnsupported FileClass = iota
	ClassImage
	ClassDocument
)

func (c FileClass) String() string {
	switch c {
	case ClassImage:
		return "image"
	case ClassDocument:
		return "document"
	default:
		return "unsupported"
	}
}

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/tiff": true,
	"image/bmp":  true,
}

var documentTypes = map[string]bool{
	"text/plain":         true,
	"text/csv":           true,
	"text/markdown":      true,
	"application/pdf":    true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
}

// Analysis prompts per class.
const (
	imagePrompt    = "Опиши подробно, что изображено на этой фотографии?"
	documentPrompt = "Проанализируй содержимое документа и предоставь краткую сводку основных моментов."
)

// ClassifyMIME maps a declared content type to a file class. Parameters
// such as charset are ignored.
func ClassifyMIME(mimeType string) FileClass {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch {
	case imageTypes[mediaType]:
		return ClassImage
	case documentTypes[mediaType]:
		return ClassDocument
	default:
		return ClassUnsupported
	}
}

// SizeLimitError reports a file larger than its class ceiling.
type SizeLimitError struct {
	Class FileClass
	Size  int64
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("%s of %d bytes exceeds the %d byte limit", e.Class, e.Size, e.Limit)
}

// Limit returns the size ceiling for a class.
func (d *Dispatcher) Limit(class FileClass) int64 {
	if class == ClassImage {
		return d.cfg.MaxImageBytes
	}
	return d.cfg.MaxDocumentBytes
}

// CheckFile validates a declared content type and size without any network
// activity. Callers use it before downloading a file from the messenger.
func (d *Dispatcher) CheckFile(mimeType string, size int64) (FileClass, error) {
	const op = "check file"

	class := ClassifyMIME(mimeType)
	if class == ClassUnsupported {
		return class, shared.Errorf(shared.KindUnsupportedFormat, op, "content type %q", mimeType)
	}
	if limit := d.Limit(class); size > limit {
		return class, shared.E(shared.KindSizeLimit, op, &SizeLimitError{Class: class, Size: size, Limit: limit})
	}
	return class, nil
}
