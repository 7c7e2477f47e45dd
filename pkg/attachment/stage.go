// Package attachment validates, resizes, uploads and inlines image
// attachments of a turn.
package attachment

import (
	"mime"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/AllThePasswords/conversationfirst-sub000/pkg/domain"
)

const (
	MaxFileBytes    = 10 << 20
	MaxFilesPerTurn = 5
)

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// File is an image as received from the client.
type File struct {
	Name      string
	MediaType string
	Data      []byte
}

// Staged is a validated file waiting for upload.
type Staged struct {
	domain.AttachmentReference
	Name string
	Data []byte
}

// Allowed reports whether mediaType is one of the accepted image types.
func Allowed(mediaType string) bool {
	_, ok := allowedTypes[normalizeType(mediaType)]
	return ok
}

// Stage filters files down to the ones that may be sent. Invalid members
// are dropped silently; at most MaxFilesPerTurn are kept, in input order.
func Stage(files []File) []Staged {
	out := make([]Staged, 0, min(len(files), MaxFilesPerTurn))
	for _, f := range files {
		if len(out) == MaxFilesPerTurn {
			break
		}
		size := len(f.Data)
		if size == 0 || size > MaxFileBytes {
			continue
		}
		mediaType := normalizeType(f.MediaType)
		if mediaType == "" || mediaType == "application/octet-stream" {
			mediaType = normalizeType(http.DetectContentType(f.Data))
		}
		if !Allowed(mediaType) {
			continue
		}
		out = append(out, Staged{
			AttachmentReference: domain.AttachmentReference{
				MediaType:     mediaType,
				PreviewHandle: uuid.NewString(),
				Size:          int64(size),
			},
			Name: f.Name,
			Data: f.Data,
		})
	}
	return out
}

func normalizeType(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	if mediaType == "image/jpg" {
		return "image/jpeg"
	}
	return mediaType
}
