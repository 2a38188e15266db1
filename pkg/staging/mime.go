package staging

import (
	"path/filepath"
	"strings"

	"github.com/abdhe/llm-media-gateway/pkg/provider"
)

var allowedMIME = map[provider.MediaKind][]string{
	provider.MediaPDF: {"application/pdf"},
	provider.MediaImage: {
		"image/jpeg", "image/png", "image/webp", "image/heic", "image/heif",
	},
	provider.MediaAudio: {
		"audio/wav", "audio/mp3", "audio/mpeg", "audio/aiff", "audio/aac", "audio/ogg", "audio/flac",
	},
	provider.MediaVideo: {
		"video/mp4", "video/mpeg", "video/mov", "video/quicktime", "video/avi", "video/x-flv",
		"video/mpg", "video/webm", "video/wmv", "video/3gpp",
	},
}

var extToMIME = map[string]string{
	".pdf":  "application/pdf",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
	".heif": "image/heif",
	".wav":  "audio/wav",
	".mp3":  "audio/mp3",
	".aiff": "audio/aiff",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".mp4":  "video/mp4",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpg",
	".mov":  "video/mov",
	".avi":  "video/avi",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".wmv":  "video/wmv",
	".3gp":  "video/3gpp",
}

// Allowed reports whether mimeType is accepted for kind.
func Allowed(kind provider.MediaKind, mimeType string) bool {
	for _, m := range allowedMIME[kind] {
		if m == mimeType {
			return true
		}
	}
	return false
}

// ResolveMIME normalizes the declared type; generic or missing types are
// replaced by the extension mapping, then by content sniffing.
func ResolveMIME(declared, filename string, head []byte) string {
	mt := NormalizeMIME(declared)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if byExt, ok := extToMIME[strings.ToLower(filepath.Ext(filename))]; ok {
		return byExt
	}
	if sniffed := sniffMIME(head); sniffed != "" {
		return NormalizeMIME(sniffed)
	}
	return "application/octet-stream"
}

// NormalizeMIME lowercases and strips parameters ("IMAGE/JPEG; q=1" -> "image/jpeg").
func NormalizeMIME(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch mt {
	case "image/jpg":
		return "image/jpeg"
	case "audio/x-wav", "audio/wave":
		return "audio/wav"
	}
	return mt
}

// ExtensionFor returns a file extension for mt, or ".bin".
func ExtensionFor(mt string) string {
	best := ""
	for ext, m := range extToMIME {
		if m == mt && (best == "" || ext < best) {
			best = ext
		}
	}
	if best == "" {
		return ".bin"
	}
	return best
}
