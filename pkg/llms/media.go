package llms

import (
	"net/http"
	"strings"
)

// detectImageMediaType sniffs an image MIME type from leading bytes.
// Used when a content part omits its mimeType.
func detectImageMediaType(data []byte) string {
	if len(data) == 0 {
		return "image/jpeg"
	}

	if detected := http.DetectContentType(data); strings.HasPrefix(detected, "image/") {
		return detected
	}

	if len(data) >= 4 {
		if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
			return "image/png"
		}
		if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
			return "image/jpeg"
		}
		if len(data) >= 6 && data[0] == 0x47 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x38 {
			return "image/gif"
		}
		if len(data) >= 12 && data[0] == 0x52 && data[1] == 0x49 && data[2] == 0x46 && data[3] == 0x46 &&
			data[8] == 0x57 && data[9] == 0x45 && data[10] == 0x42 && data[11] == 0x50 {
			return "image/webp"
		}
	}

	return "image/jpeg"
}
