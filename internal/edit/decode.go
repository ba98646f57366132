package edit

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Decode converts an embedded image payload into raw bytes. A payload of the
// form "<declaration>,<content>" (such as a data URL) is reduced to the part
// after the first comma before base64 decoding. The bytes are not checked to
// be a valid image.
func Decode(payload string) ([]byte, error) {
	if _, content, found := strings.Cut(payload, ","); found {
		payload = content
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image payload: %w", err)
	}
	return data, nil
}

// isRemotePayload reports whether a Ready payload points at a downloadable
// result rather than embedding it.
func isRemotePayload(payload string) bool {
	return strings.HasPrefix(payload, "https://") || strings.HasPrefix(payload, "http://")
}
