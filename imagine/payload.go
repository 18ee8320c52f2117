package imagine

import (
	"encoding/json"

	"github.com/Daviszhou212/LocalLLMGallery/imageref"
)

type payloadKind int

const (
	payloadUnknown payloadKind = iota
	payloadError
	payloadStatus
	payloadImages
)

func (k payloadKind) label() string {
	switch k {
	case payloadError:
		return "error"
	case payloadStatus:
		return "status"
	case payloadImages:
		return "images"
	default:
		return "unknown"
	}
}

type payload struct {
	kind    payloadKind
	message string
	refs    []imageref.Ref
}

// classifyPayload turns one decoded stream frame into a tagged variant.
// Frames with type "error" or "status" carry text; anything else is probed
// for image references, and frames yielding none are unknown and dropped.
func classifyPayload(raw []byte, baseURL string) payload {
	var probe struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Error   string `json:"error"`
		Status  string `json:"status"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return payload{kind: payloadUnknown}
	}

	switch probe.Type {
	case "error":
		msg := firstNonEmpty(probe.Message, probe.Error, "stream error")
		return payload{kind: payloadError, message: msg}
	case "status":
		msg := firstNonEmpty(probe.Status, probe.Message, probe.Text)
		return payload{kind: payloadStatus, message: msg}
	}

	refs := imageref.FromStreamPayload(raw, baseURL)
	if len(refs) == 0 {
		return payload{kind: payloadUnknown}
	}
	return payload{kind: payloadImages, refs: refs}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
