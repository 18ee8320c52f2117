// Package imageref normalizes the heterogeneous payload shapes returned by
// OpenAI-compatible backends into a deduplicated, ordered list of image
// references. Stream frames, one-shot generation responses and chat message
// text all funnel through here.
package imageref

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Source tags describe where a reference was found.
const (
	SourceImages  = "images"
	SourceContent = "content"
	SourceDataURL = "data_url"
	SourceStream  = "stream"
)

// Ref is one normalized image reference.
type Ref struct {
	URL    string `json:"url"`
	Source string `json:"source"`
}

var (
	markdownImagePattern = regexp.MustCompile(`!\[[^\]]*]\(([^)\s]+)\)`)
	dataURLPattern       = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
	plainURLPattern      = regexp.MustCompile(`\bhttps?://[^\s)]+`)
)

// FromStreamPayload extracts references from one decoded stream frame.
// Recognized shapes, all retained: a direct url field, b64_json/base64 fields
// synthesized into data URLs, each entry of a nested data array, and a nested
// single image object.
func FromStreamPayload(payload json.RawMessage, baseURL string) []Ref {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil
	}

	var out []Ref
	collectImageFields(root, &out)

	var data []map[string]json.RawMessage
	if raw, ok := root["data"]; ok && json.Unmarshal(raw, &data) == nil {
		for _, item := range data {
			collectImageFields(item, &out)
		}
	}

	var image map[string]json.RawMessage
	if raw, ok := root["image"]; ok && json.Unmarshal(raw, &image) == nil {
		collectImageFields(image, &out)
	}

	return normalize(dedupe(out), baseURL)
}

// FromGeneration extracts references from an images-generations response body:
// each data[] entry may carry a url and/or a b64_json payload.
func FromGeneration(body json.RawMessage, baseURL string) []Ref {
	var parsed struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}

	var out []Ref
	for _, item := range parsed.Data {
		appendURL(&out, item.URL, SourceImages)
		appendBase64(&out, item.B64JSON)
	}
	return normalize(dedupe(out), baseURL)
}

// FromChat extracts references from a chat-completions response: an images
// array on the message when present, then markdown image links, literal data
// URLs, and bare http(s) tokens from the message text, in that order.
func FromChat(body json.RawMessage, baseURL string) []Ref {
	var parsed struct {
		Choices []struct {
			Message struct {
				Images  []json.RawMessage `json:"images"`
				Content json.RawMessage   `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Choices) == 0 {
		return nil
	}

	message := parsed.Choices[0].Message
	var out []Ref
	for _, entry := range message.Images {
		collectChatImageEntry(entry, &out)
	}
	if text := contentText(message.Content); text != "" {
		out = append(out, FromText(text)...)
	}
	return normalize(dedupe(out), baseURL)
}

// FromText extracts references from free-form message text.
func FromText(text string) []Ref {
	var out []Ref
	for _, m := range markdownImagePattern.FindAllStringSubmatch(text, -1) {
		appendURL(&out, m[1], SourceContent)
	}
	for _, m := range dataURLPattern.FindAllString(text, -1) {
		appendURL(&out, m, SourceDataURL)
	}
	for _, m := range plainURLPattern.FindAllString(text, -1) {
		appendURL(&out, m, SourceContent)
	}
	return dedupe(out)
}

// Dedupe removes duplicate URLs preserving first-arrival order.
func Dedupe(refs []Ref) []Ref {
	return dedupe(refs)
}

// collectImageFields picks the three flat shapes off one JSON object.
func collectImageFields(obj map[string]json.RawMessage, out *[]Ref) {
	appendURL(out, stringField(obj, "url"), SourceStream)
	appendBase64(out, stringField(obj, "b64_json"))
	appendBase64(out, stringField(obj, "base64"))
}

// collectChatImageEntry handles one entry of a chat message images array,
// which may be a bare string or an object with url/image_url/src/b64_json.
func collectChatImageEntry(entry json.RawMessage, out *[]Ref) {
	var s string
	if json.Unmarshal(entry, &s) == nil {
		appendURL(out, s, SourceImages)
		return
	}

	var obj map[string]json.RawMessage
	if json.Unmarshal(entry, &obj) != nil {
		return
	}
	for _, key := range []string{"url", "image_url", "src"} {
		if v := stringField(obj, key); v != "" {
			appendURL(out, v, SourceImages)
			break
		}
	}
	appendBase64(out, stringField(obj, "b64_json"))
}

// contentText flattens a chat content field, which may be a plain string or
// an array of parts carrying text fields.
func contentText(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(content, &s) == nil {
		return s
	}

	var parts []json.RawMessage
	if json.Unmarshal(content, &parts) != nil {
		return ""
	}
	lines := make([]string, 0, len(parts))
	for _, part := range parts {
		var text string
		if json.Unmarshal(part, &text) == nil {
			lines = append(lines, text)
			continue
		}
		var obj struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(part, &obj) == nil && obj.Text != "" {
			lines = append(lines, obj.Text)
		}
	}
	return strings.Join(lines, "\n")
}

func stringField(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func appendURL(out *[]Ref, url, source string) {
	url = strings.TrimSpace(url)
	if url != "" {
		*out = append(*out, Ref{URL: url, Source: source})
	}
}

func appendBase64(out *[]Ref, b64 string) {
	b64 = strings.TrimSpace(b64)
	if b64 != "" {
		*out = append(*out, Ref{URL: "data:image/png;base64," + b64, Source: SourceDataURL})
	}
}

func dedupe(refs []Ref) []Ref {
	seen := make(map[string]struct{}, len(refs))
	out := make([]Ref, 0, len(refs))
	for _, ref := range refs {
		url := strings.TrimSpace(ref.URL)
		if url == "" {
			continue
		}
		if _, dup := seen[url]; dup {
			continue
		}
		seen[url] = struct{}{}
		source := ref.Source
		if source == "" {
			source = SourceContent
		}
		out = append(out, Ref{URL: url, Source: source})
	}
	return out
}

func normalize(refs []Ref, baseURL string) []Ref {
	out := make([]Ref, 0, len(refs))
	for _, ref := range refs {
		url := NormalizeURL(ref.URL, baseURL)
		if url == "" {
			continue
		}
		out = append(out, Ref{URL: url, Source: ref.Source})
	}
	return dedupe(out)
}
