package gallery

import "time"

// Entry is one stored image as recorded in the gallery index. The index is a
// JSON array of entries ordered newest first.
type Entry struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	Source    string    `json:"source"`
	OriginKey string    `json:"originKey"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// Meta carries the caller-supplied description of an image being saved.
type Meta struct {
	Prompt string
	Model  string
	Source string
}

// Item is the client-facing view of an entry, with an absolute URL resolved
// against the serving origin.
type Item struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	Path      string    `json:"path"`
	Prompt    string    `json:"prompt"`
	Model     string    `json:"model"`
	Source    string    `json:"source"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// ClientItem resolves the entry against origin for list responses.
func (e Entry) ClientItem(origin string) Item {
	return Item{
		ID:        e.ID,
		Filename:  e.Filename,
		URL:       origin + e.Path,
		Path:      e.Path,
		Prompt:    e.Prompt,
		Model:     e.Model,
		Source:    e.Source,
		Size:      e.Size,
		CreatedAt: e.CreatedAt,
	}
}
