// Package listing turns scraped real-estate listings into a fixed record
// shape.
package listing

import "strings"

// DefaultTitle is used when a listing carries no usable title.
const DefaultTitle = "Untitled Property"

// Picture is one listing image. Title is nil when the source has none.
type Picture struct {
	URL   string  `json:"url"`
	Title *string `json:"title"`
}

// Record is a normalized listing. Address is nil when no candidate field
// is present; no placeholder is substituted.
type Record struct {
	Title    string    `json:"title"`
	Address  *string   `json:"address"`
	Pictures []Picture `json:"pictures"`
}

// stringStrategy extracts one candidate value from a raw record.
type stringStrategy struct {
	name    string
	extract func(raw map[string]any) (string, bool)
}

// listStrategy locates a candidate picture container.
type listStrategy struct {
	name    string
	extract func(raw map[string]any) ([]any, bool)
}

var titleStrategies = []stringStrategy{
	{"title", field("title")},
	{"name", field("name")},
}

var addressStrategies = []stringStrategy{
	{"address.formattedAddress", nestedField("address", "formattedAddress")},
	{"address.description", nestedField("address", "description")},
	{"address", field("address")},
	{"fullAddress", field("fullAddress")},
	{"location", field("location")},
}

var pictureContainerStrategies = []listStrategy{
	{"media", mediaPictures},
	{"pictures", listField("pictures")},
	{"images", listField("images")},
}

var pictureURLStrategies = []stringStrategy{
	{"url", field("url")},
	{"uri", field("uri")},
	{"src", field("src")},
	{"imageUrl", field("imageUrl")},
}

var pictureTitleStrategies = []stringStrategy{
	{"title", field("title")},
	{"alt", field("alt")},
}

// Normalize maps a raw provider record into a Record. It never fails:
// missing fields fall back to defaults and pictures without a URL are
// dropped, keeping the order of the rest.
func Normalize(raw map[string]any) Record {
	rec := Record{Title: DefaultTitle, Pictures: []Picture{}}
	if raw == nil {
		return rec
	}

	if title, ok := firstString(raw, titleStrategies); ok {
		rec.Title = title
	}
	if address, ok := firstString(raw, addressStrategies); ok {
		rec.Address = &address
	}

	for _, s := range pictureContainerStrategies {
		entries, ok := s.extract(raw)
		if !ok {
			continue
		}
		for _, entry := range entries {
			if pic, ok := normalizePicture(entry); ok {
				rec.Pictures = append(rec.Pictures, pic)
			}
		}
		break
	}

	return rec
}

func normalizePicture(entry any) (Picture, bool) {
	switch e := entry.(type) {
	case string:
		if u := strings.TrimSpace(e); u != "" {
			return Picture{URL: u}, true
		}
	case map[string]any:
		u, ok := firstString(e, pictureURLStrategies)
		if !ok {
			return Picture{}, false
		}
		pic := Picture{URL: u}
		if title, ok := firstString(e, pictureTitleStrategies); ok {
			pic.Title = &title
		}
		return pic, true
	}
	return Picture{}, false
}

func firstString(raw map[string]any, strategies []stringStrategy) (string, bool) {
	for _, s := range strategies {
		if v, ok := s.extract(raw); ok {
			return v, true
		}
	}
	return "", false
}

// field reads a non-empty string at key.
func field(key string) func(map[string]any) (string, bool) {
	return func(raw map[string]any) (string, bool) {
		return nonEmptyString(raw[key])
	}
}

// nestedField reads a non-empty string at parent.key.
func nestedField(parent, key string) func(map[string]any) (string, bool) {
	return func(raw map[string]any) (string, bool) {
		obj, ok := raw[parent].(map[string]any)
		if !ok {
			return "", false
		}
		return nonEmptyString(obj[key])
	}
}

func listField(key string) func(map[string]any) ([]any, bool) {
	return func(raw map[string]any) ([]any, bool) {
		list, ok := raw[key].([]any)
		return list, ok
	}
}

// mediaPictures selects picture entries from a typed media list. A media
// array wins even when it holds no pictures.
func mediaPictures(raw map[string]any) ([]any, bool) {
	media, ok := raw["media"].([]any)
	if !ok {
		return nil, false
	}
	pictures := make([]any, 0, len(media))
	for _, m := range media {
		obj, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if obj["type"] == "PICTURE" || obj["@type"] == "PICTURE" {
			pictures = append(pictures, obj)
		}
	}
	return pictures, true
}

func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}
