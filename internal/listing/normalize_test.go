package listing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseRaw(t *testing.T, s string) map[string]any {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &raw))
	return raw
}

func strPtr(s string) *string { return &s }

func TestNormalize_DropsPictureWithoutURLKeepingOrder(t *testing.T) {
	raw := parseRaw(t, `{
		"title": "Bright flat",
		"pictures": [
			{"url": "https://img/1.jpg", "title": "Kitchen"},
			{"title": "No url here"},
			{"src": "https://img/3.jpg", "alt": "Bath"},
			{"imageUrl": "https://img/4.jpg"}
		]
	}`)

	rec := Normalize(raw)
	assert.Equal(t, []Picture{
		{URL: "https://img/1.jpg", Title: strPtr("Kitchen")},
		{URL: "https://img/3.jpg", Title: strPtr("Bath")},
		{URL: "https://img/4.jpg"},
	}, rec.Pictures)
}

func TestNormalize_Defaults(t *testing.T) {
	rec := Normalize(map[string]any{})
	assert.Equal(t, DefaultTitle, rec.Title)
	assert.Nil(t, rec.Address)
	assert.Empty(t, rec.Pictures)
	assert.NotNil(t, rec.Pictures, "pictures serialize as an empty list")

	assert.Equal(t, DefaultTitle, Normalize(nil).Title)

	out, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"Untitled Property","address":null,"pictures":[]}`, string(out))
}

func TestNormalize_Title(t *testing.T) {
	assert.Equal(t, "A", Normalize(map[string]any{"title": "A", "name": "B"}).Title)
	assert.Equal(t, "B", Normalize(map[string]any{"title": "", "name": "B"}).Title)
	assert.Equal(t, "B", Normalize(map[string]any{"title": 12, "name": "B"}).Title)
}

func TestNormalize_Address(t *testing.T) {
	cases := []struct {
		raw  string
		want *string
	}{
		{`{"address": {"formattedAddress": "Hauptstr. 1, Berlin", "description": "Berlin"}}`, strPtr("Hauptstr. 1, Berlin")},
		{`{"address": {"description": "Berlin Mitte"}, "location": "Berlin"}`, strPtr("Berlin Mitte")},
		{`{"address": "Flat string address"}`, strPtr("Flat string address")},
		{`{"fullAddress": "Full address"}`, strPtr("Full address")},
		{`{"address": {}, "location": "Munich"}`, strPtr("Munich")},
		{`{"address": {"formattedAddress": "  "}}`, nil},
		{`{"location": {"lat": 1}}`, nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(parseRaw(t, tc.raw)).Address, tc.raw)
	}
}

func TestNormalize_MediaPicturesOnly(t *testing.T) {
	raw := parseRaw(t, `{
		"media": [
			{"type": "PICTURE", "url": "https://img/1.jpg", "title": "Living"},
			{"type": "VIDEO", "url": "https://vid/1.mp4"},
			{"@type": "PICTURE", "uri": "https://img/2.jpg"},
			"not-an-object"
		],
		"pictures": [{"url": "https://ignored.jpg"}]
	}`)

	rec := Normalize(raw)
	assert.Equal(t, []Picture{
		{URL: "https://img/1.jpg", Title: strPtr("Living")},
		{URL: "https://img/2.jpg"},
	}, rec.Pictures)
}

func TestNormalize_EmptyMediaWinsOverPictures(t *testing.T) {
	rec := Normalize(parseRaw(t, `{"media": [], "pictures": [{"url": "https://img/1.jpg"}]}`))
	assert.Empty(t, rec.Pictures)
}

func TestNormalize_FallsBackToImages(t *testing.T) {
	rec := Normalize(parseRaw(t, `{"media": "n/a", "images": ["https://img/1.jpg", "", {"uri": "https://img/2.jpg"}]}`))
	assert.Equal(t, []Picture{
		{URL: "https://img/1.jpg"},
		{URL: "https://img/2.jpg"},
	}, rec.Pictures)
}
