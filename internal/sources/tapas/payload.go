package tapas

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"horse.fit/toonrank/internal/enrichment"
)

type pageResponse struct {
	Data struct {
		Items []apiItem `json:"items"`
	} `json:"data"`
	Meta struct {
		Pagination struct {
			Last bool `json:"last"`
		} `json:"pagination"`
	} `json:"meta"`
}

type apiItem struct {
	SeriesID        flexString       `json:"seriesId"`
	Title           string           `json:"title"`
	LanguageCode    string           `json:"languageCode"`
	AssetProperty   assetProperty    `json:"assetProperty"`
	ServiceProperty *serviceProperty `json:"serviceProperty"`
	MainGenre       *valueNode       `json:"mainGenre"`
	GenreList       []valueNode      `json:"genreList"`
	TagList         json.RawMessage  `json:"tagList"`
	Tags            json.RawMessage  `json:"tags"`
	HashTagList     json.RawMessage  `json:"hashTagList"`
	HashtagList     json.RawMessage  `json:"hashtagList"`
	HashTags        json.RawMessage  `json:"hashTags"`
}

type assetProperty struct {
	EmailImage     *imageNode `json:"emailImage"`
	BookCoverImage *imageNode `json:"bookCoverImage"`
	ThumbnailImage *imageNode `json:"thumbnailImage"`
}

type imageNode struct {
	Path string `json:"path"`
}

func (a assetProperty) cover() string {
	for _, img := range []*imageNode{a.EmailImage, a.BookCoverImage, a.ThumbnailImage} {
		if img != nil && strings.TrimSpace(img.Path) != "" {
			return strings.TrimSpace(img.Path)
		}
	}
	return ""
}

type serviceProperty struct {
	ViewCount       *int64 `json:"viewCount"`
	SubscriberCount *int64 `json:"subscriberCount"`
	LikeCount       *int64 `json:"likeCount"`
}

type valueNode struct {
	Value string `json:"value"`
	Name  string `json:"name"`
	Title string `json:"title"`
	Label string `json:"label"`
}

func (v valueNode) first() string {
	for _, s := range []string{v.Value, v.Name, v.Title, v.Label} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// genres merges the main genre, the genre list and every tag field.
func (it apiItem) genres() string {
	var tags tagSet
	if it.MainGenre != nil {
		tags.add(it.MainGenre.Value)
	}
	for _, g := range it.GenreList {
		tags.add(g.Value)
	}
	for _, raw := range []json.RawMessage{it.TagList, it.Tags, it.HashTagList, it.HashtagList, it.HashTags} {
		tags.addRaw(raw)
	}
	return tags.csv()
}

var tagSplitter = regexp.MustCompile(`[,|]`)

// tagSet collects tag values in first-seen order.
type tagSet struct {
	values []string
}

func (t *tagSet) add(raw string) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimSpace(strings.TrimPrefix(cleaned, "#"))
	if cleaned == "" {
		return
	}
	t.values = append(t.values, cleaned)
}

// addRaw accepts an array of strings or objects, or a string separated by
// commas or pipes.
func (t *tagSet) addRaw(raw json.RawMessage) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return
	}
	switch raw[0] {
	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return
		}
		for _, entry := range entries {
			entry = bytes.TrimSpace(entry)
			if len(entry) == 0 {
				continue
			}
			switch entry[0] {
			case '"':
				var s string
				if json.Unmarshal(entry, &s) == nil {
					t.add(s)
				}
			case '{':
				var node valueNode
				if json.Unmarshal(entry, &node) == nil {
					t.add(node.first())
				}
			}
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return
		}
		for _, part := range tagSplitter.Split(s, -1) {
			t.add(part)
		}
	}
}

func (t *tagSet) csv() string {
	return enrichment.MergeGenreCSV("", t.values...)
}
