package mangaupdates

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Series is the subset of a MangaUpdates series record the catalog uses.
type Series struct {
	ID            string
	Title         string
	Description   string
	CoverURL      string
	CoverThumbURL string
	Genres        []string
	Associated    []string
	// HitTitle is the title the search endpoint matched on, when reported.
	HitTitle string
}

// Cover prefers the original image over the thumbnail.
func (s *Series) Cover() string {
	if s == nil {
		return ""
	}
	if strings.TrimSpace(s.CoverURL) != "" {
		return s.CoverURL
	}
	return s.CoverThumbURL
}

// AllTitles returns the primary title followed by associated titles.
func (s *Series) AllTitles() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.Associated)+1)
	if strings.TrimSpace(s.Title) != "" {
		out = append(out, s.Title)
	}
	return append(out, s.Associated...)
}

// scalar decodes a JSON string or number into its text form.
type scalar string

func (v *scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = scalar(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*v = scalar(n.String())
	return nil
}

type seriesRecord struct {
	SeriesID    scalar `json:"series_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       struct {
		URL struct {
			Original string `json:"original"`
			Thumb    string `json:"thumb"`
		} `json:"url"`
	} `json:"image"`
	Genres []struct {
		Genre string `json:"genre"`
	} `json:"genres"`
	Associated []struct {
		Title string `json:"title"`
	} `json:"associated"`
}

type searchResponse struct {
	TotalHits int `json:"total_hits"`
	Results   []struct {
		Record   *seriesRecord `json:"record"`
		HitTitle string        `json:"hit_title"`
	} `json:"results"`
}

func (r *seriesRecord) toSeries() *Series {
	s := &Series{
		ID:            strings.TrimSpace(string(r.SeriesID)),
		Title:         strings.TrimSpace(r.Title),
		Description:   strings.TrimSpace(r.Description),
		CoverURL:      strings.TrimSpace(r.Image.URL.Original),
		CoverThumbURL: strings.TrimSpace(r.Image.URL.Thumb),
	}
	for _, g := range r.Genres {
		if v := strings.TrimSpace(g.Genre); v != "" {
			s.Genres = append(s.Genres, v)
		}
	}
	seen := make(map[string]struct{}, len(r.Associated))
	for _, a := range r.Associated {
		v := strings.TrimSpace(a.Title)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		s.Associated = append(s.Associated, v)
	}
	return s
}

// merge fills missing fields of detailed from hit and unions associated
// titles preserving first appearance.
func merge(detailed, hit *Series) *Series {
	if detailed == nil {
		return hit
	}
	if hit == nil {
		return detailed
	}
	out := *detailed
	if out.ID == "" {
		out.ID = hit.ID
	}
	if out.Title == "" {
		out.Title = hit.Title
	}
	if out.Description == "" {
		out.Description = hit.Description
	}
	if out.CoverURL == "" {
		out.CoverURL = hit.CoverURL
	}
	if out.CoverThumbURL == "" {
		out.CoverThumbURL = hit.CoverThumbURL
	}
	if len(out.Genres) == 0 {
		out.Genres = append([]string(nil), hit.Genres...)
	}
	out.HitTitle = hit.HitTitle

	seen := make(map[string]struct{}, len(detailed.Associated)+len(hit.Associated))
	associated := make([]string, 0, len(detailed.Associated)+len(hit.Associated))
	for _, list := range [][]string{detailed.Associated, hit.Associated} {
		for _, a := range list {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			associated = append(associated, a)
		}
	}
	out.Associated = associated
	return &out
}
