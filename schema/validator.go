// Package payloadschema validates external JSON payloads (Tapas landing
// pages and seed catalog entries) against embedded JSON schemas.
package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed seed_series.schema.json
var seedSeriesSchemaJSON string

//go:embed tapas_page.schema.json
var tapasPageSchemaJSON string

const (
	seedSeriesSchemaName = "seed_series.schema.json"
	tapasPageSchemaName  = "tapas_page.schema.json"
)

// SeedSeries is one entry of the bulk seed catalog. Identifiers arrive as
// strings or numbers and are kept as strings.
type SeedSeries struct {
	EnPrimaryTitle string
	AllTitles      []string
	RomajiTitles   []string
	Synonyms       []string
	MangaDexID     string
	AniListID      string
	MyAnimeListID  string
	KitsuID        string
	MangaUpdatesID string
}

// CanonicalTitle is en_primary_title, else the first of all_titles.
func (s *SeedSeries) CanonicalTitle() string {
	if s == nil {
		return ""
	}
	if t := strings.TrimSpace(s.EnPrimaryTitle); t != "" {
		return s.EnPrimaryTitle
	}
	for _, t := range s.AllTitles {
		if strings.TrimSpace(t) != "" {
			return t
		}
	}
	return ""
}

type compiledSchema struct {
	once   sync.Once
	source string
	schema *jsonschema.Schema
	err    error
}

var schemas = map[string]*compiledSchema{
	seedSeriesSchemaName: {source: seedSeriesSchemaJSON},
	tapasPageSchemaName:  {source: tapasPageSchemaJSON},
}

// ValidateSeedSeries decodes and validates one seed catalog entry.
func ValidateSeedSeries(payload json.RawMessage) (*SeedSeries, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}
	if err := validateValue(seedSeriesSchemaName, value); err != nil {
		return nil, err
	}

	object, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("seed entry must be an object")
	}

	series := &SeedSeries{
		EnPrimaryTitle: scalarString(object["en_primary_title"]),
		AllTitles:      stringList(object["all_titles"]),
		RomajiTitles:   stringList(object["romaji_titles"]),
		Synonyms:       stringList(object["synonyms"]),
		MangaDexID:     scalarString(object["mangadex_id"]),
		AniListID:      scalarString(object["anilist_id"]),
		MyAnimeListID:  scalarString(object["my_anime_list_id"]),
		KitsuID:        scalarString(object["kitsu_id"]),
		MangaUpdatesID: scalarString(object["manga_updates_id"]),
	}
	if strings.TrimSpace(series.CanonicalTitle()) == "" {
		return nil, fmt.Errorf("entry has neither en_primary_title nor all_titles")
	}
	return series, nil
}

// ValidateTapasPage checks the envelope of a Tapas landing page response.
func ValidateTapasPage(payload []byte) error {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return fmt.Errorf("decode payload JSON: %w", err)
	}
	return validateValue(tapasPageSchemaName, value)
}

func validateValue(name string, value any) error {
	schema, err := loadSchema(name)
	if err != nil {
		return fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func loadSchema(name string) (*jsonschema.Schema, error) {
	entry, ok := schemas[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %s", name)
	}

	entry.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource(name, strings.NewReader(entry.source)); err != nil {
			entry.err = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile(name)
		if err != nil {
			entry.err = fmt.Errorf("compile schema: %w", err)
			return
		}
		entry.schema = schema
	})

	if entry.err != nil {
		return nil, entry.err
	}
	if entry.schema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return entry.schema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func scalarString(v any) string {
	switch typed := v.(type) {
	case string:
		return strings.TrimSpace(typed)
	case json.Number:
		return typed.String()
	default:
		return ""
	}
}

func stringList(v any) []string {
	switch typed := v.(type) {
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s := scalarString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string, json.Number:
		if s := scalarString(typed); s != "" {
			return []string{s}
		}
	}
	return nil
}
