package catalog

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/florasync/florasync/internal/core"
)

// Cursor formats a page number as an opaque cursor.
func Cursor(page int) string {
	if page <= 1 {
		return ""
	}
	return strconv.Itoa(page)
}

// PageFromCursor parses a cursor produced by Cursor. Empty or malformed
// cursors start at page 1.
func PageFromCursor(cursor string) int {
	page, err := strconv.Atoi(strings.TrimSpace(cursor))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

type listResponse struct {
	Data        []speciesDTO `json:"data"`
	PerPage     int          `json:"per_page"`
	CurrentPage int          `json:"current_page"`
	LastPage    int          `json:"last_page"`
	Total       int          `json:"total"`
}

type speciesDTO struct {
	ID             flexString  `json:"id"`
	CommonName     string      `json:"common_name"`
	ScientificName flexStrings `json:"scientific_name"`
	OtherName      flexStrings `json:"other_name"`
	Family         *string     `json:"family"`
	Genus          *string     `json:"genus"`
	Cycle          string      `json:"cycle"`
	Watering       string      `json:"watering"`
	Sunlight       flexStrings `json:"sunlight"`
	Description    string      `json:"description"`
	DefaultImage   *struct {
		OriginalURL string `json:"original_url"`
		RegularURL  string `json:"regular_url"`
	} `json:"default_image"`
}

func (d speciesDTO) item() core.CatalogItem {
	item := core.CatalogItem{
		ID:          string(d.ID),
		CommonName:  strings.TrimSpace(d.CommonName),
		OtherNames:  d.OtherName,
		Cycle:       d.Cycle,
		Watering:    d.Watering,
		Sunlight:    d.Sunlight,
		Description: d.Description,
	}
	if len(d.ScientificName) > 0 {
		item.ScientificName = strings.TrimSpace(d.ScientificName[0])
	}
	if d.Family != nil {
		item.Family = *d.Family
	}
	if d.Genus != nil {
		item.Genus = *d.Genus
	}
	if d.DefaultImage != nil {
		item.ImageURL = d.DefaultImage.RegularURL
		if item.ImageURL == "" {
			item.ImageURL = d.DefaultImage.OriginalURL
		}
	}
	return item
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
	*f = flexString(data)
	return nil
}

// flexStrings accepts a JSON string, an array of strings, or null.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*f = nil
		return nil
	case len(data) > 0 && data[0] == '[':
		var values []string
		if err := json.Unmarshal(data, &values); err != nil {
			return err
		}
		*f = values
		return nil
	default:
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		if value == "" {
			*f = nil
			return nil
		}
		*f = flexStrings{value}
		return nil
	}
}
