package core

// CatalogItem is one species as the provider describes it.
type CatalogItem struct {
	ID             string   `json:"id"`
	ScientificName string   `json:"scientific_name"`
	CommonName     string   `json:"common_name,omitempty"`
	OtherNames     []string `json:"other_names,omitempty"`
	Family         string   `json:"family,omitempty"`
	Genus          string   `json:"genus,omitempty"`
	Cycle          string   `json:"cycle,omitempty"`
	Watering       string   `json:"watering,omitempty"`
	Sunlight       []string `json:"sunlight,omitempty"`
	ImageURL       string   `json:"image_url,omitempty"`
	Description    string   `json:"description,omitempty"`
}

// Enrichment returns the provider-owned fields written onto local records.
func (i CatalogItem) Enrichment() map[string]any {
	out := map[string]any{
		"scientific_name": i.ScientificName,
		"source_id":       i.ID,
	}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("common_name", i.CommonName)
	set("family", i.Family)
	set("genus", i.Genus)
	set("cycle", i.Cycle)
	set("watering", i.Watering)
	set("image_url", i.ImageURL)
	set("description", i.Description)
	if len(i.OtherNames) > 0 {
		out["other_names"] = append([]string(nil), i.OtherNames...)
	}
	if len(i.Sunlight) > 0 {
		out["sunlight"] = append([]string(nil), i.Sunlight...)
	}
	return out
}

// CatalogPage is one slice of the provider listing.
type CatalogPage struct {
	Items      []CatalogItem
	Number     int
	LastPage   int
	NextCursor string
	HasMore    bool
	Total      int
}
