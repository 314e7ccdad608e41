package search

import "context"

// Result is a single layer hit returned to the caller.
type Result struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LayerType    string `json:"layerType"`
	GeometryType string `json:"geometryType,omitempty"`
	Snippet      string `json:"snippet,omitempty"`
}

// Query describes a layer search request.
type Query struct {
	Text       string
	FilterType string // layer type, empty = all
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over the layer catalog.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// LayerRecord is the data we index for a layer.
type LayerRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	LayerType    string `json:"layerType"`
	GeometryType string `json:"geometryType"`
}
