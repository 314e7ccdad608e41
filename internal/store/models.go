package store

import (
	"encoding/json"
	"time"
)

type Project struct {
	ID             string
	OwnerID        string
	LinkAccessible bool
	SoftDeletedAt  *time.Time
	CreatedOn      time.Time
}

// ForkReason records what kind of edit produced a version node.
const (
	ForkReasonRoot     = "root"
	ForkReasonUserEdit = "user_edit"
	ForkReasonAIEdit   = "ai_edit"
)

// VersionNode is one immutable snapshot of a map's layer/style composition.
// Structural fields never change after creation; only Title and Description
// are display metadata and may be updated.
type VersionNode struct {
	ID          string
	ProjectID   string
	ParentID    *string
	ForkReason  string
	Title       string
	Description string
	CreatedOn   time.Time
}

// IsRoot reports whether the node is its project's root.
func (n VersionNode) IsRoot() bool { return n.ParentID == nil }

// Layer types.
const (
	LayerTypeVector       = "vector"
	LayerTypeRaster       = "raster"
	LayerTypePointCloud   = "point_cloud"
	LayerTypePostGISQuery = "postgis_query"
)

// Layer is an immutable reference to one geospatial dataset. The referenced
// source bytes live in object storage (or an external database for
// postgis_query layers) and are never rewritten; a corrected ingestion
// registers a new layer.
type Layer struct {
	ID           string
	Name         string
	Type         string
	SourceRef    string
	GeometryType string
	Bounds       []float64 // west, south, east, north; nil when unknown
	FeatureCount int64
	CreatedOn    time.Time
}

// Style is an immutable MapLibre style document owned by exactly one layer.
type Style struct {
	ID        string
	LayerID   string
	StyleJSON json.RawMessage
	CreatedOn time.Time
}

// Binding states that a layer, with a style, belongs to a version node. The
// full binding set of a node is fixed at creation.
type Binding struct {
	LayerID string
	StyleID string
}

type Conversation struct {
	ID        string
	ProjectID string
	Title     string
	CreatedOn time.Time
}

// Message is a chat turn pinned to the map version that was current when it
// was sent. Content is owned by the conversation collaborator; this store
// keeps only what the tree assembler needs.
type Message struct {
	ID             string
	ConversationID string
	MapVersionID   string
	Sender         string
	Content        string
	CreatedOn      time.Time
}
