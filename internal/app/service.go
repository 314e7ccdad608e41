package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"atlas/api/internal/diff"
	"atlas/api/internal/search"
	"atlas/api/internal/store"
	"atlas/api/internal/util"
)

type dataStore interface {
	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsByOwner(context.Context, string) ([]store.Project, error)
	SetProjectSoftDeleted(context.Context, string, bool) (bool, error)
	SetProjectLinkAccessible(context.Context, string, bool) (bool, error)
	InsertLayer(context.Context, store.Layer) error
	GetLayer(context.Context, string) (store.Layer, error)
	InsertStyle(context.Context, store.Style) error
	GetStyle(context.Context, string) (store.Style, error)
	CreateVersion(context.Context, store.VersionNode, []store.Binding) error
	GetVersion(context.Context, string) (store.VersionNode, error)
	GetRootVersion(context.Context, string) (store.VersionNode, error)
	GetBindings(context.Context, string) ([]store.Binding, error)
	GetChildren(context.Context, string) ([]store.VersionNode, error)
	ListProjectVersions(context.Context, string) ([]store.VersionNode, error)
	UpdateVersionMetadata(context.Context, string, string, string) (bool, error)
	ListBoundLayers(context.Context, string) ([]store.BoundLayer, error)
	InsertConversation(context.Context, store.Conversation) error
	GetConversation(context.Context, string) (store.Conversation, error)
	InsertMessage(context.Context, store.Message) error
	ListProjectMessages(context.Context, string, string) ([]store.Message, error)
	Ping(ctx context.Context) error
}

// styleCache caches resolved style documents keyed by version id. Versions
// are immutable, so a cached document can never go stale.
type styleCache interface {
	GetStyleDoc(ctx context.Context, versionID string) ([]byte, bool)
	SetStyleDoc(ctx context.Context, versionID string, doc []byte) error
}

// objectStore resolves layer source references held in object storage.
type objectStore interface {
	StatSource(ctx context.Context, sourceRef string) error
	PresignGet(ctx context.Context, sourceRef string, expiry time.Duration) (string, error)
}

type Service struct {
	store   dataStore
	search  *search.Service
	cache   styleCache
	objects objectStore
}

// New wires the service. search, cache and objects may each be nil; the
// corresponding features degrade gracefully.
func New(dataStore dataStore, searchService *search.Service, cache styleCache, objects objectStore) *Service {
	return &Service{store: dataStore, search: searchService, cache: cache, objects: objects}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- views ----

type ProjectView struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"ownerId"`
	LinkAccessible bool       `json:"linkAccessible"`
	SoftDeletedAt  *time.Time `json:"softDeletedAt,omitempty"`
	CreatedOn      time.Time  `json:"createdOn"`
	RootID         string     `json:"rootId,omitempty"`
}

type NodeView struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"projectId"`
	ParentID    *string   `json:"parentId"`
	ForkReason  string    `json:"forkReason"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedOn   time.Time `json:"createdOn"`
}

type LayerView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	SourceRef    string    `json:"sourceRef"`
	SourceURL    string    `json:"sourceUrl,omitempty"`
	GeometryType string    `json:"geometryType,omitempty"`
	Bounds       []float64 `json:"bounds,omitempty"`
	FeatureCount int64     `json:"featureCount"`
	CreatedOn    time.Time `json:"createdOn"`
}

type StyleView struct {
	ID        string          `json:"id"`
	LayerID   string          `json:"layerId"`
	StyleJSON json.RawMessage `json:"styleJson"`
	CreatedOn time.Time       `json:"createdOn"`
}

type BindingView struct {
	LayerID string `json:"layerId"`
	StyleID string `json:"styleId"`
}

type ConversationView struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Title     string    `json:"title,omitempty"`
	CreatedOn time.Time `json:"createdOn"`
}

type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	MapVersionID   string    `json:"mapVersionId"`
	Sender         string    `json:"sender"`
	Content        string    `json:"content"`
	CreatedOn      time.Time `json:"createdOn"`
}

// TreeEntry is one node of the assembled history: the node itself, its diff
// against its parent, and the chat messages pinned to it.
type TreeEntry struct {
	Node     NodeView      `json:"node"`
	Diff     diff.Result   `json:"diffFromParent"`
	Messages []MessageView `json:"messages"`
}

func nodeView(node store.VersionNode) NodeView {
	return NodeView{
		ID:          node.ID,
		ProjectID:   node.ProjectID,
		ParentID:    node.ParentID,
		ForkReason:  node.ForkReason,
		Title:       node.Title,
		Description: node.Description,
		CreatedOn:   node.CreatedOn,
	}
}

func messageView(message store.Message) MessageView {
	return MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		MapVersionID:   message.MapVersionID,
		Sender:         message.Sender,
		Content:        message.Content,
		CreatedOn:      message.CreatedOn,
	}
}

// ---- projects ----

// CreateProject creates a project together with its root version, so the
// invariant that a project always has a root holds from the first read.
func (s *Service) CreateProject(ctx context.Context, ownerID string, linkAccessible bool) (ProjectView, error) {
	if ownerID == "" {
		return ProjectView{}, errValidation("ownerId is required")
	}

	project := store.Project{
		ID:             util.NewID("prj"),
		OwnerID:        ownerID,
		LinkAccessible: linkAccessible,
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return ProjectView{}, fmt.Errorf("create project: %w", err)
	}

	rootID, err := s.CreateRoot(ctx, project.ID)
	if err != nil {
		return ProjectView{}, err
	}

	return ProjectView{
		ID:             project.ID,
		OwnerID:        project.OwnerID,
		LinkAccessible: project.LinkAccessible,
		CreatedOn:      time.Now(),
		RootID:         rootID,
	}, nil
}

// CreateRoot creates the project's first version node, with no bindings.
func (s *Service) CreateRoot(ctx context.Context, projectID string) (string, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", errNotFound("project")
		}
		return "", fmt.Errorf("get project: %w", err)
	}

	root := store.VersionNode{
		ID:         util.NewID("map"),
		ProjectID:  projectID,
		ForkReason: store.ForkReasonRoot,
	}
	if err := s.store.CreateVersion(ctx, root, nil); err != nil {
		if store.IsDuplicateRoot(err) {
			return "", errDuplicateRoot(projectID)
		}
		return "", fmt.Errorf("create root: %w", err)
	}
	return root.ID, nil
}

func (s *Service) GetProject(ctx context.Context, projectID string) (ProjectView, error) {
	project, err := s.visibleProject(ctx, projectID)
	if err != nil {
		return ProjectView{}, err
	}
	view := projectView(project)
	if root, err := s.store.GetRootVersion(ctx, projectID); err == nil {
		view.RootID = root.ID
	}
	return view, nil
}

func (s *Service) ListProjects(ctx context.Context, ownerID string) ([]ProjectView, error) {
	if ownerID == "" {
		return nil, errValidation("ownerId is required")
	}
	projects, err := s.store.ListProjectsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	views := make([]ProjectView, 0, len(projects))
	for _, project := range projects {
		views = append(views, projectView(project))
	}
	return views, nil
}

// DeleteProject soft-deletes. Version rows stay untouched; the tree is only
// hidden.
func (s *Service) DeleteProject(ctx context.Context, projectID string) error {
	updated, err := s.store.SetProjectSoftDeleted(ctx, projectID, true)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if !updated {
		return errNotFound("project")
	}
	return nil
}

func (s *Service) RestoreProject(ctx context.Context, projectID string) error {
	updated, err := s.store.SetProjectSoftDeleted(ctx, projectID, false)
	if err != nil {
		return fmt.Errorf("restore project: %w", err)
	}
	if !updated {
		return errNotFound("project")
	}
	return nil
}

func (s *Service) SetProjectLinkAccess(ctx context.Context, projectID string, accessible bool) error {
	updated, err := s.store.SetProjectLinkAccessible(ctx, projectID, accessible)
	if err != nil {
		return fmt.Errorf("set link access: %w", err)
	}
	if !updated {
		return errNotFound("project")
	}
	return nil
}

func projectView(project store.Project) ProjectView {
	return ProjectView{
		ID:             project.ID,
		OwnerID:        project.OwnerID,
		LinkAccessible: project.LinkAccessible,
		SoftDeletedAt:  project.SoftDeletedAt,
		CreatedOn:      project.CreatedOn,
	}
}

func (s *Service) visibleProject(ctx context.Context, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, errNotFound("project")
		}
		return store.Project{}, fmt.Errorf("get project: %w", err)
	}
	if project.SoftDeletedAt != nil {
		return store.Project{}, errNotFound("project")
	}
	return project, nil
}

// ---- layers ----

type RegisterLayerInput struct {
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	SourceRef    string    `json:"sourceRef"`
	GeometryType string    `json:"geometryType"`
	Bounds       []float64 `json:"bounds"`
	FeatureCount int64     `json:"featureCount"`
}

var layerTypes = map[string]struct{}{
	store.LayerTypeVector:       {},
	store.LayerTypeRaster:       {},
	store.LayerTypePointCloud:   {},
	store.LayerTypePostGISQuery: {},
}

// RegisterLayer records an immutable dataset reference. There is no update
// or delete; a correction registers a new layer.
func (s *Service) RegisterLayer(ctx context.Context, input RegisterLayerInput) (LayerView, error) {
	if input.Name == "" {
		return LayerView{}, errValidation("layer name is required")
	}
	if _, ok := layerTypes[input.Type]; !ok {
		return LayerView{}, errValidation(fmt.Sprintf("unknown layer type %q", input.Type))
	}
	if input.SourceRef == "" {
		return LayerView{}, errValidation("sourceRef is required")
	}
	if input.FeatureCount < 0 {
		return LayerView{}, errValidation("featureCount must not be negative")
	}
	if err := validateBounds(input.Bounds); err != nil {
		return LayerView{}, err
	}

	// Datasets in object storage must exist before they can be referenced;
	// postgis_query layers point at an external database instead.
	if s.objects != nil && input.Type != store.LayerTypePostGISQuery {
		if err := s.objects.StatSource(ctx, input.SourceRef); err != nil {
			return LayerView{}, errValidation(fmt.Sprintf("source object not found: %v", err))
		}
	}

	layer := store.Layer{
		ID:           util.NewID("lyr"),
		Name:         input.Name,
		Type:         input.Type,
		SourceRef:    input.SourceRef,
		GeometryType: input.GeometryType,
		Bounds:       input.Bounds,
		FeatureCount: input.FeatureCount,
	}
	if err := s.store.InsertLayer(ctx, layer); err != nil {
		return LayerView{}, fmt.Errorf("register layer: %w", err)
	}

	if s.search != nil {
		s.search.IndexLayer(search.LayerRecord{
			ID:           layer.ID,
			Name:         layer.Name,
			LayerType:    layer.Type,
			GeometryType: layer.GeometryType,
		})
	}

	return layerView(layer), nil
}

func validateBounds(bounds []float64) error {
	if bounds == nil {
		return nil
	}
	if len(bounds) != 4 {
		return errValidation("bounds must be [west, south, east, north]")
	}
	west, south, east, north := bounds[0], bounds[1], bounds[2], bounds[3]
	if west < -180 || east > 180 || south < -90 || north > 90 {
		return errValidation("bounds out of range")
	}
	if west > east || south > north {
		return errValidation("bounds are inverted")
	}
	return nil
}

func (s *Service) GetLayer(ctx context.Context, layerID string) (LayerView, error) {
	layer, err := s.store.GetLayer(ctx, layerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LayerView{}, errNotFound("layer")
		}
		return LayerView{}, fmt.Errorf("get layer: %w", err)
	}
	view := layerView(layer)
	if s.objects != nil && layer.Type != store.LayerTypePostGISQuery {
		if url, err := s.objects.PresignGet(ctx, layer.SourceRef, time.Hour); err == nil {
			view.SourceURL = url
		}
	}
	return view, nil
}

func layerView(layer store.Layer) LayerView {
	return LayerView{
		ID:           layer.ID,
		Name:         layer.Name,
		Type:         layer.Type,
		SourceRef:    layer.SourceRef,
		GeometryType: layer.GeometryType,
		Bounds:       layer.Bounds,
		FeatureCount: layer.FeatureCount,
		CreatedOn:    layer.CreatedOn,
	}
}

// ---- styles ----

// CreateStyle stores an immutable style document for a layer. The document
// must reference the owning layer's source, which prevents attaching a style
// written for one layer to another.
func (s *Service) CreateStyle(ctx context.Context, layerID string, styleJSON json.RawMessage) (StyleView, error) {
	layer, err := s.store.GetLayer(ctx, layerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StyleView{}, errNotFound("layer")
		}
		return StyleView{}, fmt.Errorf("get layer: %w", err)
	}

	if err := validateStyleDocument(styleJSON, layer.ID); err != nil {
		return StyleView{}, err
	}

	style := store.Style{
		ID:        util.NewID("sty"),
		LayerID:   layer.ID,
		StyleJSON: styleJSON,
	}
	if err := s.store.InsertStyle(ctx, style); err != nil {
		return StyleView{}, fmt.Errorf("create style: %w", err)
	}
	return styleView(style), nil
}

// validateStyleDocument requires at least one style layer whose source is
// the owning layer, and no style layer pointing at a different source.
func validateStyleDocument(styleJSON json.RawMessage, layerID string) error {
	var doc struct {
		Layers []struct {
			ID     string `json:"id"`
			Source string `json:"source"`
		} `json:"layers"`
	}
	if err := json.Unmarshal(styleJSON, &doc); err != nil {
		return errInvalidStyle("style is not valid JSON")
	}
	if len(doc.Layers) == 0 {
		return errInvalidStyle("style has no layers")
	}
	for _, entry := range doc.Layers {
		if entry.Source != layerID {
			return errInvalidStyle(fmt.Sprintf("style layer %q references source %q, expected %q", entry.ID, entry.Source, layerID))
		}
	}
	return nil
}

func (s *Service) GetStyle(ctx context.Context, styleID string) (StyleView, error) {
	style, err := s.store.GetStyle(ctx, styleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StyleView{}, errNotFound("style")
		}
		return StyleView{}, fmt.Errorf("get style: %w", err)
	}
	return styleView(style), nil
}

func styleView(style store.Style) StyleView {
	return StyleView{
		ID:        style.ID,
		LayerID:   style.LayerID,
		StyleJSON: style.StyleJSON,
		CreatedOn: style.CreatedOn,
	}
}

// ---- fork mutator ----

// Fork creates a new child version from parentID by applying exactly one
// edit to a copy of the parent's binding set. The parent is immutable, so
// concurrent forks from the same parent simply become siblings; no shared
// state is mutated and no lock is taken.
func (s *Service) Fork(ctx context.Context, parentID string, op EditOp, reason string) (NodeView, error) {
	switch reason {
	case store.ForkReasonUserEdit, store.ForkReasonAIEdit:
	case "":
		reason = store.ForkReasonUserEdit
	default:
		return NodeView{}, errValidation(fmt.Sprintf("unknown fork reason %q", reason))
	}

	parent, err := s.store.GetVersion(ctx, parentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NodeView{}, errNodeNotFound(parentID)
		}
		return NodeView{}, fmt.Errorf("get parent: %w", err)
	}

	parentBindings, err := s.store.GetBindings(ctx, parentID)
	if err != nil {
		return NodeView{}, fmt.Errorf("get parent bindings: %w", err)
	}

	bound := make(map[string]string, len(parentBindings))
	for _, binding := range parentBindings {
		bound[binding.LayerID] = binding.StyleID
	}

	switch edit := op.(type) {
	case AddLayer:
		if _, exists := bound[edit.LayerID]; exists {
			return NodeView{}, errDuplicateLayer(edit.LayerID)
		}
		if err := s.checkLayerStyle(ctx, edit.LayerID, edit.StyleID); err != nil {
			return NodeView{}, err
		}
		bound[edit.LayerID] = edit.StyleID
	case RemoveLayer:
		if _, exists := bound[edit.LayerID]; !exists {
			return NodeView{}, errLayerNotBound(edit.LayerID)
		}
		delete(bound, edit.LayerID)
	case RestyleLayer:
		if _, exists := bound[edit.LayerID]; !exists {
			return NodeView{}, errLayerNotBound(edit.LayerID)
		}
		if err := s.checkLayerStyle(ctx, edit.LayerID, edit.StyleID); err != nil {
			return NodeView{}, err
		}
		bound[edit.LayerID] = edit.StyleID
	default:
		return NodeView{}, errValidation("unknown edit operation")
	}

	bindings := make([]store.Binding, 0, len(bound))
	for layerID, styleID := range bound {
		bindings = append(bindings, store.Binding{LayerID: layerID, StyleID: styleID})
	}

	node := store.VersionNode{
		ID:         util.NewID("map"),
		ProjectID:  parent.ProjectID,
		ParentID:   &parent.ID,
		ForkReason: reason,
	}
	if err := s.store.CreateVersion(ctx, node, bindings); err != nil {
		return NodeView{}, fmt.Errorf("fork version: %w", err)
	}
	return nodeView(node), nil
}

// checkLayerStyle verifies both ids resolve and that the style is owned by
// the layer it is being bound to.
func (s *Service) checkLayerStyle(ctx context.Context, layerID, styleID string) error {
	if _, err := s.store.GetLayer(ctx, layerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("layer")
		}
		return fmt.Errorf("get layer: %w", err)
	}
	style, err := s.store.GetStyle(ctx, styleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("style")
		}
		return fmt.Errorf("get style: %w", err)
	}
	if style.LayerID != layerID {
		return errInvalidStyle(fmt.Sprintf("style %s belongs to layer %s", styleID, style.LayerID))
	}
	return nil
}

// ---- reads over the graph ----

func (s *Service) GetNode(ctx context.Context, nodeID string) (NodeView, error) {
	node, err := s.store.GetVersion(ctx, nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NodeView{}, errNodeNotFound(nodeID)
		}
		return NodeView{}, fmt.Errorf("get version: %w", err)
	}
	return nodeView(node), nil
}

func (s *Service) GetBindings(ctx context.Context, nodeID string) ([]BindingView, error) {
	if _, err := s.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	bindings, err := s.store.GetBindings(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("get bindings: %w", err)
	}
	views := make([]BindingView, 0, len(bindings))
	for _, binding := range bindings {
		views = append(views, BindingView{LayerID: binding.LayerID, StyleID: binding.StyleID})
	}
	return views, nil
}

func (s *Service) GetChildren(ctx context.Context, nodeID string) ([]NodeView, error) {
	if _, err := s.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	children, err := s.store.GetChildren(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("get children: %w", err)
	}
	views := make([]NodeView, 0, len(children))
	for _, child := range children {
		views = append(views, nodeView(child))
	}
	return views, nil
}

func (s *Service) UpdateNodeMetadata(ctx context.Context, nodeID, title, description string) error {
	updated, err := s.store.UpdateVersionMetadata(ctx, nodeID, title, description)
	if err != nil {
		return fmt.Errorf("update node metadata: %w", err)
	}
	if !updated {
		return errNodeNotFound(nodeID)
	}
	return nil
}

// ---- diff engine ----

// Diff classifies layers between target and baseline. baselineID "auto" (or
// empty) resolves to the target's parent; for the root that is the empty
// binding set, so every bound layer reports as added.
func (s *Service) Diff(ctx context.Context, targetID, baselineID string) (diff.Result, error) {
	target, err := s.store.GetVersion(ctx, targetID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return diff.Result{}, errNodeNotFound(targetID)
		}
		return diff.Result{}, fmt.Errorf("get target: %w", err)
	}

	targetBindings, err := s.bindingMap(ctx, target.ID)
	if err != nil {
		return diff.Result{}, err
	}

	var baselineBindings map[string]string
	switch {
	case baselineID == "" || baselineID == "auto":
		if target.ParentID == nil {
			baselineBindings = map[string]string{}
		} else {
			baselineBindings, err = s.bindingMap(ctx, *target.ParentID)
			if err != nil {
				return diff.Result{}, err
			}
		}
	default:
		baseline, err := s.store.GetVersion(ctx, baselineID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return diff.Result{}, errNodeNotFound(baselineID)
			}
			return diff.Result{}, fmt.Errorf("get baseline: %w", err)
		}
		if baseline.ProjectID != target.ProjectID {
			return diff.Result{}, errCrossProjectDiff(targetID, baselineID)
		}
		baselineBindings, err = s.bindingMap(ctx, baseline.ID)
		if err != nil {
			return diff.Result{}, err
		}
	}

	return diff.Compute(targetBindings, baselineBindings), nil
}

func (s *Service) bindingMap(ctx context.Context, nodeID string) (map[string]string, error) {
	bindings, err := s.store.GetBindings(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("get bindings %s: %w", nodeID, err)
	}
	m := make(map[string]string, len(bindings))
	for _, binding := range bindings {
		m[binding.LayerID] = binding.StyleID
	}
	return m, nil
}

// ---- tree / conversation assembler ----

// BuildTree returns the project's full version tree in depth-first order
// (siblings in creation order), each node with its diff-from-parent and the
// chat messages pinned to it. conversationID narrows messages only; the node
// structure is always the complete history.
func (s *Service) BuildTree(ctx context.Context, projectID, conversationID string) ([]TreeEntry, error) {
	if _, err := s.visibleProject(ctx, projectID); err != nil {
		return nil, err
	}
	if conversationID != "" {
		conversation, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, errNotFound("conversation")
			}
			return nil, fmt.Errorf("get conversation: %w", err)
		}
		if conversation.ProjectID != projectID {
			return nil, errNotFound("conversation")
		}
	}

	nodes, err := s.store.ListProjectVersions(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	if len(nodes) == 0 {
		return []TreeEntry{}, nil
	}

	messages, err := s.store.ListProjectMessages(ctx, projectID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messagesByNode := make(map[string][]MessageView)
	for _, message := range messages {
		messagesByNode[message.MapVersionID] = append(messagesByNode[message.MapVersionID], messageView(message))
	}

	bindingsByNode := make(map[string]map[string]string, len(nodes))
	for _, node := range nodes {
		m, err := s.bindingMap(ctx, node.ID)
		if err != nil {
			return nil, err
		}
		bindingsByNode[node.ID] = m
	}

	// Nodes arrive in creation order, so the child lists inherit sibling
	// creation order without re-sorting.
	childrenByParent := make(map[string][]store.VersionNode)
	var root *store.VersionNode
	for i, node := range nodes {
		if node.ParentID == nil {
			root = &nodes[i]
			continue
		}
		childrenByParent[*node.ParentID] = append(childrenByParent[*node.ParentID], node)
	}
	if root == nil {
		return nil, fmt.Errorf("project %s has no root version", projectID)
	}

	entries := make([]TreeEntry, 0, len(nodes))
	var walk func(node store.VersionNode)
	walk = func(node store.VersionNode) {
		parentBindings := map[string]string{}
		if node.ParentID != nil {
			parentBindings = bindingsByNode[*node.ParentID]
		}
		messages := messagesByNode[node.ID]
		if messages == nil {
			messages = []MessageView{}
		}
		entries = append(entries, TreeEntry{
			Node:     nodeView(node),
			Diff:     diff.Compute(bindingsByNode[node.ID], parentBindings),
			Messages: messages,
		})
		for _, child := range childrenByParent[node.ID] {
			walk(child)
		}
	}
	walk(*root)

	return entries, nil
}

// ---- conversations & messages ----

func (s *Service) CreateConversation(ctx context.Context, projectID, title string) (ConversationView, error) {
	if _, err := s.visibleProject(ctx, projectID); err != nil {
		return ConversationView{}, err
	}
	conversation := store.Conversation{
		ID:        util.NewID("conv"),
		ProjectID: projectID,
		Title:     title,
	}
	if err := s.store.InsertConversation(ctx, conversation); err != nil {
		return ConversationView{}, fmt.Errorf("create conversation: %w", err)
	}
	return ConversationView{
		ID:        conversation.ID,
		ProjectID: conversation.ProjectID,
		Title:     conversation.Title,
		CreatedOn: time.Now(),
	}, nil
}

// AttachMessage records a chat turn against the version that was current
// when it was sent. Called by the conversation collaborator.
func (s *Service) AttachMessage(ctx context.Context, conversationID, nodeID, sender, content string) (MessageView, error) {
	if sender == "" || content == "" {
		return MessageView{}, errValidation("sender and content are required")
	}
	conversation, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageView{}, errNotFound("conversation")
		}
		return MessageView{}, fmt.Errorf("get conversation: %w", err)
	}
	node, err := s.store.GetVersion(ctx, nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MessageView{}, errNodeNotFound(nodeID)
		}
		return MessageView{}, fmt.Errorf("get version: %w", err)
	}
	if node.ProjectID != conversation.ProjectID {
		return MessageView{}, errValidation("version belongs to a different project than the conversation")
	}

	message := store.Message{
		ID:             util.NewID("msg"),
		ConversationID: conversationID,
		MapVersionID:   nodeID,
		Sender:         sender,
		Content:        content,
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return MessageView{}, fmt.Errorf("attach message: %w", err)
	}
	return messageView(message), nil
}

// ---- search ----

func (s *Service) SearchLayers(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// ---- style document resolution ----

// ResolveStyleDocument assembles the full MapLibre style document for a
// version: one source per bound layer plus the style layers of each bound
// style. Documents are cached by version id; a version's composition can
// never change, so cached entries are always valid.
func (s *Service) ResolveStyleDocument(ctx context.Context, nodeID string) ([]byte, error) {
	if s.cache != nil {
		if doc, ok := s.cache.GetStyleDoc(ctx, nodeID); ok {
			return doc, nil
		}
	}

	if _, err := s.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	boundLayers, err := s.store.ListBoundLayers(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list bound layers: %w", err)
	}

	sources := make(map[string]map[string]any, len(boundLayers))
	styleLayers := make([]json.RawMessage, 0)
	for _, bound := range boundLayers {
		sources[bound.Layer.ID] = s.sourceEntry(ctx, bound.Layer)

		var doc struct {
			Layers []json.RawMessage `json:"layers"`
		}
		if err := json.Unmarshal(bound.Style.StyleJSON, &doc); err != nil {
			return nil, fmt.Errorf("decode style %s: %w", bound.Style.ID, err)
		}
		styleLayers = append(styleLayers, doc.Layers...)
	}

	document, err := json.Marshal(map[string]any{
		"version": 8,
		"sources": sources,
		"layers":  styleLayers,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal style document: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetStyleDoc(ctx, nodeID, document); err != nil {
			log.Printf("app: cache style doc %s: %v", nodeID, err)
		}
	}
	return document, nil
}

func (s *Service) sourceEntry(ctx context.Context, layer store.Layer) map[string]any {
	url := layer.SourceRef
	if s.objects != nil && layer.Type != store.LayerTypePostGISQuery {
		if presigned, err := s.objects.PresignGet(ctx, layer.SourceRef, time.Hour); err == nil {
			url = presigned
		} else {
			log.Printf("app: presign source for layer %s: %v", layer.ID, err)
		}
	}

	entry := map[string]any{"url": url}
	switch layer.Type {
	case store.LayerTypeRaster:
		entry["type"] = "raster"
	default:
		entry["type"] = "vector"
	}
	if len(layer.Bounds) == 4 {
		entry["bounds"] = layer.Bounds
	}
	return entry
}
