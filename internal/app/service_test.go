package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"atlas/api/internal/store"
)

// fakeStore keeps everything in maps so graph operations behave like the
// real store. Individual calls can be overridden through the fn fields.
type fakeStore struct {
	projects      map[string]store.Project
	layers        map[string]store.Layer
	styles        map[string]store.Style
	versions      []store.VersionNode
	bindings      map[string][]store.Binding
	conversations map[string]store.Conversation
	messages      []store.Message

	createVersionFn func(context.Context, store.VersionNode, []store.Binding) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects:      map[string]store.Project{},
		layers:        map[string]store.Layer{},
		styles:        map[string]store.Style{},
		bindings:      map[string][]store.Binding{},
		conversations: map[string]store.Conversation{},
	}
}

func (f *fakeStore) InsertProject(_ context.Context, project store.Project) error {
	project.CreatedOn = time.Now()
	f.projects[project.ID] = project
	return nil
}

func (f *fakeStore) GetProject(_ context.Context, id string) (store.Project, error) {
	project, ok := f.projects[id]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (f *fakeStore) ListProjectsByOwner(_ context.Context, ownerID string) ([]store.Project, error) {
	var out []store.Project
	for _, project := range f.projects {
		if project.OwnerID == ownerID && project.SoftDeletedAt == nil {
			out = append(out, project)
		}
	}
	return out, nil
}

func (f *fakeStore) SetProjectSoftDeleted(_ context.Context, id string, deleted bool) (bool, error) {
	project, ok := f.projects[id]
	if !ok {
		return false, nil
	}
	if deleted {
		now := time.Now()
		project.SoftDeletedAt = &now
	} else {
		project.SoftDeletedAt = nil
	}
	f.projects[id] = project
	return true, nil
}

func (f *fakeStore) SetProjectLinkAccessible(_ context.Context, id string, accessible bool) (bool, error) {
	project, ok := f.projects[id]
	if !ok {
		return false, nil
	}
	project.LinkAccessible = accessible
	f.projects[id] = project
	return true, nil
}

func (f *fakeStore) InsertLayer(_ context.Context, layer store.Layer) error {
	layer.CreatedOn = time.Now()
	f.layers[layer.ID] = layer
	return nil
}

func (f *fakeStore) GetLayer(_ context.Context, id string) (store.Layer, error) {
	layer, ok := f.layers[id]
	if !ok {
		return store.Layer{}, sql.ErrNoRows
	}
	return layer, nil
}

func (f *fakeStore) InsertStyle(_ context.Context, style store.Style) error {
	style.CreatedOn = time.Now()
	f.styles[style.ID] = style
	return nil
}

func (f *fakeStore) GetStyle(_ context.Context, id string) (store.Style, error) {
	style, ok := f.styles[id]
	if !ok {
		return store.Style{}, sql.ErrNoRows
	}
	return style, nil
}

func (f *fakeStore) CreateVersion(ctx context.Context, node store.VersionNode, bindings []store.Binding) error {
	if f.createVersionFn != nil {
		return f.createVersionFn(ctx, node, bindings)
	}
	if node.ParentID == nil {
		for _, existing := range f.versions {
			if existing.ProjectID == node.ProjectID && existing.ParentID == nil {
				return &pgconn.PgError{Code: "23505", ConstraintName: "uq_map_versions_root"}
			}
		}
	}
	node.CreatedOn = time.Now().Add(time.Duration(len(f.versions)) * time.Millisecond)
	f.versions = append(f.versions, node)
	f.bindings[node.ID] = append([]store.Binding(nil), bindings...)
	return nil
}

func (f *fakeStore) GetVersion(_ context.Context, id string) (store.VersionNode, error) {
	for _, node := range f.versions {
		if node.ID == id {
			return node, nil
		}
	}
	return store.VersionNode{}, sql.ErrNoRows
}

func (f *fakeStore) GetRootVersion(_ context.Context, projectID string) (store.VersionNode, error) {
	for _, node := range f.versions {
		if node.ProjectID == projectID && node.ParentID == nil {
			return node, nil
		}
	}
	return store.VersionNode{}, sql.ErrNoRows
}

func (f *fakeStore) GetBindings(_ context.Context, nodeID string) ([]store.Binding, error) {
	out := append([]store.Binding(nil), f.bindings[nodeID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].LayerID < out[j].LayerID })
	return out, nil
}

func (f *fakeStore) GetChildren(_ context.Context, nodeID string) ([]store.VersionNode, error) {
	var out []store.VersionNode
	for _, node := range f.versions {
		if node.ParentID != nil && *node.ParentID == nodeID {
			out = append(out, node)
		}
	}
	return out, nil
}

func (f *fakeStore) ListProjectVersions(_ context.Context, projectID string) ([]store.VersionNode, error) {
	var out []store.VersionNode
	for _, node := range f.versions {
		if node.ProjectID == projectID {
			out = append(out, node)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateVersionMetadata(_ context.Context, id, title, description string) (bool, error) {
	for i, node := range f.versions {
		if node.ID == id {
			f.versions[i].Title = title
			f.versions[i].Description = description
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) ListBoundLayers(ctx context.Context, nodeID string) ([]store.BoundLayer, error) {
	bindings, _ := f.GetBindings(ctx, nodeID)
	out := make([]store.BoundLayer, 0, len(bindings))
	for _, binding := range bindings {
		out = append(out, store.BoundLayer{Layer: f.layers[binding.LayerID], Style: f.styles[binding.StyleID]})
	}
	return out, nil
}

func (f *fakeStore) InsertConversation(_ context.Context, conversation store.Conversation) error {
	f.conversations[conversation.ID] = conversation
	return nil
}

func (f *fakeStore) GetConversation(_ context.Context, id string) (store.Conversation, error) {
	conversation, ok := f.conversations[id]
	if !ok {
		return store.Conversation{}, sql.ErrNoRows
	}
	return conversation, nil
}

func (f *fakeStore) InsertMessage(_ context.Context, message store.Message) error {
	message.CreatedOn = time.Now()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeStore) ListProjectMessages(_ context.Context, projectID, conversationID string) ([]store.Message, error) {
	var out []store.Message
	for _, message := range f.messages {
		conversation := f.conversations[message.ConversationID]
		if conversation.ProjectID != projectID {
			continue
		}
		if conversationID != "" && message.ConversationID != conversationID {
			continue
		}
		out = append(out, message)
	}
	return out, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

// ---- fixtures ----

func newTestService(fake *fakeStore) *Service {
	return New(fake, nil, nil, nil)
}

func seedProject(t *testing.T, service *Service) ProjectView {
	t.Helper()
	project, err := service.CreateProject(context.Background(), "usr_owner", false)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return project
}

func seedLayerWithStyle(t *testing.T, fake *fakeStore, name string) (string, string) {
	t.Helper()
	layerID := "lyr_" + name
	fake.layers[layerID] = store.Layer{ID: layerID, Name: name, Type: store.LayerTypeVector, SourceRef: name + ".pmtiles"}
	styleID := "sty_" + name
	fake.styles[styleID] = store.Style{ID: styleID, LayerID: layerID, StyleJSON: json.RawMessage(`{"layers":[{"id":"` + name + `","source":"` + layerID + `"}]}`)}
	return layerID, styleID
}

func domainCode(t *testing.T, err error) string {
	t.Helper()
	if err == nil {
		t.Fatal("expected error")
	}
	domainErr, ok := err.(*DomainError)
	if !ok {
		t.Fatalf("expected DomainError, got %T: %v", err, err)
	}
	return domainErr.Code
}

// ---- projects & roots ----

func TestCreateProjectCreatesRoot(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)

	project := seedProject(t, service)
	if project.RootID == "" {
		t.Fatal("expected root id on created project")
	}

	root, err := fake.GetRootVersion(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("GetRootVersion: %v", err)
	}
	if root.ForkReason != store.ForkReasonRoot {
		t.Fatalf("fork reason = %q", root.ForkReason)
	}
	if bindings, _ := fake.GetBindings(context.Background(), root.ID); len(bindings) != 0 {
		t.Fatalf("root should have no bindings, got %d", len(bindings))
	}
}

func TestCreateRootRejectsSecondRoot(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)

	_, err := service.CreateRoot(context.Background(), project.ID)
	if code := domainCode(t, err); code != "DUPLICATE_ROOT" {
		t.Fatalf("code = %q", code)
	}
}

func TestSoftDeletedProjectIsHidden(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	ctx := context.Background()

	if err := service.DeleteProject(ctx, project.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}
	if _, err := service.GetProject(ctx, project.ID); domainCode(t, err) != "NOT_FOUND" {
		t.Fatal("expected NOT_FOUND after soft delete")
	}
	if _, err := service.BuildTree(ctx, project.ID, ""); domainCode(t, err) != "NOT_FOUND" {
		t.Fatal("expected NOT_FOUND tree after soft delete")
	}

	// Restore brings it back, nothing was destroyed.
	if err := service.RestoreProject(ctx, project.ID); err != nil {
		t.Fatalf("RestoreProject: %v", err)
	}
	if _, err := service.GetProject(ctx, project.ID); err != nil {
		t.Fatalf("GetProject after restore: %v", err)
	}
}

// ---- fork mutator ----

func TestForkAddLayer(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	layerID, styleID := seedLayerWithStyle(t, fake, "roads")
	ctx := context.Background()

	child, err := service.Fork(ctx, project.RootID, AddLayer{LayerID: layerID, StyleID: styleID}, store.ForkReasonUserEdit)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.ParentID == nil || *child.ParentID != project.RootID {
		t.Fatalf("parent = %v", child.ParentID)
	}
	if child.ForkReason != store.ForkReasonUserEdit {
		t.Fatalf("fork reason = %q", child.ForkReason)
	}

	bindings, err := service.GetBindings(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetBindings: %v", err)
	}
	if len(bindings) != 1 || bindings[0].LayerID != layerID || bindings[0].StyleID != styleID {
		t.Fatalf("bindings = %+v", bindings)
	}

	// Parent is untouched.
	parentBindings, _ := service.GetBindings(ctx, project.RootID)
	if len(parentBindings) != 0 {
		t.Fatalf("parent bindings = %+v", parentBindings)
	}
}

func TestForkRemoveAndRestyle(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	roadsLayer, roadsStyle := seedLayerWithStyle(t, fake, "roads")
	riversLayer, riversStyle := seedLayerWithStyle(t, fake, "rivers")
	altRoadsStyle := "sty_roads_alt"
	fake.styles[altRoadsStyle] = store.Style{ID: altRoadsStyle, LayerID: roadsLayer, StyleJSON: json.RawMessage(`{"layers":[{"id":"r","source":"` + roadsLayer + `"}]}`)}
	ctx := context.Background()

	a, err := service.Fork(ctx, project.RootID, AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, "")
	if err != nil {
		t.Fatalf("fork a: %v", err)
	}
	b, err := service.Fork(ctx, a.ID, AddLayer{LayerID: riversLayer, StyleID: riversStyle}, "")
	if err != nil {
		t.Fatalf("fork b: %v", err)
	}

	restyled, err := service.Fork(ctx, b.ID, RestyleLayer{LayerID: roadsLayer, StyleID: altRoadsStyle}, store.ForkReasonAIEdit)
	if err != nil {
		t.Fatalf("fork restyle: %v", err)
	}
	bindings, _ := service.GetBindings(ctx, restyled.ID)
	want := map[string]string{roadsLayer: altRoadsStyle, riversLayer: riversStyle}
	if len(bindings) != 2 {
		t.Fatalf("bindings = %+v", bindings)
	}
	for _, binding := range bindings {
		if want[binding.LayerID] != binding.StyleID {
			t.Fatalf("binding %s = %s, want %s", binding.LayerID, binding.StyleID, want[binding.LayerID])
		}
	}

	removed, err := service.Fork(ctx, restyled.ID, RemoveLayer{LayerID: roadsLayer}, "")
	if err != nil {
		t.Fatalf("fork remove: %v", err)
	}
	bindings, _ = service.GetBindings(ctx, removed.ID)
	if len(bindings) != 1 || bindings[0].LayerID != riversLayer {
		t.Fatalf("bindings after remove = %+v", bindings)
	}
}

func TestForkValidation(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	roadsLayer, roadsStyle := seedLayerWithStyle(t, fake, "roads")
	riversLayer, riversStyle := seedLayerWithStyle(t, fake, "rivers")
	ctx := context.Background()

	a, err := service.Fork(ctx, project.RootID, AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, "")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	cases := []struct {
		name     string
		parent   string
		op       EditOp
		reason   string
		wantCode string
	}{
		{name: "unknown parent", parent: "map_missing", op: RemoveLayer{LayerID: roadsLayer}, wantCode: "NODE_NOT_FOUND"},
		{name: "duplicate layer", parent: a.ID, op: AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, wantCode: "DUPLICATE_LAYER"},
		{name: "remove unbound", parent: a.ID, op: RemoveLayer{LayerID: riversLayer}, wantCode: "LAYER_NOT_BOUND"},
		{name: "restyle unbound", parent: a.ID, op: RestyleLayer{LayerID: riversLayer, StyleID: riversStyle}, wantCode: "LAYER_NOT_BOUND"},
		{name: "style of other layer", parent: a.ID, op: RestyleLayer{LayerID: roadsLayer, StyleID: riversStyle}, wantCode: "INVALID_STYLE"},
		{name: "missing style", parent: a.ID, op: RestyleLayer{LayerID: roadsLayer, StyleID: "sty_missing"}, wantCode: "NOT_FOUND"},
		{name: "bad reason", parent: a.ID, op: RemoveLayer{LayerID: roadsLayer}, reason: "merge", wantCode: "VALIDATION_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.Fork(ctx, tc.parent, tc.op, tc.reason)
			if code := domainCode(t, err); code != tc.wantCode {
				t.Fatalf("code = %q, want %q", code, tc.wantCode)
			}
		})
	}
}

func TestForkSiblingsAreIndependent(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	roadsLayer, roadsStyle := seedLayerWithStyle(t, fake, "roads")
	riversLayer, riversStyle := seedLayerWithStyle(t, fake, "rivers")
	ctx := context.Background()

	a, err := service.Fork(ctx, project.RootID, AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, "")
	if err != nil {
		t.Fatalf("fork a: %v", err)
	}

	b, err := service.Fork(ctx, a.ID, AddLayer{LayerID: riversLayer, StyleID: riversStyle}, "")
	if err != nil {
		t.Fatalf("fork b: %v", err)
	}
	c, err := service.Fork(ctx, a.ID, RemoveLayer{LayerID: roadsLayer}, "")
	if err != nil {
		t.Fatalf("fork c: %v", err)
	}

	bBindings, _ := service.GetBindings(ctx, b.ID)
	if len(bBindings) != 2 {
		t.Fatalf("b bindings = %+v", bBindings)
	}
	cBindings, _ := service.GetBindings(ctx, c.ID)
	if len(cBindings) != 0 {
		t.Fatalf("c bindings = %+v", cBindings)
	}
	aBindings, _ := service.GetBindings(ctx, a.ID)
	if len(aBindings) != 1 {
		t.Fatalf("a bindings changed: %+v", aBindings)
	}
}

// ---- diff ----

func TestDiffAgainstParent(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	roadsLayer, roadsStyle := seedLayerWithStyle(t, fake, "roads")
	ctx := context.Background()

	a, err := service.Fork(ctx, project.RootID, AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, "")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	result, err := service.Diff(ctx, a.ID, "auto")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(result.Added) != 1 || result.Added[0] != roadsLayer {
		t.Fatalf("added = %v", result.Added)
	}
	if len(result.Removed)+len(result.Edited)+len(result.Unchanged) != 0 {
		t.Fatalf("unexpected extra classes: %+v", result)
	}
}

func TestDiffAutoAtRootIsEmpty(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)

	result, err := service.Diff(context.Background(), project.RootID, "")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if !result.Empty() {
		t.Fatalf("root auto diff should be empty, got %+v", result)
	}
}

func TestDiffIdempotentRestyleIsUnchanged(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	roadsLayer, roadsStyle := seedLayerWithStyle(t, fake, "roads")
	ctx := context.Background()

	a, _ := service.Fork(ctx, project.RootID, AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, "")
	b, err := service.Fork(ctx, a.ID, RestyleLayer{LayerID: roadsLayer, StyleID: roadsStyle}, "")
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	result, err := service.Diff(ctx, b.ID, "auto")
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(result.Unchanged) != 1 || result.Unchanged[0] != roadsLayer {
		t.Fatalf("unchanged = %v", result.Unchanged)
	}
	if len(result.Edited) != 0 {
		t.Fatalf("edited = %v", result.Edited)
	}
}

func TestDiffArbitraryPair(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	roadsLayer, roadsStyle := seedLayerWithStyle(t, fake, "roads")
	riversLayer, riversStyle := seedLayerWithStyle(t, fake, "rivers")
	altRoadsStyle := "sty_roads_alt"
	fake.styles[altRoadsStyle] = store.Style{ID: altRoadsStyle, LayerID: roadsLayer, StyleJSON: json.RawMessage(`{"layers":[{"id":"r","source":"` + roadsLayer + `"}]}`)}
	ctx := context.Background()

	// R -> A(+roads) -> B(+rivers), and sibling C(restyle roads) under A.
	a, _ := service.Fork(ctx, project.RootID, AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, "")
	b, _ := service.Fork(ctx, a.ID, AddLayer{LayerID: riversLayer, StyleID: riversStyle}, "")
	c, _ := service.Fork(ctx, a.ID, RestyleLayer{LayerID: roadsLayer, StyleID: altRoadsStyle}, "")

	result, err := service.Diff(ctx, b.ID, c.ID)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(result.Added) != 1 || result.Added[0] != riversLayer {
		t.Fatalf("added = %v", result.Added)
	}
	if len(result.Edited) != 1 || result.Edited[0] != roadsLayer {
		t.Fatalf("edited = %v", result.Edited)
	}
	if len(result.Removed) != 0 || len(result.Unchanged) != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestDiffCrossProjectRejected(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	projectA := seedProject(t, service)
	projectB, err := service.CreateProject(context.Background(), "usr_other", false)
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}

	_, err = service.Diff(context.Background(), projectA.RootID, projectB.RootID)
	if code := domainCode(t, err); code != "CROSS_PROJECT_DIFF" {
		t.Fatalf("code = %q", code)
	}
}

// ---- tree assembler ----

func TestBuildTreeOrderAndDiffs(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	roadsLayer, roadsStyle := seedLayerWithStyle(t, fake, "roads")
	riversLayer, riversStyle := seedLayerWithStyle(t, fake, "rivers")
	ctx := context.Background()

	a, _ := service.Fork(ctx, project.RootID, AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, "")
	b, _ := service.Fork(ctx, a.ID, AddLayer{LayerID: riversLayer, StyleID: riversStyle}, "")
	c, _ := service.Fork(ctx, a.ID, RemoveLayer{LayerID: roadsLayer}, "")

	entries, err := service.BuildTree(ctx, project.ID, "")
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}

	wantOrder := []string{project.RootID, a.ID, b.ID, c.ID}
	if len(entries) != len(wantOrder) {
		t.Fatalf("got %d entries, want %d", len(entries), len(wantOrder))
	}
	for i, want := range wantOrder {
		if entries[i].Node.ID != want {
			t.Fatalf("entry %d = %s, want %s", i, entries[i].Node.ID, want)
		}
	}

	if !entries[0].Diff.Empty() {
		t.Fatalf("root diff = %+v", entries[0].Diff)
	}
	if len(entries[1].Diff.Added) != 1 || entries[1].Diff.Added[0] != roadsLayer {
		t.Fatalf("a diff = %+v", entries[1].Diff)
	}
	if len(entries[3].Diff.Removed) != 1 || entries[3].Diff.Removed[0] != roadsLayer {
		t.Fatalf("c diff = %+v", entries[3].Diff)
	}
}

func TestBuildTreeGroupsMessages(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	roadsLayer, roadsStyle := seedLayerWithStyle(t, fake, "roads")
	ctx := context.Background()

	a, _ := service.Fork(ctx, project.RootID, AddLayer{LayerID: roadsLayer, StyleID: roadsStyle}, store.ForkReasonAIEdit)

	conv, err := service.CreateConversation(ctx, project.ID, "flood study")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	other, err := service.CreateConversation(ctx, project.ID, "side chat")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	if _, err := service.AttachMessage(ctx, conv.ID, a.ID, "user", "add the roads"); err != nil {
		t.Fatalf("AttachMessage: %v", err)
	}
	if _, err := service.AttachMessage(ctx, other.ID, a.ID, "assistant", "done"); err != nil {
		t.Fatalf("AttachMessage: %v", err)
	}

	entries, err := service.BuildTree(ctx, project.ID, conv.ID)
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if len(entries[0].Messages) != 0 {
		t.Fatalf("root messages = %+v", entries[0].Messages)
	}
	// Conversation filter narrows messages, not the tree shape.
	if len(entries[1].Messages) != 1 || entries[1].Messages[0].Content != "add the roads" {
		t.Fatalf("a messages = %+v", entries[1].Messages)
	}

	unfiltered, err := service.BuildTree(ctx, project.ID, "")
	if err != nil {
		t.Fatalf("BuildTree: %v", err)
	}
	if len(unfiltered[1].Messages) != 2 {
		t.Fatalf("unfiltered a messages = %+v", unfiltered[1].Messages)
	}
}

// ---- layers & styles ----

func TestRegisterLayerValidation(t *testing.T) {
	service := newTestService(newFakeStore())
	ctx := context.Background()

	valid := RegisterLayerInput{Name: "roads", Type: store.LayerTypeVector, SourceRef: "roads.pmtiles", Bounds: []float64{-10, 40, 5, 55}}
	if _, err := service.RegisterLayer(ctx, valid); err != nil {
		t.Fatalf("RegisterLayer: %v", err)
	}

	cases := []struct {
		name  string
		input RegisterLayerInput
	}{
		{"missing name", RegisterLayerInput{Type: store.LayerTypeVector, SourceRef: "x"}},
		{"bad type", RegisterLayerInput{Name: "a", Type: "shapefile", SourceRef: "x"}},
		{"missing source", RegisterLayerInput{Name: "a", Type: store.LayerTypeVector}},
		{"short bounds", RegisterLayerInput{Name: "a", Type: store.LayerTypeVector, SourceRef: "x", Bounds: []float64{1, 2, 3}}},
		{"inverted bounds", RegisterLayerInput{Name: "a", Type: store.LayerTypeVector, SourceRef: "x", Bounds: []float64{10, 40, 5, 55}}},
		{"out of range bounds", RegisterLayerInput{Name: "a", Type: store.LayerTypeVector, SourceRef: "x", Bounds: []float64{-200, 40, 5, 55}}},
		{"negative feature count", RegisterLayerInput{Name: "a", Type: store.LayerTypeVector, SourceRef: "x", FeatureCount: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.RegisterLayer(ctx, tc.input)
			if code := domainCode(t, err); code != "VALIDATION_ERROR" {
				t.Fatalf("code = %q", code)
			}
		})
	}
}

func TestCreateStyleValidatesSourceReference(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	layerID, _ := seedLayerWithStyle(t, fake, "roads")
	ctx := context.Background()

	good := json.RawMessage(`{"layers":[{"id":"roads-line","source":"` + layerID + `"}]}`)
	if _, err := service.CreateStyle(ctx, layerID, good); err != nil {
		t.Fatalf("CreateStyle: %v", err)
	}

	cases := []struct {
		name string
		doc  string
	}{
		{"not json", `not json`},
		{"no layers", `{"layers":[]}`},
		{"wrong source", `{"layers":[{"id":"x","source":"lyr_other"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.CreateStyle(ctx, layerID, json.RawMessage(tc.doc))
			if code := domainCode(t, err); code != "INVALID_STYLE" {
				t.Fatalf("code = %q", code)
			}
		})
	}

	if _, err := service.CreateStyle(ctx, "lyr_missing", good); domainCode(t, err) != "NOT_FOUND" {
		t.Fatal("expected NOT_FOUND for unknown layer")
	}
}

// ---- messages ----

func TestAttachMessageCrossProjectRejected(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	projectA := seedProject(t, service)
	projectB, _ := service.CreateProject(context.Background(), "usr_other", false)
	ctx := context.Background()

	conv, err := service.CreateConversation(ctx, projectA.ID, "")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	_, err = service.AttachMessage(ctx, conv.ID, projectB.RootID, "user", "hi")
	if code := domainCode(t, err); code != "VALIDATION_ERROR" {
		t.Fatalf("code = %q", code)
	}
}

// ---- metadata ----

func TestUpdateNodeMetadata(t *testing.T) {
	fake := newFakeStore()
	service := newTestService(fake)
	project := seedProject(t, service)
	ctx := context.Background()

	if err := service.UpdateNodeMetadata(ctx, project.RootID, "Baseline", "initial state"); err != nil {
		t.Fatalf("UpdateNodeMetadata: %v", err)
	}
	node, err := service.GetNode(ctx, project.RootID)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node.Title != "Baseline" || node.Description != "initial state" {
		t.Fatalf("node = %+v", node)
	}

	err = service.UpdateNodeMetadata(ctx, "map_missing", "x", "")
	if code := domainCode(t, err); code != "NODE_NOT_FOUND" {
		t.Fatalf("code = %q", code)
	}
}
