package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/notion"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeIntegrations struct {
	byID map[uuid.UUID]*models.Integration
}

func (f *fakeIntegrations) Create(ctx context.Context, token string) (*models.Integration, error) {
	integ := &models.Integration{ID: uuid.New(), Token: token}
	f.byID[integ.ID] = integ
	return integ, nil
}

func (f *fakeIntegrations) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	return f.byID[id], nil
}

func (f *fakeIntegrations) GetByToken(ctx context.Context, token string) (*models.Integration, error) {
	for _, integ := range f.byID {
		if integ.Token == token {
			return integ, nil
		}
	}
	return nil, nil
}

type fakeTables struct {
	byID map[uuid.UUID]*models.Table
}

func (f *fakeTables) Create(ctx context.Context, integrationID uuid.UUID, notionTableID string) (*models.Table, error) {
	tbl := &models.Table{ID: uuid.New(), IntegrationID: integrationID, NotionTableID: notionTableID}
	f.byID[tbl.ID] = tbl
	return tbl, nil
}

func (f *fakeTables) GetByID(ctx context.Context, id uuid.UUID) (*models.Table, error) {
	return f.byID[id], nil
}

func (f *fakeTables) GetByNotionID(ctx context.Context, integrationID uuid.UUID, notionTableID string) (*models.Table, error) {
	for _, tbl := range f.byID {
		if tbl.IntegrationID == integrationID && tbl.NotionTableID == notionTableID {
			return tbl, nil
		}
	}
	return nil, nil
}

type createdElement struct {
	element    *models.Element
	attributes []*models.Attribute
}

type fakeElements struct {
	byNotionID map[string]*models.Element
	last       *models.Element
	refAttrs   []models.Attribute

	created   []createdElement
	updated   []createdElement
	deleted   int
	data      models.TableData
	lastQuery models.Query
}

func newFakeElements() *fakeElements {
	return &fakeElements{
		byNotionID: map[string]*models.Element{},
		data:       models.TableData{},
	}
}

func (f *fakeElements) CreateElement(ctx context.Context, element *models.Element, attributes []*models.Attribute) error {
	f.byNotionID[element.NotionID] = element
	f.created = append(f.created, createdElement{element: element, attributes: attributes})
	if f.last == nil || element.LastEdited.After(f.last.LastEdited) {
		f.last = element
	}
	return nil
}

func (f *fakeElements) UpdateElement(ctx context.Context, element *models.Element, attributes []*models.Attribute) error {
	f.updated = append(f.updated, createdElement{element: element, attributes: attributes})
	if f.last == nil || element.LastEdited.After(f.last.LastEdited) {
		f.last = element
	}
	return nil
}

func (f *fakeElements) GetByNotionID(ctx context.Context, notionID string) (*models.Element, error) {
	return f.byNotionID[notionID], nil
}

func (f *fakeElements) LastTableElement(ctx context.Context, tableID uuid.UUID) (*models.Element, error) {
	return f.last, nil
}

func (f *fakeElements) DeleteTableElements(ctx context.Context, tableID uuid.UUID) error {
	f.deleted++
	f.byNotionID = map[string]*models.Element{}
	f.last = nil
	f.refAttrs = nil
	return nil
}

func (f *fakeElements) ReferenceAttributes(ctx context.Context, tableID uuid.UUID) ([]models.Attribute, error) {
	return f.refAttrs, nil
}

func (f *fakeElements) GetTableData(ctx context.Context, tableID uuid.UUID, query models.Query) (models.TableData, error) {
	f.lastQuery = query
	return f.data, nil
}

type fakeNotion struct {
	rows        []notion.Row
	schema      map[string]string
	queryErr    error
	queryCalls  int
	schemaCalls int
	lastAfter   *time.Time
}

func (f *fakeNotion) QueryTable(ctx context.Context, tableID string, after *time.Time) ([]notion.Row, error) {
	f.queryCalls++
	f.lastAfter = after
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

func (f *fakeNotion) RetrieveSchema(ctx context.Context, tableID string) (map[string]string, error) {
	f.schemaCalls++
	return f.schema, nil
}

type fixture struct {
	service  *Service
	tableID  uuid.UUID
	elements *fakeElements
	upstream *fakeNotion
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	integrations := &fakeIntegrations{byID: map[uuid.UUID]*models.Integration{}}
	integ, err := integrations.Create(context.Background(), "secret-token")
	require.NoError(t, err)

	tables := &fakeTables{byID: map[uuid.UUID]*models.Table{}}
	tbl, err := tables.Create(context.Background(), integ.ID, "notion-db-1")
	require.NoError(t, err)

	elements := newFakeElements()
	upstream := &fakeNotion{}

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	service := NewService(logger, integrations, tables, elements, func(token string) notion.API {
		assert.Equal(t, "secret-token", token)
		return upstream
	}, nil, nil)

	return &fixture{
		service:  service,
		tableID:  tbl.ID,
		elements: elements,
		upstream: upstream,
	}
}

func testRow(t *testing.T, id string, edited time.Time, props map[string]string) notion.Row {
	t.Helper()

	properties := map[string]notion.Property{}
	for name, raw := range props {
		var prop notion.Property
		require.NoError(t, json.Unmarshal([]byte(raw), &prop))
		properties[name] = prop
	}

	return notion.Row{ID: id, LastEditedTime: edited, Properties: properties}
}

func TestGetData_UnknownTable(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.GetData(context.Background(), uuid.New(), DataRequest{UpdateCache: true})
	assert.ErrorIs(t, err, ErrTableNotFound)
	assert.Zero(t, f.upstream.queryCalls)
}

func TestGetData_ColdCacheBypassSkipsUpstream(t *testing.T) {
	f := newFixture(t)

	data, err := f.service.GetData(context.Background(), f.tableID, DataRequest{UpdateCache: false})
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Zero(t, f.upstream.queryCalls, "update_cache=false must not contact upstream")
}

func TestGetData_FullSyncCreatesElements(t *testing.T) {
	f := newFixture(t)
	edited := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	f.upstream.rows = []notion.Row{
		testRow(t, "row-1", edited, map[string]string{
			"Price": `{"type": "number", "number": 56.5}`,
			"Name":  `{"type": "title", "title": [{"plain_text": "first"}]}`,
		}),
		testRow(t, "row-2", edited.Add(time.Hour), map[string]string{
			"Price": `{"type": "number", "number": 98}`,
		}),
	}

	_, err := f.service.GetData(context.Background(), f.tableID, DataRequest{UpdateCache: true})
	require.NoError(t, err)

	assert.Nil(t, f.upstream.lastAfter, "empty cache means full sync")
	require.Len(t, f.elements.created, 2)
	assert.Empty(t, f.elements.updated)

	first := f.elements.created[0]
	assert.Equal(t, "row-1", first.element.NotionID)
	assert.Equal(t, f.tableID, first.element.TableID)
	assert.Equal(t, edited, first.element.LastEdited)
	assert.Len(t, first.attributes, 2)
}

func TestGetData_IncrementalSyncUsesWatermark(t *testing.T) {
	f := newFixture(t)
	watermark := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	f.elements.last = &models.Element{ID: uuid.New(), TableID: f.tableID, NotionID: "row-1", LastEdited: watermark}

	_, err := f.service.GetData(context.Background(), f.tableID, DataRequest{UpdateCache: true})
	require.NoError(t, err)

	require.NotNil(t, f.upstream.lastAfter)
	assert.Equal(t, watermark, *f.upstream.lastAfter)
}

func TestGetData_UpdatesExistingElementInPlace(t *testing.T) {
	f := newFixture(t)
	existingID := uuid.New()
	watermark := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	existing := &models.Element{ID: existingID, TableID: f.tableID, NotionID: "row-1", LastEdited: watermark}
	f.elements.byNotionID["row-1"] = existing
	f.elements.last = existing

	newEdit := watermark.Add(time.Hour)
	f.upstream.rows = []notion.Row{
		testRow(t, "row-1", newEdit, map[string]string{
			"Price": `{"type": "number", "number": 99}`,
		}),
	}

	_, err := f.service.GetData(context.Background(), f.tableID, DataRequest{UpdateCache: true})
	require.NoError(t, err)

	assert.Empty(t, f.elements.created)
	require.Len(t, f.elements.updated, 1)
	updated := f.elements.updated[0]
	assert.Equal(t, existingID, updated.element.ID, "the cached element is updated, not recreated")
	assert.Equal(t, newEdit, updated.element.LastEdited)
	require.Len(t, updated.attributes, 1)
	assert.Equal(t, existingID, updated.attributes[0].ElementID)
}

func TestGetData_ResetForcesFullResync(t *testing.T) {
	f := newFixture(t)
	watermark := time.Date(2024, 5, 15, 10, 0, 0, 0, time.UTC)
	existing := &models.Element{ID: uuid.New(), TableID: f.tableID, NotionID: "row-1", LastEdited: watermark}
	f.elements.byNotionID["row-1"] = existing
	f.elements.last = existing

	f.upstream.rows = []notion.Row{
		testRow(t, "row-1", watermark, map[string]string{
			"Price": `{"type": "number", "number": 1}`,
		}),
	}

	_, err := f.service.GetData(context.Background(), f.tableID, DataRequest{ResetCache: true})
	require.NoError(t, err)

	assert.Equal(t, 1, f.elements.deleted)
	assert.Nil(t, f.upstream.lastAfter, "reset discards the watermark")
	assert.Len(t, f.elements.created, 1, "rows are recreated after the reset")
}

func TestGetData_UpstreamErrorAbortsWithoutWrites(t *testing.T) {
	f := newFixture(t)
	f.upstream.queryErr = notion.ErrUpstream

	_, err := f.service.GetData(context.Background(), f.tableID, DataRequest{UpdateCache: true})
	assert.ErrorIs(t, err, notion.ErrUpstream)
	assert.Empty(t, f.elements.created)
	assert.Empty(t, f.elements.updated)
}

func TestGetData_UnknownPropertyKindFailsSync(t *testing.T) {
	f := newFixture(t)
	f.upstream.rows = []notion.Row{
		testRow(t, "row-1", time.Now().UTC(), map[string]string{
			"Odd": `{"type": "verification", "verification": {}}`,
		}),
	}

	_, err := f.service.GetData(context.Background(), f.tableID, DataRequest{UpdateCache: true})
	var unknownErr *notion.ErrUnknownPropertyKind
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "Odd", unknownErr.Name)
}

func TestGetData_SkipsRelationAndRollup(t *testing.T) {
	f := newFixture(t)
	f.upstream.rows = []notion.Row{
		testRow(t, "row-1", time.Now().UTC(), map[string]string{
			"Linked": `{"type": "relation", "relation": []}`,
			"Price":  `{"type": "number", "number": 5}`,
		}),
	}

	_, err := f.service.GetData(context.Background(), f.tableID, DataRequest{UpdateCache: true})
	require.NoError(t, err)

	require.Len(t, f.elements.created, 1)
	require.Len(t, f.elements.created[0].attributes, 1)
	assert.Equal(t, "Price", f.elements.created[0].attributes[0].Name)
}

func TestGetData_PassesQueryThrough(t *testing.T) {
	f := newFixture(t)

	query := models.Query{
		Filter:    models.FilterDescriptor{"Price": map[string]any{"greater_than": 10.0}},
		Calculate: "sum",
		GroupBy:   "Name",
	}
	_, err := f.service.GetData(context.Background(), f.tableID, DataRequest{Query: query})
	require.NoError(t, err)
	assert.Equal(t, query, f.elements.lastQuery)
}

func TestGetSchema_ServedFromCache(t *testing.T) {
	f := newFixture(t)
	f.elements.refAttrs = []models.Attribute{
		{Name: "Name", Type: "title", Kind: models.KindString},
		{Name: "Price", Type: "number", Kind: models.KindNumber},
	}

	schema, err := f.service.GetSchema(context.Background(), f.tableID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Name": "title", "Price": "number"}, schema)
	assert.Zero(t, f.upstream.schemaCalls)
}

func TestGetSchema_ColdCacheAsksUpstream(t *testing.T) {
	f := newFixture(t)
	f.upstream.schema = map[string]string{
		"Name":   "title",
		"Linked": "relation",
		"Total":  "rollup",
	}

	schema, err := f.service.GetSchema(context.Background(), f.tableID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.upstream.schemaCalls)
	assert.Equal(t, map[string]string{"Name": "title"}, schema, "relation and rollup never appear")
}

func TestGetSchema_UnknownTable(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.GetSchema(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestTableLocks_SerializesSameTable(t *testing.T) {
	locks := newTableLocks()
	tableID := uuid.New()

	unlock := locks.lock(tableID)

	acquired := make(chan struct{})
	go func() {
		innerUnlock := locks.lock(tableID)
		close(acquired)
		innerUnlock()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first was held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}
