package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changecache/internal/auth"
	"changecache/internal/changecache"
	"changecache/internal/models"
)

// mockEntityService backs the handlers with a real change cache and a map
type mockEntityService struct {
	rev      int64
	entities map[string]models.Entity
	changes  *changecache.Cache[string]
	failPut  error

	deletedBy string
}

func newMockEntityService() *mockEntityService {
	return &mockEntityService{
		rev:      1,
		entities: map[string]models.Entity{},
		changes:  changecache.New[string]("handlers-test", 1),
	}
}

func (m *mockEntityService) GetEntity(ctx context.Context, id string) (models.Entity, error) {
	if e, ok := m.entities[id]; ok {
		return e, nil
	}
	return models.Entity{}, errors.NotFoundf("entity %q", id)
}

func (m *mockEntityService) GetEntities(ctx context.Context, ids []string) (map[string]models.Entity, error) {
	out := map[string]models.Entity{}
	for _, id := range ids {
		if e, ok := m.entities[id]; ok {
			out[id] = e
		}
	}
	return out, nil
}

func (m *mockEntityService) PutEntity(ctx context.Context, id string, data json.RawMessage, by string) (models.Entity, error) {
	if m.failPut != nil {
		return models.Entity{}, m.failPut
	}
	m.rev++
	e := models.Entity{ID: id, Data: data, Revision: uint64(m.rev), UpdatedBy: by}
	m.entities[id] = e
	m.changes.EntityHasChanged(id, m.rev)
	return e, nil
}

func (m *mockEntityService) DeleteEntity(ctx context.Context, id string, by string) error {
	m.deletedBy = by
	m.rev++
	delete(m.entities, id)
	m.changes.EntityHasChanged(id, m.rev)
	return nil
}

func (m *mockEntityService) ChangesSince(pos int64) ([]string, bool) {
	return m.changes.AllEntitiesChanged(pos)
}

func (m *mockEntityService) HasChanged(id string, pos int64) (bool, int64) {
	return m.changes.HasEntityChanged(id, pos), m.changes.MaxPosOfLastChange(id)
}

func (m *mockEntityService) HasAnyChanged(pos int64) bool {
	return m.changes.HasAnyEntityChanged(pos)
}

func (m *mockEntityService) ChangedAmong(ids []string, pos int64) ([]string, bool) {
	var out []string
	changed := m.changes.EntitiesChanged(ids, pos)
	for _, id := range ids {
		if _, ok := changed[id]; ok {
			out = append(out, id)
		}
	}
	return out, pos >= m.changes.EarliestKnownPosition()
}

func (m *mockEntityService) Position(ctx context.Context) (int64, error) { return m.rev, nil }

func newTestRouter(svc EntityService) *mux.Router {
	r := mux.NewRouter()
	NewEntityHandler(svc).Register(r, nil)
	return r
}

func do(t *testing.T, r http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestPutAndGetEntity(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)

	rr := do(t, r, http.MethodPut, "/api/v1/entities/user@foo.com", map[string]any{"name": "foo"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, r, http.MethodGet, "/api/v1/entities/user@foo.com", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp models.EntityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"name":"foo"}`, string(resp.Data["user@foo.com"].Data))
	assert.Equal(t, uint64(2), resp.Data["user@foo.com"].Revision)
}

func TestGetEntity_NotFound(t *testing.T) {
	rr := do(t, newTestRouter(newMockEntityService()), http.MethodGet, "/api/v1/entities/nobody", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPutEntity_InvalidJSON(t *testing.T) {
	r := newTestRouter(newMockEntityService())
	req := httptest.NewRequest(http.MethodPut, "/api/v1/entities/a", bytes.NewBufferString("{nope"))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPutEntity_Errors(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)

	svc.failPut = errors.NotValidf("entity")
	rr := do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	svc.failPut = errors.New("store down")
	rr = do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestDeleteEntity(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)
	do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{})

	rr := do(t, r, http.MethodDelete, "/api/v1/entities/a", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	_, ok := svc.entities["a"]
	assert.False(t, ok)
}

func TestBatchEntities(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)
	do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{})
	do(t, r, http.MethodPut, "/api/v1/entities/b", map[string]any{})

	rr := do(t, r, http.MethodPost, "/api/v1/entities/batch", BatchRequest{IDs: []string{"a", "b", "c"}})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.EntityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Data, 2)

	rr = do(t, r, http.MethodPost, "/api/v1/entities/batch", BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChangesSince(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)
	for _, id := range []string{"user@foo.com", "bar@baz.net", "user@elsewhere.org"} {
		do(t, r, http.MethodPut, "/api/v1/entities/"+id, map[string]any{})
	}

	tests := []struct {
		since string
		known bool
		want  []string
	}{
		{"1", true, []string{"user@foo.com", "bar@baz.net", "user@elsewhere.org"}},
		{"2", true, []string{"bar@baz.net", "user@elsewhere.org"}},
		{"3", true, []string{"user@elsewhere.org"}},
		{"4", true, []string{}},
		{"0", false, []string{}},
	}
	for _, tt := range tests {
		rr := do(t, r, http.MethodGet, "/api/v1/changes?since="+tt.since, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var resp models.ChangesResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, tt.known, resp.Known, "since=%s", tt.since)
		assert.Equal(t, tt.want, resp.Entities, "since=%s", tt.since)
	}
}

func TestChangesSince_BadParam(t *testing.T) {
	r := newTestRouter(newMockEntityService())
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/v1/changes", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/v1/changes?since=abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, r, http.MethodGet, "/api/v1/changes/any?since=", nil).Code)
}

func TestHasAnyChanged(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)

	// Empty: false even below the horizon.
	var resp models.ChangedResponse
	rr := do(t, r, http.MethodGet, "/api/v1/changes/any?since=0", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Changed)

	do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{})

	rr = do(t, r, http.MethodGet, "/api/v1/changes/any?since=1", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)

	rr = do(t, r, http.MethodGet, "/api/v1/changes/any?since=2", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Changed)
}

func TestHasChanged(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)
	do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{})

	var resp models.ChangedResponse
	rr := do(t, r, http.MethodGet, "/api/v1/changes/a?since=1", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Changed)
	assert.Equal(t, int64(2), resp.LastChange)

	rr = do(t, r, http.MethodGet, "/api/v1/changes/unknown?since=2", nil)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Changed)
	assert.Equal(t, int64(1), resp.LastChange)
}

func TestQueryChanged(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)
	do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{}) // 2
	do(t, r, http.MethodPut, "/api/v1/entities/b", map[string]any{}) // 3

	since := int64(2)
	rr := do(t, r, http.MethodPost, "/api/v1/changes/query", ChangedQueryRequest{IDs: []string{"a", "b", "c"}, Since: &since})
	require.Equal(t, http.StatusOK, rr.Code)
	var resp models.ChangesResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Known)
	assert.Equal(t, []string{"b", "c"}, resp.Entities)

	// Below the horizon every id comes back and the answer is flagged.
	since = 0
	rr = do(t, r, http.MethodPost, "/api/v1/changes/query", ChangedQueryRequest{IDs: []string{"a", "b"}, Since: &since})
	require.Equal(t, http.StatusOK, rr.Code)
	resp = models.ChangesResponse{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Known)
	assert.Equal(t, []string{"a", "b"}, resp.Entities)

	since = 3
	rr = do(t, r, http.MethodPost, "/api/v1/changes/query", ChangedQueryRequest{IDs: []string{"a"}, Since: &since})
	resp = models.ChangesResponse{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Known)
	assert.Equal(t, []string{}, resp.Entities)

	rr = do(t, r, http.MethodPost, "/api/v1/changes/query", ChangedQueryRequest{IDs: []string{"a"}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPosition(t *testing.T) {
	svc := newMockEntityService()
	r := newTestRouter(svc)
	do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{})

	rr := do(t, r, http.MethodGet, "/api/v1/position", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Position int64 `json:"position"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, int64(2), resp.Position)
}

func TestHasChanged_ZeroLastChange(t *testing.T) {
	svc := newMockEntityService()
	svc.changes = changecache.New[string]("handlers-zero", 0)
	r := newTestRouter(svc)

	rr := do(t, r, http.MethodGet, "/api/v1/changes/a?since=0", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"success":true,"entity":"a","since":0,"changed":false,"last_change":0}`, rr.Body.String())
}

func TestWriteRoutesRequireToken(t *testing.T) {
	svc := newMockEntityService()
	jwtmw := auth.NewJWTMiddleware("secret", "changecache-service", time.Hour)
	r := mux.NewRouter()
	NewEntityHandler(svc).Register(r, jwtmw.Authenticate)

	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodDelete, "/api/v1/entities/a", nil).Code)
	assert.Empty(t, svc.entities)

	token, err := jwtmw.IssueToken("writer@foo.com")
	require.NoError(t, err)
	withToken := func(method, target string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req := httptest.NewRequest(method, target, &buf)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, req)
		return rr
	}

	rr := withToken(http.MethodPut, "/api/v1/entities/a", map[string]any{"v": 1})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp models.EntityResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "writer@foo.com", resp.Data["a"].UpdatedBy)

	// Reads stay open.
	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/api/v1/entities/a", nil).Code)

	rr = withToken(http.MethodDelete, "/api/v1/entities/a", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "writer@foo.com", svc.deletedBy)
}

func TestRegister_WriteMiddleware(t *testing.T) {
	r := mux.NewRouter()
	deny := func(http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnauthorized) })
	}
	NewEntityHandler(newMockEntityService()).Register(r, deny)

	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodPut, "/api/v1/entities/a", map[string]any{}).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodDelete, "/api/v1/entities/a", nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, r, http.MethodGet, "/api/v1/entities/a", nil).Code)
}
