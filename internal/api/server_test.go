package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/objcat/objcat/internal/catalog"
	"github.com/objcat/objcat/internal/connections"
	"github.com/objcat/objcat/internal/events"
	"github.com/objcat/objcat/internal/mutate"
	"github.com/objcat/objcat/internal/query"
	"github.com/objcat/objcat/internal/remote"
	"github.com/objcat/objcat/internal/syncer"
)

// fakeRemote is a minimal in-memory object store for handler tests.
type fakeRemote struct {
	objects map[string][]byte
}

func (f *fakeRemote) List(ctx context.Context, token string) (*remote.ListPage, error) {
	page := &remote.ListPage{}
	for key, data := range f.objects {
		page.Entries = append(page.Entries, remote.ObjectDescriptor{
			Key: key, Size: int64(len(data)),
		})
	}
	return page, nil
}

func (f *fakeRemote) Head(ctx context.Context, key string) (*remote.ObjectMeta, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, remote.NotFoundError{Key: key}
	}
	return &remote.ObjectMeta{Size: int64(len(data))}, nil
}

func (f *fakeRemote) Get(ctx context.Context, key string) (io.ReadCloser, *remote.ObjectMeta, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, nil, remote.NotFoundError{Key: key}
	}
	return io.NopCloser(bytes.NewReader(data)), &remote.ObjectMeta{Size: int64(len(data))}, nil
}

func (f *fakeRemote) Put(ctx context.Context, key string, body io.Reader, size int64, opts remote.PutOptions) (*remote.ObjectMeta, error) {
	data := []byte{}
	if body != nil {
		data, _ = io.ReadAll(body)
	}
	f.objects[key] = data
	return &remote.ObjectMeta{Size: int64(len(data))}, nil
}

func (f *fakeRemote) Copy(ctx context.Context, srcKey, dstKey string) error {
	data, ok := f.objects[srcKey]
	if !ok {
		return remote.NotFoundError{Key: srcKey}
	}
	f.objects[dstKey] = append([]byte(nil), data...)
	return nil
}

func (f *fakeRemote) DeleteMany(ctx context.Context, keys []string) ([]remote.DeleteResult, error) {
	results := make([]remote.DeleteResult, len(keys))
	for i, k := range keys {
		delete(f.objects, k)
		results[i] = remote.DeleteResult{Key: k}
	}
	return results, nil
}

func newTestServer(t *testing.T, store *fakeRemote) (http.Handler, int64) {
	t.Helper()
	cat, err := catalog.Open(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	conns, err := connections.NewStore(cat.DB())
	if err != nil {
		t.Fatalf("connections store: %v", err)
	}
	row, err := conns.Create(context.Background(), connections.Row{
		Name: "test", Region: "us-east-1", Bucket: "bucket",
		AccessKeyID: "AKIAEXAMPLE", SecretAccessKey: "topsecret",
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}

	dial := func(ctx context.Context, cfg remote.Config) (remote.Store, error) {
		return store, nil
	}
	broadcaster := events.NewBroadcaster()
	mutateEngine := mutate.New(cat, conns, dial, broadcaster)
	t.Cleanup(mutateEngine.Wait)

	srv := NewServer(conns,
		syncer.New(cat, conns, dial),
		query.New(cat),
		mutateEngine,
		broadcaster, 0, 0)
	return srv.Handler(), row.ID
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSyncThenListObjects(t *testing.T) {
	store := &fakeRemote{objects: map[string][]byte{
		"docs/a.txt": []byte("aaa"),
		"b.txt":      []byte("b"),
	}}
	h, connID := newTestServer(t, store)

	rec := doJSON(t, h, "POST", fmt.Sprintf("/api/v1/connections/%d/sync", connID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d: %s", rec.Code, rec.Body)
	}

	rec = doJSON(t, h, "GET", fmt.Sprintf("/api/v1/objects?connectionId=%d", connID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body)
	}

	var page struct {
		HasNextPage bool             `json:"hasNextPage"`
		Items       []*catalog.Entry `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Root listing: the synthesized docs/ folder sorts before the file.
	if len(page.Items) != 2 {
		t.Fatalf("items = %d, want 2", len(page.Items))
	}
	if page.Items[0].Path != "docs/" || page.Items[1].Path != "b.txt" {
		t.Errorf("order = [%s, %s]", page.Items[0].Path, page.Items[1].Path)
	}
}

func TestCreateFolderEndpoint(t *testing.T) {
	store := &fakeRemote{objects: map[string][]byte{}}
	h, connID := newTestServer(t, store)

	rec := doJSON(t, h, "POST", "/api/v1/folders", map[string]any{
		"connectionId": connID,
		"basename":     "media",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	var entry catalog.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if entry.Path != "media/" {
		t.Errorf("path = %q", entry.Path)
	}
	if _, ok := store.objects["media/"]; !ok {
		t.Error("remote marker not written")
	}

	// Missing parent maps to 404.
	rec = doJSON(t, h, "POST", "/api/v1/folders", map[string]any{
		"connectionId": connID,
		"dirname":      "nope",
		"basename":     "child",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing parent status = %d, want 404", rec.Code)
	}
}

func TestConnectionResponsesOmitSecrets(t *testing.T) {
	h, _ := newTestServer(t, &fakeRemote{objects: map[string][]byte{}})

	rec := doJSON(t, h, "POST", "/api/v1/connections", map[string]any{
		"name":            "second",
		"region":          "eu-west-1",
		"bucket":          "assets",
		"accessKeyId":     "AKIASECOND",
		"secretAccessKey": "hunter2",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	if body := rec.Body.String(); strings.Contains(body, "hunter2") || strings.Contains(body, "AKIASECOND") {
		t.Errorf("create response leaks credentials: %s", body)
	}

	rec = doJSON(t, h, "GET", "/api/v1/connections", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	if body := rec.Body.String(); strings.Contains(body, "topsecret") || strings.Contains(body, "hunter2") {
		t.Errorf("list response leaks credentials: %s", body)
	}
}

func TestErrorMapping(t *testing.T) {
	h, connID := newTestServer(t, &fakeRemote{objects: map[string][]byte{}})

	// Unknown connection
	rec := doJSON(t, h, "POST", "/api/v1/connections/9999/sync", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown connection status = %d, want 404", rec.Code)
	}

	// Unknown object id
	rec = doJSON(t, h, "POST", "/api/v1/objects/delete", map[string]any{
		"connectionId": connID,
		"ids":          []string{"ghost"},
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown object status = %d, want 404", rec.Code)
	}

	// Unknown cursor
	rec = doJSON(t, h, "GET",
		fmt.Sprintf("/api/v1/objects?connectionId=%d&after=ghost", connID), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown cursor status = %d, want 404", rec.Code)
	}

	// Malformed body
	req := httptest.NewRequest("POST", "/api/v1/folders", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rr.Code)
	}
}

func TestCopyEndpoint(t *testing.T) {
	store := &fakeRemote{objects: map[string][]byte{}}
	h, connID := newTestServer(t, store)

	store.objects["a.txt"] = []byte("data")
	store.objects["dst/"] = nil
	rec := doJSON(t, h, "POST", fmt.Sprintf("/api/v1/connections/%d/sync", connID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}

	rec = doJSON(t, h, "GET", fmt.Sprintf("/api/v1/objects?connectionId=%d", connID), nil)
	var page struct {
		Items []*catalog.Entry `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var fileID string
	for _, item := range page.Items {
		if item.Path == "a.txt" {
			fileID = item.ID
		}
	}
	if fileID == "" {
		t.Fatalf("a.txt not in listing: %s", rec.Body)
	}

	rec = doJSON(t, h, "POST", "/api/v1/objects/copy", map[string]any{
		"connectionId":  connID,
		"sourceIds":     []string{fileID},
		"targetDirname": "dst",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("copy status = %d: %s", rec.Code, rec.Body)
	}
	if _, ok := store.objects["dst/a.txt"]; !ok {
		t.Error("remote copy missing")
	}
}
