package cdf

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cognitedata/cdffs/internal/retry"
	"github.com/cognitedata/cdffs/internal/storage"
)

type fakeAPI struct {
	t *testing.T

	mu       sync.Mutex
	requests map[string][]map[string]any
	handlers map[string]func(w http.ResponseWriter, body map[string]any)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	f := &fakeAPI{
		t:        t,
		requests: make(map[string][]map[string]any),
		handlers: make(map[string]func(http.ResponseWriter, map[string]any)),
	}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer secret-token" {
		f.t.Errorf("Authorization = %q", got)
	}
	var body map[string]any
	raw, _ := io.ReadAll(r.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			f.t.Errorf("decode %s: %v", r.URL.Path, err)
		}
	}

	key := r.URL.Path
	if r.URL.RawQuery != "" {
		key += "?" + r.URL.RawQuery
	}
	f.mu.Lock()
	f.requests[key] = append(f.requests[key], body)
	h := f.handlers[key]
	f.mu.Unlock()

	if h == nil {
		w.Write([]byte("{}"))
		return
	}
	h(w, body)
}

func (f *fakeAPI) handle(key string, h func(w http.ResponseWriter, body map[string]any)) {
	f.mu.Lock()
	f.handlers[key] = h
	f.mu.Unlock()
}

func (f *fakeAPI) calls(key string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[key]
}

func newTestStore(t *testing.T, baseURL string) *Store {
	t.Helper()
	s, err := New(Config{
		BaseURL: baseURL,
		Project: "proj",
		Token:   "secret-token",
		Retry:   retry.Config{MaxAttempts: 3, InitialWait: time.Millisecond, Multiplier: 1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Config{BaseURL: "http://x", Project: "p"}); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := New(Config{Token: "t"}); err == nil {
		t.Error("expected error without base url")
	}
}

func TestCreateObject(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.handle("/api/v1/projects/proj/files?overwrite=true", func(w http.ResponseWriter, body map[string]any) {
		writeJSON(w, map[string]any{"id": 42, "externalId": body["externalId"], "uploadUrl": "https://blob/upload?sig=1"})
	})
	s := newTestStore(t, srv.URL)

	target, err := s.CreateObject(context.Background(), storage.FileMetadata{
		ExternalID: "a.csv",
		Name:       "a.csv",
		Directory:  "/data",
		MimeType:   "text/csv",
		DataSetID:  7,
	})
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if target.ID != 42 || target.UploadURL != "https://blob/upload?sig=1" || target.MimeType != "text/csv" {
		t.Errorf("target = %+v", target)
	}

	calls := api.calls("/api/v1/projects/proj/files?overwrite=true")
	if len(calls) != 1 {
		t.Fatalf("got %d create calls", len(calls))
	}
	body := calls[0]
	if body["directory"] != "/data" || body["mimeType"] != "text/csv" || body["dataSetId"] != float64(7) {
		t.Errorf("create body = %v", body)
	}
}

func TestListObjects_Paginates(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.handle("/api/v1/projects/proj/files/list", func(w http.ResponseWriter, body map[string]any) {
		if body["cursor"] == nil {
			writeJSON(w, map[string]any{
				"items":      []map[string]any{{"externalId": "a.csv", "directory": "/data", "metadata": map[string]string{"size": "3"}}},
				"nextCursor": "page2",
			})
			return
		}
		writeJSON(w, map[string]any{
			"items": []map[string]any{{"externalId": "b.csv", "directory": "/data"}},
		})
	})
	s := newTestStore(t, srv.URL)

	objs, err := s.ListObjects(context.Background(), storage.ListQuery{DirectoryPrefix: "/data", Limit: storage.NoLimit})
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 2 || objs[0].ExternalID != "a.csv" || objs[1].ExternalID != "b.csv" {
		t.Fatalf("objects = %+v", objs)
	}
	if objs[0].Size() != 3 || objs[1].Size() != -1 {
		t.Errorf("sizes = %d, %d", objs[0].Size(), objs[1].Size())
	}

	calls := api.calls("/api/v1/projects/proj/files/list")
	if len(calls) != 2 {
		t.Fatalf("got %d list calls, want 2", len(calls))
	}
	filter, _ := calls[0]["filter"].(map[string]any)
	if filter["directoryPrefix"] != "/data" {
		t.Errorf("filter = %v", filter)
	}
	if _, ok := filter["externalIdPrefix"]; ok {
		t.Error("empty externalIdPrefix should not be sent")
	}
	if calls[1]["cursor"] != "page2" {
		t.Errorf("second page cursor = %v", calls[1]["cursor"])
	}
}

func TestListObjects_LimitStopsPaging(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.handle("/api/v1/projects/proj/files/list", func(w http.ResponseWriter, body map[string]any) {
		writeJSON(w, map[string]any{
			"items":      []map[string]any{{"externalId": "a.csv"}},
			"nextCursor": "more",
		})
	})
	s := newTestStore(t, srv.URL)

	objs, err := s.ListObjects(context.Background(), storage.ListQuery{Limit: 1})
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(objs) != 1 {
		t.Errorf("got %d objects", len(objs))
	}
	calls := api.calls("/api/v1/projects/proj/files/list")
	if len(calls) != 1 || calls[0]["limit"] != float64(1) {
		t.Errorf("list calls = %v", calls)
	}
}

func TestDownloadURL(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.handle("/api/v1/projects/proj/files/downloadlink", func(w http.ResponseWriter, body map[string]any) {
		writeJSON(w, map[string]any{"items": []map[string]any{{"externalId": "a.csv", "downloadUrl": "https://blob/a"}}})
	})
	s := newTestStore(t, srv.URL)

	u, err := s.DownloadURL(context.Background(), "a.csv")
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if u != "https://blob/a" {
		t.Errorf("url = %q", u)
	}
}

func TestDelete_MissingIsNotFound(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.handle("/api/v1/projects/proj/files/delete", func(w http.ResponseWriter, body map[string]any) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"error": map[string]any{
			"code": 400, "message": "Files not found", "missing": []map[string]string{{"externalId": "nope"}},
		}})
	})
	s := newTestStore(t, srv.URL)

	err := s.Delete(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Delete error = %v, want ErrNotFound", err)
	}
	if n := len(api.calls("/api/v1/projects/proj/files/delete")); n != 1 {
		t.Errorf("missing ids should not be retried, got %d calls", n)
	}
}

func TestUpdateMetadata_Shape(t *testing.T) {
	api, srv := newFakeAPI(t)
	s := newTestStore(t, srv.URL)

	if err := s.UpdateMetadata(context.Background(), "a.csv", map[string]string{"size": "17"}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	calls := api.calls("/api/v1/projects/proj/files/update")
	if len(calls) != 1 {
		t.Fatalf("got %d update calls", len(calls))
	}
	raw, _ := json.Marshal(calls[0])
	want := `{"items":[{"externalId":"a.csv","update":{"metadata":{"add":{"size":"17"}}}}]}`
	if string(raw) != want {
		t.Errorf("update body = %s, want %s", raw, want)
	}
}

func TestRetrieve(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.handle("/api/v1/projects/proj/files/byids", func(w http.ResponseWriter, body map[string]any) {
		if body["ignoreUnknownIds"] != true {
			t.Errorf("ignoreUnknownIds = %v", body["ignoreUnknownIds"])
		}
		items := body["items"].([]any)
		id := items[0].(map[string]any)["externalId"]
		if id == "a.csv" {
			writeJSON(w, map[string]any{"items": []map[string]any{{"externalId": "a.csv"}}})
			return
		}
		writeJSON(w, map[string]any{"items": []any{}})
	})
	s := newTestStore(t, srv.URL)

	if ok, err := s.Retrieve(context.Background(), "a.csv"); err != nil || !ok {
		t.Errorf("Retrieve(a.csv) = %v, %v", ok, err)
	}
	if ok, err := s.Retrieve(context.Background(), "b.csv"); err != nil || ok {
		t.Errorf("Retrieve(b.csv) = %v, %v", ok, err)
	}
}

func TestCall_RetriesServerErrors(t *testing.T) {
	api, srv := newFakeAPI(t)
	var mu sync.Mutex
	attempts := 0
	api.handle("/api/v1/projects/proj/files/update", func(w http.ResponseWriter, body map[string]any) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("{}"))
	})
	s := newTestStore(t, srv.URL)

	if err := s.UpdateMetadata(context.Background(), "a.csv", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestCall_ExhaustedIsPermanent(t *testing.T) {
	api, srv := newFakeAPI(t)
	api.handle("/api/v1/projects/proj/files/update", func(w http.ResponseWriter, body map[string]any) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	s := newTestStore(t, srv.URL)

	err := s.UpdateMetadata(context.Background(), "a.csv", map[string]string{"k": "v"})
	if err == nil {
		t.Fatal("expected error")
	}
	if retry.IsRetryable(err) {
		t.Errorf("error after spent budget is still retryable: %v", err)
	}
	if n := len(api.calls("/api/v1/projects/proj/files/update")); n != 3 {
		t.Errorf("files/update calls = %d, want 3", n)
	}
}

func TestUploadBytes(t *testing.T) {
	var uploaded []byte
	var contentType string
	blob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s", r.Method)
		}
		uploaded, _ = io.ReadAll(r.Body)
		contentType = r.Header.Get("Content-Type")
	}))
	defer blob.Close()

	api, srv := newFakeAPI(t)
	api.handle("/api/v1/projects/proj/files?overwrite=true", func(w http.ResponseWriter, body map[string]any) {
		writeJSON(w, map[string]any{"id": 1, "externalId": "a.txt", "uploadUrl": blob.URL + "/a?sig=1"})
	})
	s := newTestStore(t, srv.URL)

	err := s.UploadBytes(context.Background(), storage.FileMetadata{ExternalID: "a.txt", MimeType: "text/plain"}, []byte("hello"))
	if err != nil {
		t.Fatalf("UploadBytes: %v", err)
	}
	if string(uploaded) != "hello" || contentType != "text/plain" {
		t.Errorf("blob got %q (%s)", uploaded, contentType)
	}
}
