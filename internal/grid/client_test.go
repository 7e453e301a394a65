package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/doppkit/internal/transfer"
	"github.com/tanq16/doppkit/internal/utils"
)

const testToken = "secret-token"

type fakeGrid struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
	forms    []map[string][]string
	closed   map[string]any
	parts    map[string][]byte
	mux      *http.ServeMux
}

func newFakeGrid(t *testing.T) *fakeGrid {
	fg := &fakeGrid{mux: http.NewServeMux(), parts: map[string][]byte{}}
	fg.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fg.mu.Lock()
		fg.requests = append(fg.requests, r.Clone(context.Background()))
		fg.mu.Unlock()
		fg.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(fg.Close)
	return fg
}

func (fg *fakeGrid) handleJSON(pattern string, body any) {
	fg.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
}

func (fg *fakeGrid) lastRequest(pathPrefix string) *http.Request {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	for i := len(fg.requests) - 1; i >= 0; i-- {
		if strings.HasPrefix(fg.requests[i].URL.Path, pathPrefix) {
			return fg.requests[i]
		}
	}
	return nil
}

func newTestClient(t *testing.T, fg *fakeGrid) *Client {
	t.Helper()
	httpClient := utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 10 * time.Second})
	return NewClient(Options{
		URL:        fg.URL + "/",
		Token:      testToken,
		HTTPClient: httpClient,
		Pool:       transfer.NewPool(httpClient, transfer.PoolOptions{Limit: 4, Directory: t.TempDir(), Courtesy: -1}),
		Uploader:   transfer.NewUploader(httpClient, transfer.UploaderOptions{BackoffUnit: time.Millisecond}),
	})
}

func TestGetAOIs(t *testing.T) {
	fg := newFakeGrid(t)
	fg.handleJSON("/api/v4/aois", map[string]any{"aois": []map[string]any{
		{"id": 1, "name": "Harbor", "notes": "coastal"},
		{"id": 2, "name": "Ridge", "notes": "alpine"},
	}})
	fg.handleJSON("/api/v4/aois/7", map[string]any{"aois": []map[string]any{
		{"id": 7, "name": "Delta", "exports": []map[string]any{{"id": 70}, {"pk": 71}}},
	}})
	client := newTestClient(t, fg)

	aois, err := client.GetAOIs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, aois, 2)
	assert.Equal(t, "Ridge", aois[1].Name)
	req := fg.lastRequest("/api/v4/aois")
	assert.Equal(t, "true", req.URL.Query().Get("export_full"))
	assert.Equal(t, "false", req.URL.Query().Get("intersections"))
	assert.Contains(t, req.Header.Get("User-Agent"), "doppkit/")

	aois, err = client.GetAOIs(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, aois, 1)
	assert.Equal(t, 70, aois[0].Exports[0].Key())
	assert.Equal(t, 71, aois[0].Exports[1].Key())
	assert.Equal(t, "false", fg.lastRequest("/api/v4/aois/7").URL.Query().Get("export_full"))
}

func TestGetAOIs_Errors(t *testing.T) {
	fg := newFakeGrid(t)
	fg.handleJSON("/api/v4/aois/1", map[string]any{"error": "AOI does not exist"})
	fg.mux.HandleFunc("/api/v4/aois/2", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	client := newTestClient(t, fg)

	_, err := client.GetAOIs(context.Background(), 1)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "AOI does not exist", apiErr.Message)
	assert.Zero(t, apiErr.StatusCode)

	_, err = client.GetAOIs(context.Background(), 2)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "boom", apiErr.Message)
}

func exportPayload(baseURL string) map[string]any {
	return map[string]any{"exports": []map[string]any{{
		"id":   56193,
		"name": "Export A",
		"exportfiles": []map[string]any{
			{"id": 11, "name": "dem.tif", "datatype": "raster", "filesize": 5, "url": baseURL + "/files/11", "storage_path": "/raster/dem/"},
			{"id": 12, "name": "about.tif", "datatype": "raster", "filesize": 6, "url": baseURL + "/files/12",
				"storage_name": "/u02/exports/user/9/56193/bits/we/care/about.tif"},
		},
		"auxfiles": []map[string]any{
			{"id": 13, "name": "readme.txt", "filesize": 3, "url": baseURL + "/files/13", "storage_path": "aux"},
		},
		"licensefiles": []map[string]any{
			{"name": "license.txt", "filesize": 4, "url": baseURL + "/files/license", "storage_path": "/"},
			{"name": "license.txt", "filesize": 4, "url": baseURL + "/files/license", "storage_path": "/"},
		},
	}, {
		"id":          56194,
		"name":        "Export B",
		"exportfiles": false,
		"auxfiles":    []map[string]any{},
	}}}
}

func TestGetExports(t *testing.T) {
	fg := newFakeGrid(t)
	fg.handleJSON("/api/v4/exports/56193", exportPayload(fg.URL))
	client := newTestClient(t, fg)

	downloads, err := client.GetExports(context.Background(), 56193)
	require.NoError(t, err)
	require.Len(t, downloads, 4)

	assert.Equal(t, 11, downloads[0].ID)
	assert.Equal(t, "Export A/raster/dem/dem.tif", downloads[0].SavePath)
	assert.Equal(t, int64(5), downloads[0].Total)
	assert.Equal(t, "dem.tif", downloads[0].Name)
	assert.Equal(t, "Export A/raster/bits/we/care/about.tif", downloads[1].SavePath)
	assert.Equal(t, "Export A/aux/readme.txt", downloads[2].SavePath)
	assert.Equal(t, "Export A/license.txt", downloads[3].SavePath)
	assert.Equal(t, "false", fg.lastRequest("/api/v4/exports").URL.Query().Get("file_geoms"))
}

func TestGetExports_ErrorPayload(t *testing.T) {
	fg := newFakeGrid(t)
	fg.handleJSON("/api/v4/exports/5", map[string]any{"error": "not yours"})
	client := newTestClient(t, fg)

	downloads, err := client.GetExports(context.Background(), 5)
	assert.NoError(t, err)
	assert.Empty(t, downloads)
}

func TestLegacyStoragePath(t *testing.T) {
	assert.Equal(t, "./raster/bits/we/care", legacyStoragePath("raster", "/u02/exports/u/9/56193/bits/we/care/about.tif", 56193))
	assert.Equal(t, "./vector", legacyStoragePath("vector", "/56193/file.shp", 56193))
	assert.Equal(t, "./mesh/other", legacyStoragePath("mesh", "/other/file.obj", 1))
}

func TestMakeExports(t *testing.T) {
	fg := newFakeGrid(t)
	fg.mux.HandleFunc("/api/v4/exports", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		fg.mu.Lock()
		fg.forms = append(fg.forms, r.PostForm)
		fg.mu.Unlock()
		_, _ = w.Write([]byte(`{"exports": [{"export_id": 99, "task_id": "abc-123"}]}`))
	})
	client := newTestClient(t, fg)

	aoi := AOI{
		ID:               7,
		RasterIntersects: []Product{{ID: 1}, {ID: 2}},
		VectorIntersects: []Product{{ID: 5}},
		MeshIntersects:   []Product{{ID: 9}},
	}
	started, err := client.MakeExports(context.Background(), aoi, "nightly", []string{"raster", "vector", "lidar", "raster"})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, Text("99"), started[0].ExportID)
	assert.Equal(t, Text("abc-123"), started[0].TaskID)

	fg.mu.Lock()
	form := fg.forms[0]
	fg.mu.Unlock()
	assert.Equal(t, []string{"7"}, form["aoi"])
	assert.Equal(t, []string{"1,2,5"}, form["products"])
	assert.Equal(t, []string{"nightly"}, form["name"])
	assert.Equal(t, []string{"true"}, form["intersections"])
	assert.Equal(t, []string{"false"}, form["intersection_geoms"])
	assert.Equal(t, "Bearer "+testToken, fg.lastRequest("/api/v4/exports").Header.Get("Authorization"))
}

func TestMakeExports_Rejected(t *testing.T) {
	fg := newFakeGrid(t)
	fg.mux.HandleFunc("/api/v4/exports", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": "no products"}`))
	})
	client := newTestClient(t, fg)

	_, err := client.MakeExports(context.Background(), AOI{ID: 1}, "x", nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "no products", apiErr.Message)
}

func TestCheckTask(t *testing.T) {
	fg := newFakeGrid(t)
	fg.handleJSON("/api/v4/tasks", map[string]any{"tasks": []map[string]any{
		{"name": "export", "object_id": 3, "state": "SUCCESS", "task_id": "t-1"},
	}})
	fg.handleJSON("/api/v4/tasks/t-2", map[string]any{"tasks": []map[string]any{
		{"name": "export", "object_id": 4, "state": "PENDING", "task_id": 2},
	}})
	client := newTestClient(t, fg)

	tasks, err := client.CheckTask(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "SUCCESS", tasks[0].State)
	assert.Equal(t, "task_id", fg.lastRequest("/api/v4/tasks").URL.Query().Get("sort"))

	tasks, err = client.CheckTask(context.Background(), "t-2")
	require.NoError(t, err)
	assert.Equal(t, Text("2"), tasks[0].TaskID)
}

func TestUploadAsset(t *testing.T) {
	fg := newFakeGrid(t)
	fg.handleJSON("/api/v4/upload/open/", map[string]any{"upload_id": "up-9"})
	fg.mux.HandleFunc("/api/v4/upload/get_urls/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "up-9", q.Get("upload_id"))
		assert.Equal(t, "3", q.Get("nparts"))
		assert.Equal(t, "assets/site/scan.bin", q.Get("key"))
		parts := []map[string]any{}
		for _, n := range []int{3, 1, 2} {
			parts = append(parts, map[string]any{"part": n, "url": fmt.Sprintf("%s/presign/%d?uploadId=up-9&partNumber=%d", fg.URL, n, n)})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"parts": parts})
	})
	fg.mux.HandleFunc("/presign/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/store/"+strings.TrimPrefix(r.URL.Path, "/presign/"))
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	fg.mux.HandleFunc("/store/", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		part := strings.TrimPrefix(r.URL.Path, "/store/")
		fg.mu.Lock()
		fg.parts[part] = data
		fg.mu.Unlock()
		w.Header().Set("ETag", "e"+part)
	})
	fg.mux.HandleFunc("/api/v4/upload/close/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		fg.mu.Lock()
		fg.closed = body
		fg.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	})
	client := newTestClient(t, fg)

	path := filepath.Join(t.TempDir(), "scan.bin")
	require.NoError(t, os.WriteFile(path, []byte("abcdefghij"), 0644))
	require.NoError(t, client.UploadAsset(context.Background(), path, "/assets/site/", 4, nil))

	fg.mu.Lock()
	defer fg.mu.Unlock()
	assert.Equal(t, "abcd", string(fg.parts["1"]))
	assert.Equal(t, "efgh", string(fg.parts["2"]))
	assert.Equal(t, "ij", string(fg.parts["3"]))
	assert.Equal(t, "up-9", fg.closed["upload_id"])
	assert.Equal(t, "assets/site/scan.bin", fg.closed["key"])
	info, ok := fg.closed["upload_info"].([]any)
	require.True(t, ok)
	require.Len(t, info, 3)
	assert.Equal(t, map[string]any{"PartNumber": float64(1), "ETag": "e1"}, info[0])
	assert.Equal(t, map[string]any{"PartNumber": float64(3), "ETag": "e3"}, info[2])
}

func TestUploadAsset_OpenFails(t *testing.T) {
	fg := newFakeGrid(t)
	fg.handleJSON("/api/v4/upload/open/", map[string]any{"error": "quota exceeded"})
	client := newTestClient(t, fg)

	path := filepath.Join(t.TempDir(), "scan.bin")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	err := client.UploadAsset(context.Background(), path, "", 0, nil)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "quota exceeded", apiErr.Message)
}
