package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/doppkit/internal/utils"
)

func TestPlanChunks(t *testing.T) {
	chunks, err := PlanChunks(25_000_000, 10_000_000)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	wantLengths := []int64{10_000_000, 10_000_000, 5_000_000}
	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, i+1, chunk.PartNumber)
		assert.Equal(t, int64(i)*10_000_000, chunk.Offset)
		assert.Equal(t, wantLengths[i], chunk.Length)
	}

	chunks, err = PlanChunks(20, 10)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)

	chunks, err = PlanChunks(0, 10)
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = PlanChunks(10, 0)
	assert.ErrorIs(t, err, utils.ErrInvalidChunkSize)
}

// dropConnection makes the data handler close the connection without a response.
const dropConnection = -1

// partServer imitates the presigned handshake: a PUT to /presign/<part>
// answers with a redirect to /data/<part>, where the bytes are stored.
type partServer struct {
	*httptest.Server
	mu         sync.Mutex
	parts      map[string][]byte
	handshakes []map[string]string
	headers    []http.Header
	attempts   map[string]int
	dataStatus func(part string, attempt int) int
}

func newPartServer(t *testing.T) *partServer {
	ps := &partServer{parts: map[string][]byte{}, attempts: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/presign/", func(w http.ResponseWriter, r *http.Request) {
		part := strings.TrimPrefix(r.URL.Path, "/presign/")
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ps.mu.Lock()
		ps.handshakes = append(ps.handshakes, body)
		ps.headers = append(ps.headers, r.Header.Clone())
		ps.mu.Unlock()
		w.Header().Set("Location", "/data/"+part)
		w.WriteHeader(http.StatusTemporaryRedirect)
	})
	mux.HandleFunc("/data/", func(w http.ResponseWriter, r *http.Request) {
		part := strings.TrimPrefix(r.URL.Path, "/data/")
		data, _ := io.ReadAll(r.Body)
		ps.mu.Lock()
		ps.attempts[part]++
		attempt := ps.attempts[part]
		ps.mu.Unlock()
		if ps.dataStatus != nil {
			status := ps.dataStatus(part, attempt)
			if status == dropConnection {
				hj, ok := w.(http.Hijacker)
				if !assert.True(t, ok) {
					return
				}
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
				return
			}
			if status != http.StatusOK {
				w.WriteHeader(status)
				return
			}
		}
		if r.ContentLength != int64(len(data)) {
			http.Error(w, "length mismatch", http.StatusBadRequest)
			return
		}
		// later parts answer first so completion order differs from part order
		if part == "1" {
			time.Sleep(30 * time.Millisecond)
		}
		ps.mu.Lock()
		ps.parts[part] = data
		ps.mu.Unlock()
		w.Header().Set("ETag", `"etag-`+part+`"`)
		w.WriteHeader(http.StatusOK)
	})
	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

func (ps *partServer) part(name string) []byte {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.parts[name]
}

func (ps *partServer) attemptsFor(name string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.attempts[name]
}

func (ps *partServer) handshakeCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.handshakes)
}

func (ps *partServer) urls(n int) []string {
	urls := make([]string, n)
	for i := range urls {
		urls[i] = fmt.Sprintf("%s/presign/%d?uploadId=up-1&partNumber=%d&X-Amz-Signature=sig", ps.URL, i+1, i+1)
	}
	return urls
}

func writeTempFile(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "asset.bin")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func newTestUploader() *Uploader {
	client := utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 10 * time.Second})
	return NewUploader(client, UploaderOptions{BackoffUnit: time.Millisecond})
}

func TestUpload_OrderedManifest(t *testing.T) {
	ps := newPartServer(t)
	data := []byte("0123456789")
	path := writeTempFile(t, data)
	auth := http.Header{"Authorization": []string{"Bearer token-1"}}

	recorder := &progressRecorder{}
	manifest, err := newTestUploader().Upload(context.Background(), path, ps.urls(3), 4, auth, recorder)
	require.NoError(t, err)

	require.Len(t, manifest, 3)
	for i, part := range manifest {
		assert.Equal(t, i+1, part.PartNumber)
		assert.Equal(t, fmt.Sprintf(`"etag-%d"`, i+1), part.ETag)
	}
	assert.Equal(t, "0123", string(ps.part("1")))
	assert.Equal(t, "4567", string(ps.part("2")))
	assert.Equal(t, "89", string(ps.part("3")))

	require.Equal(t, 3, ps.handshakeCount())
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for i, body := range ps.handshakes {
		assert.Equal(t, "up-1", body["uploadId"])
		assert.Equal(t, "sig", body["X-Amz-Signature"])
		assert.Equal(t, "application/json", ps.headers[i].Get("CONTENT_TYPE"))
		assert.Equal(t, "Bearer token-1", ps.headers[i].Get("HTTP_AUTHORIZATION"))
		assert.Equal(t, "Bearer token-1", ps.headers[i].Get("Authorization"))
	}
	assert.Len(t, auth, 1, "caller headers must not be modified")

	recorder.assertWellFormed(t)
	total, ok := recorder.total(path, path)
	require.True(t, ok)
	assert.Equal(t, int64(len(data)), total)
	events := recorder.snapshot()
	assert.Equal(t, int64(len(data)), events[len(events)-2].value)

	encoded, err := json.Marshal(manifest)
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `{"PartNumber":1,"ETag":"\"etag-1\""}`)
}

func TestUpload_RetriesTransientFailures(t *testing.T) {
	ps := newPartServer(t)
	ps.dataStatus = func(part string, attempt int) int {
		if attempt < 3 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}
	path := writeTempFile(t, []byte("abcdef"))

	manifest, err := newTestUploader().Upload(context.Background(), path, ps.urls(2), 3, nil, nil)
	require.NoError(t, err)
	assert.Len(t, manifest, 2)
	assert.Equal(t, 3, ps.attemptsFor("1"))
	assert.Equal(t, 3, ps.attemptsFor("2"))
}

func TestUpload_RetriesDroppedConnections(t *testing.T) {
	ps := newPartServer(t)
	ps.dataStatus = func(part string, attempt int) int {
		if attempt < 3 {
			return dropConnection
		}
		return http.StatusOK
	}
	path := writeTempFile(t, []byte("abc"))

	manifest, err := newTestUploader().Upload(context.Background(), path, ps.urls(1), 10, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Manifest{{PartNumber: 1, ETag: `"etag-1"`}}, manifest)
	assert.Equal(t, 3, ps.attemptsFor("1"))
	assert.Equal(t, "abc", string(ps.part("1")))
}

func TestUpload_FailsAfterAttemptBudget(t *testing.T) {
	ps := newPartServer(t)
	ps.dataStatus = func(string, int) int { return http.StatusBadGateway }
	path := writeTempFile(t, []byte("abc"))

	recorder := &progressRecorder{}
	manifest, err := newTestUploader().Upload(context.Background(), path, ps.urls(1), 10, nil, recorder)
	require.Error(t, err)
	assert.Nil(t, manifest)

	var chunkErr *ChunkError
	require.True(t, errors.As(err, &chunkErr))
	assert.Equal(t, path, chunkErr.Path)
	assert.Equal(t, 0, chunkErr.Index)
	assert.Equal(t, 10, chunkErr.Attempts)
	assert.Equal(t, 10, ps.attemptsFor("1"))
	recorder.assertWellFormed(t)
}

func TestUpload_ClientErrorsAreNotRetried(t *testing.T) {
	ps := newPartServer(t)
	ps.dataStatus = func(string, int) int { return http.StatusForbidden }
	path := writeTempFile(t, []byte("abc"))

	_, err := newTestUploader().Upload(context.Background(), path, ps.urls(1), 10, nil, nil)
	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 1, chunkErr.Attempts)
	assert.Equal(t, 1, ps.attemptsFor("1"))
}

func TestUpload_PartCountMismatch(t *testing.T) {
	ps := newPartServer(t)
	path := writeTempFile(t, []byte("0123456789"))

	_, err := newTestUploader().Upload(context.Background(), path, ps.urls(2), 4, nil, nil)
	assert.ErrorIs(t, err, utils.ErrPartCountMismatch)
	assert.Zero(t, ps.handshakeCount())
}

func TestUpload_HandshakeWithoutRedirect(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	path := writeTempFile(t, []byte("abc"))

	_, err := newTestUploader().Upload(context.Background(), path, []string{server.URL + "/presign/1?a=b"}, 10, nil, nil)
	assert.ErrorIs(t, err, utils.ErrNoRedirect)
	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 0, chunkErr.Index)
}

func TestUpload_EmptyFile(t *testing.T) {
	path := writeTempFile(t, nil)
	recorder := &progressRecorder{}

	manifest, err := newTestUploader().Upload(context.Background(), path, nil, 10, nil, recorder)
	require.NoError(t, err)
	assert.Empty(t, manifest)
	recorder.assertWellFormed(t)
}

func TestUpload_BoundedConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	ps := newPartServer(t)
	ps.dataStatus = func(string, int) int {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return http.StatusOK
	}
	path := writeTempFile(t, []byte("0123456789abcdef"))

	client := utils.NewHTTPClient(utils.HTTPClientConfig{Timeout: 10 * time.Second})
	uploader := NewUploader(client, UploaderOptions{MaxConcurrent: 2})
	manifest, err := uploader.Upload(context.Background(), path, ps.urls(8), 2, nil, nil)
	require.NoError(t, err)
	assert.Len(t, manifest, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}
