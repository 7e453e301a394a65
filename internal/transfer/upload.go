package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/doppkit/internal/utils"
	"golang.org/x/sync/errgroup"
)

// Part is one entry of the manifest sent when closing a multipart upload.
type Part struct {
	PartNumber int    `json:"PartNumber"`
	ETag       string `json:"ETag"`
}

// Manifest lists uploaded parts in ascending part order.
type Manifest []Part

// Chunk is one byte range of a file bound to its presigned URL.
type Chunk struct {
	Index      int
	PartNumber int
	Offset     int64
	Length     int64
	URL        string
}

// ChunkError reports the chunk that made a whole upload fail.
type ChunkError struct {
	Path     string
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("upload of %s failed at chunk %d after %d attempt(s): %v", e.Path, e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// PlanChunks splits size bytes into consecutive chunks of bytesPerChunk.
// The last chunk holds the remainder. Part numbers start at 1.
func PlanChunks(size, bytesPerChunk int64) ([]Chunk, error) {
	if bytesPerChunk <= 0 {
		return nil, utils.ErrInvalidChunkSize
	}
	count := utils.CeilDiv(size, bytesPerChunk)
	chunks := make([]Chunk, 0, count)
	for i := int64(0); i < count; i++ {
		offset := i * bytesPerChunk
		chunks = append(chunks, Chunk{
			Index:      int(i),
			PartNumber: int(i) + 1,
			Offset:     offset,
			Length:     min(bytesPerChunk, size-offset),
		})
	}
	return chunks, nil
}

type UploaderOptions struct {
	MaxAttempts   int           // attempts per chunk PUT, default 10
	BackoffBase   float64       // delay after attempt n is BackoffBase^n units, default 1.1
	BackoffUnit   time.Duration // default one second
	MaxConcurrent int           // concurrent chunks per file, 0 for no limit
}

// Uploader sends files to presigned part URLs.
type Uploader struct {
	client *http.Client
	opts   UploaderOptions
}

func NewUploader(client *http.Client, opts UploaderOptions) *Uploader {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 1.1
	}
	if opts.BackoffUnit <= 0 {
		opts.BackoffUnit = time.Second
	}
	noFollow := *client
	noFollow.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Uploader{client: &noFollow, opts: opts}
}

func (u *Uploader) backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(u.opts.BackoffBase, float64(attempt)) * float64(u.opts.BackoffUnit))
}

// Upload sends filePath in chunks of bytesPerChunk, one chunk per presigned
// URL, and returns the part manifest sorted by part number. A chunk that
// exhausts its attempts fails the whole upload.
func (u *Uploader) Upload(ctx context.Context, filePath string, urls []string, bytesPerChunk int64, authHeader http.Header, progress Progress) (Manifest, error) {
	progress = progressOrNoop(progress)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	chunks, err := PlanChunks(info.Size(), bytesPerChunk)
	if err != nil {
		return nil, err
	}
	if len(chunks) != len(urls) {
		return nil, fmt.Errorf("%s needs %d chunks, got %d urls: %w", filePath, len(chunks), len(urls), utils.ErrPartCountMismatch)
	}
	for i := range chunks {
		chunks[i].URL = urls[i]
	}

	log.Info().Str("op", "transfer/upload").Msgf("Uploading %s in %d chunks", filePath, len(chunks))
	progress.CreateTask(filePath, filePath, info.Size())
	defer progress.CompleteTask(filePath, filePath)

	var fileMu sync.Mutex
	readChunk := func(c Chunk) ([]byte, error) {
		fileMu.Lock()
		defer fileMu.Unlock()
		if _, err := f.Seek(c.Offset, io.SeekStart); err != nil {
			return nil, err
		}
		data := make([]byte, c.Length)
		if _, err := io.ReadFull(f, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	var progressMu sync.Mutex
	var sent int64
	addProgress := func(n int64) {
		progressMu.Lock()
		defer progressMu.Unlock()
		sent += n
		progress.Update(filePath, filePath, sent)
	}

	parts := make([]Part, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	if u.opts.MaxConcurrent > 0 {
		g.SetLimit(u.opts.MaxConcurrent)
	}
	for _, chunk := range chunks {
		g.Go(func() error {
			target, err := u.handshake(gctx, chunk.URL, authHeader)
			if err != nil {
				return &ChunkError{Path: filePath, Index: chunk.Index, Attempts: 1, Err: err}
			}
			data, err := readChunk(chunk)
			if err != nil {
				return &ChunkError{Path: filePath, Index: chunk.Index, Attempts: 0, Err: err}
			}
			etag, err := u.putWithRetry(gctx, filePath, chunk, target, data)
			if err != nil {
				return err
			}
			parts[chunk.Index] = Part{PartNumber: chunk.PartNumber, ETag: etag}
			addProgress(chunk.Length)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Str("op", "transfer/upload").Msgf("Upload of %s failed: %v", filePath, err)
		return nil, err
	}

	manifest := Manifest(parts)
	sort.Slice(manifest, func(i, j int) bool { return manifest[i].PartNumber < manifest[j].PartNumber })
	log.Info().Str("op", "transfer/upload").Msgf("Uploaded %s (%s)", filePath, utils.FormatBytes(uint64(info.Size())))
	return manifest, nil
}

// handshake announces a chunk to the presigned URL's base path and returns
// the upload location the server redirects to.
func (u *Uploader) handshake(ctx context.Context, presigned string, authHeader http.Header) (string, error) {
	parsed, err := url.Parse(presigned)
	if err != nil {
		return "", fmt.Errorf("invalid presigned url: %w", err)
	}
	query := make(map[string]string)
	for key, values := range parsed.Query() {
		if len(values) > 0 {
			query[key] = values[0]
		}
	}
	payload, err := json.Marshal(query)
	if err != nil {
		return "", err
	}
	base := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: parsed.Path}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base.String(), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	for k, v := range authHeader {
		req.Header[k] = append([]string(nil), v...)
	}
	req.Header.Set("Content-Type", "application/json")
	// The backend reads these as raw WSGI-style names.
	req.Header["CONTENT_TYPE"] = []string{"application/json"}
	req.Header["HTTP_AUTHORIZATION"] = []string{authHeader.Get("Authorization")}

	resp, err := u.client.Do(req)
	if err != nil {
		return "", err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	location, err := resp.Location()
	if err != nil {
		return "", fmt.Errorf("%s returned %s: %w", base.Redacted(), resp.Status, utils.ErrNoRedirect)
	}
	return location.String(), nil
}

type retryableError struct{ err error }

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func (u *Uploader) putWithRetry(ctx context.Context, filePath string, chunk Chunk, target string, data []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt < u.opts.MaxAttempts; attempt++ {
		etag, err := u.putChunk(ctx, target, data)
		if err == nil {
			return etag, nil
		}
		lastErr = err
		var retryable retryableError
		if !errors.As(err, &retryable) || ctx.Err() != nil {
			return "", &ChunkError{Path: filePath, Index: chunk.Index, Attempts: attempt + 1, Err: err}
		}
		if attempt == u.opts.MaxAttempts-1 {
			break
		}
		wait := u.backoff(attempt)
		log.Warn().Str("op", "transfer/upload").Msgf("Chunk %d of %s failed (attempt %d/%d), retrying in %v: %v",
			chunk.Index, filePath, attempt+1, u.opts.MaxAttempts, wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return "", &ChunkError{Path: filePath, Index: chunk.Index, Attempts: attempt + 1, Err: ctx.Err()}
		}
	}
	return "", &ChunkError{Path: filePath, Index: chunk.Index, Attempts: u.opts.MaxAttempts, Err: lastErr}
}

// putChunk sends one chunk body. Transport failures and 5xx responses are
// retryable; any other non-2xx status is final.
func (u *Uploader) putChunk(ctx context.Context, target string, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.ContentLength = int64(len(data))
	resp, err := u.client.Do(req)
	if err != nil {
		return "", retryableError{err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return "", retryableError{fmt.Errorf("server returned %s", resp.Status)}
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("server returned %s", resp.Status)
	}
	return resp.Header.Get("ETag"), nil
}
