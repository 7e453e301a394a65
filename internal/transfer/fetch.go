package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/doppkit/internal/utils"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const DefaultCourtesy = 500 * time.Millisecond

// StatusError is a non-2xx download response kept as data. Its body has
// been fully read.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %s for %s", e.Status, e.URL)
}

// Result is the outcome of one Request. Exactly one of Content and Err is set.
type Result struct {
	Request Request
	Content *Content
	Err     error
}

func (r Result) OK() bool { return r.Err == nil && r.Content != nil }

// Response returns the captured server error, if the request ended in one.
func (r Result) Response() (*StatusError, bool) {
	var statusErr *StatusError
	if errors.As(r.Err, &statusErr) {
		return statusErr, true
	}
	return nil, false
}

type PoolOptions struct {
	Limit     int           // maximum concurrent downloads
	Directory string        // base directory for attachment targets
	Courtesy  time.Duration // spacing between slot releases while saturated
	Cache     *Cache        // shared download cache; a private one when nil
	Progress  Progress
}

type poolState struct {
	client    *http.Client
	limit     int64
	directory string
	slots     *semaphore.Weighted
	inFlight  atomic.Int64
	copies    atomic.Int64
	limiter   *rate.Limiter
	cache     *Cache
}

// Pool downloads batches of requests with at most Limit transfers running.
// Views created with WithProgress share slots, limiter and cache.
type Pool struct {
	*poolState
	progress Progress
}

func NewPool(client *http.Client, opts PoolOptions) *Pool {
	if opts.Limit <= 0 {
		opts.Limit = utils.DefaultThreads
	}
	if opts.Courtesy == 0 {
		opts.Courtesy = DefaultCourtesy
	}
	if opts.Cache == nil {
		opts.Cache = NewCache()
	}
	limit := rate.Inf
	if opts.Courtesy > 0 {
		limit = rate.Every(opts.Courtesy)
	}
	return &Pool{
		poolState: &poolState{
			client:    client,
			limit:     int64(opts.Limit),
			directory: opts.Directory,
			slots:     semaphore.NewWeighted(int64(opts.Limit)),
			limiter:   rate.NewLimiter(limit, 1),
			cache:     opts.Cache,
		},
		progress: progressOrNoop(opts.Progress),
	}
}

// WithProgress returns a view of the pool reporting to progress.
func (p *Pool) WithProgress(progress Progress) *Pool {
	return &Pool{poolState: p.poolState, progress: progressOrNoop(progress)}
}

func (p *Pool) Cache() *Cache { return p.cache }

func (p *Pool) Directory() string { return p.directory }

func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Saturated reports whether every slot is taken.
func (p *Pool) Saturated() bool { return p.inFlight.Load() >= p.limit }

// Fetch downloads every request and returns one Result per request in input
// order. A failing request never affects its siblings.
func (p *Pool) Fetch(ctx context.Context, requests []Request, headers http.Header) []Result {
	results := make([]Result, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			content, err := p.fetchOne(ctx, req, headers)
			results[i] = Result{Request: req, Content: content, Err: err}
		}(i, req)
	}
	wg.Wait()
	return results
}

func (p *Pool) fetchOne(ctx context.Context, req Request, headers http.Header) (*Content, error) {
	if req.Name != "" {
		log.Info().Str("op", "transfer/fetch").Msgf("Getting %s", req.Name)
	}
	if prev, ok := p.cache.Get(req.URL); ok {
		return p.copyFrom(req, prev)
	}
	content, leader, err := p.cache.share(req.URL, func() (*Content, error) {
		return p.download(ctx, req, headers)
	})
	if err != nil {
		return nil, err
	}
	if leader {
		return content, nil
	}
	return p.copyFrom(req, content)
}

func (p *Pool) acquire(ctx context.Context) error {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	return nil
}

// release frees a slot. When the pool is saturated the release is paced by
// the limiter so that waiting downloads do not hammer the server.
func (p *Pool) release(ctx context.Context) {
	if p.Saturated() {
		if err := p.limiter.Wait(ctx); err != nil {
			log.Debug().Str("op", "transfer/fetch").Msgf("Courtesy wait skipped: %v", err)
		}
	}
	p.inFlight.Add(-1)
	p.slots.Release(1)
}

func (p *Pool) download(ctx context.Context, req Request, headers http.Header) (*Content, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.release(ctx)

	resp, chain, err := p.open(ctx, req, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	total := chain.total
	if total == 0 {
		total = req.Total
	}
	target, err := ResolveTarget(p.directory, req, chain.filename)
	if err != nil {
		chain.fail()
		return nil, err
	}
	var content *Content
	if target != "" {
		content = newFileContent(req.URL, resp.Header, target, chain.filename)
	} else {
		content = newMemoryContent(req.URL, resp.Header)
	}

	name := p.taskName(content)
	p.progress.CreateTask(name, req.URL, total)
	defer p.progress.CompleteTask(name, req.URL)

	report := func(n int64) { p.progress.Update(name, req.URL, n) }
	if content.IsFile() {
		err = streamToFile(resp.Body, content, report)
	} else {
		err = streamToBuffer(resp.Body, content, report)
	}
	if err != nil {
		chain.fail()
		return nil, fmt.Errorf("reading body of %s: %w", req.URL, err)
	}
	chain.finish()
	p.cache.add(req.URL, content)
	return content, nil
}

// open walks the redirect chain and returns the response whose body is the
// payload. Error statuses are drained and returned as *StatusError.
func (p *Pool) open(ctx context.Context, req Request, headers http.Header) (*http.Response, *redirectChain, error) {
	chain, err := newRedirectChain(req.URL)
	if err != nil {
		return nil, nil, err
	}
	hopHeaders := headers
	for {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, chain.current.String(), nil)
		if err != nil {
			chain.fail()
			return nil, chain, err
		}
		for k, v := range hopHeaders {
			httpReq.Header[k] = v
		}
		resp, err := p.client.Do(httpReq)
		if err != nil {
			chain.fail()
			return nil, chain, err
		}
		if resp.StatusCode >= 400 {
			chain.fail()
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			log.Error().Str("op", "transfer/fetch").Msgf("Server returned %s for %s", resp.Status, chain.current.Redacted())
			return nil, chain, &StatusError{
				URL:        chain.current.String(),
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Header:     resp.Header,
				Body:       body,
			}
		}
		from := chain.current
		next, err := chain.observe(resp)
		if err != nil {
			resp.Body.Close()
			return nil, chain, err
		}
		if next == nil {
			return resp, chain, nil
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		hopHeaders = headersForHop(hopHeaders, from, next)
	}
}

func streamToBuffer(body io.Reader, content *Content, report func(int64)) error {
	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		n, err := body.Read(buffer)
		if n > 0 {
			content.buf.Write(buffer[:n])
			content.size += int64(n)
			report(content.size)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// streamToFile writes the body to a uniquely named part file next to the
// destination and renames it into place once the body is complete.
func streamToFile(body io.Reader, content *Content, report func(int64)) error {
	if err := os.MkdirAll(filepath.Dir(content.path), 0755); err != nil {
		return err
	}
	partPath := fmt.Sprintf("%s.%s.part", content.path, uuid.New().String())
	out, err := os.Create(partPath)
	if err != nil {
		return err
	}
	buffer := make([]byte, utils.DefaultBufferSize)
	for {
		n, readErr := body.Read(buffer)
		if n > 0 {
			if _, err := out.Write(buffer[:n]); err != nil {
				out.Close()
				os.Remove(partPath)
				return err
			}
			content.size += int64(n)
			report(content.size)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(partPath)
			return readErr
		}
	}
	if err := out.Close(); err != nil {
		os.Remove(partPath)
		return err
	}
	return os.Rename(partPath, content.path)
}

// copyFrom materializes an already downloaded URL for another request
// without touching the network.
func (p *Pool) copyFrom(req Request, origin *Content) (*Content, error) {
	var content *Content
	if origin.IsFile() {
		target, err := ResolveTarget(p.directory, req, origin.filename)
		if err != nil {
			return nil, err
		}
		content = newFileContent(req.URL, origin.Header.Clone(), target, origin.filename)
	} else {
		content = newMemoryContent(req.URL, origin.Header.Clone())
	}
	// copies landing on the origin's key get their own task
	name := p.taskName(content)
	if name == p.taskName(origin) {
		name = fmt.Sprintf("%s#%d", name, p.copies.Add(1))
	}
	p.progress.CreateTask(name, req.URL, origin.size)
	defer p.progress.CompleteTask(name, req.URL)

	if content.IsFile() {
		if content.path != origin.path {
			log.Info().Str("op", "transfer/fetch").Msgf("Copying cached %s to %s", origin.path, content.path)
			if err := copyFile(origin.path, content.path); err != nil {
				return nil, fmt.Errorf("copying cached %s: %w", req.URL, err)
			}
		}
	} else {
		content.buf = bytes.NewBuffer(append([]byte(nil), origin.buf.Bytes()...))
	}
	content.size = origin.size
	p.progress.Update(name, req.URL, content.size)
	return content, nil
}

// taskName labels a transfer by its destination relative to the pool
// directory so that copies of one URL stay distinguishable.
func (p *Pool) taskName(content *Content) string {
	if !content.IsFile() {
		return content.Name()
	}
	if rel, err := filepath.Rel(p.directory, content.path); err == nil {
		return filepath.ToSlash(rel)
	}
	return content.Name()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
