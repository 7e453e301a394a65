package transfer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tanq16/doppkit/internal/utils"
)

// Request describes one download. It is never modified after creation.
type Request struct {
	URL      string
	Name     string // shown in logs; empty for catalog calls
	SavePath string // destination hint relative to the pool directory
	Total    int64  // expected size, used when the server sends no Content-Length
}

// Content is the materialized body of a download. Its target is either a
// file on disk or an in-memory buffer and is fixed once headers are seen.
type Content struct {
	URL    string
	Header http.Header

	filename string // name parsed from Content-Disposition, if any
	path     string
	buf      *bytes.Buffer
	size     int64
}

func newMemoryContent(url string, header http.Header) *Content {
	return &Content{URL: url, Header: header, buf: &bytes.Buffer{}}
}

func newFileContent(url string, header http.Header, path, filename string) *Content {
	return &Content{URL: url, Header: header, path: path, filename: filename}
}

func (c *Content) IsFile() bool { return c.path != "" }

// Path is the destination on disk, or "" for in-memory content.
func (c *Content) Path() string { return c.path }

// Filename is the attachment filename announced by the server.
func (c *Content) Filename() string { return c.filename }

// Size is the number of body bytes written to the target.
func (c *Content) Size() int64 { return c.size }

// Name is the progress label of the content.
func (c *Content) Name() string {
	if c.IsFile() {
		return filepath.Base(c.path)
	}
	return "buffer"
}

// Bytes returns the buffered body. File targets report utils.ErrNotInMemory.
func (c *Content) Bytes() ([]byte, error) {
	if c.IsFile() {
		return nil, fmt.Errorf("%s: %w", c.path, utils.ErrNotInMemory)
	}
	return c.buf.Bytes(), nil
}

// Open returns a reader over the body regardless of target.
func (c *Content) Open() (io.ReadCloser, error) {
	if c.IsFile() {
		return os.Open(c.path)
	}
	return io.NopCloser(bytes.NewReader(c.buf.Bytes())), nil
}

func (c *Content) DecodeJSON(v any) error {
	r, err := c.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decoding response from %s: %w", c.URL, err)
	}
	return nil
}

func (c *Content) String() string {
	if c.IsFile() {
		return fmt.Sprintf("%s -> %s (%s)", c.URL, c.path, utils.FormatBytes(uint64(c.size)))
	}
	return fmt.Sprintf("%s -> memory (%s)", c.URL, utils.FormatBytes(uint64(c.size)))
}

// ResolveTarget decides where a response body goes. Responses without an
// attachment filename stay in memory and yield "". Attachments are written
// under directory at the caller's save path; the parsed filename is only
// used when the caller gave no save path. A target outside directory is
// rejected with utils.ErrPathEscape.
func ResolveTarget(directory string, req Request, filename string) (string, error) {
	if filename == "" {
		return "", nil
	}
	hint := strings.TrimLeft(req.SavePath, "/")
	if hint == "" {
		hint = filepath.Base(filepath.FromSlash(filename))
	}
	target := filepath.Join(directory, filepath.FromSlash(hint))
	base := directory
	if base == "" {
		base = "."
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", utils.ErrPathEscape, req.SavePath)
	}
	return target, nil
}
