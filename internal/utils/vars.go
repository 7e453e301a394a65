package utils

import "errors"

const DefaultBufferSize = 1024 * 256 // 256KB read buffer per stream
const DefaultBytesPerChunk = 10_000_000
const DefaultThreads = 20
const DefaultGridURL = "https://grid.nga.mil/grid"
const MaxRedirects = 20
const socketBufferSize = 1024 * 1024

var ToolVersion = "dev"

var (
	ErrNotInMemory       = errors.New("content target is a file, not an in-memory buffer")
	ErrPartCountMismatch = errors.New("number of presigned urls does not match chunk count")
	ErrNoRedirect        = errors.New("upload handshake did not return a redirect")
	ErrTooManyRedirects  = errors.New("too many redirects")
	ErrInvalidChunkSize  = errors.New("bytes per chunk must be positive")
	ErrPathEscape        = errors.New("save path leaves the download directory")
)

const (
	RunMethodCLI = "CLI"
	RunMethodGUI = "GUI"
	RunMethodAPI = "API"
)
