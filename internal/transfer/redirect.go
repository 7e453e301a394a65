package transfer

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/rs/zerolog/log"
	"github.com/tanq16/doppkit/internal/utils"
)

type chainState int

const (
	statePending chainState = iota
	stateFollowing
	stateStreaming
	stateDone
	stateFailed
)

func (s chainState) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateFollowing:
		return "following-redirect"
	case stateStreaming:
		return "streaming"
	case stateDone:
		return "done"
	default:
		return "failed"
	}
}

// redirectChain tracks one download from its first request until the body
// has been consumed. It carries the last attachment filename seen on any hop
// and the largest Content-Length announced along the way.
type redirectChain struct {
	state    chainState
	current  *url.URL
	hops     int
	filename string
	total    int64
}

func newRedirectChain(rawURL string) (*redirectChain, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	return &redirectChain{state: statePending, current: u}, nil
}

// observe records a response and returns the next URL when the response is a
// redirect. A nil URL means the response body is the payload.
func (rc *redirectChain) observe(resp *http.Response) (*url.URL, error) {
	if name, ok := ExtractFilename(resp.Header); ok {
		rc.filename = name
	}
	if resp.ContentLength > rc.total {
		rc.total = resp.ContentLength
	}
	next, ok := redirectTarget(resp)
	if !ok {
		rc.state = stateStreaming
		return nil, nil
	}
	rc.hops++
	if rc.hops > utils.MaxRedirects {
		rc.state = stateFailed
		return nil, fmt.Errorf("%s: %w", rc.current, utils.ErrTooManyRedirects)
	}
	log.Debug().Str("op", "transfer/redirect").Msgf("Redirect %d from %s to %s", rc.hops, rc.current.Redacted(), next.Redacted())
	rc.current = next
	rc.state = stateFollowing
	return next, nil
}

func (rc *redirectChain) fail() { rc.state = stateFailed }

func (rc *redirectChain) finish() { rc.state = stateDone }

func redirectTarget(resp *http.Response) (*url.URL, bool) {
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
	default:
		return nil, false
	}
	next, err := resp.Location()
	if err != nil {
		return nil, false
	}
	return next, true
}

// headersForHop drops credentials when a redirect leaves the original origin.
func headersForHop(headers http.Header, from, to *url.URL) http.Header {
	if from.Scheme == to.Scheme && from.Host == to.Host {
		return headers
	}
	stripped := headers.Clone()
	stripped.Del("Authorization")
	return stripped
}
