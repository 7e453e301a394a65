package transfer

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractFilename(t *testing.T) {
	tests := []struct {
		name        string
		disposition string
		want        string
		wantOK      bool
	}{
		{name: "quoted value with space", disposition: `attachment; filename="a b.zip"`, want: "a b.zip", wantOK: true},
		{name: "token value", disposition: `attachment; filename=report.tif`, want: "report.tif", wantOK: true},
		{name: "continuations", disposition: `attachment; filename*0="foo"; filename*1="bar"`, want: "foobar", wantOK: true},
		{name: "continuations out of order", disposition: `attachment; filename*1="bar"; filename*0="foo"`, want: "foobar", wantOK: true},
		{name: "utf-8 extended value", disposition: `attachment; filename*=UTF-8''na%C3%AFve.txt`, want: "naïve.txt", wantOK: true},
		{name: "latin-1 extended value", disposition: `attachment; filename*=iso-8859-1''na%EFve.txt`, want: "naïve.txt", wantOK: true},
		{name: "unsupported charset left encoded", disposition: `attachment; filename*=koi8-r''%F0.txt`, want: "%F0.txt", wantOK: true},
		{name: "escaped quotes", disposition: `attachment; filename="a\"b%22c.txt"`, want: `a"b"c.txt`, wantOK: true},
		{name: "mixed case key", disposition: `Attachment; FileName="x.las"`, want: "x.las", wantOK: true},
		{name: "inline", disposition: `inline; filename="x.txt"`, wantOK: false},
		{name: "inline naming an attachment", disposition: `inline; filename="attachment.pdf"`, wantOK: false},
		{name: "attachment in a parameter only", disposition: `form-data; name="attachment"; filename="x.txt"`, wantOK: false},
		{name: "attachment without filename", disposition: `attachment`, wantOK: false},
		{name: "missing header", disposition: "", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.disposition != "" {
				header.Set("Content-Disposition", tt.disposition)
			}
			got, ok := ExtractFilename(header)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOptionsHeader(t *testing.T) {
	value, options := ParseOptionsHeader("text/html; charset=UTF-8")
	assert.Equal(t, "text/html", value)
	assert.Equal(t, map[string]string{"charset": "UTF-8"}, options)

	value, options = ParseOptionsHeader("")
	assert.Equal(t, "", value)
	assert.Empty(t, options)

	value, options = ParseOptionsHeader("attachment")
	assert.Equal(t, "attachment", value)
	assert.Empty(t, options)

	// the charset of the first extended segment carries to the next one
	_, options = ParseOptionsHeader(`attachment; name*0*=UTF-8''%C3%A9t; name*1*=%C3%A9.txt`)
	assert.Equal(t, "été.txt", options["name"])

	// invalid parts are skipped
	_, options = ParseOptionsHeader(`form-data; ; novalue; name="field"`)
	assert.Equal(t, map[string]string{"name": "field"}, options)
}
