package transfer

import (
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	optionParamRe = regexp.MustCompile(
		"\\s*;\\s*(?:([\\w!#$%&'*+\\-.^`|~]+)=([\\w!#$%&'*+\\-.^`|~]+|\"(?:\\\\\\\\|\\\\\"|.)*?\"))?")
	extendedValueRe = regexp.MustCompile(
		"^([\\w!#$%&*+\\-.^`|~]*)'[\\w!#$%&*+\\-.^`|~]*'([\\w!#$%&'*+\\-.^`|~]+)")
	continuationRe = regexp.MustCompile(`\*(\d+)$`)
)

var decodableCharsets = map[string]bool{
	"ascii":      true,
	"us-ascii":   true,
	"utf-8":      true,
	"iso-8859-1": true,
}

// ParseOptionsHeader splits a header such as Content-Disposition into its
// primary value and a map of lower-cased parameters. RFC 2231 extended values
// (key*=charset'lang'value) are percent-decoded when the charset is one of
// ascii, us-ascii, utf-8 or iso-8859-1, and continuation keys (key*0, key*1)
// are joined in numeric order.
func ParseOptionsHeader(header string) (string, map[string]string) {
	value, rest, _ := strings.Cut(header, ";")
	value = strings.TrimSpace(value)
	rest = strings.TrimSpace(rest)
	options := map[string]string{}
	if value == "" || rest == "" {
		return value, options
	}

	segments := map[string]map[int]string{}
	encoding := ""
	continuedEncoding := ""
	for _, match := range optionParamRe.FindAllStringSubmatch(";"+rest, -1) {
		key, val := match[1], match[2]
		if key == "" {
			continue
		}
		key = strings.ToLower(key)
		if strings.HasSuffix(key, "*") {
			key = key[:len(key)-1]
			if m := extendedValueRe.FindStringSubmatch(val); m != nil {
				encoding = strings.ToLower(m[1])
				val = m[2]
			}
			if encoding == "" {
				encoding = continuedEncoding
			}
			continuedEncoding = encoding
			if decodableCharsets[encoding] {
				val = decodePercent(val, encoding)
			}
		}
		if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
			val = unquoteHeaderValue(val[1 : len(val)-1])
		}
		if m := continuationRe.FindStringSubmatchIndex(key); m != nil {
			index, err := strconv.Atoi(key[m[2]:m[3]])
			if err == nil {
				base := key[:m[0]]
				if segments[base] == nil {
					segments[base] = map[int]string{}
				}
				segments[base][index] += val
				continue
			}
		}
		options[key] = val
	}

	for key, parts := range segments {
		indexes := make([]int, 0, len(parts))
		for i := range parts {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		var joined strings.Builder
		for _, i := range indexes {
			joined.WriteString(parts[i])
		}
		options[key] = joined.String()
	}
	return value, options
}

// ExtractFilename returns the filename carried by an attachment
// Content-Disposition header. Inline dispositions, a missing header and
// an attachment without a filename parameter all report false.
func ExtractFilename(header http.Header) (string, bool) {
	kind, params := ParseOptionsHeader(header.Get("Content-Disposition"))
	if !strings.EqualFold(kind, "attachment") {
		return "", false
	}
	name := params["filename"]
	if name == "" {
		return "", false
	}
	return name, true
}

func unquoteHeaderValue(s string) string {
	s = strings.ReplaceAll(s, `\\`, `\`)
	s = strings.ReplaceAll(s, `\"`, `"`)
	return strings.ReplaceAll(s, "%22", `"`)
}

// decodePercent decodes %XX escapes into raw bytes and interprets them with
// the given charset. Malformed escapes are kept literally and undecodable
// bytes become U+FFFD.
func decodePercent(s, charset string) string {
	raw := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			raw = append(raw, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
			continue
		}
		raw = append(raw, s[i])
	}
	switch charset {
	case "iso-8859-1":
		var b strings.Builder
		for _, c := range raw {
			b.WriteRune(rune(c))
		}
		return b.String()
	case "ascii", "us-ascii":
		var b strings.Builder
		for _, c := range raw {
			if c > 0x7f {
				b.WriteRune(utf8.RuneError)
				continue
			}
			b.WriteByte(c)
		}
		return b.String()
	default:
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}
