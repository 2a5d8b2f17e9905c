// Package static implements the frozen backend: a notebook exported with its
// outputs, served entirely from memory.
package static

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// FilePrefix marks paths served from the virtual file table.
const FilePrefix = "/@file/"

var (
	// ErrNotFound is returned for virtual paths missing from the table.
	ErrNotFound = errors.New("virtual file not found")
	// ErrBadDataURL is returned for table entries that are not data URLs.
	ErrBadDataURL = errors.New("malformed data URL")
)

// VirtualFiles maps virtual paths such as "/@file/plot.png" to data URLs.
type VirtualFiles map[string]string

// IsVirtual reports whether path addresses the virtual file table. Relative
// forms like "./@file/x" count.
func IsVirtual(path string) bool {
	return strings.HasPrefix(normalize(path), FilePrefix)
}

func normalize(path string) string {
	path = strings.TrimPrefix(path, ".")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// Resolve returns the data URL registered for path.
func (v VirtualFiles) Resolve(path string) (string, bool) {
	if !IsVirtual(path) {
		return "", false
	}
	dataURL, ok := v[normalize(path)]
	return dataURL, ok
}

// Fetch returns the decoded contents and media type of a virtual file. A
// data URL without a media type is sniffed.
func (v VirtualFiles) Fetch(path string) ([]byte, string, error) {
	dataURL, ok := v.Resolve(path)
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	data, mime, err := DecodeDataURL(dataURL)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return data, mime, nil
}

// DecodeDataURL decodes "data:[<mediatype>][;base64],<data>".
func DecodeDataURL(dataURL string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(dataURL, "data:")
	if !ok {
		return nil, "", ErrBadDataURL
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", ErrBadDataURL
	}

	isBase64 := false
	var params []string
	for i, part := range strings.Split(meta, ";") {
		switch {
		case i > 0 && part == "base64":
			isBase64 = true
		case part != "":
			params = append(params, part)
		}
	}

	var data []byte
	if isBase64 {
		var err error
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(payload)
		}
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrBadDataURL, err)
		}
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrBadDataURL, err)
		}
		data = []byte(unescaped)
	}

	mime := strings.Join(params, ";")
	if mime == "" || strings.HasPrefix(mime, "charset=") {
		mime = mimetype.Detect(data).String()
	}
	return data, mime, nil
}

// EncodeDataURL builds a base64 data URL. An empty mime is sniffed.
func EncodeDataURL(data []byte, mime string) string {
	if mime == "" {
		mime = mimetype.Detect(data).String()
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
