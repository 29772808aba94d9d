// Package magnet parses and validates magnet URIs handed in by callers.
package magnet

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
)

// ErrDecode is returned for input that is not a usable btih magnet URI.
var ErrDecode = errors.New("magnet decode failed")

const scheme = "magnet:?"

// Descriptor is a validated magnet URI.
type Descriptor struct {
	URI         string
	InfoHash    string
	DisplayName string
}

// Parse accepts either a plain magnet URI or one that was percent-encoded as a
// whole (for example when copied out of a query string).
func Parse(raw string) (Descriptor, error) {
	uri := strings.TrimSpace(raw)
	if uri == "" {
		return Descriptor{}, fmt.Errorf("%w: empty input", ErrDecode)
	}
	if !hasScheme(uri) {
		decoded, err := url.QueryUnescape(uri)
		if err != nil {
			return Descriptor{}, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		uri = strings.TrimSpace(decoded)
	}
	if !hasScheme(uri) {
		return Descriptor{}, fmt.Errorf("%w: not a magnet uri", ErrDecode)
	}

	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return Descriptor{
		URI:         uri,
		InfoHash:    m.InfoHash.HexString(),
		DisplayName: m.DisplayName,
	}, nil
}

func hasScheme(s string) bool {
	return len(s) >= len(scheme) && strings.EqualFold(s[:len(scheme)], scheme)
}
