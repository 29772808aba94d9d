package magnet

import (
	"errors"
	"net/url"
	"testing"
)

const sampleHash = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestParse(t *testing.T) {
	plain := "magnet:?xt=urn:btih:" + sampleHash + "&dn=sample"
	withTracker := plain + "&tr=" + url.QueryEscape("udp://tracker.example:80/announce")
	tests := []struct {
		name    string
		in      string
		uri     string
		wantErr bool
	}{
		{name: "plain", in: plain},
		{name: "embedded tracker kept in uri", in: withTracker, uri: withTracker},
		{name: "encoded as a whole", in: url.QueryEscape(plain)},
		{name: "surrounding whitespace", in: "  " + plain + "\n"},
		{name: "empty", in: "", wantErr: true},
		{name: "http url", in: "https://example.com/file.torrent", wantErr: true},
		{name: "missing xt", in: "magnet:?dn=sample", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Parse(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrDecode) {
					t.Fatalf("err: got %v want ErrDecode", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			want := Descriptor{URI: plain, InfoHash: sampleHash, DisplayName: "sample"}
			if tt.uri != "" {
				want.URI = tt.uri
			}
			if d != want {
				t.Fatalf("descriptor: got %+v want %+v", d, want)
			}
		})
	}
}
