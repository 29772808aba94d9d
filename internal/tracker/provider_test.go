package tracker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func stubClient(calls *atomic.Int32, status int, body string, err error) *http.Client {
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		calls.Add(1)
		if err != nil {
			return nil, err
		}
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     make(http.Header),
			Request:    r,
		}, nil
	})}
}

func TestProviderFetchesOnceAndCaches(t *testing.T) {
	var calls atomic.Int32
	cache := filepath.Join(t.TempDir(), "trackers.txt")
	p := NewProvider(Config{
		CachePath:  cache,
		HTTPClient: stubClient(&calls, http.StatusOK, "udp://a:1/announce\n\n  http://b:2/announce  \n", nil),
		Logger:     quietLogger(),
	})

	want := []string{"udp://a:1/announce", "http://b:2/announce"}
	for i := 0; i < 3; i++ {
		if got := p.Trackers(context.Background()); !reflect.DeepEqual(got, want) {
			t.Fatalf("call %d: got %v want %v", i, got, want)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("fetches: got %d want 1", calls.Load())
	}

	data, err := os.ReadFile(cache)
	if err != nil {
		t.Fatalf("read cache: %v", err)
	}
	if string(data) != "udp://a:1/announce\nhttp://b:2/announce\n" {
		t.Fatalf("cache contents: %q", data)
	}
}

func TestProviderReadsExistingCacheWithoutFetching(t *testing.T) {
	var calls atomic.Int32
	cache := filepath.Join(t.TempDir(), "trackers.txt")
	if err := os.WriteFile(cache, []byte("udp://cached:1/announce\n"), 0o644); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	p := NewProvider(Config{
		CachePath:  cache,
		HTTPClient: stubClient(&calls, http.StatusOK, "udp://remote:1/announce\n", nil),
		Logger:     quietLogger(),
	})

	got := p.Trackers(context.Background())
	if !reflect.DeepEqual(got, []string{"udp://cached:1/announce"}) {
		t.Fatalf("trackers: got %v", got)
	}
	if calls.Load() != 0 {
		t.Fatalf("fetches: got %d want 0", calls.Load())
	}
}

func TestProviderFallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		err    error
	}{
		{name: "network error", err: errors.New("dial tcp: no route to host")},
		{name: "bad status", status: http.StatusBadGateway, body: "oops"},
		{name: "empty list", status: http.StatusOK, body: "\n\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			cache := filepath.Join(t.TempDir(), "trackers.txt")
			p := NewProvider(Config{
				CachePath:  cache,
				HTTPClient: stubClient(&calls, tt.status, tt.body, tt.err),
				Logger:     quietLogger(),
			})

			if got := p.Trackers(context.Background()); !reflect.DeepEqual(got, DefaultTrackers()) {
				t.Fatalf("trackers: got %v want defaults", got)
			}
			if _, err := os.Stat(cache); !errors.Is(err, os.ErrNotExist) {
				t.Fatalf("cache written after failure: %v", err)
			}

			p.Trackers(context.Background())
			if calls.Load() != 2 {
				t.Fatalf("fetches: got %d want 2, failures must not be memoised", calls.Load())
			}
		})
	}
}
