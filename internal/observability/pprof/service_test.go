package pprof

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandlerPrefixAndToken(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(Handler("ops/pprof", "tok"))
	defer srv.Close()

	cases := []struct {
		path string
		auth string
		want int
	}{
		{"/ops/pprof/", "", http.StatusUnauthorized},
		{"/ops/pprof/?token=nope", "", http.StatusUnauthorized},
		{"/ops/pprof/?token=tok", "", http.StatusOK},
		{"/ops/pprof/cmdline", "Bearer tok", http.StatusOK},
		{"/debug/pprof/", "Bearer tok", http.StatusNotFound},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+tc.path, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s = %d, want %d", tc.path, resp.StatusCode, tc.want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"":              "/debug/pprof/",
		"x":             "/x/",
		"/a/b":          "/a/b/",
		"/debug/pprof/": "/debug/pprof/",
	}
	for in, want := range cases {
		if got := normalizePrefix(in); got != want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"bad":            false,
	}
	for in, want := range cases {
		if got := isLoopbackAddr(in); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", in, got, want)
		}
	}
}
