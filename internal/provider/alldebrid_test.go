package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAllDebrid(handler http.Handler) (*AllDebrid, *httptest.Server) {
	srv := httptest.NewServer(handler)
	c := NewAllDebrid("test-key", "fetchd-test", srv.URL, 2*time.Second, 5*time.Second)
	return c, srv
}

func TestUploadMagnet(t *testing.T) {
	c, srv := newTestAllDebrid(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/magnet/upload" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("apikey") != "test-key" {
			t.Errorf("missing apikey")
		}
		r.ParseForm()
		if got := r.PostForm.Get("magnets[]"); got == "" {
			t.Errorf("magnets[] not posted, form: %v", r.PostForm)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "success",
			"data": map[string]interface{}{
				"magnets": []map[string]interface{}{{"id": 12345}},
			},
		})
	}))
	defer srv.Close()

	ref, err := c.Upload(context.Background(), "magnet:?xt=urn:btih:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if ref != "12345" {
		t.Errorf("Expected ref 12345, got %s", ref)
	}
}

func TestUploadLinkIsLocal(t *testing.T) {
	// Direct links must not touch the network.
	c := NewAllDebrid("k", "a", "http://127.0.0.1:1", time.Second, time.Second)
	ref, err := c.Upload(context.Background(), "https://example.com/file.bin")
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if ref != "link:https://example.com/file.bin" {
		t.Errorf("unexpected ref %s", ref)
	}
}

func TestUploadTerminalError(t *testing.T) {
	c, srv := newTestAllDebrid(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "error",
			"error":  map[string]string{"code": "MAGNET_INVALID_URI", "message": "bad magnet"},
		})
	}))
	defer srv.Close()

	_, err := c.Upload(context.Background(), "magnet:?xt=urn:btih:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if !IsTerminal(err) {
		t.Fatalf("Expected terminal error, got %v", err)
	}
}

func TestStatusNormalizesShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{
			"dict with links",
			`{"status":"success","data":{"magnets":{"status":"Ready","links":[{"filename":"a.mkv","size":100,"link":"http://locked/a"}]}}}`,
		},
		{
			"list with files",
			`{"status":"success","data":{"magnets":[{"status":"Ready","files":[{"n":"a.mkv","size":100,"l":"http://locked/a"}]}]}}`,
		},
		{
			"url and filesize variants",
			`{"status":"success","data":{"magnets":{"status":"Ready","files":[{"name":"a.mkv","filesize":100,"url":"http://locked/a"}]}}}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, srv := newTestAllDebrid(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			st, err := c.Status(context.Background(), "42")
			if err != nil {
				t.Fatalf("Status failed: %v", err)
			}
			if len(st.Files) != 1 {
				t.Fatalf("Expected 1 file, got %d", len(st.Files))
			}
			f := st.Files[0]
			if f.Name != "a.mkv" || f.Size != 100 || f.LockedURL != "http://locked/a" {
				t.Errorf("bad normalization: %+v", f)
			}
		})
	}
}

func TestStatusPending(t *testing.T) {
	c, srv := newTestAllDebrid(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"magnets":{"status":"Downloading"}}}`))
	}))
	defer srv.Close()

	st, err := c.Status(context.Background(), "42")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(st.Files) != 0 || st.TerminalError != "" {
		t.Errorf("Expected empty pending status, got %+v", st)
	}
}

func TestStatusProviderError(t *testing.T) {
	c, srv := newTestAllDebrid(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"success","data":{"magnets":{"status":"Error","error":{"code":"MAGNET_PROCESSING","message":"stalled"}}}}`))
	}))
	defer srv.Close()

	st, err := c.Status(context.Background(), "42")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.TerminalError != "MAGNET_PROCESSING" {
		t.Errorf("Expected terminal code, got %q", st.TerminalError)
	}
}

func TestStatusLinkRef(t *testing.T) {
	c := NewAllDebrid("k", "a", "http://127.0.0.1:1", time.Second, time.Second)
	st, err := c.Status(context.Background(), "link:https://example.com/dir/movie.mkv?token=x")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if len(st.Files) != 1 {
		t.Fatalf("Expected single-file manifest, got %d", len(st.Files))
	}
	if st.Files[0].Name != "movie.mkv" {
		t.Errorf("Expected basename movie.mkv, got %s", st.Files[0].Name)
	}
	if st.Files[0].Size != 0 {
		t.Errorf("Link manifests have unknown size, got %d", st.Files[0].Size)
	}
}

func TestUnlock(t *testing.T) {
	c, srv := newTestAllDebrid(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/link/unlock" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("link") != "http://locked/a" {
			t.Errorf("missing link param")
		}
		w.Write([]byte(`{"status":"success","data":{"link":"http://direct/a"}}`))
	}))
	defer srv.Close()

	direct, err := c.Unlock(context.Background(), "http://locked/a")
	if err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	if direct != "http://direct/a" {
		t.Errorf("Expected direct URL, got %s", direct)
	}
}

func TestThrottledRetriesTransient(t *testing.T) {
	attempts := 0
	c, srv := newTestAllDebrid(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"status":"success","data":{"magnets":{"status":"Ready","links":[]}}}`))
	}))
	defer srv.Close()

	tc := Throttle(c, 100, 100, 4)
	if _, err := tc.Status(context.Background(), "42"); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", attempts)
	}
}

func TestThrottledTerminalNotRetried(t *testing.T) {
	attempts := 0
	c, srv := newTestAllDebrid(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "error",
			"error":  map[string]string{"code": "LINK_DOWN", "message": "gone"},
		})
	}))
	defer srv.Close()

	tc := Throttle(c, 100, 100, 4)
	_, err := tc.Unlock(context.Background(), "http://locked/a")
	if !IsTerminal(err) {
		t.Fatalf("Expected terminal error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("Terminal errors must not retry, got %d attempts", attempts)
	}
}
