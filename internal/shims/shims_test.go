package shims

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dop251/goja"

	"github.com/enclavekit/enclave/internal/loader"
	"github.com/enclavekit/enclave/internal/membrane"
	"github.com/enclavekit/enclave/internal/sandbox"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestFSReadConfined(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data.txt", "payload")
	writeFile(t, root, "sub/deep.txt", "deep")

	f, err := NewFS(root)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}

	got, err := f.ReadFile("data.txt")
	if err != nil || got != "payload" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}
	got, err = f.ReadFile(filepath.Join(root, "sub", "deep.txt"))
	if err != nil || got != "deep" {
		t.Fatalf("absolute ReadFile = %q, %v", got, err)
	}
}

func TestFSEscapeDenied(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "scope")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, parent, "evil.txt", "nope")

	f, err := NewFS(root)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}

	for _, path := range []string{
		"../evil.txt",
		filepath.Join(parent, "evil.txt"),
		"sub/../../evil.txt",
	} {
		_, err := f.ReadFile(path)
		var pe *PathError
		if !errors.As(err, &pe) {
			t.Errorf("ReadFile(%q) err = %v, want PathError", path, err)
		}
	}
}

func TestFSExistsAndList(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "b.txt", "")
	writeFile(t, root, "a.txt", "")

	f, err := NewFS(root)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}

	ok, err := f.Exists("a.txt")
	if err != nil || !ok {
		t.Fatalf("Exists(a.txt) = %v, %v", ok, err)
	}
	ok, err = f.Exists("missing.txt")
	if err != nil || ok {
		t.Fatalf("Exists(missing.txt) = %v, %v", ok, err)
	}

	names, err := f.List(".")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 || names[0] != "a.txt" || names[1] != "b.txt" {
		t.Fatalf("List = %v", names)
	}
}

func TestFSBuiltinInGuest(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "data.txt", "guest payload")

	s, err := sandbox.New(sandbox.DefaultConfig())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	t.Cleanup(s.Terminate)

	l, err := loader.New(loader.Config{Root: root}, nil)
	if err != nil {
		t.Fatalf("loader.New: %v", err)
	}
	f, err := NewFS(root)
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	l.Register("fs", loader.Builtin{
		Build: func(vm *goja.Runtime) (goja.Value, error) {
			return f.Object(vm)
		},
		Options: f.Options(),
	})
	if _, err := l.Install(s); err != nil {
		t.Fatalf("Install: %v", err)
	}

	res, err := s.Execute(context.Background(), `require("fs").readFile("data.txt")`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "guest payload" {
		t.Fatalf("guest readFile = %v", res.Value)
	}

	res, err = s.Execute(context.Background(), `
		var msg = "";
		try { require("fs").readFile("../outside.txt"); }
		catch (e) { msg = String(e); }
		msg
	`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if msg, _ := res.Value.(string); msg == "" || !strings.Contains(msg, "path denied") {
		t.Fatalf("guest escape error = %v", res.Value)
	}

	// The builtin surface is frozen.
	if _, err := s.Execute(context.Background(), `require("fs").readFile = 1`); !membrane.IsAccessDenied(err) {
		t.Fatalf("builtin overwrite err = %v, want access denial", err)
	}
}

func TestHTTPHostDenied(t *testing.T) {
	h := NewHTTP(HTTPConfig{AllowHosts: []string{"api.example.com"}})

	_, err := h.Get(context.Background(), "http://evil.example.net/x")
	var hd *HostDeniedError
	if !errors.As(err, &hd) {
		t.Fatalf("err = %v, want HostDeniedError", err)
	}
	if hd.Host != "evil.example.net" {
		t.Fatalf("denied host = %q", hd.Host)
	}
}

func TestHTTPGetAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	h := NewHTTP(HTTPConfig{AllowHosts: []string{u.Hostname()}})

	resp, err := h.Get(context.Background(), srv.URL+"/ping")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != http.StatusOK || resp.Body != "pong" {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestHTTPRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	h := NewHTTP(HTTPConfig{
		AllowHosts:        []string{u.Hostname()},
		RequestsPerSecond: 0.001,
		Burst:             1,
	})

	if _, err := h.Get(context.Background(), srv.URL); err != nil {
		t.Fatalf("first request: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.Get(ctx, srv.URL); err == nil {
		t.Fatal("second request was not rate limited")
	}
}

func TestHTTPBuiltinInGuest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("from host"))
	}))
	defer srv.Close()

	s, err := sandbox.New(sandbox.DefaultConfig())
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}
	t.Cleanup(s.Terminate)

	l, err := loader.New(loader.Config{Root: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("loader.New: %v", err)
	}
	u, _ := url.Parse(srv.URL)
	h := NewHTTP(HTTPConfig{AllowHosts: []string{u.Hostname()}})
	l.Register("http", loader.Builtin{
		Build: func(vm *goja.Runtime) (goja.Value, error) {
			return h.Object(vm)
		},
		Options: h.Options(),
	})
	if _, err := l.Install(s); err != nil {
		t.Fatalf("Install: %v", err)
	}

	res, err := s.Execute(context.Background(), `
		var r = require("http").get("`+srv.URL+`");
		r.status + ":" + r.body
	`)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Value != "200:from host" {
		t.Fatalf("guest response = %v", res.Value)
	}
}
