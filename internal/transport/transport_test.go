package transport

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/runsync/runsync/internal/config"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(root, p)
		body, err := os.ReadFile(p)
		out[filepath.ToSlash(rel)] = string(body)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestLocalPushPull(t *testing.T) {
	files := map[string]string{
		"000000.zip":        "chunk zero",
		"000001.zip":        "chunk one",
		"pax_info/meta.txt": "metadata",
	}
	src := filepath.Join(t.TempDir(), "run1")
	writeTree(t, src, files)

	l := NewLocal(Options{})
	remote := filepath.Join(t.TempDir(), "remote", "run1")
	if err := l.Push(context.Background(), src, Endpoint{}, remote); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if diff := cmp.Diff(files, readTree(t, remote)); diff != "" {
		t.Errorf("pushed tree mismatch (-want +got):\n%s", diff)
	}

	back := filepath.Join(t.TempDir(), "back")
	if err := l.Pull(context.Background(), Endpoint{}, remote, back); err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if diff := cmp.Diff(files, readTree(t, back)); diff != "" {
		t.Errorf("pulled tree mismatch (-want +got):\n%s", diff)
	}
}

func TestCopyTreeSingleFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "run.tar")
	if err := os.WriteFile(src, []byte("archive"), 0600); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "out", "run.tar")
	n, err := CopyTree(context.Background(), src, dst)
	if err != nil {
		t.Fatalf("CopyTree() error = %v", err)
	}
	if n != 7 {
		t.Errorf("CopyTree() = %d bytes, want 7", n)
	}
	info, err := os.Stat(dst)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLocalPullMissingIsTransportError(t *testing.T) {
	l := NewLocal(Options{})
	err := l.Pull(context.Background(), Endpoint{}, filepath.Join(t.TempDir(), "nope"), t.TempDir())
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Pull() error = %v, want ErrTransport", err)
	}
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("Pull() error is not *Error")
	}
	if te.Method != MethodLocal || te.Op != "pull" {
		t.Errorf("Error = %+v", te)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("underlying error lost: %v", err)
	}
}

func TestCopyTreeCancelled(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a": "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := CopyTree(ctx, src, t.TempDir()); !errors.Is(err, context.Canceled) {
		t.Errorf("CopyTree() error = %v, want context.Canceled", err)
	}
}

func TestWrapKeepsInnermost(t *testing.T) {
	inner := wrap(MethodSCP, "push", "/a", errors.New("boom"))
	outer := wrap(MethodLocal, "pull", "/b", inner)
	var te *Error
	if !errors.As(outer, &te) || te.Method != MethodSCP {
		t.Errorf("wrap() re-wrapped a transport error: %v", outer)
	}
	if wrap(MethodSCP, "push", "/a", nil) != nil {
		t.Error("wrap(nil) != nil")
	}
}

func TestNewUnknownMethod(t *testing.T) {
	_, err := New("carrier-pigeon", Options{})
	if !errors.Is(err, config.ErrUnknownMethod) {
		t.Fatalf("New() error = %v, want ErrUnknownMethod", err)
	}
}

func TestNewMethods(t *testing.T) {
	for _, method := range []string{MethodSCP, MethodSFTP, MethodGfal, MethodS3, MethodAzure, MethodLocal} {
		tr, err := New(method, Options{})
		if err != nil {
			t.Fatalf("New(%q) error = %v", method, err)
		}
		want := method
		if method == MethodSFTP {
			want = MethodSCP
		}
		if tr.Method() != want {
			t.Errorf("New(%q).Method() = %q, want %q", method, tr.Method(), want)
		}
	}
}

func TestFactoryCaches(t *testing.T) {
	f := NewFactory(Options{})
	a, err := f(MethodLocal)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := f(MethodLocal)
	if a != b {
		t.Error("factory returned a new binding for the same method")
	}
}

type fakeRunner struct {
	calls [][]string
	err   error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	return nil, f.err
}

func TestGfalArgs(t *testing.T) {
	tests := []struct {
		name string
		ep   Endpoint
		want []string
	}{
		{
			name: "defaults",
			ep:   Endpoint{Address: "grid.example.org"},
			want: []string{"-r", "-p", "-f", "-n", "1", "file:///data/run1", "gsiftp://grid.example.org/store/run1"},
		},
		{
			name: "server and cert",
			ep:   Endpoint{GfalServer: "srm://se.example.org:8443/srm/", NStreams: 8, GridCert: "/tmp/x509"},
			want: []string{"-r", "-p", "-f", "-n", "8", "--cert", "/tmp/x509", "file:///data/run1", "srm://se.example.org:8443/srm/store/run1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{}
			g := NewGfal(Options{Runner: r})
			if err := g.Push(context.Background(), "/data/run1", tt.ep, "/store/run1"); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(append([]string{"gfal-copy"}, tt.want...), r.calls[0]); diff != "" {
				t.Errorf("args mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGfalPullFailure(t *testing.T) {
	r := &fakeRunner{err: errors.New("exit status 70: No such file")}
	g := NewGfal(Options{Runner: r})
	err := g.Pull(context.Background(), Endpoint{Address: "grid"}, "/store/run1", "/data/run1")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Pull() error = %v, want ErrTransport", err)
	}
	got := r.calls[0]
	if got[len(got)-1] != "file:///data/run1" || !strings.HasPrefix(got[len(got)-2], "gsiftp://grid/") {
		t.Errorf("pull args = %v", got)
	}
}

func TestLocalTarget(t *testing.T) {
	tests := []struct {
		key    string
		want   string
		wantOK bool
	}{
		{key: "raw/run1", want: "/dst", wantOK: true},
		{key: "raw/run1/000000.zip", want: "/dst/000000.zip", wantOK: true},
		{key: "raw/run1/sub/a", want: "/dst/sub/a", wantOK: true},
		{key: "raw/run10/000000.zip", wantOK: false},
	}
	for _, tt := range tests {
		got, ok := localTarget("raw/run1", tt.key, "/dst")
		if ok != tt.wantOK || (ok && got != filepath.FromSlash(tt.want)) {
			t.Errorf("localTarget(%q) = %q, %v; want %q, %v", tt.key, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestObjectKey(t *testing.T) {
	if got := objectKey("/raw/run1/"); got != "raw/run1" {
		t.Errorf("objectKey() = %q", got)
	}
}

func TestObjectStoresRequireEndpointFields(t *testing.T) {
	ctx := context.Background()
	if err := NewS3(Options{}).Push(ctx, t.TempDir(), Endpoint{Name: "s3host"}, "x"); !errors.Is(err, ErrTransport) {
		t.Errorf("S3 Push() without bucket error = %v", err)
	}
	if err := NewAzure(Options{}).Pull(ctx, Endpoint{Name: "az"}, "x", t.TempDir()); !errors.Is(err, ErrTransport) {
		t.Errorf("Azure Pull() without SAS URL error = %v", err)
	}
}

func TestLastLine(t *testing.T) {
	if got := lastLine("a\nb\nlast line\n"); got != "last line" {
		t.Errorf("lastLine() = %q", got)
	}
}
