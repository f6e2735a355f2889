package pathutil

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	tests := map[string]bool{
		"/web/static/src/img/logo.png":      false,
		"web/static/./lib/jquery.js":        true,
		"web/static/../../etc/passwd":       true,
		".":                                 true,
		"..":                                true,
		"/web/static/lib/...":               false,
		"/web/static/.well-known/x.txt":     false,
		"/hr/static/src/.eslintrc":          false,
		"/mail/static/src/js/.":             true,
		"/./":                               true,
		"/../":                              true,
		"web/static/src/img/logo.png.bak..": false,
	}
	for p, want := range tests {
		if got := HasDotSegments(p); got != want {
			t.Errorf("HasDotSegments(%q) = %v, want %v", p, got, want)
		}
	}
}

func FuzzHasDotSegments(f *testing.F) {
	for _, seed := range []string{"web/./static", "web/../static", "./web", "web/.", ".", "..", "web/static", "..."} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, p string) {
		var want bool
		for seg := range strings.SplitSeq(p, "/") {
			want = want || seg == "." || seg == ".."
		}
		if got := HasDotSegments(p); got != want {
			t.Errorf("HasDotSegments(%q) = %v, segments say %v", p, got, want)
		}
	})
}

func writeFile(t *testing.T, dir, rel string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// Resolve

func TestResolve_RelativeInRoot(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, "web/static/img/logo.png", []byte("PNG"))

	got, err := Resolve([]string{root}, "web/static/img/logo.png", []string{".png"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestResolve_FirstRootWins(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	want := writeFile(t, first, "mod/static/a.css", []byte("a{}"))
	writeFile(t, second, "mod/static/a.css", []byte("b{}"))

	got, err := Resolve([]string{first, second}, "mod/static/a.css", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestResolve_FallsThroughToLaterRoot(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	want := writeFile(t, second, "mod/static/b.js", []byte("1"))

	got, err := Resolve([]string{first, second}, "mod/static/b.js", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestResolve_StripsAddonsPrefix(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, "hr/static/icon.png", []byte("PNG"))

	got, err := Resolve([]string{root}, "addons/hr/static/icon.png", nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestResolve_AbsoluteInsideRoot(t *testing.T) {
	root := t.TempDir()
	want := writeFile(t, root, "x/y.txt", []byte("y"))

	got, err := Resolve([]string{root}, want, nil)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestResolve_AbsoluteOutsideRoot(t *testing.T) {
	root, other := t.TempDir(), t.TempDir()
	outside := writeFile(t, other, "secret.txt", []byte("s"))

	if _, err := Resolve([]string{root}, outside, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolve_TraversalRejected(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "addons")
	writeFile(t, root, "mod/static/ok.txt", []byte("ok"))
	writeFile(t, base, "passwd", []byte("root:x:0:0"))

	tests := []string{
		"../passwd",
		"../../etc/passwd",
		"mod/../../passwd",
		"mod/static/../../../passwd",
	}
	for _, p := range tests {
		t.Run(p, func(t *testing.T) {
			if _, err := Resolve([]string{root}, p, nil); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Resolve(%q) err = %v, want ErrNotFound", p, err)
			}
		})
	}
}

func TestResolve_SiblingPrefixNotMatched(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "addons")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	sibling := writeFile(t, base, "addons-extra/f.txt", []byte("f"))

	if _, err := Resolve([]string{root}, sibling, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestResolve_ExtensionFilter(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "mod/static/data.json", []byte("{}"))
	writeFile(t, root, "mod/static/LOGO.PNG", []byte("PNG"))

	if _, err := Resolve([]string{root}, "mod/static/data.json", []string{".png", ".jpg"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
	if _, err := Resolve([]string{root}, "mod/static/LOGO.PNG", []string{".png"}); err != nil {
		t.Fatalf("uppercase extension should match: %v", err)
	}
}

func TestResolve_UnsupportedCheckedBeforeExistence(t *testing.T) {
	root := t.TempDir()
	if _, err := Resolve([]string{root}, "missing.exe", []string{".png"}); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestResolve_MissingAndDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "mod/static/a.txt", []byte("a"))

	for _, p := range []string{"", "mod/static/none.txt", "mod/static", "mod\x00/a.txt"} {
		if _, err := Resolve([]string{root}, p, nil); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Resolve(%q) err = %v, want ErrNotFound", p, err)
		}
	}
}

func TestResolve_NoRoots(t *testing.T) {
	if _, err := Resolve(nil, "a.txt", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

// Within / SafeJoin

func TestWithin(t *testing.T) {
	tests := []struct {
		dir, p  string
		wantRel string
		wantOK  bool
	}{
		{"/data/filestore", "/data/filestore/db/ab/abcdef", "db/ab/abcdef", true},
		{"/data/filestore/", "/data/filestore/x", "x", true},
		{"/data/filestore", "/data/filestore", "", false},
		{"/data/filestore", "/data/other/x", "", false},
		{"/data/filestore", "/data/filestore-2/x", "", false},
		{"/data/filestore", "/data/filestore/../x", "", false},
	}
	for _, tt := range tests {
		rel, ok := Within(tt.dir, tt.p)
		if ok != tt.wantOK || rel != tt.wantRel {
			t.Errorf("Within(%q, %q) = (%q, %v), want (%q, %v)", tt.dir, tt.p, rel, ok, tt.wantRel, tt.wantOK)
		}
	}
}

func TestSafeJoin(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"ab/abcdef", "/fs/db/ab/abcdef", true},
		{"../other/x", "", false},
		{"/etc/passwd", "", false},
		{"", "", false},
		{"a/../../x", "", false},
	}
	for _, tt := range tests {
		got, ok := SafeJoin("/fs/db", tt.name)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("SafeJoin(%q) = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.wantOK)
		}
	}
}

func FuzzResolveStaysInRoot(f *testing.F) {
	root := f.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "mod", "static"), 0o755); err != nil {
		f.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "mod", "static", "a.txt"), []byte("a"), 0o644); err != nil {
		f.Fatal(err)
	}
	f.Add("mod/static/a.txt")
	f.Add("../a.txt")
	f.Add("addons/mod/static/a.txt")
	f.Add("/etc/passwd")

	f.Fuzz(func(t *testing.T, p string) {
		got, err := Resolve([]string{root}, p, nil)
		if err != nil {
			return
		}
		// anything resolved must be a descendant of the root
		if _, ok := Within(root, got); !ok {
			t.Fatalf("Resolve(%q) = %q escapes root %q", p, got, root)
		}
	})
}
