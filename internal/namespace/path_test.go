package namespace

import (
	"slices"
	"testing"
)

func TestSplitPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want []string
	}{
		{"absolute", "/docs/notes.txt", []string{"docs", "notes.txt"}},
		{"relative equals absolute", "docs/notes.txt", []string{"docs", "notes.txt"}},
		{"root", "/", []string{}},
		{"empty", "", []string{}},
		{"trailing slash", "/docs/", []string{"docs"}},
		{"doubled slashes", "//docs///notes.txt", []string{"docs", "notes.txt"}},
		{"dot segments", "/./docs/./notes.txt", []string{"docs", "notes.txt"}},
		{"dotdot pops", "/docs/../pics/cat.png", []string{"pics", "cat.png"}},
		{"dotdot cannot escape root", "/../../etc/passwd", []string{"etc", "passwd"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SplitPath(tt.path); !slices.Equal(got, tt.want) {
				t.Errorf("SplitPath(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestJoinPath(t *testing.T) {
	if got := JoinPath([]string{"docs", "notes.txt"}); got != "/docs/notes.txt" {
		t.Errorf("JoinPath() = %q", got)
	}
	if got := JoinPath(nil); got != "/" {
		t.Errorf("JoinPath(nil) = %q", got)
	}
}
