package gitsource

import (
	"path/filepath"
	"testing"
)

func TestLocalPath(t *testing.T) {
	cases := []struct {
		name string
		url  string
		want string
	}{
		{"https", "https://github.com/user/puzzle-pack.git", filepath.Join("repos", "github.com", "user", "puzzle-pack")},
		{"https no suffix", "https://github.com/user/puzzle-pack", filepath.Join("repos", "github.com", "user", "puzzle-pack")},
		{"ssh", "git@github.com:user/puzzle-pack.git", filepath.Join("repos", "github.com", "user", "puzzle-pack")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := LocalPath("repos", tc.url)
			if err != nil {
				t.Fatalf("LocalPath failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestLocalPathRejectsGarbage(t *testing.T) {
	if _, err := LocalPath("repos", "not a url at all"); err == nil {
		t.Fatal("expected error for unparseable URL")
	}
}
