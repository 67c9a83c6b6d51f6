package profile

import (
	"os"
	"path/filepath"
	"testing"

	"agentd/pkg/logx"
)

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadAndResolve(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeProfile(t, dir, "research.yaml", `
name: research
instructions: Dig deep, cite sources.
tools: [WebSearch, Read]
working_dir: /srv/research
`)
	writeProfile(t, dir, "ops.yml", `
instructions: Keep it short.
`)

	s := NewStore(dir, Profile{Tools: []string{"Read"}}, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	p := s.Resolve("research")
	if p.WorkingDir != "/srv/research" || len(p.Tools) != 2 {
		t.Errorf("research profile = %+v", p)
	}

	// Name falls back to the filename when the file omits it.
	if got := s.Resolve("ops"); got.Instructions != "Keep it short." {
		t.Errorf("ops profile = %+v", got)
	}

	if got := s.Names(); len(got) != 2 || got[0] != "ops" || got[1] != "research" {
		t.Errorf("Names() = %v", got)
	}
}

func TestResolveFallsBack(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := NewStore(dir, Profile{Instructions: "builtin", Tools: []string{"Read"}}, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}

	for _, assigned := range []string{"", "nonexistent"} {
		p := s.Resolve(assigned)
		if p.Name != "default" || p.Instructions != "builtin" {
			t.Errorf("Resolve(%q) = %+v, want builtin fallback", assigned, p)
		}
	}
}

func TestDefaultProfileFilePreferred(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeProfile(t, dir, "default.yaml", `
instructions: from file
`)

	s := NewStore(dir, Profile{Instructions: "builtin"}, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatal(err)
	}
	if p := s.Resolve(""); p.Instructions != "from file" {
		t.Errorf("Resolve(\"\") = %+v, want the default.yaml profile", p)
	}
}

func TestBrokenProfileSkipped(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeProfile(t, dir, "good.yaml", "name: good\n")
	writeProfile(t, dir, "bad.yaml", "name: [unterminated\n")

	s := NewStore(dir, Profile{}, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Names(); len(got) != 1 || got[0] != "good" {
		t.Errorf("Names() = %v, want only the parseable profile", got)
	}
}

func TestEmptyDirIsValid(t *testing.T) {
	t.Parallel()
	s := NewStore("", Profile{Instructions: "builtin"}, logx.Nop())
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p := s.Resolve("anything"); p.Instructions != "builtin" {
		t.Errorf("Resolve = %+v", p)
	}
}
