// Package profile maps a task's assigned_to field to an execution profile:
// the system prompt, tool grants, and working directory an attempt runs with.
// Profiles live as YAML files in a directory and hot reload on change.
package profile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	"agentd/pkg/logx"
)

// Profile is one execution persona.
type Profile struct {
	Name         string   `yaml:"name" json:"name"`
	Instructions string   `yaml:"instructions" json:"instructions,omitempty"`
	Tools        []string `yaml:"tools" json:"tools,omitempty"`
	WorkingDir   string   `yaml:"working_dir" json:"working_dir,omitempty"`
}

// Router resolves a task assignment to a profile. An empty or unknown
// assignment resolves to the default profile.
type Router interface {
	Resolve(assignedTo string) Profile
}

// Store loads profiles from a directory of YAML files. The zero directory is
// valid: Resolve then always returns the fallback profile.
type Store struct {
	dir      string
	fallback Profile
	log      logx.Logger

	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewStore(dir string, fallback Profile, log logx.Logger) *Store {
	if fallback.Name == "" {
		fallback.Name = "default"
	}
	return &Store{
		dir:      dir,
		fallback: fallback,
		log:      log.With(logx.String("component", "profiles")),
		profiles: map[string]Profile{},
	}
}

// Load reads every *.yaml/*.yml under the directory. Files that fail to
// parse are skipped with a warning; one broken profile never takes the
// others down.
func (s *Store) Load() error {
	if s.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			s.log.Debug("profile directory absent", logx.String("dir", s.dir))
			return nil
		}
		return err
	}

	loaded := map[string]Profile{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		p, err := readProfile(path)
		if err != nil {
			s.log.Warn("skipping unreadable profile", logx.String("path", path), logx.Err(err))
			continue
		}
		if _, dup := loaded[p.Name]; dup {
			s.log.Warn("duplicate profile name, later file wins",
				logx.String("name", p.Name), logx.String("kept", path))
		}
		loaded[p.Name] = p
	}

	s.mu.Lock()
	s.profiles = loaded
	s.mu.Unlock()
	s.log.Info("profiles loaded", logx.Int("count", len(loaded)), logx.String("dir", s.dir))
	return nil
}

func readProfile(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return p, nil
}

// Resolve returns the named profile, or the fallback for "" and unknown
// names. Unknown names are logged once per call site concern, not cached.
func (s *Store) Resolve(assignedTo string) Profile {
	name := strings.TrimSpace(assignedTo)
	if name == "" {
		return s.defaultProfile()
	}
	s.mu.RLock()
	p, ok := s.profiles[name]
	s.mu.RUnlock()
	if !ok {
		s.log.Warn("unknown profile, using default", logx.String("assigned_to", name))
		return s.defaultProfile()
	}
	return p
}

// defaultProfile prefers an explicit "default" profile file over the
// built-in fallback.
func (s *Store) defaultProfile() Profile {
	s.mu.RLock()
	p, ok := s.profiles[s.fallback.Name]
	s.mu.RUnlock()
	if ok {
		return p
	}
	return s.fallback
}

// Names returns the loaded profile names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Watch reloads the directory on filesystem changes until ctx is cancelled.
func (s *Store) Watch(ctx context.Context) error {
	if s.dir == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.dir); err != nil {
		return err
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(250*time.Millisecond, func() {
			if err := s.Load(); err != nil {
				s.log.Warn("profile reload failed", logx.Err(err))
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events:
			if !ok {
				return nil
			}
			reload()
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if werr != nil {
				s.log.Warn("profile watch error", logx.Err(werr))
			}
		}
	}
}
