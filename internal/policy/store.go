package policy

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-sentinel/internal/event"
)

// policyFile is the on-disk shape: a default policy plus per-camera
// overrides.
type policyFile struct {
	Default event.AnalysisPolicy   `yaml:"default"`
	Cameras []event.AnalysisPolicy `yaml:"cameras"`
}

// Store holds per-camera analysis policies loaded from a YAML file.
// Policies are read-only to the pipeline; the store only swaps them
// wholesale on reload.
type Store struct {
	path string

	mu       sync.RWMutex
	def      event.AnalysisPolicy
	byCamera map[string]event.AnalysisPolicy
	loadedAt time.Time
	lastMod  time.Time
}

func NewStore(path string) *Store {
	return &Store{
		path:     path,
		def:      defaultPolicy(),
		byCamera: make(map[string]event.AnalysisPolicy),
	}
}

func defaultPolicy() event.AnalysisPolicy {
	return event.AnalysisPolicy{
		Mode:       event.ModeMultiFrame,
		FrameCount: 5,
	}
}

// Load reads and swaps the policy set. A broken file keeps the previous
// set in place.
func (s *Store) Load() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("policy load: %w", err)
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("policy load: %w", err)
	}

	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("policy parse: %w", err)
	}

	def := f.Default
	if def.Mode == "" {
		def.Mode = event.ModeMultiFrame
	}
	if def.FrameCount == 0 {
		def.FrameCount = 5
	}

	byCamera := make(map[string]event.AnalysisPolicy, len(f.Cameras))
	for _, p := range f.Cameras {
		if p.CameraID == "" {
			log.Printf("[Policy] Skipping camera policy without camera_id in %s", s.path)
			continue
		}
		if p.Mode == "" {
			p.Mode = def.Mode
		}
		if p.FrameCount == 0 {
			p.FrameCount = def.FrameCount
		}
		if len(p.Providers) == 0 {
			p.Providers = def.Providers
		}
		byCamera[p.CameraID] = p
	}

	s.mu.Lock()
	s.def = def
	s.byCamera = byCamera
	s.loadedAt = time.Now()
	s.lastMod = info.ModTime()
	s.mu.Unlock()

	log.Printf("[Policy] Loaded %d camera policies from %s", len(byCamera), s.path)
	return nil
}

// Get returns the policy for a camera, falling back to the default with
// the camera id filled in.
func (s *Store) Get(cameraID string) event.AnalysisPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.byCamera[cameraID]; ok {
		return p
	}
	p := s.def
	p.CameraID = cameraID
	return p
}

// Count reports the number of per-camera overrides, for health reporting.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byCamera)
}

// reloadIfChanged stats the file and reloads only on mtime change, so the
// polling safety net does not spam the log.
func (s *Store) reloadIfChanged() {
	info, err := os.Stat(s.path)
	if err != nil {
		return
	}

	s.mu.RLock()
	last := s.lastMod
	s.mu.RUnlock()
	if !info.ModTime().After(last) {
		return
	}

	if err := s.Load(); err != nil {
		log.Printf("[Policy] Reload failed: %v", err)
	}
}
