package recorder

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Layout is the recorder set declared in a YAML file:
//
//	recorders:
//	  - name: rgb
//	    kind: rgb
//	    required: true
//	    command: ["ffmpeg", "-f", "v4l2", "-i", "/dev/video0", "{location}/video.mp4"]
type Layout struct {
	Recorders []Entry `yaml:"recorders"`
}

// Entry declares one recorder.
type Entry struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Required bool     `yaml:"required"`
	Command  []string `yaml:"command"`
}

// LoadLayout reads and validates a layout file.
func LoadLayout(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("recorder layout: %w", err)
	}
	return ParseLayout(data)
}

// ParseLayout decodes and validates layout YAML.
func ParseLayout(data []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("recorder layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Validate checks names are present and unique, kinds are known and commands are non-empty.
func (l *Layout) Validate() error {
	if len(l.Recorders) == 0 {
		return errors.New("recorder layout: no recorders declared")
	}
	seen := make(map[string]struct{}, len(l.Recorders))
	for i, e := range l.Recorders {
		if e.Name == "" {
			return fmt.Errorf("recorder layout: entry %d has no name", i)
		}
		if _, dup := seen[e.Name]; dup {
			return fmt.Errorf("recorder layout: duplicate name %q", e.Name)
		}
		seen[e.Name] = struct{}{}
		if _, err := ParseKind(e.Kind); err != nil {
			return fmt.Errorf("recorder layout: %s: %w", e.Name, err)
		}
		if len(e.Command) == 0 {
			return fmt.Errorf("recorder layout: %s: empty command", e.Name)
		}
	}
	return nil
}

// ParsedKind returns the entry's Kind. The layout has already been validated.
func (e Entry) ParsedKind() Kind {
	k, err := ParseKind(e.Kind)
	if err != nil {
		return KindOther
	}
	return k
}

// Capability builds the process-backed capability for the entry.
func (e Entry) Capability(logger *slog.Logger) *ProcessCapability {
	return NewProcessCapability(e.Name, e.Command, logger)
}
