package sessions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a session map file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

func (f Format) String() string {
	if f == FormatYAML {
		return "yaml"
	}
	return "json"
}

// ErrEmptyFile is returned for a session file without content. An empty
// session map is written as {}.
var ErrEmptyFile = errors.New("session file is empty")

// FileSource reads a session map written as
//
//	{"<key>": {"token": "...", "host": "...", "port": 1234}}
//
// A nested "target" object is accepted in place of host/port.
type FileSource struct {
	path   string
	format Format
}

// NewFileSource creates a source for the file at path.
func NewFileSource(path string, format Format) *FileSource {
	return &FileSource{path: filepath.Clean(path), format: format}
}

// Path returns the watched file path.
func (f *FileSource) Path() string {
	return f.path
}

func (f *FileSource) Name() string {
	return fmt.Sprintf("%s file %s", f.format, f.path)
}

func (f *FileSource) Close() error {
	return nil
}

// Load reads and decodes the whole file.
func (f *FileSource) Load(_ context.Context) (map[string]Entry, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var raw map[string]fileEntry
	if len(bytes.TrimSpace(data)) == 0 {
		// A writer truncated the file and has not finished rewriting it.
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, f.path)
	}

	switch f.format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &raw)
	default:
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s session file: %w", f.format, err)
	}

	table := make(map[string]Entry, len(raw))
	for key, e := range raw {
		table[key] = e.entry()
	}
	return table, nil
}

type fileTarget struct {
	Host string   `json:"host" yaml:"host"`
	Port flexPort `json:"port" yaml:"port"`
}

type fileEntry struct {
	Token  string      `json:"token" yaml:"token"`
	Host   string      `json:"host" yaml:"host"`
	Port   flexPort    `json:"port" yaml:"port"`
	Target *fileTarget `json:"target,omitempty" yaml:"target,omitempty"`
}

func (e fileEntry) entry() Entry {
	if e.Target != nil {
		return Entry{Token: e.Token, Target: Target{Host: e.Target.Host, Port: int(e.Target.Port)}}
	}
	return Entry{Token: e.Token, Target: Target{Host: e.Host, Port: int(e.Port)}}
}

// flexPort accepts a port written either as a number or as a string.
type flexPort int

func (p *flexPort) set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*p = 0
		return nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %q: %w", s, err)
	}
	*p = flexPort(i)
	return nil
}

func (p *flexPort) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(s); err == nil {
		s = unquoted
	}
	return p.set(s)
}

func (p *flexPort) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("port must be a scalar, line %d", value.Line)
	}
	return p.set(value.Value)
}
