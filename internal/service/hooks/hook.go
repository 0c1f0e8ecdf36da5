// Package hooks validates and executes the side actions bound to phase
// boundaries. A hook is a document to read, a script to run or a skill for
// the host runtime to invoke. Path-bearing hooks are confined to the project
// root and plugin directories, and every outcome lands in an audit log.
package hooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fractary/faber/internal/core"
)

// Type names a hook variant.
type Type string

const (
	TypeDocument Type = "document"
	TypeScript   Type = "script"
	TypeSkill    Type = "skill"
)

// DefaultTimeout bounds a script hook without its own timeout.
const DefaultTimeout = 30 * time.Second

var skillPattern = regexp.MustCompile(`^[a-z0-9-]+:[a-z0-9-]+$`)

// Descriptor is a hook as written in configuration or a descriptor file.
type Descriptor struct {
	Type        string         `json:"type" yaml:"type"`
	Path        string         `json:"path,omitempty" yaml:"path,omitempty"`
	Skill       string         `json:"skill,omitempty" yaml:"skill,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Timeout     *int           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// Hook is one of DocumentHook, ScriptHook or SkillHook.
type Hook interface {
	Kind() Type
	Descriptor() Descriptor
	// target is the path or skill id recorded in the audit log.
	target() string
}

// DocumentHook hands a file back to the caller to read.
type DocumentHook struct {
	Path        string
	Description string
}

// ScriptHook runs an executable with the hook context.
type ScriptHook struct {
	Path        string
	Timeout     time.Duration
	Parameters  map[string]any
	Description string
}

// SkillHook names a skill for the host runtime.
type SkillHook struct {
	Skill       string
	Parameters  map[string]any
	Description string
}

func (DocumentHook) Kind() Type { return TypeDocument }
func (ScriptHook) Kind() Type   { return TypeScript }
func (SkillHook) Kind() Type    { return TypeSkill }

func (h DocumentHook) target() string { return h.Path }
func (h ScriptHook) target() string   { return h.Path }
func (h SkillHook) target() string    { return h.Skill }

func (h DocumentHook) Descriptor() Descriptor {
	return Descriptor{Type: string(TypeDocument), Path: h.Path, Description: h.Description}
}

func (h ScriptHook) Descriptor() Descriptor {
	d := Descriptor{Type: string(TypeScript), Path: h.Path, Description: h.Description, Parameters: h.Parameters}
	if h.Timeout > 0 {
		secs := int(h.Timeout / time.Second)
		d.Timeout = &secs
	}
	return d
}

func (h SkillHook) Descriptor() Descriptor {
	return Descriptor{Type: string(TypeSkill), Skill: h.Skill, Description: h.Description, Parameters: h.Parameters}
}

// Parse checks the shape of d and builds its variant. It does not touch the
// filesystem; see Engine.Validate for that.
func Parse(d Descriptor) (Hook, error) {
	if d.Timeout != nil && *d.Timeout <= 0 {
		return nil, invalid("timeout must be a positive integer (seconds)").WithDetail("timeout", *d.Timeout)
	}

	switch Type(d.Type) {
	case TypeDocument:
		if strings.TrimSpace(d.Path) == "" {
			return nil, invalid("document hook requires a path")
		}
		return DocumentHook{Path: d.Path, Description: d.Description}, nil

	case TypeScript:
		if strings.TrimSpace(d.Path) == "" {
			return nil, invalid("script hook requires a path")
		}
		h := ScriptHook{Path: d.Path, Parameters: d.Parameters, Description: d.Description}
		if d.Timeout != nil {
			h.Timeout = time.Duration(*d.Timeout) * time.Second
		}
		return h, nil

	case TypeSkill:
		if !skillPattern.MatchString(d.Skill) {
			return nil, invalid(fmt.Sprintf("invalid skill id %q, want plugin:skill", d.Skill)).
				WithDetail("skill", d.Skill)
		}
		return SkillHook{Skill: d.Skill, Parameters: d.Parameters, Description: d.Description}, nil

	case "":
		return nil, invalid("hook type is required")

	default:
		msg := fmt.Sprintf("unknown hook type %q", d.Type)
		if s := core.Suggest(d.Type, []string{string(TypeDocument), string(TypeScript), string(TypeSkill)}); s != "" {
			msg += fmt.Sprintf(" (did you mean %q?)", s)
		}
		return nil, invalid(msg).WithDetail("type", d.Type)
	}
}

// ParseJSON parses a JSON hook descriptor.
func ParseJSON(data []byte) (Hook, error) {
	var d Descriptor
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&d); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidJSON, "invalid hook descriptor").WithCause(err)
	}
	return Parse(d)
}

// ParseYAML parses a YAML hook descriptor.
func ParseYAML(data []byte) (Hook, error) {
	var d Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, core.ErrValidation(core.CodeInvalidHook, "invalid hook descriptor").WithCause(err)
	}
	return Parse(d)
}

// LoadFile parses a descriptor file, choosing YAML or JSON by extension.
func LoadFile(path string) (Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("hook descriptor", path)
		}
		return nil, fmt.Errorf("reading hook descriptor: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

func invalid(msg string) *core.DomainError {
	return core.ErrValidation(core.CodeInvalidHook, msg)
}
