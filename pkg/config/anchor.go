package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// AnchorFileName is the marker file establishing a project or workspace
// context root.
const AnchorFileName = ".aurite"

// AnchorType distinguishes project from workspace anchors.
type AnchorType string

const (
	AnchorProject   AnchorType = "project"
	AnchorWorkspace AnchorType = "workspace"
)

// Anchor is one parsed .aurite file.
type Anchor struct {
	Type                AnchorType `yaml:"type"`
	IncludeConfigs      []string   `yaml:"include_configs"`
	Projects            []string   `yaml:"projects"`
	CustomWorkflowPaths []string   `yaml:"custom_workflow_paths"`
	ToolServerPaths     []string   `yaml:"tool_server_paths"`

	// Env is the anchor's optional env section; merged closest-wins.
	Env map[string]string `yaml:"-"`

	// Dir is the directory holding the anchor file.
	Dir string `yaml:"-"`
}

type anchorDocument struct {
	Aurite Anchor            `yaml:"aurite"`
	Env    map[string]string `yaml:"env"`
}

// ParseAnchor reads and parses one anchor file.
func ParseAnchor(path string) (*Anchor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read anchor file %s: %w", path, err)
	}

	var doc anchorDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse anchor file %s: %w", path, err)
	}

	anchor := doc.Aurite
	anchor.Env = doc.Env
	anchor.Dir = filepath.Dir(path)

	switch anchor.Type {
	case AnchorProject, AnchorWorkspace:
	case "":
		anchor.Type = AnchorProject
	default:
		return nil, fmt.Errorf("anchor file %s: unknown type %q (valid: project, workspace)", path, anchor.Type)
	}

	return &anchor, nil
}

// DiscoverAnchors walks up from startDir collecting every anchor file,
// closest first.
func DiscoverAnchors(startDir string) ([]*Anchor, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve start directory: %w", err)
	}

	var anchors []*Anchor
	for {
		path := filepath.Join(dir, AnchorFileName)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			anchor, err := ParseAnchor(path)
			if err != nil {
				return nil, err
			}
			anchors = append(anchors, anchor)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return anchors, nil
}

// MergedEnv flattens the anchors' env sections, closest anchor winning.
func MergedEnv(anchors []*Anchor) map[string]string {
	merged := make(map[string]string)
	for i := len(anchors) - 1; i >= 0; i-- {
		for k, v := range anchors[i].Env {
			merged[k] = v
		}
	}
	return merged
}

// sourcesFor builds the ordered config source list for the discovered
// anchors: closest anchor's roots, then its include_configs, then outer
// anchors (workspace anchors also contribute each projects entry), finally
// the user-global directory.
func sourcesFor(anchors []*Anchor, userGlobalDir string) []Source {
	var sources []Source

	for _, anchor := range anchors {
		level := ContextProject
		if anchor.Type == AnchorWorkspace {
			level = ContextWorkspace
		}

		sources = append(sources, Source{
			Path:         filepath.Join(anchor.Dir, "config"),
			ContextPath:  anchor.Dir,
			ContextLevel: level,
		})

		for _, include := range anchor.IncludeConfigs {
			path := include
			if !filepath.IsAbs(path) {
				path = filepath.Join(anchor.Dir, path)
			}
			sources = append(sources, Source{
				Path:         path,
				ContextPath:  anchor.Dir,
				ContextLevel: level,
			})
		}

		if anchor.Type == AnchorWorkspace {
			for _, project := range anchor.Projects {
				projectDir := project
				if !filepath.IsAbs(projectDir) {
					projectDir = filepath.Join(anchor.Dir, projectDir)
				}
				sources = append(sources, Source{
					Path:         filepath.Join(projectDir, "config"),
					ContextPath:  projectDir,
					ContextLevel: ContextWorkspace,
				})
			}
		}
	}

	if userGlobalDir != "" {
		sources = append(sources, Source{
			Path:         userGlobalDir,
			ContextPath:  userGlobalDir,
			ContextLevel: ContextUser,
		})
	}

	return sources
}
