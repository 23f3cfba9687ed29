package docsite

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/qbrc-cnap/mev-procman/pkg/errors"
)

// Manifest is the documentation-site manifest (mkdocs-style YAML).
type Manifest struct {
	SiteName           string     `yaml:"site_name"`
	SiteDescription    string     `yaml:"site_description,omitempty"`
	RepoURL            string     `yaml:"repo_url,omitempty"`
	MarkdownExtensions []string   `yaml:"markdown_extensions,omitempty"`
	Theme              Theme      `yaml:"theme,omitempty"`
	ExtraCSS           []string   `yaml:"extra_css,omitempty"`
	Nav                []NavEntry `yaml:"nav"`
}

type Theme struct {
	Name string `yaml:"name"`
}

// NavEntry is one node of the navigation tree. A page has a Path, a section
// has Children. Exactly one of the two is set.
type NavEntry struct {
	Title    string
	Path     string
	Children []NavEntry
}

// UnmarshalYAML decodes the single-key map form used by manifest nav lists:
// the key is the title, the value is either a page path or a nested list.
func (e *NavEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("nav entry must be a single-key mapping (line %d)", node.Line)
	}

	keyNode := node.Content[0]
	valueNode := node.Content[1]

	if err := keyNode.Decode(&e.Title); err != nil {
		return fmt.Errorf("invalid nav entry title (line %d): %w", keyNode.Line, err)
	}

	switch valueNode.Kind {
	case yaml.ScalarNode:
		return valueNode.Decode(&e.Path)
	case yaml.SequenceNode:
		return valueNode.Decode(&e.Children)
	default:
		return fmt.Errorf("nav entry '%s' must map to a page path or a nested list (line %d)", e.Title, valueNode.Line)
	}
}

func (e NavEntry) MarshalYAML() (interface{}, error) {
	if e.Children != nil {
		return map[string][]NavEntry{e.Title: e.Children}, nil
	}
	return map[string]string{e.Title: e.Path}, nil
}

// IsSection reports whether the entry groups child entries instead of
// pointing at a page.
func (e NavEntry) IsSection() bool {
	return e.Children != nil
}

// LoadManifest reads and parses a documentation-site manifest file.
func LoadManifest(filename string) (*Manifest, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read manifest file", err).WithContext("manifest_file", filename)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, errors.NewValidationError("failed to parse manifest file", err).WithContext("manifest_file", filename)
	}

	return &manifest, nil
}

// ManifestSummary is a digest of a manifest for CLI output.
type ManifestSummary struct {
	SiteName     string `json:"site_name"`
	RepoURL      string `json:"repo_url,omitempty"`
	ThemeName    string `json:"theme,omitempty"`
	PageCount    int    `json:"page_count"`
	SectionCount int    `json:"section_count"`
	MaxDepth     int    `json:"max_depth"`
}

func GetManifestSummary(manifest *Manifest) ManifestSummary {
	summary := ManifestSummary{
		SiteName:  manifest.SiteName,
		RepoURL:   manifest.RepoURL,
		ThemeName: manifest.Theme.Name,
	}
	walkNav(manifest.Nav, 1, func(entry NavEntry, depth int) {
		if entry.IsSection() {
			summary.SectionCount++
		} else {
			summary.PageCount++
		}
		if depth > summary.MaxDepth {
			summary.MaxDepth = depth
		}
	})
	return summary
}

// walkNav visits every nav entry depth-first in document order.
func walkNav(entries []NavEntry, depth int, visit func(entry NavEntry, depth int)) {
	for _, entry := range entries {
		visit(entry, depth)
		if entry.IsSection() {
			walkNav(entry.Children, depth+1, visit)
		}
	}
}
