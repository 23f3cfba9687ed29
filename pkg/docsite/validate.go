package docsite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Violation is one manifest check failure. Location is a human-readable nav
// breadcrumb or top-level field name.
type Violation struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Location, v.Message)
}

// ValidateManifest checks a manifest against the docs directory holding the
// source documents. It returns all violations rather than stopping at the
// first one.
func ValidateManifest(manifest *Manifest, docsDir string) []Violation {
	var violations []Violation
	add := func(location, format string, args ...interface{}) {
		violations = append(violations, Violation{
			Location: location,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if strings.TrimSpace(manifest.SiteName) == "" {
		add("site_name", "site name cannot be empty")
	}
	if len(manifest.Nav) == 0 {
		add("nav", "navigation tree is empty")
	}

	seen := make(map[string]string)
	validateNavEntries(manifest.Nav, "nav", docsDir, seen, add)

	for _, stylesheet := range manifest.ExtraCSS {
		if reason := checkDocPath(stylesheet, docsDir); reason != "" {
			add("extra_css", "stylesheet '%s' %s", stylesheet, reason)
		}
	}

	return violations
}

func validateNavEntries(entries []NavEntry, breadcrumb, docsDir string, seen map[string]string, add func(location, format string, args ...interface{})) {
	for i, entry := range entries {
		location := fmt.Sprintf("%s[%d]", breadcrumb, i)
		if entry.Title != "" {
			location = fmt.Sprintf("%s (%s)", location, entry.Title)
		}

		if strings.TrimSpace(entry.Title) == "" {
			add(location, "nav entry title cannot be empty")
		}

		if entry.IsSection() {
			if len(entry.Children) == 0 {
				add(location, "section has no entries")
			}
			validateNavEntries(entry.Children, location, docsDir, seen, add)
			continue
		}

		if strings.TrimSpace(entry.Path) == "" {
			add(location, "nav entry path cannot be empty")
			continue
		}

		if prior, duplicate := seen[entry.Path]; duplicate {
			add(location, "path '%s' already used by %s", entry.Path, prior)
		} else {
			seen[entry.Path] = location
		}

		if reason := checkDocPath(entry.Path, docsDir); reason != "" {
			add(location, "path '%s' %s", entry.Path, reason)
		}
	}
}

// checkDocPath verifies a manifest path is relative, stays inside the docs
// root and resolves to an existing file. Returns an empty string when valid.
func checkDocPath(path, docsDir string) string {
	if filepath.IsAbs(path) {
		return "must be relative to the docs directory"
	}

	cleaned := filepath.Clean(filepath.FromSlash(path))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "escapes the docs directory"
	}

	resolved := filepath.Join(docsDir, cleaned)
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return "does not exist under the docs directory"
		}
		return fmt.Sprintf("cannot be checked: %v", err)
	}
	if info.IsDir() {
		return "is a directory, not a document"
	}
	return ""
}
