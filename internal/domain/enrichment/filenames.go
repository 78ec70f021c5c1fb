package enrichment

import (
	"errors"
	"path"
	"sort"
	"strings"
)

// ErrNotSupported indicates a change list whose files map to no known
// enrichment attribute; the caller falls back to the full enrich control.
var ErrNotSupported = errors.New("filename enrichment not supported for change list")

// languagesByExtension maps file extensions to the language attribute the
// enrich control would report for them.
var languagesByExtension = map[string]string{
	".py":    "python",
	".go":    "go",
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".kt":    "kotlin",
	".rb":    "ruby",
	".rs":    "rust",
	".cs":    "csharp",
	".php":   "php",
	".scala": "scala",
	".swift": "swift",
	".tf":    "terraform",
}

// packageManagersByFile maps well-known dependency manifests to the package
// manager attribute.
var packageManagersByFile = map[string]string{
	"requirements.txt":  "pip",
	"pipfile":           "pip",
	"pyproject.toml":    "pip",
	"package.json":      "npm",
	"package-lock.json": "npm",
	"yarn.lock":         "yarn",
	"go.mod":            "go_modules",
	"go.sum":            "go_modules",
	"pom.xml":           "maven",
	"build.gradle":      "gradle",
	"build.gradle.kts":  "gradle",
	"gemfile":           "bundler",
	"cargo.toml":        "cargo",
}

// FromFileNames derives enrichment attributes from a pull request's change
// list without cloning the repository. ErrNotSupported when no file maps to
// any attribute.
func FromFileNames(paths []string) (Results, error) {
	languages := map[string]struct{}{}
	packageManagers := map[string]struct{}{}

	for _, path := range paths {
		base := lowerBase(path)
		if pm, ok := packageManagersByFile[base]; ok {
			packageManagers[pm] = struct{}{}
		}
		if lang, ok := languagesByExtension[extension(base)]; ok {
			languages[lang] = struct{}{}
		}
	}

	if len(languages) == 0 && len(packageManagers) == 0 {
		return nil, ErrNotSupported
	}

	results := Results{}
	if len(languages) > 0 {
		results["languages"] = sortedKeys(languages)
	}
	if len(packageManagers) > 0 {
		results["package_managers"] = sortedKeys(packageManagers)
	}
	return results, nil
}

func lowerBase(p string) string { return strings.ToLower(path.Base(p)) }

func extension(base string) string { return path.Ext(base) }

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
