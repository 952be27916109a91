package decompose

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ShayCichocki/cairn/pkg/models"
)

// manifestFiles are files that conflict whenever two branches edit them.
var manifestFiles = map[string]bool{
	"package.json":       true,
	"package-lock.json":  true,
	"yarn.lock":          true,
	"pnpm-lock.yaml":     true,
	"go.mod":             true,
	"go.sum":             true,
	"Cargo.toml":         true,
	"Cargo.lock":         true,
	"pyproject.toml":     true,
	"requirements.txt":   true,
	"poetry.lock":        true,
	"Gemfile":            true,
	"Gemfile.lock":       true,
	"pom.xml":            true,
	"build.gradle":       true,
	"build.gradle.kts":   true,
	"composer.json":      true,
	"tsconfig.json":      true,
	"Makefile":           true,
	"Dockerfile":         true,
	"docker-compose.yml": true,
	".gitignore":         true,
}

var manifestPatterns = []string{".eslintrc*", ".prettierrc*", "*.csproj", ".env*"}

// IsManifest reports whether path names a package or build manifest.
func IsManifest(path string) bool {
	base := filepath.Base(strings.TrimPrefix(path, "./"))
	if manifestFiles[base] {
		return true
	}
	for _, p := range manifestPatterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

// sharesManifest reports whether both resource lists name the same manifest.
func sharesManifest(a, b []string) bool {
	seen := make(map[string]bool)
	for _, r := range a {
		if IsManifest(r) {
			seen[filepath.Clean(strings.TrimPrefix(r, "./"))] = true
		}
	}
	for _, r := range b {
		if IsManifest(r) && seen[filepath.Clean(strings.TrimPrefix(r, "./"))] {
			return true
		}
	}
	return false
}

// Coalesce merges agent-assigned subtasks of one repository that touch the
// same manifest file, so their changes land on a single branch. A merged
// subtask takes the position of its first member; indices and dependencies
// are renumbered.
func Coalesce(specs []models.SubtaskSpec) []models.SubtaskSpec {
	n := len(specs)
	if n < 2 {
		return specs
	}

	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}

	merged := false
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			a, b := specs[i], specs[j]
			if a.Assignment == models.AssignHuman || b.Assignment == models.AssignHuman || a.Repo != b.Repo {
				continue
			}
			if sharesManifest(a.Resources, b.Resources) {
				if ri, rj := find(i), find(j); ri != rj {
					// Keep the smaller index as the root.
					parent[max(ri, rj)] = min(ri, rj)
					merged = true
				}
			}
		}
	}
	if !merged {
		return specs
	}

	var roots []int
	groups := make(map[int][]int)
	for i := range specs {
		r := find(i)
		if _, ok := groups[r]; !ok {
			roots = append(roots, r)
		}
		groups[r] = append(groups[r], i)
	}

	newIndex := make([]int, n)
	for k, r := range roots {
		for _, m := range groups[r] {
			newIndex[m] = k
		}
	}

	out := make([]models.SubtaskSpec, len(roots))
	for k, r := range roots {
		spec := mergeGroup(specs, groups[r])
		spec.Index = k
		var deps []int
		for _, old := range spec.DependsOn {
			if d := newIndex[old]; d != k && !slices.Contains(deps, d) {
				deps = append(deps, d)
			}
		}
		slices.Sort(deps)
		spec.DependsOn = deps
		out[k] = spec
	}
	return out
}

func mergeGroup(specs []models.SubtaskSpec, members []int) models.SubtaskSpec {
	base := specs[members[0]]
	if len(members) == 1 {
		base.DependsOn = slices.Clone(base.DependsOn)
		return base
	}

	var titles, parts []string
	var resources []string
	var deps []int
	for i, m := range members {
		s := specs[m]
		titles = append(titles, s.Title)
		parts = append(parts, fmt.Sprintf("## Part %d: %s\n%s", i+1, s.Title, s.Description))
		for _, r := range s.Resources {
			if !slices.Contains(resources, r) {
				resources = append(resources, r)
			}
		}
		deps = append(deps, s.DependsOn...)
	}

	base.Title = strings.Join(titles, " + ")
	base.Description = strings.Join(parts, "\n\n")
	base.Resources = resources
	base.DependsOn = deps
	base.Difficulty = hardest(specs, members)
	return base
}

var difficultyRank = map[string]int{"easy": 1, "medium": 2, "hard": 3}

func hardest(specs []models.SubtaskSpec, members []int) string {
	best := specs[members[0]].Difficulty
	for _, m := range members[1:] {
		d := specs[m].Difficulty
		if difficultyRank[strings.ToLower(d)] > difficultyRank[strings.ToLower(best)] {
			best = d
		}
	}
	return best
}
