// Package skills discovers and loads SKILL.md capability documents from the
// workspace and a builtin directory. Workspace skills shadow builtins.
package skills

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Metadata is a skill's YAML frontmatter.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	Always      bool   `yaml:"always"`
	Requires    struct {
		Bins []string `yaml:"bins"`
		Env  []string `yaml:"env"`
	} `yaml:"requires"`
}

// Info describes a discovered skill.
type Info struct {
	Name   string
	Path   string
	Source string // "workspace" or "builtin"
}

// Loader resolves skills by name.
type Loader struct {
	WorkspaceSkills string
	BuiltinSkills   string
}

// NewLoader creates a loader rooted at workspace/skills plus an optional
// builtin skills directory.
func NewLoader(workspace, builtinDir string) *Loader {
	return &Loader{
		WorkspaceSkills: filepath.Join(workspace, "skills"),
		BuiltinSkills:   builtinDir,
	}
}

// List returns all skills, sorted by name. A workspace skill hides a builtin
// skill of the same name.
func (l *Loader) List() []Info {
	byName := map[string]Info{}

	scan := func(dir, source string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			path := filepath.Join(dir, e.Name(), "SKILL.md")
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if _, taken := byName[e.Name()]; taken {
				continue
			}
			byName[e.Name()] = Info{Name: e.Name(), Path: path, Source: source}
		}
	}
	scan(l.WorkspaceSkills, "workspace")
	if l.BuiltinSkills != "" {
		scan(l.BuiltinSkills, "builtin")
	}

	out := make([]Info, 0, len(byName))
	for _, info := range byName {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (l *Loader) resolve(name string) string {
	p := filepath.Join(l.WorkspaceSkills, name, "SKILL.md")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	if l.BuiltinSkills != "" {
		p = filepath.Join(l.BuiltinSkills, name, "SKILL.md")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Load returns a skill's full content, or "" when unknown.
func (l *Loader) Load(name string) string {
	path := l.resolve(name)
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

var frontmatterRe = regexp.MustCompile(`(?s)^---\n(.*?)\n---\n?`)

// GetMetadata parses a skill's frontmatter. Returns the zero value when the
// skill is missing or has no parseable frontmatter.
func (l *Loader) GetMetadata(name string) Metadata {
	content := l.Load(name)
	meta := Metadata{Name: name}
	m := frontmatterRe.FindStringSubmatch(content)
	if m == nil {
		return meta
	}
	if err := yaml.Unmarshal([]byte(m[1]), &meta); err != nil {
		return Metadata{Name: name}
	}
	if meta.Name == "" {
		meta.Name = name
	}
	return meta
}

// Available reports whether a skill's declared requirements (CLI binaries on
// PATH, environment variables set) are met.
func (l *Loader) Available(name string) bool {
	return l.missingRequirements(name) == ""
}

func (l *Loader) missingRequirements(name string) string {
	meta := l.GetMetadata(name)
	var missing []string
	for _, b := range meta.Requires.Bins {
		if _, err := exec.LookPath(b); err != nil {
			missing = append(missing, "CLI: "+b)
		}
	}
	for _, e := range meta.Requires.Env {
		if os.Getenv(e) == "" {
			missing = append(missing, "ENV: "+e)
		}
	}
	return strings.Join(missing, ", ")
}

// AlwaysSkills returns names of available skills flagged always-on.
func (l *Loader) AlwaysSkills() []string {
	var out []string
	for _, s := range l.List() {
		if l.GetMetadata(s.Name).Always && l.Available(s.Name) {
			out = append(out, s.Name)
		}
	}
	return out
}

// LoadForContext loads named skills (frontmatter stripped) formatted for
// inclusion in the system prompt.
func (l *Loader) LoadForContext(names []string) string {
	var parts []string
	for _, name := range names {
		content := l.Load(name)
		if content == "" {
			continue
		}
		content = strings.TrimSpace(frontmatterRe.ReplaceAllString(content, ""))
		parts = append(parts, "### Skill: "+name+"\n\n"+content)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// Summary returns an XML listing of every skill for progressive loading:
// the agent reads the full SKILL.md itself when a skill looks relevant.
func (l *Loader) Summary() string {
	all := l.List()
	if len(all) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<skills>\n")
	for _, s := range all {
		meta := l.GetMetadata(s.Name)
		desc := meta.Description
		if desc == "" {
			desc = s.Name
		}
		missing := l.missingRequirements(s.Name)
		available := "true"
		if missing != "" {
			available = "false"
		}
		b.WriteString("  <skill available=\"" + available + "\">\n")
		b.WriteString("    <name>" + escapeXML(s.Name) + "</name>\n")
		b.WriteString("    <description>" + escapeXML(desc) + "</description>\n")
		b.WriteString("    <location>" + s.Path + "</location>\n")
		if missing != "" {
			b.WriteString("    <requires>" + escapeXML(missing) + "</requires>\n")
		}
		b.WriteString("  </skill>\n")
	}
	b.WriteString("</skills>")
	return b.String()
}

func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
