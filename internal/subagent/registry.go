package subagent

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// frontmatterDelimiter marks the start/end of an agent definition's YAML header.
const frontmatterDelimiter = "---"

var nameFormat = regexp.MustCompile(`^[a-z0-9_-]+$`)

// AgentDefinition is one named agent: either built-in (registered in code) or
// markdown-sourced (front-matter + body loaded from <config_dir>/agents/*.md).
type AgentDefinition struct {
	Name             string       `yaml:"name"`
	Description      string       `yaml:"description"`
	Tools            string       `yaml:"tools"` // CSV; parsed into AllowedToolNames
	AllowedToolNames []string     `yaml:"-"`
	SystemPrompt     string       `yaml:"-"` // markdown body
	Capabilities     Capabilities `yaml:"-"`
}

// Registry holds the built-in agents plus any discovered markdown agents.
// Reload rebuilds the markdown-sourced half atomically; built-ins are never
// cleared.
type Registry struct {
	mu       sync.RWMutex
	builtins map[string]AgentDefinition
	loaded   map[string]AgentDefinition
}

// NewRegistry creates a registry seeded with the built-in agents.
func NewRegistry() *Registry {
	r := &Registry{
		builtins: make(map[string]AgentDefinition),
		loaded:   make(map[string]AgentDefinition),
	}
	for _, def := range builtinAgents() {
		r.builtins[def.Name] = def
	}
	return r
}

// builtinAgents returns the agents shipped with the binary. file_curator
// backs the file-read pipeline's curated/structure modes; general is a
// catch-all equivalent to the generic SubAgent tool.
func builtinAgents() []AgentDefinition {
	return []AgentDefinition{
		{
			Name:             "general",
			Description:      "General-purpose sub-agent with the full tool set, for decomposing a task into a focused piece of work.",
			AllowedToolNames: nil, // nil = all tools (minus SubAgent/RunAgent)
			SystemPrompt:     SystemPrompt(),
			Capabilities:     Capabilities{MaxIterations: MaxSubAgentIterations},
		},
		{
			Name:             "file_curator",
			Description:      "Selects the most relevant line ranges (or, for very large files, just structure) from a file given the current conversation.",
			AllowedToolNames: []string{},
			SystemPrompt: strings.TrimSpace(`
You are a file curator. Given a file's full content and a short summary of
the recent conversation, select the line ranges most relevant to what the
user and assistant are discussing.

Respond with JSON only: {"ranges": [{"start": N, "end": M, "note": "why"}]}
Use 1-indexed, inclusive line numbers. In structure mode, select only
import/using declarations, type/class/struct declarations, and function or
method signatures — omit bodies.
`),
			Capabilities: Capabilities{MaxIterations: 2, Temperature: 0.3, NumCtx: 16384, NumPredict: 2000},
		},
	}
}

// Get looks up an agent by name, preferring a loaded (markdown) definition
// over a built-in one of the same name.
func (r *Registry) Get(name string) (AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.loaded[name]; ok {
		return def, true
	}
	def, ok := r.builtins[name]
	return def, ok
}

// List returns every known agent, loaded definitions shadowing built-ins.
func (r *Registry) List() []AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(map[string]AgentDefinition, len(r.builtins)+len(r.loaded))
	for name, def := range r.builtins {
		merged[name] = def
	}
	for name, def := range r.loaded {
		merged[name] = def
	}

	out := make([]AgentDefinition, 0, len(merged))
	for _, def := range merged {
		out = append(out, def)
	}
	return out
}

// Reload clears and rebuilds the markdown-sourced half of the registry from
// every *.md file directly inside dir. A file that fails to parse is
// skipped (logged by the caller); it does not abort the reload.
func (r *Registry) Reload(dir string) error {
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		r.mu.Lock()
		r.loaded = make(map[string]AgentDefinition)
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read agents dir: %w", err)
	}

	loaded := make(map[string]AgentDefinition)
	var errs []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := parseAgentFile(path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}
		loaded[def.Name] = def
	}

	r.mu.Lock()
	r.loaded = loaded
	r.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("failed to parse %d agent file(s): %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func parseAgentFile(path string) (AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentDefinition{}, fmt.Errorf("read: %w", err)
	}

	front, body, err := splitFrontmatter(data)
	if err != nil {
		return AgentDefinition{}, err
	}

	var def AgentDefinition
	if err := yaml.Unmarshal(front, &def); err != nil {
		return AgentDefinition{}, fmt.Errorf("parse front matter: %w", err)
	}

	if def.Name == "" {
		return AgentDefinition{}, fmt.Errorf("missing required field: name")
	}
	if !nameFormat.MatchString(def.Name) {
		return AgentDefinition{}, fmt.Errorf("name %q must match [a-z0-9_-]+", def.Name)
	}
	if def.Description == "" {
		return AgentDefinition{}, fmt.Errorf("missing required field: description")
	}

	if strings.TrimSpace(def.Tools) != "" {
		for _, name := range strings.Split(def.Tools, ",") {
			if name = strings.TrimSpace(name); name != "" {
				def.AllowedToolNames = append(def.AllowedToolNames, name)
			}
		}
	}

	def.SystemPrompt = strings.TrimSpace(string(body))
	def.Capabilities = Capabilities{MaxIterations: MaxSubAgentIterations}
	return def, nil
}

// splitFrontmatter separates the YAML header from the markdown body.
func splitFrontmatter(data []byte) ([]byte, []byte, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))

	if !scanner.Scan() {
		return nil, nil, fmt.Errorf("empty file")
	}
	if strings.TrimSpace(scanner.Text()) != frontmatterDelimiter {
		return nil, nil, fmt.Errorf("missing opening frontmatter delimiter")
	}

	var frontLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontmatterDelimiter {
			closed = true
			break
		}
		frontLines = append(frontLines, line)
	}
	if !closed {
		return nil, nil, fmt.Errorf("missing closing frontmatter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan: %w", err)
	}

	return []byte(strings.Join(frontLines, "\n")), []byte(strings.Join(bodyLines, "\n")), nil
}
