package action

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Manifest overrides a compiled-in action's presentation. Fields left empty
// keep the action's own values.
type Manifest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Disabled       bool     `json:"disabled,omitempty"`
	SuggestedAfter []string `json:"suggested_after,omitempty"`
	NeverAfter     []string `json:"never_after,omitempty"`
	Prompt         string   `json:"prompt,omitempty"`
}

// LoadManifests reads every *.json file directly in dir, in name order. A
// same-named *.md file replaces the manifest's prompt. A missing dir yields
// no manifests.
func LoadManifests(dir string) ([]Manifest, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading manifest directory %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []Manifest
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if m.Name == "" {
			m.Name = strings.TrimSuffix(entry.Name(), ".json")
		}

		mdPath := strings.TrimSuffix(path, ".json") + ".md"
		if prompt, err := os.ReadFile(mdPath); err == nil {
			m.Prompt = strings.TrimSpace(string(prompt))
		}
		out = append(out, m)
	}
	return out, nil
}

// Apply returns src with manifests applied. Disabled actions are left out;
// manifests naming unknown actions are returned as unmatched.
func Apply(src Source, manifests []Manifest) (Static, []string) {
	byName := make(map[string]Manifest, len(manifests))
	for _, m := range manifests {
		byName[m.Name] = m
	}

	var out Static
	for _, a := range src.Actions() {
		m, ok := byName[a.Name]
		if !ok {
			out = append(out, a)
			continue
		}
		delete(byName, a.Name)
		if m.Disabled {
			continue
		}
		cp := *a
		if m.Description != "" {
			cp.Description = m.Description
		}
		if m.SuggestedAfter != nil {
			cp.SuggestedAfter = m.SuggestedAfter
		}
		if m.NeverAfter != nil {
			cp.NeverAfter = m.NeverAfter
		}
		if m.Prompt != "" {
			cp.Prompt = m.Prompt
		}
		out = append(out, &cp)
	}

	var unmatched []string
	for name := range byName {
		unmatched = append(unmatched, name)
	}
	sort.Strings(unmatched)
	return out, unmatched
}
