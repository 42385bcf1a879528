// Package prompts loads the default prompt list used when a run request does
// not carry its own.
package prompts

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source yields an ordered list of prompts.
type Source interface {
	Load(ctx context.Context) ([]string, error)
}

// File reads prompts from disk on every Load, so edits apply to the next job.
//
// YAML files (.yaml, .yml) hold either a list of strings or a mapping with a
// "prompts" list. Any other file is plain text with one prompt per line;
// blank lines and lines starting with # are skipped.
type File struct {
	Path string
}

type yamlDoc struct {
	Prompts []string `yaml:"prompts"`
}

func (f File) Load(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(f.Path)) {
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		return parseText(data)
	}
}

func parseYAML(data []byte) ([]string, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse prompts yaml: %w", err)
	}
	if len(node.Content) == 0 {
		return []string{}, nil
	}

	root := node.Content[0]
	var raw []string
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&raw); err != nil {
			return nil, fmt.Errorf("parse prompts yaml: %w", err)
		}
	case yaml.MappingNode:
		var doc yamlDoc
		if err := root.Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse prompts yaml: %w", err)
		}
		raw = doc.Prompts
	default:
		return nil, fmt.Errorf("parse prompts yaml: expected a list or a mapping with prompts")
	}

	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func parseText(data []byte) ([]string, error) {
	out := []string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	return out, nil
}

// Static is a fixed prompt list.
type Static []string

func (s Static) Load(context.Context) ([]string, error) {
	out := make([]string, len(s))
	copy(out, s)
	return out, nil
}
