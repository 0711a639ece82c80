package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
)

// ContextFileName is the project notes file injected into prompts.
const ContextFileName = "CONTEXT.md"

// MaxKeyFileChars bounds each key file in ProjectContext.
const MaxKeyFileChars = 3000

var skipDirs = map[string]bool{
	".git": true, "__pycache__": true, "node_modules": true, "venv": true, ".venv": true, "vendor": true,
}

var keyFiles = []string{
	"README.md", "go.mod", "Makefile", "Dockerfile", "docker-compose.yml",
	"package.json", "requirements.txt", "pyproject.toml", "setup.py",
	"main.go", "CLAUDE.md",
}

// LoadContextFile returns the contents of CONTEXT.md in dir, or "" when it
// does not exist.
func LoadContextFile(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, ContextFileName))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", ContextFileName, err)
	}
	return string(data), nil
}

// WriteContextFile writes CONTEXT.md into dir.
func WriteContextFile(dir, content string) (string, error) {
	path := filepath.Join(dir, ContextFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", ContextFileName, err)
	}
	return path, nil
}

// ProjectContext gathers a top-level listing and the key files of dir.
func ProjectContext(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var listing []string
	for _, e := range entries {
		if skipDirs[e.Name()] {
			continue
		}
		name := "  " + e.Name()
		if e.IsDir() {
			name += "/"
		}
		listing = append(listing, name)
	}
	parts := []string{"## Directory listing\n" + strings.Join(listing, "\n")}

	for _, name := range keyFiles {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("## Contents of %s\n```\n%s\n```", name, truncate(string(data), MaxKeyFileChars)))
	}
	return strings.Join(parts, "\n\n"), nil
}

// ContextMessages asks the engine to write CONTEXT.md from projectData.
func ContextMessages(projectData string) conversation.Conversation {
	return conversation.Conversation{
		conversation.System("You are a technical writer. Generate a markdown document and nothing else. " +
			"Do not use any tools. Just output the markdown content directly."),
		conversation.User("Based on the following real project files, write the contents of a " + ContextFileName + " file. " +
			"Include these sections:\n" +
			"- Project name and one-line description\n" +
			"- Tech stack and dependencies\n" +
			"- Directory structure overview\n" +
			"- Key files and what they do\n" +
			"- How to run the project\n" +
			"- Architecture notes\n\n" +
			"Output ONLY the markdown content, no explanation. " +
			"Base everything strictly on the file contents provided below.\n\n" + projectData),
	}
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "\n... [truncated]"
}
