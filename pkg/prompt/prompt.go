// Package prompt assembles the conversations sent to the engine: system
// prompts, @file references and the optional CONTEXT.md project notes.
package prompt

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/Protocol-Lattice/localcoder/pkg/conversation"
)

// SystemPrompt is used for ask and chat.
const SystemPrompt = `You are an expert and helpful coding assistant running on the user's machine.
You can use the provided filesystem tools to list directories, read files and search the project before answering.
Call a tool whenever you need information you do not already have, then answer concisely in Markdown.`

// EditSystemPrompt is used for edit requests.
const EditSystemPrompt = `You are an expert coding assistant that edits code files on the user's machine.
1. Read the files you need with the filesystem tools before changing them.
2. Apply the requested changes by writing the complete new content of each file with the write tools.
3. Keep unrelated code unchanged.
4. When you are done, reply with a short summary of every file you changed and why.`

// File is a file loaded into the prompt.
type File struct {
	Path    string
	Content string
}

var referencePattern = regexp.MustCompile(`@([^\s]+)`)

// References returns the @path tokens of text in order, without duplicates.
func References(text string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, m := range referencePattern.FindAllStringSubmatch(text, -1) {
		path := strings.TrimRight(m[1], ".,;:!?)")
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		refs = append(refs, path)
	}
	return refs
}

// LoadFiles reads paths. Paths that are missing, not regular files or
// unreadable are skipped with a warning.
func LoadFiles(paths []string) ([]File, []string) {
	var (
		files    []File
		warnings []string
	)
	for _, path := range paths {
		info, err := os.Stat(path)
		switch {
		case err != nil && os.IsNotExist(err):
			warnings = append(warnings, "File not found: "+path)
			continue
		case err != nil:
			warnings = append(warnings, fmt.Sprintf("Could not read %s: %v", path, err))
			continue
		case !info.Mode().IsRegular():
			warnings = append(warnings, "Not a file: "+path)
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("Could not read %s: %v", path, err))
			continue
		}
		files = append(files, File{Path: path, Content: string(data)})
	}
	return files, warnings
}

// Dereference loads every file referenced with @path in text. The text
// itself is returned unchanged.
func Dereference(text string) (string, []File, []string) {
	files, warnings := LoadFiles(References(text))
	return text, files, warnings
}

// MergeFiles appends the extra paths not already present in files.
func MergeFiles(files []File, extra []string) ([]File, []string) {
	have := make(map[string]bool, len(files))
	for _, f := range files {
		have[f.Path] = true
	}
	var todo []string
	for _, p := range extra {
		p = strings.TrimSpace(p)
		if p != "" && !have[p] {
			have[p] = true
			todo = append(todo, p)
		}
	}
	loaded, warnings := LoadFiles(todo)
	return append(files, loaded...), warnings
}

// FormatFiles renders files as <file path='...'> blocks.
func FormatFiles(files []File) string {
	parts := make([]string, 0, len(files))
	for _, f := range files {
		parts = append(parts, fmt.Sprintf("<file path='%s'>\n%s\n</file>", f.Path, f.Content))
	}
	return strings.Join(parts, "\n\n")
}

// UserMessage renders the user turn with any attached files.
func UserMessage(text string, files []File) string {
	if len(files) == 0 {
		return text
	}
	return "The user has provided the following files for context:\n\n" + FormatFiles(files) + "\n\n" + text
}

// BuildMessages assembles system prompt, project context, history and the
// new user message. History is copied.
func BuildMessages(text string, files []File, history conversation.Conversation, projectContext string) conversation.Conversation {
	conv := conversation.Conversation{conversation.System(withContext(SystemPrompt, projectContext))}
	conv = append(conv, history.Clone()...)
	return append(conv, conversation.User(UserMessage(text, files)))
}

// EditMessages assembles an edit request.
func EditMessages(text string, files []File, projectContext string) conversation.Conversation {
	return conversation.Conversation{
		conversation.System(withContext(EditSystemPrompt, projectContext)),
		conversation.User(UserMessage(text, files)),
	}
}

func withContext(system, projectContext string) string {
	projectContext = strings.TrimSpace(projectContext)
	if projectContext == "" {
		return system
	}
	return system + "\n\n## Project context (from " + ContextFileName + ")\n\n" + projectContext
}
