// Package annotate appends the provenance block to a materialized
// workspace's README so every published repository records where its
// content came from.
package annotate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DocFile is the documentation artifact the block is appended to.
const DocFile = "README.md"

// Links carries the targets referenced by the provenance block.
type Links struct {
	RepoURL    string
	SourceURL  string
	ConsoleURL string
}

// Appender is the plain file-backed annotator.
type Appender struct{}

func (Appender) Annotate(workspaceDir, name, sourcePath string, links Links) error {
	return Append(workspaceDir, name, sourcePath, links)
}

// Append writes the provenance block to the end of the workspace's README.
// Existing content is never modified; a workspace without a README is an
// error.
func Append(workspaceDir, name, sourcePath string, links Links) error {
	path := filepath.Join(workspaceDir, DocFile)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("failed to open documentation artifact: %w", err)
	}
	if _, err := f.WriteString(block(name, sourcePath, links)); err != nil {
		f.Close()
		return fmt.Errorf("failed to append provenance block: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close documentation artifact: %w", err)
	}
	return nil
}

func block(name, sourcePath string, links Links) string {
	var b strings.Builder
	b.WriteString("\n---\n\n")
	b.WriteString("## Template provenance\n\n")
	fmt.Fprintf(&b, "This repository is synchronized from the `%s` template. Changes committed here are overwritten by the next sync.\n\n", name)
	fmt.Fprintf(&b, "- Repository: %s\n", links.RepoURL)
	fmt.Fprintf(&b, "- Canonical source: [`%s`](%s)\n", sourcePath, links.SourceURL)
	fmt.Fprintf(&b, "- [Create a repository from this template](%s)\n", links.ConsoleURL)
	return b.String()
}
