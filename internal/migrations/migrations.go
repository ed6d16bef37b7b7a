package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed sql/*.sql
var files embed.FS

// GetInitialSchema returns every schema script concatenated in file name order
func GetInitialSchema() (string, error) {
	entries, err := fs.ReadDir(files, "sql")
	if err != nil {
		return "", fmt.Errorf("failed to list schema files: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		content, err := files.ReadFile("sql/" + name)
		if err != nil {
			return "", fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		b.Write(content)
		b.WriteString("\n")
	}

	if b.Len() == 0 {
		return "", fmt.Errorf("could not find schema file in any location")
	}
	return b.String(), nil
}
