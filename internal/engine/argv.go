package engine

import (
	"fmt"
	"path/filepath"
	"strings"

	"agent-toollease/internal/registry"
)

// buildArgv constructs the process argument vector from validated arguments,
// already ordered by the tool's declared argument order. File-path values
// are resolved to absolute paths under root; anything that escapes root is
// rejected before a process ever starts.
func buildArgv(tool *registry.ToolDefinition, args registry.Args, root string) ([]string, error) {
	argv := make([]string, 0, len(args))
	for _, v := range args {
		if v.Kind == registry.ArgFilePath {
			resolved, err := resolveUnder(root, v.Str)
			if err != nil {
				return nil, fmt.Errorf("%w: argument %q: %v", ErrPathEscape, v.Name, err)
			}
			argv = append(argv, resolved)
			continue
		}
		argv = append(argv, v.String())
	}
	return argv, nil
}

// resolveUnder joins rel onto root and verifies the cleaned result is still
// inside root. Absolute inputs and ".." traversal are both caught here.
func resolveUnder(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute path %q not allowed", rel)
	}
	resolved := filepath.Clean(filepath.Join(root, rel))
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q resolves outside the workspace", rel)
	}
	return resolved, nil
}
