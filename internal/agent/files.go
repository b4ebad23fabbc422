package agent

import (
	"os"
	"path/filepath"
)

// workspaceRoot is where relative paths resolve.
const workspaceRoot = "/workspace"

// resolvePath implements "a path is treated as absolute if it begins with
// the root separator, else relative to /workspace."
func resolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workspaceRoot, path)
}

func writeFile(path, content, mode string) error {
	full := resolvePath(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY
	if mode == "a" {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(full, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

func readFile(path string) (string, error) {
	full := resolvePath(path)
	b, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
