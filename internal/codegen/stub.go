package codegen

import (
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// stubResponse reads the canned reply for one function description. The
// file name is derived from the description so tests stay deterministic
// without any ordering assumptions.
func stubResponse(dir, functionDescription string) (string, error) {
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(functionDescription)))
	path := filepath.Join(dir, "response-"+hash+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("code generation stub: no response file %s for description hash %s: %w", path, hash, err)
	}
	return strings.TrimSpace(string(data)), nil
}
