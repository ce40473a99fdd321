// Package project handles the vendor's path-encoding rule for per-project
// identifiers and transcript directories.
package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// vendorIndexFile is the vendor CLI's own per-project index; when present
// it carries the unambiguous original path.
const vendorIndexFile = "sessions-index.json"

// EncodeID encodes an absolute project path into the vendor's directory
// identifier: every path separator becomes '-', leading '-' preserved.
// /Users/dev/my-project -> -Users-dev-my-project
func EncodeID(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)
	return strings.ReplaceAll(abs, "/", "-")
}

// TranscriptDir maps a working directory to the vendor's per-project
// transcript directory under root (typically ~/.claude/projects).
func TranscriptDir(root, workingDir string) string {
	return filepath.Join(root, EncodeID(workingDir))
}

// DecodeID recovers the original path from an encoded project id.
//
// The encoding is lossy: directory names containing '-' decode wrong under
// the naive rule, so the decoder first looks for the vendor's own index
// file inside dir (when given) and uses its originalPath field. The naive
// '-'->'/' substitution is the fallback only.
func DecodeID(encoded, dir string) string {
	if dir != "" {
		if original := originalPathFromIndex(dir); original != "" {
			return original
		}
	}
	return NaiveDecode(encoded)
}

// NaiveDecode applies the bare substitution rule. Callers that need the
// true path must go through DecodeID.
func NaiveDecode(encoded string) string {
	return strings.ReplaceAll(encoded, "-", "/")
}

// originalPathFromIndex reads the originalPath sidecar field the vendor
// writes into its per-project index.
func originalPathFromIndex(dir string) string {
	data, err := os.ReadFile(filepath.Join(dir, vendorIndexFile))
	if err != nil {
		return ""
	}
	var index struct {
		OriginalPath string `json:"originalPath"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return ""
	}
	return index.OriginalPath
}
