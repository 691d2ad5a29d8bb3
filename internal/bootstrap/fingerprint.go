package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
)

// Fingerprint hashes BOOTSTRAP.md plus every existing bootstrap file
// (AGENTS.md and the resolved optional list), feeding each file's name and
// bytes separated by NULs. Any byte change, reordering, or list membership
// change produces a different fingerprint; unrelated workspace edits do not.
func Fingerprint(workspaceDir string) string {
	h := sha256.New()

	feed := func(name string) {
		data, err := os.ReadFile(filepath.Join(workspaceDir, name))
		if err != nil {
			return
		}
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}

	feed(BootstrapFile)
	feed(AgentsFile)
	for _, name := range List(workspaceDir) {
		feed(name)
	}

	return hex.EncodeToString(h.Sum(nil))
}
