package risk

import "os"

// FileKillSwitch reports engaged while a flag file exists on disk. Operators
// halt all gated activity by touching the file and resume by removing it.
type FileKillSwitch struct {
	path string
}

// NewFileKillSwitch creates a FileKillSwitch watching path. An empty path
// means the switch can never engage.
func NewFileKillSwitch(path string) *FileKillSwitch {
	return &FileKillSwitch{path: path}
}

// Engaged polls for the flag file's presence.
func (k *FileKillSwitch) Engaged() bool {
	if k.path == "" {
		return false
	}
	_, err := os.Stat(k.path)
	return err == nil
}

var _ KillSwitch = (*FileKillSwitch)(nil)
