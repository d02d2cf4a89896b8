package process

import (
	"fmt"
	"io"
	"os"

	"github.com/creack/pty"
)

// PTY geometry handed to daemons. The wide column count keeps long log lines
// from being wrapped by the terminal.
const (
	ptyRows = 100
	ptyCols = 1000
)

// PTYLauncher spawns daemons attached to a pseudo-terminal so interactive
// stdin commands work.
type PTYLauncher struct{}

// Launch starts the binary described by spec. The returned handle owns the
// child and the terminal.
func (PTYLauncher) Launch(spec Spec) (Handle, error) {
	if spec.Binary == "" {
		return nil, &SpawnError{Kind: spec.Kind, Err: fmt.Errorf("empty binary path")}
	}
	info, err := os.Stat(spec.Binary)
	if err != nil {
		return nil, &SpawnError{Kind: spec.Kind, Binary: spec.Binary, Err: err}
	}
	if info.IsDir() {
		return nil, &SpawnError{Kind: spec.Kind, Binary: spec.Binary, Err: fmt.Errorf("is a directory")}
	}
	if !spec.Privileged && info.Mode().Perm()&0o111 == 0 {
		return nil, &SpawnError{Kind: spec.Kind, Binary: spec.Binary, Err: os.ErrPermission}
	}

	cmd := spec.BuildCommand()
	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		return nil, &SpawnError{Kind: spec.Kind, Binary: spec.Binary, Err: err}
	}
	c := newChild(cmd, tty)
	if spec.Privileged && spec.SudoPassword != "" {
		if _, err := io.WriteString(tty, spec.SudoPassword+"\n"); err != nil {
			_ = c.Kill()
			_ = c.Close()
			return nil, &SpawnError{Kind: spec.Kind, Binary: spec.Binary, Err: fmt.Errorf("write sudo password: %w", err)}
		}
	}
	return c, nil
}
