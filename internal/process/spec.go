package process

import (
	"os/exec"
	"path/filepath"
)

// Spec describes how to launch one daemon binary.
type Spec struct {
	Kind    Kind
	Binary  string   // path to the daemon executable
	Args    []string // arguments, without the binary
	WorkDir string   // defaults to the binary's directory
	Env     []string // merged environment in K=V form

	// Privileged wraps the command in "sudo --stdin" and feeds SudoPassword
	// on stdin right after spawn. Used for XMRig on unix to enable MSR mods.
	Privileged   bool
	SudoPassword string
}

// Dir returns the effective working directory.
func (s *Spec) Dir() string {
	if s.WorkDir != "" {
		return s.WorkDir
	}
	if s.Binary == "" {
		return ""
	}
	return filepath.Dir(s.Binary)
}

// BuildCommand constructs the *exec.Cmd for the spec. Stdio is attached by the
// launcher.
func (s *Spec) BuildCommand() *exec.Cmd {
	var cmd *exec.Cmd
	if s.Privileged {
		args := append([]string{"--stdin", "--prompt=", s.Binary}, s.Args...)
		// #nosec G204
		cmd = exec.Command("sudo", args...)
	} else {
		// #nosec G204
		cmd = exec.Command(s.Binary, s.Args...)
	}
	cmd.Dir = s.Dir()
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	return cmd
}
