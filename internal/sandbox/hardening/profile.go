// Package hardening locks down the daemon process itself on Linux
// hosts. A profile names syscalls the kernel should refuse for the
// whole process and resource ceilings for the daemon; it is separate
// from the per-instance policy enforced inside the interpreter.
package hardening

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule applies one seccomp action to a set of syscalls.
type Rule struct {
	Names  []string `yaml:"names"`
	Action string   `yaml:"action"`
}

// Profile describes the kernel-level lockdown applied to the daemon.
// Zero resource fields leave the corresponding rlimit untouched.
type Profile struct {
	DefaultAction string `yaml:"defaultAction"`
	Rules         []Rule `yaml:"rules"`

	MaxOpenFiles  uint64 `yaml:"maxOpenFiles"`
	MaxProcesses  uint64 `yaml:"maxProcesses"`
	MaxFileSizeMB int64  `yaml:"maxFileSizeMB"`
}

// DefaultProfile refuses mount, tracing, reboot, and kernel module
// syscalls and caps open files and processes for the daemon.
func DefaultProfile() Profile {
	return Profile{
		DefaultAction: "SCMP_ACT_ALLOW",
		Rules: []Rule{
			{
				Names: []string{
					"mount", "umount2", "pivot_root",
					"ptrace", "process_vm_readv", "process_vm_writev",
					"reboot", "kexec_load", "kexec_file_load",
					"init_module", "finit_module", "delete_module",
				},
				Action: "SCMP_ACT_ERRNO",
			},
		},
		MaxOpenFiles: 4096,
		MaxProcesses: 512,
	}
}

// LoadProfile reads and validates a profile from a yaml file. An empty
// default action falls back to SCMP_ACT_ALLOW.
func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read hardening profile: %w", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse hardening profile: %w", err)
	}
	if p.DefaultAction == "" {
		p.DefaultAction = "SCMP_ACT_ALLOW"
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// Validate checks that every action is supported and every rule names
// at least one syscall.
func (p Profile) Validate() error {
	if !validAction(p.DefaultAction) {
		return fmt.Errorf("unsupported seccomp action: %s", p.DefaultAction)
	}
	for _, rule := range p.Rules {
		if len(rule.Names) == 0 {
			return fmt.Errorf("seccomp rule without syscall names")
		}
		if !validAction(rule.Action) {
			return fmt.Errorf("unsupported seccomp action: %s", rule.Action)
		}
	}
	return nil
}

func validAction(action string) bool {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW", "SCMP_ACT_ERRNO", "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return true
	}
	return false
}
