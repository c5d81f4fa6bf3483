//go:build linux && cgo

package hardening

import (
	"fmt"
	"strings"

	"github.com/seccomp/libseccomp-golang"
	"golang.org/x/sys/unix"
)

// Apply installs the profile on the calling process. The seccomp filter
// and PR_SET_NO_NEW_PRIVS stay in effect until the process exits.
func Apply(p Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := applyRlimits(p); err != nil {
		return err
	}
	return applySeccomp(p)
}

func applyRlimits(p Profile) error {
	if p.MaxOpenFiles > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &unix.Rlimit{Cur: p.MaxOpenFiles, Max: p.MaxOpenFiles}); err != nil {
			return fmt.Errorf("set rlimit nofile: %w", err)
		}
	}
	if p.MaxProcesses > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_NPROC, &unix.Rlimit{Cur: p.MaxProcesses, Max: p.MaxProcesses}); err != nil {
			return fmt.Errorf("set rlimit nproc: %w", err)
		}
	}
	if p.MaxFileSizeMB > 0 {
		bytes := uint64(p.MaxFileSizeMB * 1024 * 1024)
		if err := unix.Setrlimit(unix.RLIMIT_FSIZE, &unix.Rlimit{Cur: bytes, Max: bytes}); err != nil {
			return fmt.Errorf("set rlimit fsize: %w", err)
		}
	}
	return nil
}

func applySeccomp(p Profile) error {
	defaultAction, err := parseAction(p.DefaultAction)
	if err != nil {
		return err
	}
	filter, err := seccomp.NewFilter(defaultAction)
	if err != nil {
		return fmt.Errorf("create seccomp filter: %w", err)
	}
	for _, rule := range p.Rules {
		action, err := parseAction(rule.Action)
		if err != nil {
			return err
		}
		for _, name := range rule.Names {
			sc, err := seccomp.GetSyscallFromName(name)
			if err != nil {
				// not known on this kernel
				continue
			}
			if err := filter.AddRule(sc, action); err != nil {
				return fmt.Errorf("add seccomp rule %s: %w", name, err)
			}
		}
	}
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no new privs: %w", err)
	}
	if err := filter.Load(); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

func parseAction(action string) (seccomp.ScmpAction, error) {
	switch strings.ToUpper(action) {
	case "SCMP_ACT_ALLOW":
		return seccomp.ActAllow, nil
	case "SCMP_ACT_ERRNO":
		return seccomp.ActErrno.SetReturnCode(int16(unix.EPERM)), nil
	case "SCMP_ACT_KILL", "SCMP_ACT_KILL_PROCESS":
		return seccomp.ActKillProcess, nil
	default:
		return seccomp.ActKillProcess, fmt.Errorf("unsupported seccomp action: %s", action)
	}
}
