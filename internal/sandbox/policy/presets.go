package policy

import appErr "blastpit/pkg/errors"

// Named presets used by the analysis pipeline. Samples of unknown
// provenance run under Strict; Relaxed is for detonations that need to
// observe network and filesystem behavior; Debug is for operator
// experiments from the console.
const (
	PresetDefault = "default"
	PresetStrict  = "strict"
	PresetRelaxed = "relaxed"
	PresetDebug   = "debug"
)

// Strict returns a tight policy for untrusted samples.
func Strict() Policy {
	return Policy{
		MaxMemoryBytes: 50 << 20,
		MaxCPUTimeMS:   10_000,
		MaxFileHandles: 5,
		MaxOutputBytes: 1 << 20,
		SyscallPolicy:  SyscallDenyAll,
	}
}

// Relaxed returns a permissive policy with both class gates open, for
// observing what a sample does when it believes it is unconfined.
func Relaxed() Policy {
	return Policy{
		MaxMemoryBytes:  256 << 20,
		MaxCPUTimeMS:    60_000,
		MaxFileHandles:  64,
		MaxOutputBytes:  32 << 20,
		AllowNetwork:    true,
		AllowFileSystem: true,
		SyscallPolicy:   SyscallAllowAll,
	}
}

// Debug returns the default limits with everything allowed.
func Debug() Policy {
	p := Default()
	p.AllowNetwork = true
	p.AllowFileSystem = true
	p.SyscallPolicy = SyscallAllowAll
	return p
}

// Preset resolves a preset name to a policy.
func Preset(name string) (Policy, error) {
	switch name {
	case PresetDefault, "":
		return Default(), nil
	case PresetStrict:
		return Strict(), nil
	case PresetRelaxed:
		return Relaxed(), nil
	case PresetDebug:
		return Debug(), nil
	default:
		return Policy{}, appErr.Newf(appErr.PresetUnknown, "unknown policy preset %q", name)
	}
}
