package policy

import (
	"testing"

	appErr "blastpit/pkg/errors"
)

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	if p.MaxMemoryBytes != DefaultMaxMemoryBytes {
		t.Errorf("MaxMemoryBytes = %d, want %d", p.MaxMemoryBytes, int64(DefaultMaxMemoryBytes))
	}
	if p.MaxCPUTimeMS != DefaultMaxCPUTimeMS {
		t.Errorf("MaxCPUTimeMS = %d, want %d", p.MaxCPUTimeMS, int64(DefaultMaxCPUTimeMS))
	}
	if p.SyscallPolicy != SyscallDenyAll {
		t.Errorf("SyscallPolicy = %q, want %q", p.SyscallPolicy, SyscallDenyAll)
	}
	if p.AllowNetwork || p.AllowFileSystem {
		t.Error("default policy must keep both class gates closed")
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy failed validation: %v", err)
	}
}

func TestValidateRejectsBadPolicies(t *testing.T) {
	cases := []struct {
		name string
		pol  Policy
	}{
		{"negative memory", Policy{MaxMemoryBytes: -1}},
		{"negative cpu time", Policy{MaxCPUTimeMS: -5}},
		{"negative file handles", Policy{MaxFileHandles: -2}},
		{"negative output", Policy{MaxOutputBytes: -100}},
		{"custom without allow set", Policy{SyscallPolicy: SyscallCustom}},
		{"unknown mode", Policy{SyscallPolicy: "permit_some"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.pol.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !appErr.Is(err, appErr.InvalidPolicy) {
				t.Fatalf("error code = %d, want InvalidPolicy", appErr.GetCode(err))
			}
		})
	}
}

func TestValidateAcceptsCustomWithAllowSet(t *testing.T) {
	p := Policy{SyscallPolicy: SyscallCustom, AllowedSyscalls: []string{"read", "write"}}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	p := Policy{}.Normalize()
	if p.MaxMemoryBytes != DefaultMaxMemoryBytes || p.MaxCPUTimeMS != DefaultMaxCPUTimeMS {
		t.Errorf("limits not defaulted: %+v", p)
	}
	if p.MaxFileHandles != DefaultMaxFileHandles || p.MaxOutputBytes != DefaultMaxOutputBytes {
		t.Errorf("limits not defaulted: %+v", p)
	}
	if p.SyscallPolicy != SyscallDenyAll {
		t.Errorf("SyscallPolicy = %q, want deny_all", p.SyscallPolicy)
	}
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	in := Policy{MaxMemoryBytes: 1 << 20, MaxCPUTimeMS: 500, SyscallPolicy: SyscallAllowAll}
	p := in.Normalize()
	if p.MaxMemoryBytes != 1<<20 || p.MaxCPUTimeMS != 500 || p.SyscallPolicy != SyscallAllowAll {
		t.Errorf("explicit values overwritten: %+v", p)
	}
}

func TestNormalizeCopiesAllowSet(t *testing.T) {
	src := []string{"read", "write"}
	p := Policy{SyscallPolicy: SyscallCustom, AllowedSyscalls: src}.Normalize()
	src[0] = "exec"
	if p.AllowedSyscalls[0] != "read" {
		t.Error("normalized policy shares the caller's allow-set backing array")
	}
}

func TestPresetLookup(t *testing.T) {
	for _, name := range []string{PresetDefault, PresetStrict, PresetRelaxed, PresetDebug, ""} {
		p, err := Preset(name)
		if err != nil {
			t.Fatalf("Preset(%q) error: %v", name, err)
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("preset %q fails validation: %v", name, err)
		}
	}

	if _, err := Preset("paranoid"); !appErr.Is(err, appErr.PresetUnknown) {
		t.Fatalf("Preset(paranoid) code = %d, want PresetUnknown", appErr.GetCode(err))
	}
}

func TestStrictTighterThanRelaxed(t *testing.T) {
	s, r := Strict(), Relaxed()
	if s.MaxMemoryBytes >= r.MaxMemoryBytes || s.MaxCPUTimeMS >= r.MaxCPUTimeMS {
		t.Error("strict preset is not tighter than relaxed")
	}
	if s.AllowNetwork || s.AllowFileSystem {
		t.Error("strict preset must keep class gates closed")
	}
	if !r.AllowNetwork || !r.AllowFileSystem {
		t.Error("relaxed preset must open both class gates")
	}
}
