package lmp

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/blang/semver"
)

// Assembler turns thumb-mode assembly source into a flat machine-code
// image linked to run at vma. It is the one external capability given a
// concrete body (spec.md §1): hook byte sequences consumed by the ring
// and hook-idempotence tests are fixture constants, not assembler output,
// so those properties hold regardless of whether a real toolchain is on
// PATH.
type Assembler interface {
	Assemble(ctx context.Context, src string, vma uint32) ([]byte, error)
}

// minRecommendedVersion is the oldest GNU binutils release this package
// has been run against; older toolchains are used but logged as a
// warning, mirroring the original's check_binutils diagnostic instead of
// refusing to proceed.
var minRecommendedVersion = semver.MustParse("2.24.0")

// ToolchainAssembler shells out to a user-supplied (or discovered)
// assembler/linker/objcopy triple, recovered from the original's
// check_binutils/which_binutils_fixed PATH probing (SPEC_FULL.md §7/§4.9).
type ToolchainAssembler struct {
	AsBinary      string
	ObjcopyBinary string

	// WarnVersion receives a human-readable warning when the discovered
	// toolchain looks older than minRecommendedVersion, or when its
	// version cannot be parsed at all. Nil disables the check's output.
	WarnVersion func(msg string)
}

// NewToolchainAssembler returns an Assembler using binaries discovered on
// PATH. It tries "arm-none-eabi-as"/"arm-none-eabi-objcopy" first, then
// falls back to bare "as"/"objcopy" (ported from which_binutils_fixed).
func NewToolchainAssembler() *ToolchainAssembler {
	as := firstOnPath("arm-none-eabi-as", "as")
	objcopy := firstOnPath("arm-none-eabi-objcopy", "objcopy")
	return &ToolchainAssembler{AsBinary: as, ObjcopyBinary: objcopy}
}

func firstOnPath(candidates ...string) string {
	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			return c
		}
	}
	return candidates[len(candidates)-1]
}

var versionRE = regexp.MustCompile(`(\d+\.\d+(\.\d+)?)`)

// checkVersion runs "<as> --version" and warns if the reported version is
// older than minRecommendedVersion or unparsable.
func (a *ToolchainAssembler) checkVersion(ctx context.Context) {
	if a.WarnVersion == nil {
		return
	}
	out, err := exec.CommandContext(ctx, a.AsBinary, "--version").Output()
	if err != nil {
		a.WarnVersion(fmt.Sprintf("could not determine %s version: %v", a.AsBinary, err))
		return
	}
	m := versionRE.FindString(string(out))
	if m == "" {
		a.WarnVersion(fmt.Sprintf("could not parse version from %s --version output", a.AsBinary))
		return
	}
	for strings.Count(m, ".") < 2 {
		m += ".0"
	}
	v, err := semver.Parse(m)
	if err != nil {
		a.WarnVersion(fmt.Sprintf("could not parse version %q: %v", m, err))
		return
	}
	if v.LT(minRecommendedVersion) {
		a.WarnVersion(fmt.Sprintf("assembler toolchain %s is older than the recommended %s", v, minRecommendedVersion))
	}
}

// Assemble writes src to a scratch .s file, assembles and links it at vma,
// extracts a flat binary with objcopy, and returns the resulting bytes.
func (a *ToolchainAssembler) Assemble(ctx context.Context, src string, vma uint32) ([]byte, error) {
	a.checkVersion(ctx)

	dir, err := os.MkdirTemp("", "internalblue-asm-")
	if err != nil {
		return nil, fmt.Errorf("lmp: assemble: %w", err)
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, "hook.s")
	objPath := filepath.Join(dir, "hook.o")
	binPath := filepath.Join(dir, "hook.bin")

	if err := os.WriteFile(srcPath, []byte(src), 0o644); err != nil {
		return nil, fmt.Errorf("lmp: assemble: write source: %w", err)
	}

	asCmd := exec.CommandContext(ctx, a.AsBinary, "-mthumb", "-mcpu=cortex-m3",
		"--defsym", fmt.Sprintf("VMA=0x%x", vma), "-o", objPath, srcPath)
	var asErr bytes.Buffer
	asCmd.Stderr = &asErr
	if err := asCmd.Run(); err != nil {
		return nil, fmt.Errorf("lmp: assemble: %s: %w: %s", a.AsBinary, err, asErr.String())
	}

	objcopyCmd := exec.CommandContext(ctx, a.ObjcopyBinary, "-O", "binary", objPath, binPath)
	var objErr bytes.Buffer
	objcopyCmd.Stderr = &objErr
	if err := objcopyCmd.Run(); err != nil {
		return nil, fmt.Errorf("lmp: assemble: %s: %w: %s", a.ObjcopyBinary, err, objErr.String())
	}

	data, err := os.ReadFile(binPath)
	if err != nil {
		return nil, fmt.Errorf("lmp: assemble: read output: %w", err)
	}
	return data, nil
}
