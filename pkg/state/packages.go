package state

import (
	"bufio"
	"context"
	"fmt"
	"sort"
	"strings"

	cnst "github.com/oyo-project/oyo-builder/internal/constants"
	internalUtils "github.com/oyo-project/oyo-builder/internal/utils"
	"github.com/oyo-project/oyo-builder/pkg/schema"
)

// IncludePackages merges the base packages with the layer ones, sorted and without duplicates.
func IncludePackages(layerPackages []string) []string {
	pkgs := internalUtils.UniqueSlice(internalUtils.CleanupSlice(append(cnst.BasePackages(), layerPackages...)))
	sort.Strings(pkgs)
	return pkgs
}

// SignedKernel returns the Secure Boot signed kernel package available to apt on
// the host. Known package names are tried first, then apt-cache search.
func SignedKernel(ctx context.Context, console internalUtils.Console, arch string) (string, error) {
	for _, pkg := range cnst.SignedKernelCandidates() {
		if _, err := console.Output(ctx, "apt-cache", "show", pkg); err == nil {
			internalUtils.Log.Info().Str("package", pkg).Msg("Found signed kernel package")
			return pkg, nil
		}
		internalUtils.Log.Debug().Str("package", pkg).Msg("Signed kernel package not available")
	}

	out, err := console.Output(ctx, "apt-cache", "search", "--names-only", "linux-image.*signed")
	if err != nil {
		return "", fmt.Errorf("%w: %s", cnst.ErrNoSignedKernel, err)
	}
	if pkg := NewestSignedKernel(out, arch); pkg != "" {
		internalUtils.Log.Info().Str("package", pkg).Msg("Found signed kernel package")
		return pkg, nil
	}
	return "", cnst.ErrNoSignedKernel
}

// NewestSignedKernel picks the last, by name, signed kernel package for arch out
// of apt-cache search output.
func NewestSignedKernel(aptSearch, arch string) string {
	var found []string
	scanner := bufio.NewScanner(strings.NewReader(aptSearch))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, " ") {
			continue
		}
		name := strings.Fields(line)[0]
		if strings.Contains(name, "signed") && strings.Contains(name, arch) {
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return ""
	}
	sort.Strings(found)
	return found[len(found)-1]
}

// MmdebstrapArgs returns the mmdebstrap command line bootstrapping codename into target.
func MmdebstrapArgs(cfg schema.Config, codename, target string, packages []string) []string {
	args := []string{
		fmt.Sprintf("--architectures=%s", cfg.Arch),
		// minbase breaks the calamares install
		"--variant=important",
		fmt.Sprintf("--keyring=%s", cfg.Keyring),
		`--aptopt=Acquire::Queue-Mode "host";`,
		`--aptopt=Acquire::Retries "3";`,
		`--aptopt=APT::Install-Recommends "false";`,
		fmt.Sprintf("--include=%s", strings.Join(packages, ",")),
		"--dpkgopt=path-exclude=/usr/share/doc/*",
		"--dpkgopt=path-exclude=/usr/share/man/*",
		"--dpkgopt=path-exclude=/usr/share/info/*",
		"--dpkgopt=path-exclude=/usr/share/locale/*",
	}
	if cfg.Selection.Lang != "" {
		args = append(args, fmt.Sprintf("--dpkgopt=path-include=/usr/share/locale/%s/*", cfg.Selection.Lang))
	}
	return append(args,
		codename,
		target,
		fmt.Sprintf("deb %s %s main contrib non-free non-free-firmware", cfg.Mirror, codename),
	)
}
