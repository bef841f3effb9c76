package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
)

// ErrVersionTooOld is returned when the agent is older than required.
var ErrVersionTooOld = errors.New("agent version too old")

var versionPattern = regexp.MustCompile(`\d+\.\d+(\.\d+)?([-+][0-9A-Za-z.-]+)?`)

// ParseVersion extracts the first version number from `--version` output.
func ParseVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindString(output)
	if match == "" {
		return nil, fmt.Errorf("no version in %q", output)
	}
	return semver.NewVersion(match)
}

// CheckVersion runs `<executable> --version` and compares the result with
// min. An empty min only probes the version.
func CheckVersion(ctx context.Context, executable, min string) (*semver.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, executable, "--version").Output()
	if err != nil {
		return nil, fmt.Errorf("probe agent version: %w", err)
	}
	version, err := ParseVersion(string(out))
	if err != nil {
		return nil, err
	}
	if min == "" {
		return version, nil
	}

	constraint, err := semver.NewConstraint(">= " + min)
	if err != nil {
		return version, fmt.Errorf("invalid minimum version %q: %w", min, err)
	}
	if !constraint.Check(version) {
		return version, fmt.Errorf("%w: %s < %s", ErrVersionTooOld, version, min)
	}
	return version, nil
}
