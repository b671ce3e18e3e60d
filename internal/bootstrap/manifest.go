package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Fingerprint returns the identity of a dependency manifest. The environment
// is valid exactly when the persisted fingerprint matches the manifest on
// disk.
func Fingerprint(manifest []byte) string {
	sum := sha256.Sum256(manifest)
	return hex.EncodeToString(sum[:])
}

// CountRequirements counts the requirement lines of a manifest, skipping
// blank lines and comments.
func CountRequirements(manifest []byte) int {
	n := 0
	for _, line := range strings.Split(string(manifest), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		n++
	}
	return n
}

// parseInstallerLine extracts the package name from installer lines that mark
// a requirement as handled. Anything unrecognized reports false.
func parseInstallerLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, "Collecting ")
	if !ok {
		rest, ok = strings.CutPrefix(line, "Requirement already satisfied: ")
	}
	if !ok {
		return "", false
	}
	name := normalizePackage(rest)
	if name == "" {
		return "", false
	}
	return name, true
}

// normalizePackage reduces a requirement spec like "NumPy>=1.24" to its
// canonical package name.
func normalizePackage(spec string) string {
	if i := strings.IndexAny(spec, " <>=!~[(;"); i >= 0 {
		spec = spec[:i]
	}
	return strings.ReplaceAll(strings.ToLower(spec), "_", "-")
}

// parsePythonVersion reads the major and minor version out of
// "Python 3.12.4" style interpreter output.
func parsePythonVersion(out string) (major, minor int, ok bool) {
	fields := strings.Fields(out)
	if len(fields) < 2 || fields[0] != "Python" {
		return 0, 0, false
	}
	parts := strings.SplitN(fields[1], ".", 3)
	if len(parts) < 2 {
		return 0, 0, false
	}
	var err error
	if major, err = strconv.Atoi(parts[0]); err != nil {
		return 0, 0, false
	}
	if minor, err = strconv.Atoi(parts[1]); err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

func versionSupported(major, minor int) bool {
	return major > 3 || (major == 3 && minor >= 11)
}
