package rhost

import (
	"path/filepath"
	"strings"
)

// libraryDir is the interpreter's native library directory.
func libraryDir(goos, installPath string) string {
	if goos == "windows" {
		return filepath.Join(installPath, "bin", "x64")
	}
	return filepath.Join(installPath, "lib")
}

// BinDir is the directory the host is told to load R from.
func BinDir(goos, installPath string) string {
	if goos == "windows" {
		return filepath.Join(installPath, "bin", "x64")
	}
	return installPath
}

func hostEnvironment(goos, installPath string) []string {
	return []string{
		"R_HOME=" + installPath,
		"LD_LIBRARY_PATH=" + libraryDir(goos, installPath),
	}
}

// mergeEnvironment overlays entries onto base; later keys replace earlier ones.
func mergeEnvironment(base, overlay []string) []string {
	if len(overlay) == 0 {
		return append([]string(nil), base...)
	}
	merged := make([]string, 0, len(base)+len(overlay))
	index := make(map[string]int, len(base)+len(overlay))
	add := func(entry string) {
		key, _, _ := strings.Cut(entry, "=")
		if pos, ok := index[key]; ok {
			merged[pos] = entry
			return
		}
		index[key] = len(merged)
		merged = append(merged, entry)
	}
	for _, entry := range base {
		add(entry)
	}
	for _, entry := range overlay {
		add(entry)
	}
	return merged
}

// EnvValue returns the value of key in env, the last entry winning.
func EnvValue(env []string, key string) (string, bool) {
	value, found := "", false
	for _, entry := range env {
		k, v, ok := strings.Cut(entry, "=")
		if ok && k == key {
			value, found = v, true
		}
	}
	return value, found
}
