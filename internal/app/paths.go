// Package app resolves the on-disk directories the rest of the module uses
// for configuration and caching, following the XDG base directory
// specification via adrg/xdg.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
)

// appDirName is the subdirectory created under each XDG base directory.
const appDirName = "mediacore"

type pathManager struct {
	isPortable bool
	rootDir    string

	configDir string
	dataDir   string
	cacheDir  string
}

var (
	paths         pathManager
	bootstrapOnce sync.Once
)

// initPaths resolves every base directory once, honouring MEDIACORE_ROOT for
// a portable (single-directory) deployment in place of the XDG split.
func initPaths() {
	bootstrapOnce.Do(func() {
		if portableRoot := os.Getenv("MEDIACORE_ROOT"); portableRoot != "" {
			absRoot, err := filepath.Abs(portableRoot)
			if err != nil {
				panic(fmt.Sprintf("cannot resolve portable root: %v", err))
			}
			paths.isPortable = true
			paths.rootDir = absRoot
			paths.configDir = absRoot
			paths.dataDir = filepath.Join(absRoot, "data")
			paths.cacheDir = filepath.Join(absRoot, "cache")
		} else {
			paths.dataDir = filepath.Join(xdg.DataHome, appDirName)
			paths.cacheDir = filepath.Join(xdg.CacheHome, appDirName)
			configDir, err := xdg.ConfigFile(appDirName)
			if err != nil {
				panic(fmt.Sprintf("cannot resolve config directory: %v", err))
			}
			paths.configDir = configDir
		}
		mustCreateDirectory(paths.configDir, paths.dataDir, paths.cacheDir)
	})
}

func mustCreateDirectory(dirs ...string) {
	for _, dir := range dirs {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				slog.Error("failed to create directory", "dir", dir, "error", err)
			}
		}
	}
}

// ConfigDir returns the directory holding the default config file
// (ConfigFilePath), which cmd/mediaprobe passes to config.LoadFromFile
// unless its -config flag names another path.
func ConfigDir() string {
	initPaths()
	return paths.configDir
}

// ConfigFilePath returns the default config file path within ConfigDir.
func ConfigFilePath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// DataDir returns the directory for persistent module data (the FLAC/ISO
// demuxers keep no state here today; reserved for future index caches).
func DataDir() string {
	initPaths()
	return paths.dataDir
}

// CacheDir returns the cache directory ("cache" under MEDIACORE_ROOT in
// portable mode, otherwise mediacore under the XDG cache home). Nothing in
// this module reads or writes it.
func CacheDir() string {
	initPaths()
	return paths.cacheDir
}
