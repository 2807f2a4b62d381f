package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvFile names an explicit dotenv file and disables the search.
const EnvFile = "PARTBACKUP_ENV_FILE"

const dotEnvName = ".env"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the dotenv file for this process once. Lookup order:
// PARTBACKUP_ENV_FILE, then .env in the working directory and its parents,
// then .env next to the executable (a toolbox started from a file manager
// does not run inside its own folder). Variables already set win.
func Ensure() error {
	// test binaries only read a dotenv file when asked to
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		loadedPath, loadErr = load(currentRoots())
	})
	return loadErr
}

// LoadedPath returns the dotenv file Ensure loaded, or "".
func LoadedPath() string {
	return loadedPath
}

// searchRoots are the places a dotenv file is looked for.
type searchRoots struct {
	override string
	workDir  string
	exeDir   string
}

func currentRoots() searchRoots {
	roots := searchRoots{override: strings.TrimSpace(os.Getenv(EnvFile))}
	if wd, err := os.Getwd(); err == nil {
		roots.workDir = wd
	}
	if exe, err := os.Executable(); err == nil {
		if resolved, err := filepath.EvalSymlinks(exe); err == nil {
			exe = resolved
		}
		roots.exeDir = filepath.Dir(exe)
	}
	return roots
}

func load(roots searchRoots) (string, error) {
	path, err := findDotEnv(roots)
	if err != nil {
		log.Warn().Err(err).Msg("search dotenv file failed")
		return "", err
	}
	if path == "" {
		log.Debug().Str("work_dir", roots.workDir).Str("exe_dir", roots.exeDir).Msg("no dotenv file found")
		return "", nil
	}
	if err := godotenv.Load(path); err != nil {
		log.Warn().Err(err).Str("dotenv", path).Msg("load dotenv file failed")
		return "", err
	}
	log.Debug().Str("dotenv", path).Msg("loaded dotenv file")
	return path, nil
}

func findDotEnv(roots searchRoots) (string, error) {
	if roots.override != "" {
		info, err := os.Stat(roots.override)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return "", errors.New(EnvFile + " points at a directory: " + roots.override)
		}
		return roots.override, nil
	}
	if roots.workDir != "" {
		for dir := roots.workDir; ; {
			found, err := dotEnvIn(dir)
			if found != "" || err != nil {
				return found, err
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if roots.exeDir != "" {
		return dotEnvIn(roots.exeDir)
	}
	return "", nil
}

func dotEnvIn(dir string) (string, error) {
	candidate := filepath.Join(dir, dotEnvName)
	info, err := os.Stat(candidate)
	switch {
	case err == nil && !info.IsDir():
		return candidate, nil
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return "", err
	}
	return "", nil
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") || strings.HasSuffix(os.Args[0], ".test.exe") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}
