package tools

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Tool names the helper executables the backup pipeline drives.
const (
	ADB      = "adb"
	Fastboot = "fastboot"
	SevenZip = "7z"
)

// ExecutableName appends .exe on Windows.
func ExecutableName(name string) string {
	if runtime.GOOS == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

// Locate resolves a helper executable: an explicit override wins, then
// PATH, then the bundled ./bin directory, then the Android SDK
// platform-tools directories. It returns an error when nothing is found.
func Locate(name, override string) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		if FileExists(override) {
			return override, nil
		}
		return "", errors.Errorf("%s not found at %s", name, override)
	}
	exe := ExecutableName(name)
	if p, err := exec.LookPath(exe); err == nil {
		return p, nil
	}
	for _, dir := range searchDirs() {
		cand := filepath.Join(dir, exe)
		if FileExists(cand) {
			return cand, nil
		}
	}
	return "", errors.Errorf("%s not found in PATH or Android SDK platform-tools", name)
}

func searchDirs() []string {
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Join(filepath.Dir(exe), "bin"))
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, filepath.Join(wd, "bin"))
	}
	sdkRoots := []string{
		os.Getenv("ANDROID_SDK_ROOT"),
		os.Getenv("ANDROID_HOME"),
	}
	if home, err := os.UserHomeDir(); err == nil {
		switch runtime.GOOS {
		case "darwin":
			sdkRoots = append(sdkRoots, filepath.Join(home, "Library", "Android", "sdk"))
		case "windows":
			sdkRoots = append(sdkRoots, filepath.Join(home, "AppData", "Local", "Android", "Sdk"))
		default:
			sdkRoots = append(sdkRoots,
				filepath.Join(home, "Android", "Sdk"),
				filepath.Join(home, "Android", "sdk"),
			)
		}
	}
	for _, root := range sdkRoots {
		if root != "" {
			dirs = append(dirs, filepath.Join(root, "platform-tools"))
		}
	}
	switch runtime.GOOS {
	case "darwin":
		dirs = append(dirs, "/usr/local/bin", "/opt/homebrew/bin")
	case "linux":
		dirs = append(dirs, "/usr/bin", "/usr/local/bin")
	case "windows":
		dirs = append(dirs, filepath.Join(`C:\`, "Android", "platform-tools"), filepath.Join(`C:\`, "Program Files", "7-Zip"))
	}
	return dirs
}

// FileExists reports whether p names a regular file.
func FileExists(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}
