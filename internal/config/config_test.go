package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	partbackup "github.com/httprunner/PartitionBackup"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvProfile, "")
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if s.StagingDir != partbackup.DefaultStagingDir || s.ImageTimeout != time.Hour || !s.Compress || !s.GenerateScripts {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	if len(s.RiskyPartitions) != 4 {
		t.Fatalf("expected default risky set, got %v", s.RiskyPartitions)
	}
}

func TestLoadProfileThenEnv(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	content := `out_dir: /srv/backups
staging_dir: /data/local/tmp
by_name_paths:
  - /dev/block/by-name
risky_partitions: [userdata, persist]
image_timeout: 2h
probe_timeout: 5s
compress: false
kill_adb_on_exit: true
`
	if err := os.WriteFile(profile, []byte(content), 0o644); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	t.Setenv(EnvOutDir, "/mnt/override")
	t.Setenv(EnvImageTimeout, "")

	s, err := Load(profile)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if s.OutDir != "/mnt/override" {
		t.Fatalf("env should win over profile, got %s", s.OutDir)
	}
	if s.StagingDir != "/data/local/tmp" || s.ImageTimeout != 2*time.Hour || s.ProbeTimeout != 5*time.Second {
		t.Fatalf("profile values not applied: %+v", s)
	}
	if s.Compress || !s.GenerateScripts || !s.KillADBOnExit {
		t.Fatalf("unexpected bool resolution: compress=%v scripts=%v kill=%v", s.Compress, s.GenerateScripts, s.KillADBOnExit)
	}
	if len(s.ByNamePaths) != 1 || s.ScannerConfig().Paths[0] != "/dev/block/by-name" {
		t.Fatalf("unexpected paths: %v", s.ByNamePaths)
	}
	if s.ProfilePath != profile {
		t.Fatalf("ProfilePath = %s", s.ProfilePath)
	}
}

func TestLoadMissingProfile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing profile")
	}
}

func TestLoadDeviceAllowlistFromEnv(t *testing.T) {
	t.Setenv(EnvProfile, "")
	t.Setenv(EnvDeviceAllow, "SER1, SER2;SER1")
	s, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(s.DeviceAllowlist) != 2 || s.DeviceAllowlist[0] != "SER1" || s.DeviceAllowlist[1] != "SER2" {
		t.Fatalf("unexpected allowlist: %v", s.DeviceAllowlist)
	}
}
