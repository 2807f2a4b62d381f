package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	partbackup "github.com/httprunner/PartitionBackup"
	"github.com/httprunner/PartitionBackup/internal/env"
)

// Environment variables understood by Load.
const (
	EnvProfile        = "PARTBACKUP_PROFILE"
	EnvOutDir         = "PARTBACKUP_OUT_DIR"
	EnvStagingDir     = "PARTBACKUP_STAGING_DIR"
	EnvImageTimeout   = "PARTBACKUP_IMAGE_TIMEOUT"
	EnvProbeTimeout   = "PARTBACKUP_PROBE_TIMEOUT"
	EnvHistoryDB      = "PARTBACKUP_HISTORY_DB"
	EnvKillADBOnExit  = "PARTBACKUP_KILL_ADB_ON_EXIT"
	EnvListenAddr     = "PARTBACKUP_LISTEN"
	EnvDeviceAllow    = "PARTBACKUP_DEVICE_ALLOWLIST"
	EnvADBPath        = "ADB_PATH"
	EnvFastbootPath   = "FASTBOOT_PATH"
	EnvSevenZipPath   = "SEVENZIP_PATH"
	defaultOutDir     = "backups"
	defaultListenAddr = "127.0.0.1:8765"
)

// Profile is the optional YAML file; unset fields keep lower-precedence
// values.
type Profile struct {
	OutDir          string        `yaml:"out_dir"`
	StagingDir      string        `yaml:"staging_dir"`
	ByNamePaths     []string      `yaml:"by_name_paths"`
	RiskyPartitions []string      `yaml:"risky_partitions"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	StepTimeout     time.Duration `yaml:"step_timeout"`
	RootTimeout     time.Duration `yaml:"root_timeout"`
	CleanupTimeout  time.Duration `yaml:"cleanup_timeout"`
	ImageTimeout    time.Duration `yaml:"image_timeout"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	Compress        *bool         `yaml:"compress"`
	GenerateScripts *bool         `yaml:"generate_scripts"`
	ADBPath         string        `yaml:"adb_path"`
	FastbootPath    string        `yaml:"fastboot_path"`
	SevenZipPath    string        `yaml:"sevenzip_path"`
	HistoryDB       string        `yaml:"history_db"`
	KillADBOnExit   *bool         `yaml:"kill_adb_on_exit"`
	ListenAddr      string        `yaml:"listen_addr"`
	DeviceAllowlist []string      `yaml:"device_allowlist"`
}

// Settings are the resolved runtime settings.
type Settings struct {
	ProfilePath     string
	OutDir          string
	StagingDir      string
	ByNamePaths     []string
	RiskyPartitions []string
	ProbeTimeout    time.Duration
	StepTimeout     time.Duration
	RootTimeout     time.Duration
	CleanupTimeout  time.Duration
	ImageTimeout    time.Duration
	ShutdownGrace   time.Duration
	Compress        bool
	GenerateScripts bool
	ADBPath         string
	FastbootPath    string
	SevenZipPath    string
	HistoryDB       string
	KillADBOnExit   bool
	ListenAddr      string
	DeviceAllowlist []string
}

// Defaults returns the built-in settings.
func Defaults() Settings {
	return Settings{
		OutDir:          defaultOutDir,
		StagingDir:      partbackup.DefaultStagingDir,
		ByNamePaths:     append([]string(nil), partbackup.DefaultByNamePaths...),
		RiskyPartitions: append([]string(nil), partbackup.DefaultRiskyPartitions...),
		ProbeTimeout:    partbackup.DefaultProbeTimeout,
		StepTimeout:     partbackup.DefaultStepTimeout,
		RootTimeout:     partbackup.DefaultRootTimeout,
		CleanupTimeout:  partbackup.DefaultCleanupTimeout,
		ImageTimeout:    partbackup.DefaultImageTimeout,
		ShutdownGrace:   partbackup.DefaultShutdownGrace,
		Compress:        true,
		GenerateScripts: true,
		ListenAddr:      defaultListenAddr,
	}
}

// ReadProfile decodes a YAML profile.
func ReadProfile(path string) (Profile, error) {
	var p Profile
	data, err := os.ReadFile(path)
	if err != nil {
		return p, errors.Wrapf(err, "read profile %s", path)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, errors.Wrapf(err, "decode profile %s", path)
	}
	return p, nil
}

// Load resolves settings from defaults, the profile (profilePath or
// PARTBACKUP_PROFILE) and the environment, in increasing precedence.
// Command-line flags are applied on top by the caller.
func Load(profilePath string) (Settings, error) {
	s := Defaults()
	if profilePath = strings.TrimSpace(profilePath); profilePath == "" {
		profilePath = env.String(EnvProfile, "")
	}
	if profilePath != "" {
		p, err := ReadProfile(profilePath)
		if err != nil {
			return s, err
		}
		s.apply(p)
		s.ProfilePath = profilePath
	}
	s.applyEnv()
	return s, nil
}

func (s *Settings) apply(p Profile) {
	setString(&s.OutDir, p.OutDir)
	setString(&s.StagingDir, p.StagingDir)
	if len(p.ByNamePaths) > 0 {
		s.ByNamePaths = append([]string(nil), p.ByNamePaths...)
	}
	if len(p.RiskyPartitions) > 0 {
		s.RiskyPartitions = append([]string(nil), p.RiskyPartitions...)
	}
	setDuration(&s.ProbeTimeout, p.ProbeTimeout)
	setDuration(&s.StepTimeout, p.StepTimeout)
	setDuration(&s.RootTimeout, p.RootTimeout)
	setDuration(&s.CleanupTimeout, p.CleanupTimeout)
	setDuration(&s.ImageTimeout, p.ImageTimeout)
	setDuration(&s.ShutdownGrace, p.ShutdownGrace)
	setBool(&s.Compress, p.Compress)
	setBool(&s.GenerateScripts, p.GenerateScripts)
	setBool(&s.KillADBOnExit, p.KillADBOnExit)
	setString(&s.ADBPath, p.ADBPath)
	setString(&s.FastbootPath, p.FastbootPath)
	setString(&s.SevenZipPath, p.SevenZipPath)
	setString(&s.HistoryDB, p.HistoryDB)
	setString(&s.ListenAddr, p.ListenAddr)
	if len(p.DeviceAllowlist) > 0 {
		s.DeviceAllowlist = append([]string(nil), p.DeviceAllowlist...)
	}
}

func (s *Settings) applyEnv() {
	s.OutDir = env.String(EnvOutDir, s.OutDir)
	s.StagingDir = env.String(EnvStagingDir, s.StagingDir)
	s.ImageTimeout = env.Duration(EnvImageTimeout, s.ImageTimeout)
	s.ProbeTimeout = env.Duration(EnvProbeTimeout, s.ProbeTimeout)
	s.HistoryDB = env.String(EnvHistoryDB, s.HistoryDB)
	s.KillADBOnExit = env.Bool(EnvKillADBOnExit, s.KillADBOnExit)
	s.ListenAddr = env.String(EnvListenAddr, s.ListenAddr)
	s.ADBPath = env.String(EnvADBPath, s.ADBPath)
	s.FastbootPath = env.String(EnvFastbootPath, s.FastbootPath)
	s.SevenZipPath = env.String(EnvSevenZipPath, s.SevenZipPath)
	if allow := partbackup.ParseDeviceAllowlist(env.String(EnvDeviceAllow, "")); len(allow) > 0 {
		s.DeviceAllowlist = allow
	}
}

// ScannerConfig returns the partition scanner settings.
func (s Settings) ScannerConfig() partbackup.ScannerConfig {
	return partbackup.ScannerConfig{
		Paths:       s.ByNamePaths,
		StepTimeout: s.StepTimeout,
		RootTimeout: s.RootTimeout,
	}
}

// DuplicatorConfig returns the imaging settings.
func (s Settings) DuplicatorConfig() partbackup.DuplicatorConfig {
	return partbackup.DuplicatorConfig{
		StagingDir:     s.StagingDir,
		ImageTimeout:   s.ImageTimeout,
		CleanupTimeout: s.CleanupTimeout,
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
