package partbackup

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// RenderBatchScript returns the Windows restore script for partitions, in
// the order they were backed up. Lines end in CRLF.
func RenderBatchScript(partitions []string) string {
	lines := []string{
		"@echo off",
		"echo Waiting for device in fastboot...",
		"fastboot devices",
		"pause",
	}
	for _, p := range partitions {
		lines = append(lines,
			"echo Flashing "+p+"...",
			"fastboot flash "+p+" "+ImageFileName(p),
		)
	}
	lines = append(lines, "echo Done!", "pause")
	return strings.Join(lines, "\r\n") + "\r\n"
}

// RenderShellScript returns the POSIX restore script for partitions, in the
// order they were backed up.
func RenderShellScript(partitions []string) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString("cd \"$(dirname \"$0\")\" || exit 1\n")
	b.WriteString("echo 'Waiting for device...'\n")
	b.WriteString("fastboot devices\n")
	for _, p := range partitions {
		b.WriteString("echo 'Flashing " + p + "...'\n")
		b.WriteString("fastboot flash " + p + " " + ImageFileName(p) + "\n")
	}
	b.WriteString("echo 'Done!'\n")
	return b.String()
}

// WriteRestoreScripts writes both restore scripts into dir.
func WriteRestoreScripts(dir string, partitions []string) error {
	bat := filepath.Join(dir, BatchScriptName)
	if err := os.WriteFile(bat, []byte(RenderBatchScript(partitions)), 0o644); err != nil {
		return errors.Wrapf(err, "write %s", bat)
	}
	sh := filepath.Join(dir, ShellScriptName)
	if err := os.WriteFile(sh, []byte(RenderShellScript(partitions)), 0o755); err != nil {
		return errors.Wrapf(err, "write %s", sh)
	}
	return nil
}
