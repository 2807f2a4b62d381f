package storage

import "testing"

func TestFormatSQLForLog(t *testing.T) {
	got := formatSQLForLog("SELECT *\n\tFROM backup_jobs WHERE DeviceSerial = ? LIMIT ?", "O'Brien", 5)
	want := "SELECT * FROM backup_jobs WHERE DeviceSerial = 'O''Brien' LIMIT 5"
	if got != want {
		t.Fatalf("formatSQLForLog = %q, want %q", got, want)
	}

	got = formatSQLForLog("SELECT 1", nil, []byte("x"))
	if got != "SELECT 1 /* args: NULL, 'x' */" {
		t.Fatalf("extra args not appended: %q", got)
	}
}
