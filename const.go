package partbackup

import "time"

// Remote layout used while duplicating partitions.
const (
	// DefaultStagingDir is the on-device scratch directory that holds one
	// staging image at a time before it is pulled to the host.
	DefaultStagingDir = "/sdcard/Download"
	stagingPrefix     = "tmp_backup_"
	imageSuffix       = ".img"
)

// Timeout budgets for remote calls. Metadata calls are short; imaging and
// pulling share the long budget because super/userdata can be tens of GB.
const (
	DefaultProbeTimeout   = 3 * time.Second
	DefaultStepTimeout    = 5 * time.Second
	DefaultRootTimeout    = 8 * time.Second
	DefaultCleanupTimeout = 10 * time.Second
	DefaultImageTimeout   = time.Hour
	DefaultShutdownGrace  = time.Second
)

// Restore script file names written next to the images.
const (
	BatchScriptName = "flash_all.bat"
	ShellScriptName = "flash_all.sh"
)

// DefaultByNamePaths lists the directories that conventionally hold the
// "name -> block device" symlink table, in probing order. A '*' segment is
// resolved against the live filesystem before listing.
var DefaultByNamePaths = []string{
	"/dev/block/bootdevice/by-name",
	"/dev/block/by-name",
	"/dev/block/platform/*/by-name",
}

// DefaultRiskyPartitions carry user data or device state and are left
// unselected by default.
var DefaultRiskyPartitions = []string{"userdata", "metadata", "frp", "cache"}
