package adb

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	partbackup "github.com/httprunner/PartitionBackup"
	"github.com/httprunner/PartitionBackup/internal/tools"
)

const serverTimeout = 10 * time.Second

// Provider implements partbackup.RemoteShell on top of a gadb client, with
// the adb executable used for server control and state fallbacks.
type Provider struct {
	client  gadb.Client
	adbPath string
	runner  *tools.Registry
	// lookup overrides device resolution for Run and Pull
	lookup func(serial string) (shellDevice, error)
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client, adbPath string, runner *tools.Registry) *Provider {
	if runner == nil {
		runner = tools.NewRegistry()
	}
	return &Provider{client: client, adbPath: adbPath, runner: runner}
}

// NewDefault starts the adb server when an executable is known and
// connects a default gadb client to it.
func NewDefault(ctx context.Context, adbPath string, runner *tools.Registry) (*Provider, error) {
	if runner == nil {
		runner = tools.NewRegistry()
	}
	if adbPath != "" {
		if out, code, err := runner.Output(ctx, serverTimeout, adbPath, "start-server"); err != nil || code != 0 {
			log.Warn().Err(err).Int("exit_code", code).Str("output", strings.TrimSpace(out)).Msg("adb start-server failed")
		}
	}
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client, adbPath, runner), nil
}

// CheckTool fails with ToolMissing when no adb executable was resolved.
func (p *Provider) CheckTool() error {
	if p == nil || !tools.FileExists(p.adbPath) {
		return &partbackup.Error{Kind: partbackup.KindToolMissing, Msg: "adb executable not found, set ADB_PATH"}
	}
	return nil
}

// ListDevicesWithState returns device serials with their connection mode.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]partbackup.Mode, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	modeBySerial := make(map[string]partbackup.Mode, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		modeBySerial[serial] = p.deviceMode(ctx, dev)
	}
	// gadb drops devices it cannot talk to; the adb CLI still lists them
	for _, entry := range p.cliDevices(ctx) {
		if _, ok := modeBySerial[entry.Serial]; !ok {
			modeBySerial[entry.Serial] = partbackup.ModeFromADBState(entry.State)
		}
	}
	return modeBySerial, nil
}

// DetectMode reports the adb-side mode of serial, or of the first device
// when serial is empty.
func (p *Provider) DetectMode(ctx context.Context, serial string) (partbackup.DeviceHandle, error) {
	if p == nil {
		return partbackup.DeviceHandle{}, errors.New("adb provider is nil")
	}
	dev, err := p.findDevice(serial)
	if err == nil {
		return partbackup.DeviceHandle{Serial: dev.Serial(), Mode: p.deviceMode(ctx, dev)}, nil
	}
	log.Debug().Err(err).Str("serial", serial).Msg("gadb did not resolve device, asking adb")
	for _, entry := range p.cliDevices(ctx) {
		if serial == "" || entry.Serial == serial {
			return partbackup.DeviceHandle{Serial: entry.Serial, Mode: partbackup.ModeFromADBState(entry.State)}, nil
		}
	}
	return partbackup.DeviceHandle{Serial: serial, Mode: partbackup.ModeNone}, nil
}

func (p *Provider) deviceMode(ctx context.Context, dev *gadb.Device) partbackup.Mode {
	state, err := dev.State()
	if err == nil {
		switch state {
		case gadb.StateOnline:
			return partbackup.ModeSystem
		case gadb.StateOffline:
			return partbackup.ModeOffline
		case gadb.StateDisconnected:
			return partbackup.ModeNone
		}
	}
	// recovery, sideload and unauthorized are reported as unknown by gadb
	if p.adbPath == "" {
		return partbackup.ModeUnknown
	}
	out, _, runErr := p.runner.Output(ctx, serverTimeout, p.adbPath, "-s", dev.Serial(), "get-state")
	if runErr != nil {
		return partbackup.ModeUnknown
	}
	if strings.Contains(out, "unauthorized") {
		return partbackup.ModeUnauthorized
	}
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return partbackup.ModeFromADBState(line)
		}
	}
	return partbackup.ModeUnknown
}

func (p *Provider) cliDevices(ctx context.Context) []DeviceEntry {
	if p.adbPath == "" {
		return nil
	}
	out, code, err := p.runner.Output(ctx, serverTimeout, p.adbPath, "devices")
	if err != nil || code != 0 {
		return nil
	}
	return ParseDevices(out)
}

func (p *Provider) findDevice(serial string) (*gadb.Device, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if target == "" || strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	if target == "" {
		return nil, errors.New("no adb device attached")
	}
	return nil, errors.Errorf("device %s not found", serial)
}

// shellDevice is the slice of *gadb.Device used for shell and file transfer.
type shellDevice interface {
	Serial() string
	RunShellCommand(cmd string, args ...string) (string, error)
	Pull(remotePath string, dest io.Writer) error
}

func (p *Provider) shellDevice(serial string) (shellDevice, error) {
	if p.lookup != nil {
		return p.lookup(serial)
	}
	dev, err := p.findDevice(serial)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

type shellResult struct {
	out string
	err error
}

// Run executes command through the device shell. The exit status is
// recovered from a trailing marker. When an imaging command times out the
// matching dd is killed on the device before Run returns.
func (p *Provider) Run(ctx context.Context, serial, command string, timeout time.Duration) partbackup.CommandOutcome {
	dev, err := p.shellDevice(serial)
	if err != nil {
		return partbackup.CommandOutcome{ExitCode: -1, Err: err}
	}
	return p.runOn(ctx, dev, command, timeout)
}

func (p *Provider) runOn(ctx context.Context, dev shellDevice, command string, timeout time.Duration) partbackup.CommandOutcome {
	done := make(chan shellResult, 1)
	go func() {
		out, err := dev.RunShellCommand(wrapWithExitMarker(command))
		done <- shellResult{out: out, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-done:
		if res.err != nil {
			return partbackup.CommandOutcome{Stdout: res.out, ExitCode: -1, Err: errors.Wrap(res.err, "adb shell")}
		}
		stdout, code, ok := splitExitMarker(res.out)
		if !ok {
			return partbackup.CommandOutcome{Stdout: stdout, ExitCode: -1, Err: errors.New("adb shell: exit status missing from output")}
		}
		return partbackup.CommandOutcome{Stdout: stdout, ExitCode: code}
	case <-timer.C:
		log.Warn().Str("serial", dev.Serial()).Str("command", command).Dur("timeout", timeout).Msg("adb shell timed out")
		p.stopImaging(dev, command, done)
		return partbackup.CommandOutcome{ExitCode: -1, TimedOut: true}
	case <-ctx.Done():
		p.stopImaging(dev, command, done)
		return partbackup.CommandOutcome{ExitCode: -1, Err: ctx.Err()}
	}
}

// stopImaging kills the dd started by command, if it is one, and waits a
// bounded time for its shell to return so the next partition never shares
// the staging directory with it.
func (p *Provider) stopImaging(dev shellDevice, command string, done <-chan shellResult) {
	kill, ok := imagingKillCommand(command)
	if !ok {
		return
	}
	out := p.runOn(context.Background(), dev, kill, serverTimeout)
	logger := log.With().Str("serial", dev.Serial()).Str("command", kill).Logger()
	if !out.OK() {
		logger.Warn().Err(out.Failure(kill)).Msg("kill remote dd failed")
	}
	select {
	case <-done:
		logger.Info().Msg("remote dd stopped")
	case <-time.After(serverTimeout):
		logger.Warn().Msg("remote dd still running after kill")
	}
}

// Pull copies remotePath to localPath through a ".part" file that is
// renamed only after the transfer completed. On timeout the file is closed
// so the transfer fails on its next write, and the ".part" file is removed
// once the transfer goroutine returns.
func (p *Provider) Pull(ctx context.Context, serial, remotePath, localPath string, timeout time.Duration) error {
	dev, err := p.shellDevice(serial)
	if err != nil {
		return err
	}
	tmp := localPath + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrapf(err, "create %s", tmp)
	}

	done := make(chan error, 1)
	// true when the caller kept the transfer
	verdict := make(chan bool, 1)
	go func() {
		err := dev.Pull(remotePath, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		done <- err
		if kept := <-verdict; !kept {
			_ = os.Remove(tmp)
		}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			verdict <- false
			return errors.Wrapf(err, "pull %s", remotePath)
		}
		if err := os.Rename(tmp, localPath); err != nil {
			verdict <- false
			return errors.Wrapf(err, "rename %s", tmp)
		}
		verdict <- true
		return nil
	case <-timer.C:
		verdict <- false
		_ = f.Close()
		return errors.Wrapf(partbackup.ErrPullTimeout, "pull %s after %s", remotePath, timeout)
	case <-ctx.Done():
		verdict <- false
		_ = f.Close()
		return errors.Wrapf(ctx.Err(), "pull %s", remotePath)
	}
}

// KillServer stops the adb server so no device lock survives the process.
func (p *Provider) KillServer(ctx context.Context) error {
	if err := p.CheckTool(); err != nil {
		return err
	}
	out, code, err := p.runner.Output(ctx, serverTimeout, p.adbPath, "kill-server")
	if err != nil {
		return errors.Wrap(err, "adb kill-server")
	}
	if code != 0 {
		return errors.Errorf("adb kill-server exited %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}
