package notification

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Runner executes an external command
type Runner interface {
	Run(name string, args ...string) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(name string, args ...string) error

// Run implements Runner
func (f RunnerFunc) Run(name string, args ...string) error {
	return f(name, args...)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) error {
	return exec.Command(name, args...).Run()
}

// desktopChannel shows OS-native notifications
type desktopChannel struct {
	cfg      DesktopConfig
	runner   Runner
	platform string
}

func newDesktopChannel(cfg DesktopConfig, runner Runner, platform string) *desktopChannel {
	if runner == nil {
		runner = execRunner{}
	}
	if platform == "" {
		platform = runtime.GOOS
	}
	return &desktopChannel{cfg: cfg, runner: runner, platform: platform}
}

func (c *desktopChannel) wants(k Kind) bool {
	switch k {
	case KindSynced:
		return c.cfg.OnSync
	case KindConflicts:
		return c.cfg.OnConflicts
	case KindFailed:
		return c.cfg.OnFailure
	}
	return false
}

func (c *desktopChannel) Send(n Notification) error {
	if !c.wants(n.Kind) {
		return nil
	}
	switch c.platform {
	case "linux", "freebsd", "openbsd":
		return c.runner.Run("notify-send", n.Title, n.Message)
	case "darwin":
		script := fmt.Sprintf(`display notification "%s" with title "%s"`,
			escapeAppleScript(n.Message), escapeAppleScript(n.Title))
		return c.runner.Run("osascript", "-e", script)
	case "windows":
		script := fmt.Sprintf(`
Add-Type -AssemblyName System.Windows.Forms
$n = New-Object System.Windows.Forms.NotifyIcon
$n.Icon = [System.Drawing.SystemIcons]::Information
$n.BalloonTipTitle = "%s"
$n.BalloonTipText = "%s"
$n.Visible = $true
$n.ShowBalloonTip(5000)
`, escapePowerShell(n.Title), escapePowerShell(n.Message))
		return c.runner.Run("powershell", "-Command", script)
	default:
		return fmt.Errorf("desktop notifications are not supported on %s", c.platform)
	}
}

func (c *desktopChannel) Close() error { return nil }

// escapeAppleScript escapes backslashes and double quotes.
func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// escapePowerShell escapes the characters PowerShell expands inside double quotes.
func escapePowerShell(s string) string {
	s = strings.ReplaceAll(s, "`", "``")
	s = strings.ReplaceAll(s, `"`, "`\"")
	return strings.ReplaceAll(s, "$", "`$")
}
