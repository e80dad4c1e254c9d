// Package doctor runs runtime readiness diagnostics for config, tools, audio, and the agent server.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/parley/internal/audio"
	"github.com/rbright/parley/internal/config"
	"github.com/rbright/parley/internal/identity"
	"github.com/rbright/parley/internal/indicator"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Run executes environment/config/runtime checks for a loaded config.
// loc is only read; doctor never creates a session id.
func Run(cfg config.Loaded, loc identity.Location) Report {
	checks := []Check{}

	configMsg := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		configMsg = fmt.Sprintf("%q not found; using defaults", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: configMsg})

	checks = append(checks, checkServer(cfg.Config.Server.URL))
	checks = append(checks, checkCommand(cfg.Config.Playback.Argv, "playback.cmd"))

	if cfg.Config.Reply.Clipboard {
		checks = append(checks, checkCommand(cfg.Config.Clipboard.Argv, "clipboard_cmd"))
	}

	if cfg.Config.Indicator.Enable {
		switch strings.ToLower(strings.TrimSpace(cfg.Config.Indicator.Backend)) {
		case indicator.BackendHypr:
			checks = append(checks, checkEnv("HYPRLAND_INSTANCE_SIGNATURE", func(v string) bool {
				return strings.TrimSpace(v) != ""
			}, "Hyprland session detected", "HYPRLAND_INSTANCE_SIGNATURE is empty"))
			checks = append(checks, checkBinary("hyprctl", "hypr indicator requires hyprctl"))
		case indicator.BackendDesktop:
			checks = append(checks, checkBinary("busctl", "desktop indicator requires busctl"))
		}
	}

	checks = append(checks, checkAudioSelection(cfg.Config))
	checks = append(checks, checkSessionLocation(loc, cfg.Config.Session.Param))

	return Report{Checks: checks}
}

// checkEnv validates an environment variable through a caller-supplied predicate.
func checkEnv(name string, predicate func(string) bool, okMsg, failMsg string) Check {
	value := os.Getenv(name)
	if predicate(value) {
		return Check{Name: name, Pass: true, Message: okMsg}
	}
	return Check{Name: name, Pass: false, Message: failMsg}
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}

// checkAudioSelection runs live device selection to surface selection/fallback issues.
func checkAudioSelection(cfg config.Config) Check {
	selection, err := audio.SelectDevice(context.Background(), cfg.Audio.Input, cfg.Audio.Fallback)
	if err != nil {
		return Check{Name: "audio.device", Pass: false, Message: err.Error()}
	}
	message := fmt.Sprintf("selected %q", selection.Device.ID)
	if selection.Warning != "" {
		message = message + " (" + selection.Warning + ")"
	}
	return Check{Name: "audio.device", Pass: true, Message: message}
}

// checkServer probes the agent server root. Any non-5xx answer means it is reachable;
// the chat route itself only accepts POST.
func checkServer(base string) Check {
	base = strings.TrimSpace(base)
	if base == "" {
		return Check{Name: "server.url", Pass: false, Message: "server.url is empty"}
	}

	client := http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(base)
	if err != nil {
		return Check{Name: "server.url", Pass: false, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Check{Name: "server.url", Pass: false, Message: fmt.Sprintf("HTTP %d from %s", resp.StatusCode, base)}
	}
	return Check{Name: "server.url", Pass: true, Message: fmt.Sprintf("reachable at %s (HTTP %d)", base, resp.StatusCode)}
}

// checkSessionLocation reports the persisted session id without creating one.
func checkSessionLocation(loc identity.Location, param string) Check {
	if loc == nil {
		return Check{Name: "session", Pass: false, Message: "no session location"}
	}
	if strings.TrimSpace(param) == "" {
		param = identity.DefaultParam
	}

	where := loc.Current()
	if file, ok := loc.(*identity.FileLocation); ok {
		where = file.Path()
	}
	if id := identity.Lookup(loc.Current(), param); id != "" {
		return Check{Name: "session", Pass: true, Message: fmt.Sprintf("%s=%s (%s)", param, id, where)}
	}
	return Check{Name: "session", Pass: true, Message: fmt.Sprintf("no %s yet; created on first run (%s)", param, where)}
}
