// Package cli parses parley's command line.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

type Command string

const (
	CommandRun     Command = "run"
	CommandToggle  Command = "toggle"
	CommandStart   Command = "start"
	CommandStop    Command = "stop"
	CommandEnd     Command = "end"
	CommandCancel  Command = "cancel"
	CommandStatus  Command = "status"
	CommandSession Command = "session"
	CommandDevices Command = "devices"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandRun:     {},
	CommandToggle:  {},
	CommandStart:   {},
	CommandStop:    {},
	CommandEnd:     {},
	CommandCancel:  {},
	CommandStatus:  {},
	CommandSession: {},
	CommandDevices: {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

// Forwarded reports whether cmd is a loop control command sent to the running owner.
func (c Command) Forwarded() bool {
	switch c {
	case CommandToggle, CommandStart, CommandStop, CommandEnd, CommandCancel, CommandStatus:
		return true
	default:
		return false
	}
}

type Parsed struct {
	Command     Command
	ConfigPath  string
	LocationURL string
	ShowHelp    bool
}

func Parse(args []string) (Parsed, error) {
	parsed := Parsed{Command: CommandHelp, ShowHelp: true}

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "-h", "--help":
			parsed.ShowHelp = true
			parsed.Command = CommandHelp
		case "--version":
			parsed.ShowHelp = false
			parsed.Command = CommandVersion
		case "--config":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--config requires a path")
			}
			parsed.ConfigPath = args[i]
		case "--location":
			i++
			if i >= len(args) {
				return Parsed{}, errors.New("--location requires a URL")
			}
			if strings.TrimSpace(args[i]) == "" {
				return Parsed{}, errors.New("--location must not be empty")
			}
			parsed.LocationURL = args[i]
		default:
			if strings.HasPrefix(arg, "-") {
				return Parsed{}, fmt.Errorf("unknown flag: %s", arg)
			}

			cmd := Command(arg)
			if _, ok := validCommands[cmd]; !ok {
				return Parsed{}, fmt.Errorf("unknown command: %s", arg)
			}

			parsed.Command = cmd
			parsed.ShowHelp = cmd == CommandHelp
			if i != len(args)-1 {
				return Parsed{}, fmt.Errorf("unexpected arguments after command %q", arg)
			}
		}
	}

	return parsed, nil
}

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [--config PATH] [--location URL] <command>

Commands:
  run       Own the conversation loop in the foreground
  toggle    Start listening, or stop and send the turn when already listening
  start     Start listening
  stop      Stop listening and send the turn; the loop keeps going
  end       Finish the current turn and end the conversation
  cancel    Discard the current recording
  status    Print current state
  session   Print the session id and the location it lives in
  devices   List available input devices
  doctor    Run configuration and environment checks
  version   Print version information
  help      Show this help

Flags:
  --config PATH     Config file path (default: $XDG_CONFIG_HOME/parley/config.jsonc)
  --location URL    Use URL as the session location instead of the state file
  -h, --help        Show help
  --version         Show version
`, binaryName)
}
