package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is one parsed inbound observer command, spec.md §4.10's grammar:
// "cmd[:arg]", case-folded to lowercase before matching.
type Command struct {
	Name string
	Arg  string
}

// ParseCommand splits a raw inbound line into a Command. The verb and any
// argument are both lowercased; an empty line parses to the empty command
// name, which Dispatch answers like "help".
func ParseCommand(line string) Command {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, ":")
	return Command{Name: strings.ToLower(strings.TrimSpace(name)), Arg: strings.ToLower(strings.TrimSpace(arg))}
}

// CommandContext is everything Dispatch needs to answer a command, gathered
// from the engine so command.go stays free of engine.go's concrete type.
type CommandContext struct {
	Config     *Config
	Active     Activation
	Shadow     *MotorShadow
	History    *HistoryRing
	Slots      *SlotTable
	Observers  []*Observer
	SetVerbose func(o *Observer, v bool)
	SetName    func(o *Observer, name string)
	Activate   func()
	Deactivate func()
	// SendRaw forwards raw to the controller in role slot roleIndex
	// (0 or 1), encoded as an 'e' wire item (spec.md §4.10's avrN command).
	SendRaw func(roleIndex int, raw string) error
}

const helpText = "commands: help, active:on|off|start, cal, list, log, name:<label>, verbose:on|off, who, avr0:<raw>, avr1:<raw>"

// Dispatch implements spec.md §4.10's inbound command set and returns the
// lines to send back to the requesting observer (never broadcast).
func Dispatch(ctx *CommandContext, o *Observer, cmd Command) []string {
	switch cmd.Name {
	case "help", "":
		return []string{helpText}

	case "active":
		switch cmd.Arg {
		case "":
			return []string{fmt.Sprintf("active: %s", ctx.Active)}
		case "on", "start":
			ctx.Activate()
			return []string{"active: activation requested"}
		case "off":
			ctx.Deactivate()
			return []string{"active: deactivation requested"}
		default:
			return []string{"active: requires on|off|start, or no argument to query"}
		}

	case "cal":
		var lines []string
		for ch := 0; ch < NumADCChannels; ch++ {
			lines = append(lines, fmt.Sprintf("channel %d: %d anchors", ch, len(ctx.Config.Calibration[ch])))
		}
		return lines

	case "list":
		var lines []string
		for i := 0; i < 2; i++ {
			role := ctx.Slots.Role(i)
			lines = append(lines, fmt.Sprintf("slot %d: serial=%s liveness=%d", i, role.CurrentSerial, role.Liveness))
		}
		for _, h := range ctx.Slots.Holding() {
			lines = append(lines, fmt.Sprintf("holding slot %d: serial=%s", h.Index, h.CurrentSerial))
		}
		return lines

	case "log":
		return []string{"log: see server log file for full history"}

	case "name":
		if cmd.Arg == "" {
			return []string{"name: requires an argument, e.g. \"name:bench3\""}
		}
		ctx.SetName(o, cmd.Arg)
		return []string{fmt.Sprintf("name set to %s", cmd.Arg)}

	case "verbose":
		switch cmd.Arg {
		case "on", "1", "true":
			ctx.SetVerbose(o, true)
			return []string{"verbose: on"}
		case "off", "0", "false":
			ctx.SetVerbose(o, false)
			return []string{"verbose: off"}
		default:
			return []string{"verbose: requires on|off"}
		}

	case "who":
		var lines []string
		for _, other := range ctx.Observers {
			lines = append(lines, fmt.Sprintf("%s (%s)", other.DisplayName, other.Address))
		}
		return lines

	default:
		if roleIdx, ok := parseAVRCommand(cmd.Name); ok {
			return dispatchAVR(ctx, roleIdx, cmd.Arg)
		}
		return []string{fmt.Sprintf("unrecognized command %q, try \"help\"", cmd.Name)}
	}
}

// parseAVRCommand recognizes "avrN" where N is a role slot index 0 or 1
// (spec.md §4.10's raw-forward request against one controller).
func parseAVRCommand(name string) (int, bool) {
	if !strings.HasPrefix(name, "avr") {
		return 0, false
	}
	n, err := strconv.Atoi(name[len("avr"):])
	if err != nil || n < 0 || n >= 2 {
		return 0, false
	}
	return n, true
}

// dispatchAVR forwards raw to role slot roleIndex's controller as an
// "e.<raw>" wire request (spec.md §4.10).
func dispatchAVR(ctx *CommandContext, roleIndex int, raw string) []string {
	role := ctx.Slots.Role(roleIndex)
	if role.Liveness != LivenessOK {
		return []string{fmt.Sprintf("avr%d: controller not connected", roleIndex)}
	}
	if raw == "" {
		return []string{fmt.Sprintf("avr%d: requires a raw payload, e.g. \"avr%d:status\"", roleIndex, roleIndex)}
	}
	if err := ctx.SendRaw(roleIndex, raw); err != nil {
		return []string{fmt.Sprintf("avr%d: send failed: %v", roleIndex, err)}
	}
	return []string{fmt.Sprintf("avr%d: sent %q", roleIndex, raw)}
}
