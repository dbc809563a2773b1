// commands.go implements the in-band approval mini-language. Parsing is a
// pure text→intent mapping; execution lives in the access engine.
//
//	approve <target>[, <target>...]   (shorthands: yes, ok, y)
//	deny <target>[, <target>...]      (shorthands: no, n, reject)
//	pending | list
//	room-approve <target>...
//	room-deny <target>...
//	room-list
package approval

import "strings"

// CommandKind identifies an approval command.
type CommandKind int

const (
	CmdApprove CommandKind = iota
	CmdDeny
	CmdList
	CmdRoomApprove
	CmdRoomDeny
	CmdRoomList
)

// Command is a parsed approval command.
type Command struct {
	Kind CommandKind
	// Targets are the raw target tokens (handles, ids or record ids). Empty
	// for list commands, and for a bare approve/deny which the executor
	// applies to the single outstanding request, if unambiguous.
	Targets []string
}

// ParseCommand maps raw message text to a command. ok is false when the text
// is not part of the mini-language.
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return Command{}, false
	}

	verb := strings.ToLower(fields[0])
	rest := fields[1:]

	switch verb {
	case "approve", "yes", "ok", "y":
		return Command{Kind: CmdApprove, Targets: splitTargets(rest)}, true
	case "deny", "no", "n", "reject":
		return Command{Kind: CmdDeny, Targets: splitTargets(rest)}, true
	case "pending", "list":
		if len(rest) != 0 {
			return Command{}, false
		}
		return Command{Kind: CmdList}, true
	case "room-approve":
		if len(rest) == 0 {
			return Command{}, false
		}
		return Command{Kind: CmdRoomApprove, Targets: splitTargets(rest)}, true
	case "room-deny":
		if len(rest) == 0 {
			return Command{}, false
		}
		return Command{Kind: CmdRoomDeny, Targets: splitTargets(rest)}, true
	case "room-list":
		if len(rest) != 0 {
			return Command{}, false
		}
		return Command{Kind: CmdRoomList}, true
	}
	return Command{}, false
}

// splitTargets normalizes comma/space separated target tokens, preserving
// order and dropping empties.
func splitTargets(fields []string) []string {
	var out []string
	for _, f := range fields {
		for _, t := range strings.Split(f, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}
