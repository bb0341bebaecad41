package serialproto

import (
	"errors"
	"fmt"
	"strings"
)

const (
	CmdHelp      = "HELP"
	CmdDumpGW    = "DUMPG"
	CmdDumpNodes = "DUMPN"
	CmdResetCfg  = "RCFG"
	CmdTime      = "TIME"
	CmdLogLevel  = "LOGL"
	CmdKey       = "EKEY"
	CmdNetworkID = "NETI"
	CmdGatewayID = "GWID"
	CmdTXPower   = "TXPW"
	CmdAlign     = "ENTA"
)

// Commands lists every command in help order.
var Commands = []string{
	CmdHelp, CmdDumpGW, CmdDumpNodes, CmdResetCfg, CmdTime, CmdLogLevel,
	CmdKey, CmdNetworkID, CmdGatewayID, CmdTXPower, CmdAlign,
}

var ErrUnknownCommand = errors.New("serialproto: unknown command")

// Command is an operator command: NAME gets, NAME=value sets.
type Command struct {
	Name   string
	Value  string
	Setter bool
}

func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	name, value, setter := strings.Cut(line, "=")
	name = strings.ToUpper(strings.TrimSpace(name))
	for _, c := range Commands {
		if c == name {
			return Command{Name: name, Value: strings.TrimSpace(value), Setter: setter}, nil
		}
	}
	return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, line)
}

// HelpLine is the one-line usage summary.
func HelpLine() string {
	return "Cmds: " + strings.Join(Commands, " ") + " "
}
