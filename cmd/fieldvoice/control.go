package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fieldvoice/fieldvoice/internal/bus"
)

var errDaemonReply = errors.New("daemon reported an error")

// sendCommand is swapped in tests.
var sendCommand = bus.SendCommand

// control prints the daemon reply and turns an ERR reply into a non-zero exit.
func control(cmd byte, what string, args ...string) error {
	resp, err := sendCommand(cmd, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w (is `fieldvoice serve` running?)", what, err)
	}
	fmt.Print(resp)
	if strings.HasPrefix(resp, "ERR") {
		return errDaemonReply
	}
	return nil
}

func simpleControl(use, short string, cmd byte, what string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return control(cmd, what)
		},
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <visitSessionId> [transcriptionSessionId]",
		Short: "Start recording a visit in the daemon",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(c *cobra.Command, args []string) error {
			return control(bus.CmdStart, "start recording", args...)
		},
	}
}

func pauseCmd() *cobra.Command {
	return simpleControl("pause", "Pause capture, keeping the session alive with silence", bus.CmdPause, "pause")
}

func resumeCmd() *cobra.Command {
	return simpleControl("resume", "Resume a paused recording", bus.CmdResume, "resume")
}

func endCmd() *cobra.Command {
	return simpleControl("end", "End the recording and wait for the backend to finish", bus.CmdEnd, "end recording")
}

func cancelCmd() *cobra.Command {
	return simpleControl("cancel", "Cancel the recording without finalizing it", bus.CmdCancel, "cancel recording")
}

func backgroundCmd() *cobra.Command {
	return simpleControl("background", "Tell the daemon the app went to the background", bus.CmdBackground, "enter background")
}

func foregroundCmd() *cobra.Command {
	return simpleControl("foreground", "Tell the daemon the app is back in the foreground", bus.CmdForeground, "enter foreground")
}

func statusCmd() *cobra.Command {
	return simpleControl("status", "Get current recording status", bus.CmdStatus, "get status")
}

func stopCmd() *cobra.Command {
	return simpleControl("stop", "Stop the daemon", bus.CmdQuit, "stop daemon")
}
