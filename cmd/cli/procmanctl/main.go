package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	flags "github.com/jessevdk/go-flags"

	"github.com/qbrc-cnap/mev-procman/pkg/control"
)

type flagOptions struct {
	Server string `long:"server" short:"s" description:"daemon control API address" default:"127.0.0.1:9001"`
	Force  bool   `long:"force" description:"bypass the restart gate (restart only)"`
}

const usage = `Usage:
  procmanctl [options] status
  procmanctl [options] list
  procmanctl [options] start <program>
  procmanctl [options] stop <program>
  procmanctl [options] restart <program>`

func main() {
	var opts flagOptions
	parser := flags.NewParser(&opts, flags.HelpFlag)
	args, err := parser.ParseArgs(os.Args[1:])
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	if len(args) == 0 {
		fmt.Println(usage)
		os.Exit(1)
	}

	client := control.NewClient(opts.Server)
	command := args[0]

	switch command {
	case "status":
		err = showStatus(client)
	case "list":
		err = listPrograms(client)
	case "start", "stop", "restart":
		if len(args) < 2 {
			fmt.Printf("Program name is required for '%s'\n", command)
			os.Exit(1)
		}
		err = runAction(client, command, args[1], opts.Force)
	default:
		fmt.Printf("Unknown command: %s\n%s\n", command, usage)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func showStatus(client *control.Client) error {
	status, err := client.Status()
	if err != nil {
		return err
	}
	fmt.Printf("Daemon state: %s\n", status.State)
	fmt.Printf("Programs:     %d registered, %d running\n", status.ProgramCount, status.Running)
	return nil
}

func listPrograms(client *control.Client) error {
	statuses, err := client.ListPrograms()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tPRIORITY\tAUTORESTART\tRESTARTS")
	for _, status := range statuses {
		pid := "-"
		if status.Diagnostics.ProcessID > 0 {
			pid = fmt.Sprintf("%d", status.Diagnostics.ProcessID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d\n",
			status.Name, status.State, pid, status.Priority,
			status.Autorestart, status.Diagnostics.RestartAttempts)
	}
	return w.Flush()
}

func runAction(client *control.Client, command, name string, force bool) error {
	var action *control.ActionResponse
	var err error
	switch command {
	case "start":
		action, err = client.StartProgram(name)
	case "stop":
		action, err = client.StopProgram(name)
	case "restart":
		action, err = client.RestartProgram(name, force)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s -> %s\n", action.Action, action.Program, action.State)
	return nil
}
