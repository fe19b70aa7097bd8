package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/pflag"

	"pipegate/cmd"
)

const usage = `Usage:
  pipegate run [--config pipegate.yaml] [--auto-approve] [pipeline.yml]
  pipegate serve [--config pipegate.yaml]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	command := os.Args[1]
	flags := pflag.NewFlagSet(command, pflag.ExitOnError)
	configPath := flags.StringP("config", "c", "", "path to pipegate.yaml")

	switch command {
	case "run":
		autoApprove := flags.Bool("auto-approve", false, "approve stages that wait for approval")
		flags.Parse(os.Args[2:])

		pipelinePath := "pipeline.yml"
		if flags.NArg() > 0 {
			pipelinePath = flags.Arg(0)
		}
		err := cmd.Run(cmd.RunOptions{
			ConfigPath:   *configPath,
			PipelinePath: pipelinePath,
			AutoApprove:  *autoApprove,
		})
		if err != nil {
			log.Fatalf("Pipeline failed: %v", err)
		}
	case "serve":
		flags.Parse(os.Args[2:])
		if err := cmd.Serve(*configPath); err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	default:
		fmt.Fprintln(os.Stderr, "Unknown command:", command)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}
