// Package main is the content repository entry point. The same binary
// serves the API, runs task workers and applies schema migrations.
package main

import (
	"flag"
	"os"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// glog writes fatal start-up errors to stderr
	_ = flag.Set("logtostderr", "true")

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
	glog.Flush()
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "galaxy-server",
		Short: "Ansible collection content repository",
		Long: `galaxy-server hosts Ansible collection repositories.

It serves the Galaxy v3 and Pulp-style management APIs, runs the task
workers that sync, sign, copy, move, import and delete content, and
migrates the database schema.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newWorkerCmd(&configPath))
	root.AddCommand(newMigrateCmd(&configPath))
	root.AddCommand(newConfigCmd(&configPath))
	root.AddCommand(newHealthcheckCmd())
	return root
}
