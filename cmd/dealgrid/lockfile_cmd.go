package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/dealgrid/filelock"
)

func newLockfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lockfile",
		Aliases: []string{"lf"},
		Short:   "Inspect cross-process lock files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "path NAME",
		Short: "Print the lock file path for NAME",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locker, err := newCLILocker()
			if err != nil {
				return err
			}
			path, err := locker.Path(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "check NAME",
		Short: "Report whether another process holds the lock for NAME",
		Long:  "Check takes and immediately drops the lock; the answer is advisory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			locker, err := newCLILocker()
			if err != nil {
				return err
			}
			free, err := locker.Probe(args[0])
			if err != nil {
				return err
			}
			state := "held"
			if free {
				state = "free"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], state)
			return err
		},
	})
	return cmd
}

func newCLILocker() (*filelock.Locker, error) {
	return filelock.New(filelock.Config{PathFormat: viper.GetString("lock-file")})
}
