package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"trapper_platform/client"
	"trapper_platform/trapper/schema"

	"github.com/spf13/cobra"
)

// uploadCommand sends a definition and archive to a running server, unlike the other
// commands which work on the database directly.
func uploadCommand() *cobra.Command {
	var server, email, password string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "upload [definition.yaml] [archive.zip]",
		Short: "Upload collections to a running server and wait for the ingest to finish",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if server == "" {
				server = os.Getenv("TRAPPER_URL")
			}
			if email == "" || password == "" {
				email, password = os.Getenv("TRAPPER_EMAIL"), os.Getenv("TRAPPER_PASSWORD")
			}
			if server == "" || email == "" {
				return fmt.Errorf("--server and --email (or TRAPPER_URL and TRAPPER_EMAIL) must be specified")
			}

			c := client.New(server)
			if err := c.Login(email, password); err != nil {
				return err
			}

			taskId, err := c.Upload(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued ingest task %v\n", taskId)
			if wait <= 0 {
				return nil
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			task, err := c.WaitForTask(ctx, taskId, 2*time.Second)
			if err != nil {
				return err
			}
			if task.State != schema.TaskSuccess {
				return fmt.Errorf("ingest finished with state %v: %v", task.State, task.Error)
			}

			messages, err := c.Inbox()
			if err != nil {
				return err
			}
			for _, msg := range messages {
				if msg.MessageType == schema.MessageTaskResult && msg.DateSent.After(task.CreatedAt) {
					fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(msg.Text))
					break
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "Api url, e.g. https://host/api/v2, defaults to TRAPPER_URL")
	cmd.Flags().StringVar(&email, "email", "", "Account email, defaults to TRAPPER_EMAIL")
	cmd.Flags().StringVar(&password, "password", "", "Account password, defaults to TRAPPER_PASSWORD")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Minute, "How long to wait for the ingest, 0 returns right after queueing")
	return cmd
}

