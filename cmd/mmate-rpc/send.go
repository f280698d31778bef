package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type valueMessage struct {
	Value int `json:"value"`
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		count   int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send concurrent requests and print the replies",
		Long:  "Issues --count requests of the form {\"value\": i} at once and prints each result or error as it settles.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count < 1 {
				return fmt.Errorf("count must be at least 1, got %d", count)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := opts.logger()
			client, err := opts.client(logger, timeout)
			if err != nil {
				return fmt.Errorf("failed to create client: %w", err)
			}

			requester, err := client.NewRequester(ctx, opts.queue)
			if err != nil {
				return fmt.Errorf("failed to start requester: %w", err)
			}
			defer requester.Close()

			out := cmd.OutOrStdout()
			results := make(chan string, count)

			// every request prints its own result or error; none aborts the others
			var g errgroup.Group
			for i := 0; i < count; i++ {
				i := i
				g.Go(func() error {
					reply, err := messaging.RequestAs[valueMessage](ctx, requester, valueMessage{Value: i})
					if err != nil {
						results <- fmt.Sprintf("result for %d => error: %v", i, err)
						return nil
					}
					results <- fmt.Sprintf("result for %d => %d", i, reply.Value)
					return nil
				})
			}

			go func() {
				_ = g.Wait()
				close(results)
			}()

			for line := range results {
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 10, "Number of concurrent requests")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", messaging.DefaultRequestTimeout, "Per-request timeout")

	return cmd
}
