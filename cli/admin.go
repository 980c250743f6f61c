package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"atview.dev/cursor"
	"atview.dev/firehose"
	"atview.dev/pgstore"
	"atview.dev/queue"
)

// reconnectCmd forces one fresh relay handshake and reports whether it
// succeeded, independent of any already-running `serve` process — useful
// for confirming relay reachability and cursor-resume behavior before
// deploying.
var reconnectCmd = &cobra.Command{
	Use:   "reconnect",
	Short: "force a fresh firehose handshake and report the outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		pg, err := pgstore.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()

		cur, err := cursor.Open(ctx, pg, "reconnect-probe-cursor.db")
		if err != nil {
			return fmt.Errorf("open cursor store: %w", err)
		}
		defer cur.Close()

		q, err := queue.New(ctx, queue.Config{
			Addr:   cfg.Queue.RedisAddr,
			DB:     cfg.Queue.RedisDB,
			Stream: cfg.Queue.StreamName,
			Group:  cfg.Queue.ConsumerGroup,
		})
		if err != nil {
			return fmt.Errorf("connect queue: %w", err)
		}
		defer q.Close()

		fh := firehose.New(firehose.Config{
			RelayURL:          cfg.Firehose.RelayURL,
			PingInterval:      30 * time.Second,
			PongTimeout:       45 * time.Second,
			StallTimeout:      2 * time.Minute,
			ReconnectMinDelay: 1 * time.Second,
			ReconnectMaxDelay: 30 * time.Second,
			CursorFlushPeriod: 5 * time.Second,
		}, q, cur)

		connected := make(chan struct{}, 1)
		fh.OnEvent(func(string) {
			select {
			case connected <- struct{}{}:
			default:
			}
		})

		fh.Start()
		defer fh.Stop()

		select {
		case <-connected:
			fmt.Printf("connected to %s, first event received\n", cfg.Firehose.RelayURL)
		case <-time.After(15 * time.Second):
			if fh.Connected() {
				fmt.Printf("connected to %s (socket open, no event yet)\n", cfg.Firehose.RelayURL)
			} else {
				return fmt.Errorf("failed to connect to %s within 15s", cfg.Firehose.RelayURL)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	},
}

// retryPendingCmd claims stream-level messages that have been pending
// longer than the configured idle threshold in some other consumer, the
// queue-layer (component B) analog of the in-process pending-op buffer's
// retry sweep — the buffer itself is process-local and not reachable from
// a separate CLI invocation, but a stuck delivery is.
var retryPendingCmd = &cobra.Command{
	Use:   "retry-pending",
	Short: "claim stream messages stuck pending in dead or stalled consumers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		q, err := queue.New(ctx, queue.Config{
			Addr:          cfg.Queue.RedisAddr,
			DB:            cfg.Queue.RedisDB,
			Stream:        cfg.Queue.StreamName,
			Group:         cfg.Queue.ConsumerGroup,
			MaxDeliveries: cfg.Queue.MaxDeliveries,
		})
		if err != nil {
			return fmt.Errorf("connect queue: %w", err)
		}
		defer q.Close()

		total := 0
		for {
			claimed, err := q.Claim(ctx, "cli-retry-pending", cfg.Queue.ClaimIdleThreshold, 100)
			if err != nil {
				return fmt.Errorf("claim: %w", err)
			}
			if len(claimed) == 0 {
				break
			}
			total += len(claimed)
		}
		fmt.Printf("reclaimed %s pending message(s)\n", humanize.Comma(int64(total)))
		return nil
	},
}

var deadLetterCmd = &cobra.Command{
	Use:   "dead-letter",
	Short: "inspect the bounded dead-letter stream",
}

var deadLetterDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "print the most recent dead-lettered messages as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetInt64("count")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		q, err := queue.New(ctx, queue.Config{
			Addr:   cfg.Queue.RedisAddr,
			DB:     cfg.Queue.RedisDB,
			Stream: cfg.Queue.StreamName,
			Group:  cfg.Queue.ConsumerGroup,
		})
		if err != nil {
			return fmt.Errorf("connect queue: %w", err)
		}
		defer q.Close()

		length, err := q.DeadLetterLen(ctx)
		if err != nil {
			return fmt.Errorf("dead-letter length: %w", err)
		}
		entries, err := q.DeadLetterEntries(ctx, count)
		if err != nil {
			return fmt.Errorf("dump dead-letter stream: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "# %s entries in dead-letter stream (showing up to %d)\n", humanize.Comma(length), count)
		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, e := range entries {
			enc.Encode(e)
		}
		return nil
	},
}

func init() {
	deadLetterDumpCmd.Flags().Int64("count", 50, "maximum number of entries to print, most recent first")
	deadLetterCmd.AddCommand(deadLetterDumpCmd)
}
