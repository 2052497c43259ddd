// Command relayd runs the Relay broker daemon and exposes a thin
// operational CLI (queue lifecycle, manual enqueue/dequeue/ack) over the
// same facade.Relay the daemon wires up, in the cobra root-command style
// the teacher's CLI uses.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymq/relay/internal/dequeue"
	"github.com/relaymq/relay/internal/domain"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "relayd",
		Short: "Relay - a durable, PostgreSQL-backed message broker",
		Long:  "Relay is a durable message broker: at-least-once delivery, fencing tokens, dead-letter routing, and priority ordering over PostgreSQL.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, flags override)")

	rootCmd.AddCommand(
		daemonCmd(),
		queueCmd(),
		enqueueCmd(),
		dequeueCmd(),
		ackCmd(),
		nackCmd(),
		healthCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "queue", Short: "Manage queue definitions"}
	cmd.AddCommand(
		queueCreateCmd(),
		queueListCmd(),
		queuePauseCmd(),
		queueResumeCmd(),
		queuePurgeCmd(),
		queueDeleteCmd(),
	)
	return cmd
}

func queueCreateCmd() *cobra.Command {
	var (
		ackTimeoutS int
		maxAttempts int
		description string
	)
	cmd := &cobra.Command{
		Use:  "create NAME",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()

			q := &domain.Queue{
				Name:              args[0],
				Type:              domain.QueueTypeStandard,
				Description:       description,
				AckTimeoutSeconds: ackTimeoutS,
				MaxAttempts:       maxAttempts,
			}
			if err := rel.CreateQueue(ctx, q); err != nil {
				return err
			}
			printJSON(q)
			return nil
		},
	}
	cmd.Flags().IntVar(&ackTimeoutS, "ack-timeout", 30, "Ack timeout in seconds")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 5, "Max delivery attempts before dead-lettering")
	cmd.Flags().StringVar(&description, "description", "", "Human-readable queue description")
	return cmd
}

func queueListCmd() *cobra.Command {
	return &cobra.Command{
		Use: "list",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()

			queues, err := rel.ListQueues(ctx)
			if err != nil {
				return err
			}
			printJSON(queues)
			return nil
		},
	}
}

func queuePauseCmd() *cobra.Command  { return queueSetPausedCmd("pause", true) }
func queueResumeCmd() *cobra.Command { return queueSetPausedCmd("resume", false) }

func queueSetPausedCmd(use string, paused bool) *cobra.Command {
	return &cobra.Command{
		Use:  use + " NAME",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()
			return rel.SetQueuePaused(ctx, args[0], paused)
		},
	}
}

func queuePurgeCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:  "purge NAME",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()

			n, err := rel.PurgeQueue(ctx, args[0], domain.MessageStatus(status))
			if err != nil {
				return err
			}
			fmt.Printf("purged %d messages\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Restrict purge to this status (default: all)")
	return cmd
}

func queueDeleteCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:  "delete NAME",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()
			return rel.DeleteQueue(ctx, args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Delete even if the queue still holds messages")
	return cmd
}

func enqueueCmd() *cobra.Command {
	var (
		queueName string
		msgType   string
		priority  int
		payload   string
	)
	cmd := &cobra.Command{
		Use: "enqueue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()

			raw := []byte(payload)
			if payload == "-" {
				raw, err = io.ReadAll(os.Stdin)
				if err != nil {
					return err
				}
			}
			msg := &domain.Message{
				QueueName: queueName,
				Type:      msgType,
				Payload:   raw,
				Priority:  priority,
			}
			out, err := rel.Enqueue(ctx, msg)
			if err != nil {
				return err
			}
			printJSON(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "Queue name")
	cmd.Flags().StringVar(&msgType, "type", "", "Message type")
	cmd.Flags().IntVar(&priority, "priority", 0, "Message priority (higher claims first)")
	cmd.Flags().StringVar(&payload, "payload", "null", "JSON payload, or '-' to read from stdin")
	cmd.MarkFlagRequired("queue")
	return cmd
}

func dequeueCmd() *cobra.Command {
	var (
		queueName  string
		timeoutS   float64
		consumerID string
	)
	cmd := &cobra.Command{
		Use: "dequeue",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()

			claim, err := rel.Dequeue(ctx, queueName, dequeue.Options{
				TimeoutS:   timeoutS,
				ConsumerID: consumerID,
			})
			if err != nil {
				return err
			}
			if claim == nil {
				fmt.Println("no message available")
				return nil
			}
			printJSON(claim)
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "", "Queue name")
	cmd.Flags().Float64Var(&timeoutS, "timeout", 0, "Long-poll timeout in seconds (0 = return immediately)")
	cmd.Flags().StringVar(&consumerID, "consumer", "relayd-cli", "Consumer identifier recorded on the claim")
	cmd.MarkFlagRequired("queue")
	return cmd
}

func ackCmd() *cobra.Command {
	var id, token string
	cmd := &cobra.Command{
		Use: "ack",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()

			msg, err := rel.AckMessage(ctx, id, token)
			if err != nil {
				return err
			}
			printJSON(msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Message id")
	cmd.Flags().StringVar(&token, "token", "", "Lock token presented at dequeue")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("token")
	return cmd
}

func nackCmd() *cobra.Command {
	var id, token, reason string
	cmd := &cobra.Command{
		Use: "nack",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()

			msg, deadLettered, err := rel.NackMessage(ctx, id, token, reason)
			if err != nil {
				return err
			}
			printJSON(map[string]interface{}{"message": msg, "dead_lettered": deadLettered})
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Message id")
	cmd.Flags().StringVar(&token, "token", "", "Lock token presented at dequeue")
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason recorded on the message")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("token")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use: "health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			ctx := context.Background()
			rel, closer, err := buildRelay(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer closer()

			if err := rel.Health(ctx); err != nil {
				return fmt.Errorf("unhealthy: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}
