package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/convoflow/internal/config"
	"github.com/nextlevelbuilder/convoflow/internal/store"
)

// batchesCmd groups the operational surface: inspect the queue and drive
// individual batches through their lifecycle by hand.
func batchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Inspect and operate on batches",
	}
	cmd.PersistentFlags().StringVar(&storeKind, "store", "", "storage backend: pg, sqlite, or memory (default: auto from config)")

	cmd.AddCommand(batchesListCmd())
	cmd.AddCommand(batchesGetCmd())
	cmd.AddCommand(batchesClaimCmd())
	cmd.AddCommand(batchesDoneCmd())
	cmd.AddCommand(batchesErrorCmd())
	cmd.AddCommand(batchesCancelCmd())
	return cmd
}

// withStore loads config, opens the configured store, and runs fn with it.
func withStore(fn func(ctx context.Context, st store.BatchStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, st)
}

func printBatch(b *store.Batch) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fmt.Printf("%+v\n", b)
		return
	}
	fmt.Println(string(data))
}

func batchesListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent batches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.BatchStore) error {
				batches, err := st.List(ctx, store.BatchStatus(status), limit)
				if err != nil {
					return fmt.Errorf("list batches: %w", err)
				}
				if len(batches) == 0 {
					fmt.Println("no batches")
					return nil
				}
				for _, b := range batches {
					fmt.Printf("%s  %-10s  v%-3d  %-30s  window_ends=%s\n",
						b.ID, b.Status, b.Version, b.ConversationKey,
						b.WindowEndsAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, processing, done, error, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max batches to list")
	return cmd
}

func batchesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <batch-id>",
		Short: "Show one batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.BatchStore) error {
				b, err := st.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				printBatch(b)
				return nil
			})
		},
	}
}

func batchesClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <batch-id>",
		Short: "Manually claim a pending batch (pending → processing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.BatchStore) error {
				b, err := st.GetByID(ctx, args[0])
				if err != nil {
					return err
				}
				ok, err := st.TryMarkProcessing(ctx, b.ID, b.Version)
				if err != nil {
					return fmt.Errorf("claim: %w", err)
				}
				if !ok {
					return fmt.Errorf("claim lost: batch is not pending at version %d anymore", b.Version)
				}
				slog.Info("batch claimed", "batch", b.ID)
				return nil
			})
		},
	}
}

func batchesDoneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "done <batch-id>",
		Short: "Finalize a processing batch as done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.BatchStore) error {
				if err := st.MarkDone(ctx, args[0]); err != nil {
					return fmt.Errorf("mark done: %w", err)
				}
				slog.Info("batch marked done", "batch", args[0])
				return nil
			})
		},
	}
}

func batchesErrorCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "error <batch-id>",
		Short: "Finalize a processing batch as error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.BatchStore) error {
				if err := st.MarkError(ctx, args[0], message); err != nil {
					return fmt.Errorf("mark error: %w", err)
				}
				slog.Info("batch marked error", "batch", args[0], "message", message)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "manually failed by operator", "error message to record")
	return cmd
}

func batchesCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <conversation-key>",
		Short: "Cancel the pending batch of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, st store.BatchStore) error {
				cancelled, err := st.CancelOpen(ctx, args[0], reason)
				if err != nil {
					return fmt.Errorf("cancel: %w", err)
				}
				if !cancelled {
					fmt.Println("no pending batch to cancel")
					os.Exit(1)
				}
				slog.Info("batch cancelled", "conversation", args[0], "reason", reason)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled by operator", "cancellation reason to record")
	return cmd
}
