package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/youbridge/internal/chatmode"
	"github.com/xkilldash9x/youbridge/internal/config"
	"github.com/xkilldash9x/youbridge/internal/observability"
	"github.com/xkilldash9x/youbridge/internal/provider"
	"github.com/xkilldash9x/youbridge/internal/store"
)

type askOptions struct {
	identity   string
	model      string
	stream     bool
	customMode bool
	ephemeral  bool
}

func newAskCmd() *cobra.Command {
	opts := &askOptions{}
	askCmd := &cobra.Command{
		Use:   "ask [prompt...]",
		Short: "Run one completion and write the answer to stdout",
		Long: `Runs a single completion through a validated session. The prompt words are
joined with spaces and sent as one user message. Ctrl+C cancels the request.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, opts, strings.Join(args, " "))
		},
	}

	askCmd.Flags().StringVarP(&opts.identity, "identity", "i", "", "identity to use (default: first valid identity)")
	askCmd.Flags().StringVarP(&opts.model, "model", "m", "gpt_4o", "upstream model name")
	askCmd.Flags().BoolVarP(&opts.stream, "stream", "s", false, "print tokens as they arrive")
	askCmd.Flags().BoolVar(&opts.customMode, "custom-mode", false, "use a dedicated chat mode for the identity and model")
	askCmd.Flags().BoolVar(&opts.ephemeral, "ephemeral", false, "keep chat mode bindings in memory only")
	return askCmd
}

func runAsk(cmd *cobra.Command, opts *askOptions, prompt string) error {
	ctx := cmd.Context()
	logger := observability.GetLogger()

	cfg, err := configFromContext(ctx)
	if err != nil {
		return err
	}
	storeCfg := cfg.Store
	if opts.ephemeral {
		storeCfg = config.StoreConfig{Driver: config.StoreDriverMemory}
	}

	bindings, closeStore, err := store.Open(ctx, storeCfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open chat mode store: %w", err)
	}
	defer closeStore()

	pool, report, err := startPool(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stopPool(ctx, pool, logger)

	identity := opts.identity
	if identity == "" {
		valid := pool.ValidIdentities()
		if len(valid) == 0 {
			return fmt.Errorf("%w (%d configured)", errNoValidSessions, len(report.Results))
		}
		identity = valid[0]
	}

	registry := chatmode.NewRegistry(pool, bindings, logger)
	prov := provider.New(pool, registry, cfg.Provider, logger)

	completion, err := prov.Complete(ctx, provider.CompletionRequest{
		Identity:      identity,
		Messages:      []provider.Message{{Role: "user", Content: prompt}},
		Stream:        opts.stream,
		Model:         opts.model,
		UseCustomMode: opts.customMode,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for ev := range completion.Events() {
		switch ev.Kind {
		case provider.EventCompletion:
			fmt.Fprint(out, ev.Text)
		case provider.EventError:
			fmt.Fprintln(out)
			return ev.Err
		}
	}
	fmt.Fprintln(out)

	if completion.State() == provider.StateCancelled {
		logger.Info("Completion cancelled.", zap.String("trace_id", completion.TraceID()))
		if err := ctx.Err(); err != nil {
			return err
		}
		return context.Canceled
	}
	return nil
}
