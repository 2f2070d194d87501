package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/audit"
	"github.com/xela07ax/waygate/internal/credentials"
	"github.com/xela07ax/waygate/internal/engine"
	"github.com/xela07ax/waygate/internal/infra"
	"github.com/xela07ax/waygate/internal/infra/auth"
	"github.com/xela07ax/waygate/internal/policy"
	"github.com/xela07ax/waygate/internal/repository/postgres"
	"github.com/xela07ax/waygate/internal/repository/sqlite"
)

func stdioCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stdio",
		Short: "Read newline-delimited JSON commands from stdin, write responses to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, err := engine.Build(ctx, cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return fmt.Errorf("build gateway: %w", err)
			}
			defer func() { _ = g.Close() }()
			g.Start(ctx)

			err = engine.ServeStdio(ctx, g.Router, os.Stdin, os.Stdout, logger)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rules", Short: "Egress rule file tools"}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate an egress rule file without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := policy.FileSource(args[0]).LoadRules(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tENABLED\tDOMAINS\tPROTOCOLS\tRPM\tBURST")
			for _, r := range rules {
				fmt.Fprintf(w, "%s\t%t\t%v\t%v\t%d\t%d\n", r.Name, r.Enabled, r.Domains, r.Protocols,
					r.RateLimit.RequestsPerMinute, r.RateLimit.Burst)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d rule(s) OK\n", len(rules))
			return nil
		},
	})
	return cmd
}

func pluginsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plugins", Short: "Plugin registry tools"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Load the configured plugin directory and print every handler with its status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			g, err := engine.Build(cmd.Context(), cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer func() { _ = g.Close() }()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSOURCE\tSTATUS\tVERSION\tCAPABILITIES\tERROR")
			for _, d := range g.Registry.Descriptors() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n", d.Name, d.Source, d.Status, d.Version, d.Capabilities, d.Error)
			}
			return w.Flush()
		},
	})
	return cmd
}

// auditLister — персистентный sink, из которого можно читать
type auditLister interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Record, error)
	Close() error
}

func openAuditLister(db infra.DatabaseConfig) (auditLister, error) {
	switch db.Driver {
	case "sqlite":
		return sqlite.NewAuditRepo(db.URL)
	case "postgres":
		return postgres.NewAuditRepo(db.URL, int(db.MaxConns))
	}
	return nil, errors.New("no persistent audit sink configured (database.driver is empty)")
}

func auditCmd() *cobra.Command {
	var (
		format, kind, decision, since, out string
		compress, verify                   bool
		limit                              int
	)
	cmd := &cobra.Command{Use: "audit", Short: "Audit log tools"}
	export := &cobra.Command{
		Use:   "export",
		Short: "Export audit records from the persistent sink as JSONL or CBOR",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			f, err := audit.ParseFormat(format)
			if err != nil {
				return err
			}
			filter := audit.Filter{Kind: audit.Kind(kind), Decision: audit.Decision(decision), Limit: limit}
			if since != "" {
				if filter.Since, err = time.Parse(time.RFC3339, since); err != nil {
					return fmt.Errorf("--since: %w", err)
				}
			}

			repo, err := openAuditLister(cfg.Database)
			if err != nil {
				return err
			}
			defer repo.Close()
			records, err := repo.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if verify {
				if err := audit.VerifyChain(records); err != nil {
					return fmt.Errorf("audit chain broken: %w", err)
				}
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" && out != "-" {
				file, err := os.Create(out)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			return audit.Export(w, records, f, compress)
		},
	}
	export.Flags().StringVar(&format, "format", "jsonl", "jsonl or cbor")
	export.Flags().BoolVar(&compress, "zstd", false, "compress the stream with zstd")
	export.Flags().StringVar(&kind, "kind", "", "command or egress")
	export.Flags().StringVar(&decision, "decision", "", "allowed, denied or error")
	export.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	export.Flags().IntVar(&limit, "limit", 0, "last N records, 0 for all")
	export.Flags().StringVarP(&out, "output", "o", "-", "output file")
	export.Flags().BoolVar(&verify, "verify", false, "verify the hash chain before export (full, unfiltered exports only)")
	cmd.AddCommand(export)
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		clientID string
		scopes   []string
		ttl      time.Duration
	)
	cmd := &cobra.Command{Use: "token", Short: "API credentials for gateway clients"}
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Mint an HS256 API token signed with WAYGATE_SECRET_KEY",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := auth.IssueToken(cfg.Auth.SecretKey, clientID, scopes, ttl, time.Now())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(tok)
		},
	}
	issue.Flags().StringVar(&clientID, "client", "", "client id (required)")
	issue.Flags().StringSliceVar(&scopes, "scope", []string{"execute"}, "execute, egress, admin")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = issue.MarkFlagRequired("client")

	hashKey := &cobra.Command{
		Use:   "hash-key <api-key>",
		Short: "Print the bcrypt hash for auth.api_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := setup()
			if err != nil {
				return err
			}
			h, err := auth.HashAPIKey(args[0], cfg.Auth.BcryptCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), h)
			return nil
		},
	}
	cmd.AddCommand(issue, hashKey)
	return cmd
}

func credentialsCmd() *cobra.Command {
	var (
		recipients []string
		out        string
	)
	cmd := &cobra.Command{Use: "credentials", Short: "Credential file tools"}
	seal := &cobra.Command{
		Use:   "seal <credentials.yaml>",
		Short: "Encrypt a credential file for the given age recipients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plain, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			sealed, err := credentials.Seal(plain, recipients)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(sealed)
				return err
			}
			return os.WriteFile(out, sealed, 0o600)
		},
	}
	seal.Flags().StringSliceVarP(&recipients, "recipient", "r", nil, "age recipient (age1...), repeatable")
	seal.Flags().StringVarP(&out, "output", "o", "-", "output file")
	_ = seal.MarkFlagRequired("recipient")
	cmd.AddCommand(seal)
	return cmd
}

// signalCmd рассылает сигнал перезагрузки всем инстансам через Redis
func signalCmd() *cobra.Command {
	targets := map[string]string{
		"rules":       infra.RedisChanRulesReload,
		"plugins":     infra.RedisChanPluginsReload,
		"credentials": infra.RedisChanCredentialsRotate,
	}
	return &cobra.Command{
		Use:       "signal <rules|plugins|credentials>",
		Short:     "Ask every running gateway to reload rules, plugins or credentials",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"rules", "plugins", "credentials"},
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, ok := targets[args[0]]
			if !ok {
				return fmt.Errorf("unknown signal target %q", args[0])
			}
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return errors.New("redis.addr is not configured")
			}
			rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			defer rdb.Close()

			n, err := engine.Signal(cmd.Context(), rdb, channel)
			if err != nil {
				return err
			}
			logger.Info("signal published", zap.String("chan", channel), zap.Int64("receivers", n))
			return nil
		},
	}
}
