package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/waygate/internal/engine"
	"github.com/xela07ax/waygate/internal/infra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "waygate",
		Short:         "Waygate: policy-enforcing gateway between AI agents and the outside world",
		Version:       engine.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default: ./config.yaml or ./configs/config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(stdioCmd())
	root.AddCommand(rulesCmd())
	root.AddCommand(pluginsCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(credentialsCmd())
	root.AddCommand(signalCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "waygate:", err)
		os.Exit(1)
	}
}

// setup — конфиг и логгер, общие для всех подкоманд
func setup() (*infra.Config, *zap.Logger, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
