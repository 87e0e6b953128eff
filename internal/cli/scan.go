package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maestro-llm/maestro/internal/config"
	"github.com/maestro-llm/maestro/internal/registry"
)

func init() {
	scanCmd.Flags().StringVar(&scanPath, "path", "", "Model directory to scan (overrides config)")
	rootCmd.AddCommand(scanCmd)
}

var scanPath string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the model directory and update the registry",
	RunE:  runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if scanPath != "" {
		cfg.ScanPath = scanPath
	}

	reg, err := registry.Load(cfg.RegistryPath())
	if err != nil {
		reg = registry.New(cfg.RegistryPath(), cfg.ScanPath, cfg.PortRange, cfg.TierThresholds)
	} else {
		reg.SetScanPath(cfg.ScanPath)
	}

	n, err := reg.Scan()
	if err != nil {
		return err
	}

	fmt.Printf("Discovered %d model(s) under %s\n\n", n, cfg.ScanPath)
	fmt.Printf("%-40s %-10s %-8s %6s %8s\n", "MODEL", "TIER", "QUANT", "PORT", "ENABLED")
	for _, m := range reg.List() {
		fmt.Printf("%-40s %-10s %-8s %6d %8v\n",
			m.ModelID, m.EffectiveTier(), m.Quantization, m.Port, m.Enabled)
	}
	return nil
}
