package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/bryanchriswhite/GlassesStreamer/internal/region"
	"github.com/spf13/cobra"
)

var regionCmd = &cobra.Command{
	Use:   "region",
	Short: "Inspect and adjust the capture region",
	Long: `Inspect and adjust the persisted capture region.

Changes are written to the region file. A running server picks them up
through hot reload.`,
}

var regionGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Show the capture region",
	RunE:  runRegionGet,
}

var regionSetCmd = &cobra.Command{
	Use:   "set X Y WIDTH HEIGHT",
	Short: "Replace the capture region",
	Example: `  # Capture a 340x230 area at (40, 330)
  glassesstreamer region set 40 330 340 230`,
	Args: cobra.ExactArgs(4),
	RunE: runRegionSet,
}

var regionNudgeCmd = &cobra.Command{
	Use:   "nudge DX DY",
	Short: "Move the capture region",
	Long: `Move the capture region. Without --step DX and DY are pixels; with
--step they are multiplied by the step size (fine 1, normal 5, fast 10,
turbo 20).`,
	Example: `  # Move 3 pixels left
  glassesstreamer region nudge -- -3 0

  # Move down by one fast step (10 pixels)
  glassesstreamer region nudge 0 1 --step fast`,
	Args: cobra.ExactArgs(2),
	RunE: runRegionNudge,
}

var regionResizeCmd = &cobra.Command{
	Use:   "resize DW DH",
	Short: "Grow or shrink the capture region",
	Args:  cobra.ExactArgs(2),
	RunE:  runRegionResize,
}

var regionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Restore the default capture region",
	RunE:  runRegionReset,
}

var (
	regionStep   string
	regionFormat string
)

func init() {
	rootCmd.AddCommand(regionCmd)
	regionCmd.AddCommand(regionGetCmd)
	regionCmd.AddCommand(regionSetCmd)
	regionCmd.AddCommand(regionNudgeCmd)
	regionCmd.AddCommand(regionResizeCmd)
	regionCmd.AddCommand(regionResetCmd)

	regionCmd.PersistentFlags().StringVarP(&regionFormat, "format", "f", "text", "output format (text or json)")
	regionNudgeCmd.Flags().StringVarP(&regionStep, "step", "s", "", "step size (fine, normal, fast or turbo)")
}

func withStore(fn func(*region.Store) (region.Config, error)) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(configMgr.Get())
	if err != nil {
		return err
	}

	cfg, err := fn(store)
	if err != nil {
		return err
	}
	return printRegion(store.Path(), cfg)
}

func printRegion(path string, cfg region.Config) error {
	switch regionFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	case "text":
		fmt.Printf("Region:  %s\n", cfg.Rect)
		fmt.Printf("Version: %d\n", cfg.Version)
		if !cfg.UpdatedAt.IsZero() {
			fmt.Printf("Updated: %s\n", cfg.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("File:    %s\n", path)
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'text' or 'json')", regionFormat)
	}
}

func parseInts(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, arg := range args {
		n, err := strconv.Atoi(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid number: %s", arg)
		}
		out[i] = n
	}
	return out, nil
}

func runRegionGet(cmd *cobra.Command, args []string) error {
	return withStore(func(s *region.Store) (region.Config, error) {
		return s.Get(), nil
	})
}

func runRegionSet(cmd *cobra.Command, args []string) error {
	n, err := parseInts(args)
	if err != nil {
		return err
	}
	return withStore(func(s *region.Store) (region.Config, error) {
		return s.Set(region.Rectangle{X: n[0], Y: n[1], Width: n[2], Height: n[3]})
	})
}

func runRegionNudge(cmd *cobra.Command, args []string) error {
	n, err := parseInts(args)
	if err != nil {
		return err
	}
	if regionStep == "" {
		return withStore(func(s *region.Store) (region.Config, error) {
			return s.Nudge(n[0], n[1])
		})
	}
	step, err := region.ParseStep(regionStep)
	if err != nil {
		return err
	}
	return withStore(func(s *region.Store) (region.Config, error) {
		return s.NudgeStep(n[0], n[1], step)
	})
}

func runRegionResize(cmd *cobra.Command, args []string) error {
	n, err := parseInts(args)
	if err != nil {
		return err
	}
	return withStore(func(s *region.Store) (region.Config, error) {
		return s.Resize(n[0], n[1])
	})
}

func runRegionReset(cmd *cobra.Command, args []string) error {
	return withStore(func(s *region.Store) (region.Config, error) {
		return s.Reset()
	})
}
