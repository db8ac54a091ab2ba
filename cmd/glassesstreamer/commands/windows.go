package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"text/tabwriter"

	"github.com/bryanchriswhite/GlassesStreamer/internal/window"
	"github.com/spf13/cobra"
)

var windowsCmd = &cobra.Command{
	Use:   "windows",
	Short: "List X11 windows",
	Long: `List the top-level X11 windows and mark the ones matching the
capture.window_title pattern.

Use this to check which mirroring window the x11 backend will capture and
where it sits on screen while calibrating the region.`,
	Example: `  # List windows in table format (default)
  glassesstreamer windows

  # List windows in JSON format
  glassesstreamer windows --format json

  # Show only matching windows
  glassesstreamer windows --matched`,
	RunE: runWindows,
}

var (
	windowsFormat  string
	windowsMatched bool
)

func init() {
	rootCmd.AddCommand(windowsCmd)

	windowsCmd.Flags().StringVarP(&windowsFormat, "format", "f", "table", "output format (table or json)")
	windowsCmd.Flags().BoolVarP(&windowsMatched, "matched", "m", false, "show only windows matching the title pattern")
}

func runWindows(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	pattern, err := regexp.Compile(cfg.Capture.WindowTitle)
	if err != nil {
		return fmt.Errorf("invalid capture.window_title: %w", err)
	}

	finder, err := window.NewFinder(cfg.Capture.X11Display)
	if err != nil {
		return fmt.Errorf("failed to connect to X11: %w", err)
	}
	defer finder.Close()

	windows, err := finder.ListWindows()
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}
	windows = window.Mark(windows, pattern)

	if windowsMatched {
		filtered := make([]window.Info, 0)
		for _, w := range windows {
			if w.Matched {
				filtered = append(filtered, w)
			}
		}
		windows = filtered
	}

	// Output in requested format
	switch windowsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(windows)
	case "table":
		printWindowsTable(windows)
		if best, err := window.Best(windows, pattern); err == nil {
			fmt.Printf("\nCapture target: %s\n", best)
		} else {
			fmt.Printf("\nNo window matches %q\n", cfg.Capture.WindowTitle)
		}
		return nil
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", windowsFormat)
	}
}

func printWindowsTable(windows []window.Info) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tTITLE\tCLASS\tPID\tGEOMETRY\tMATCH")
	fmt.Fprintln(w, "--\t-----\t-----\t---\t--------\t-----")

	for _, win := range windows {
		match := "No"
		if win.Matched {
			match = "Yes"
		}
		g := win.Geometry
		fmt.Fprintf(w, "0x%x\t%s\t%s\t%d\t%dx%d+%d+%d\t%s\n",
			win.ID, win.Title, win.Class, win.PID, g.Width, g.Height, g.X, g.Y, match)
	}
}
