package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tutu-network/peerd/internal/app/controller"
	"github.com/tutu-network/peerd/internal/daemon"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running controller's summary",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	if !cfg.API.Enabled {
		return fmt.Errorf("status API is disabled in %s", daemon.ConfigPath())
	}

	host := cfg.API.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	base := "http://" + net.JoinHostPort(host, fmt.Sprint(cfg.API.Port))

	st, err := fetchStatus(&http.Client{Timeout: 5 * time.Second}, base)
	if err != nil {
		return fmt.Errorf("is peerd running? %w", err)
	}
	printStatus(os.Stdout, st)
	return nil
}

func fetchStatus(client *http.Client, base string) (controller.Stats, error) {
	var st controller.Stats
	resp, err := client.Get(base + "/api/status")
	if err != nil {
		return st, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return st, fmt.Errorf("status API returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return st, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

func printStatus(w io.Writer, st controller.Stats) {
	fmt.Fprintf(w, "Listening: %s\n", st.Listen)
	fmt.Fprintf(w, "Known:     %d\n", st.Known)
	fmt.Fprintf(w, "Good:      %s\n", color.GreenString("%d", st.Good))
	fmt.Fprintf(w, "Incoming:  %d\n", st.Incoming)
	fmt.Fprintf(w, "Flushes:   %d (dirty: %t)\n", st.Flushes, st.Dirty)
	if st.Poisoned {
		fmt.Fprintln(w, color.RedString("Registry:  POISONED"))
	}

	names := make([]string, 0, len(st.ByStatus))
	for name := range st.ByStatus {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-16s %d\n", name, st.ByStatus[name])
	}
}
