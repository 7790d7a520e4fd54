package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/tutu-network/peerd/internal/daemon"
	"github.com/tutu-network/peerd/internal/domain"
	"github.com/tutu-network/peerd/internal/infra/peerfile"
	"github.com/tutu-network/peerd/internal/infra/sqlite"
)

func init() {
	peersCmd.Flags().StringVar(&peersStatus, "status", "", "Only show peers with this status")
	rootCmd.AddCommand(peersCmd)
}

var peersStatus string

var peersCmd = &cobra.Command{
	Use:     "peers",
	Aliases: []string{"ls"},
	Short:   "List known peers and their last recorded status",
	Args:    cobra.NoArgs,
	RunE:    runPeers,
}

// peerRow is one line of `peerd peers`. Status is empty when the journal
// has never seen the peer.
type peerRow struct {
	IP          netip.Addr
	Status      string
	LastAlive   time.Time
	LastFailure time.Time
}

func runPeers(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	rows, err := loadPeerRows(cfg.Node.PeersFile, daemon.Home())
	if err != nil {
		return err
	}
	if peersStatus != "" {
		want, err := domain.ParsePeerStatus(peersStatus)
		if err != nil {
			return err
		}
		rows = filterRows(rows, want.String())
	}

	if len(rows) == 0 {
		fmt.Println("No known peers. Add target_peers to config.toml or POST /api/peers.")
		return nil
	}
	return printPeers(os.Stdout, rows)
}

// loadPeerRows merges the peer file with the status journal under home.
// The journal is optional and is never created here.
func loadPeerRows(peersFile, home string) ([]peerRow, error) {
	ips, skipped, err := peerfile.Read(peersFile)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, s := range skipped {
		fmt.Fprintf(os.Stderr, "warning: skipping malformed peer entry %q\n", s)
	}

	journaled := map[netip.Addr]domain.PeerInfo{}
	if _, err := os.Stat(filepath.Join(home, "state.db")); err == nil {
		db, err := sqlite.Open(home)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		defer db.Close()
		infos, err := db.ListPeers()
		if err != nil {
			return nil, err
		}
		for _, p := range infos {
			journaled[p.IP] = p
		}
	}

	seen := mapset.NewThreadUnsafeSet[netip.Addr]()
	rows := make([]peerRow, 0, len(ips)+len(journaled))
	add := func(ip netip.Addr) {
		if !seen.Add(ip) {
			return
		}
		row := peerRow{IP: ip}
		if p, ok := journaled[ip]; ok {
			row.Status = p.Status.String()
			row.LastAlive = p.LastAlive
			row.LastFailure = p.LastFailure
		}
		rows = append(rows, row)
	}
	for _, ip := range ips {
		add(ip)
	}
	for ip := range journaled {
		add(ip)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].IP.Less(rows[j].IP) })
	return rows, nil
}

func filterRows(rows []peerRow, status string) []peerRow {
	out := rows[:0]
	for _, r := range rows {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

func printPeers(w io.Writer, rows []peerRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "IP\tLAST ALIVE\tLAST FAILURE\tSTATUS")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			r.IP,
			formatStamp(r.LastAlive),
			formatStamp(r.LastFailure),
			colorStatus(r.Status),
		)
	}
	return tw.Flush()
}

func formatStamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// colorStatus is applied to the last column only so ANSI codes do not skew
// tabwriter alignment.
func colorStatus(status string) string {
	switch status {
	case "":
		return color.New(color.Faint).Sprint("unknown")
	case domain.PeerOutAlive.String(), domain.PeerInAlive.String():
		return color.GreenString(status)
	case domain.PeerBanned.String():
		return color.RedString(status)
	case domain.PeerIdle.String():
		return status
	default:
		return color.YellowString(status)
	}
}
