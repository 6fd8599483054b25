package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/preacher1045/pdsno/internal/coord"
	"github.com/preacher1045/pdsno/internal/discovery"
	"github.com/preacher1045/pdsno/internal/model"
	"github.com/preacher1045/pdsno/internal/store"
)

// IngestResult reports one delta file.
type IngestResult struct {
	File  string `json:"file"`
	Agent string `json:"agent"`
	discovery.BatchResult
}

// DeviceView is a device in list output.
type DeviceView struct {
	ID        string    `json:"id"`
	MAC       string    `json:"mac"`
	IP        string    `json:"ip,omitempty"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	Missed    int       `json:"missed_cycles,omitempty"`
	Blocked   bool      `json:"blocked,omitempty"`
	LastAgent string    `json:"last_agent,omitempty"`
}

// NewDevicesCommand creates the devices command group.
func NewDevicesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Ingest discovery reports and list known devices",
	}
	cmd.AddCommand(newDevicesIngestCommand(rootOpts))
	cmd.AddCommand(newDevicesListCommand(rootOpts))
	return cmd
}

func newDevicesIngestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <delta-file>...",
		Short: "Apply discovery agent delta files",
		Long: `Apply one or more discovery delta files, in order.

Each file is one agent's report:

  agent: agent-7
  complete: true
  observations:
    - {mac: "aa:bb:cc:dd:ee:01", ip: 10.0.0.1, observed_at: 2026-03-01T12:00:00Z}

Invalid observations are counted and skipped. A complete report closes
the agent's discovery cycle; devices missing from enough consecutive
cycles are marked inactive. Use - to read from stdin.

Example:
  pdsno devices ingest ./reports/agent-7.yaml
  cat report.yaml | pdsno devices ingest -`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesIngest(rootOpts, args, cmd)
		},
	}
}

func runDevicesIngest(opts *RootOptions, files []string, cmd *cobra.Command) error {
	out := formatter(opts, cmd)

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return failOpen(out, err)
	}
	defer a.Close()

	ingestor := a.ingestor()
	results := make([]IngestResult, 0, len(files))
	for _, file := range files {
		batch, err := readBatch(file, cmd.InOrStdin())
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("cannot read %s", file), err)
		}
		out.VerboseLog("Applying %d observation(s) from %s", len(batch.Observations), batch.Agent)
		res, err := ingestor.Ingest(cmd.Context(), batch)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("failed to ingest %s", file), err)
		}
		results = append(results, IngestResult{File: file, Agent: batch.Agent, BatchResult: res})
	}

	return out.Emit(results, func(w io.Writer) {
		for _, r := range results {
			fmt.Fprintf(w, "✓ %s (%s): %d created, %d updated, %d stale, %d rejected\n",
				r.File, r.Agent, r.Created, r.Updated, r.Stale, r.Rejected)
			for _, id := range r.Inactivated {
				fmt.Fprintf(w, "  %s marked inactive\n", id)
			}
		}
	})
}

func readBatch(file string, stdin io.Reader) (discovery.Batch, error) {
	if file == "-" {
		return discovery.ReadBatch(stdin)
	}
	f, err := os.Open(file)
	if err != nil {
		return discovery.Batch{}, err
	}
	defer f.Close()
	return discovery.ReadBatch(f)
}

func newDevicesListCommand(rootOpts *RootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:           "list",
		Short:         "List known devices",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevicesList(rootOpts, status, cmd)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only devices with this status (active|inactive|unreachable|quarantined)")
	return cmd
}

func runDevicesList(opts *RootOptions, status string, cmd *cobra.Command) error {
	out := formatter(opts, cmd)

	var want model.DeviceStatus
	if status != "" {
		s, err := model.ParseDeviceStatus(status)
		if err != nil {
			return out.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("invalid status %q", status), err)
		}
		want = s
	}

	a, err := openApp(opts, cmd.ErrOrStderr())
	if err != nil {
		return failOpen(out, err)
	}
	defer a.Close()

	devices, err := coord.List[model.Device](cmd.Context(), a.coord, store.Devices)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to list devices", err)
	}

	views := make([]DeviceView, 0, len(devices))
	for _, d := range devices {
		if want != model.DeviceStatusUnknown && d.Status != want {
			continue
		}
		views = append(views, DeviceView{
			ID:        d.ID,
			MAC:       d.MAC,
			IP:        d.IP,
			Status:    d.Status.String(),
			LastSeen:  d.LastSeen,
			Missed:    d.MissedCycles,
			Blocked:   d.AutomationBlocked,
			LastAgent: d.OwnerAgent,
		})
	}

	return out.Emit(views, func(w io.Writer) {
		if len(views) == 0 {
			fmt.Fprintln(w, "No devices.")
			return
		}
		for _, v := range views {
			flag := ""
			if v.Blocked {
				flag = " BLOCKED"
			}
			fmt.Fprintf(w, "%-18s %-17s %-15s %-11s last seen %s%s\n",
				v.ID, v.MAC, v.IP, v.Status, v.LastSeen.UTC().Format(time.RFC3339), flag)
		}
	})
}
