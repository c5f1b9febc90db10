package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"drivedb-go/internal/app"
	"drivedb-go/internal/config"
	"drivedb-go/internal/model"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp() (*app.App, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults["config_path"])
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	a, err := app.NewApp(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

var rootCmd = &cobra.Command{
	Use:   "drivedb",
	Short: "Local mirror of a remote cloud drive tree",
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults["base_dir"])

		if err := config.Init(defaults["config_path"], cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults["config_path"])
		fmt.Printf("Base Dir: %s\n", defaults["base_dir"])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg, err := config.ReadFromFile(defaults["config_path"])
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		fmt.Printf("Configuration from %s:\n\n", defaults["config_path"])
		fmt.Printf("Base Dir:        %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:         %s\n", cfg.LogDir)
		fmt.Printf("Data Dir:        %s\n", cfg.Database.DataDir)
		fmt.Printf("Sync Roots:      %v\n", cfg.Sync.Roots)
		fmt.Printf("Split Threshold: %d\n", cfg.Sync.SplitThreshold)
		fmt.Printf("Vault:           %s (%s)\n", cfg.Vault.Name, cfg.Vault.Type)
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate snapshot encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		passphrase, err := resolvePassphrase(cmd)
		if err != nil {
			return err
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.SetupEncryption(passphrase); err != nil {
			return err
		}

		fmt.Println("Encryption keys generated.")
		return nil
	},
}

// resolvePassphrase reads the passphrase from the --passphrase flag, the
// DRIVEDB_PASSPHRASE environment variable, or one line on stdin.
func resolvePassphrase(cmd *cobra.Command) (string, error) {
	if p, _ := cmd.Flags().GetString("passphrase"); p != "" {
		return p, nil
	}
	if p := os.Getenv("DRIVEDB_PASSPHRASE"); p != "" {
		return p, nil
	}
	fmt.Fprint(os.Stderr, "Passphrase: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// stat command
var statCmd = &cobra.Command{
	Use:   "stat ID",
	Short: "Show a mirrored node with its subtree counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid node id %q", args[0])
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		info, err := a.Stat(cmd.Context(), id)
		if err != nil {
			return err
		}

		kind := "file"
		if info.Node.IsDir {
			kind = "dir"
		}
		state := "alive"
		if !info.Node.IsAlive {
			state = "removed"
		}
		fmt.Printf("%s  %s  %s  (%s)\n", kind, args[0], info.Path, state)
		fmt.Printf("  size:  %d\n", info.Node.Size)
		fmt.Printf("  mtime: %s\n", time.Unix(info.Node.Mtime, 0).UTC().Format("2006-01-02 15:04:05"))
		if info.Aggregate != nil {
			fmt.Printf("  children: %d dirs, %d files\n", info.Aggregate.ChildDirs, info.Aggregate.ChildFiles)
			fmt.Printf("  subtree:  %d dirs, %d files\n", info.Aggregate.TreeDirs, info.Aggregate.TreeFiles)
		}
		if len(info.ChildIDs) > 0 {
			fmt.Printf("  child ids: %v\n", info.ChildIDs)
		}
		return nil
	},
}

// events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the most recent change events",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		nodeID, _ := cmd.Flags().GetInt64("node")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		st := a.Store()
		var events []model.ChangeEvent
		if nodeID != 0 {
			events, err = st.EventsForNode(cmd.Context(), nodeID)
		} else {
			events, err = st.RecentEvents(cmd.Context(), limit)
		}
		if err != nil {
			return err
		}

		if len(events) == 0 {
			fmt.Println("No change events recorded.")
			return nil
		}

		for _, e := range events {
			fmt.Printf("#%d  %s  node=%d  [%s]  %s\n",
				e.Seq,
				e.CreatedAt.Format("2006-01-02 15:04:05"),
				e.NodeID,
				strings.Join(e.Ops, ","),
				e.Diff,
			)
		}
		return nil
	},
}

// runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "View sync run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.Store().SyncRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}

		if len(runs) == 0 {
			fmt.Println("No sync runs recorded.")
			return nil
		}

		for _, r := range runs {
			duration := ""
			if r.FinishedAt != nil {
				d := r.FinishedAt.Sub(r.StartedAt)
				duration = d.Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %s  %s  %-8s  +%d -%d  %s\n",
				r.ID,
				r.RunID[:8],
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				r.Upserted,
				r.Removed,
				duration,
			)
		}
		return nil
	},
}

// archive command
var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Snapshot the mirror database into the vault",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := a.Archive(cmd.Context())
		if err != nil {
			return fmt.Errorf("archiving snapshot: %w", err)
		}

		fmt.Printf("Snapshot archived as %s\n", key)
		return nil
	},
}

// snapshots command
var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List archived snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		keys, err := a.Snapshots(cmd.Context())
		if err != nil {
			return err
		}

		if len(keys) == 0 {
			fmt.Println("No snapshots archived.")
			return nil
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

// snapshots fetch command
var snapshotsFetchCmd = &cobra.Command{
	Use:   "fetch KEY",
	Short: "Download an archived snapshot from the vault",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]

		out, _ := cmd.Flags().GetString("out")
		if out == "" {
			out = strings.TrimSuffix(filepath.Base(key), ".age")
		}

		var passphrase string
		if strings.HasSuffix(key, ".age") {
			p, err := resolvePassphrase(cmd)
			if err != nil {
				return err
			}
			passphrase = p
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.FetchSnapshot(cmd.Context(), key, out, passphrase); err != nil {
			return err
		}

		fmt.Printf("Snapshot written to %s\n", out)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)
	configKeysCmd.Flags().String("passphrase", "", "Passphrase protecting the private key")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.Flags().IntP("limit", "n", 50, "Maximum number of events to show")
	eventsCmd.Flags().Int64("node", 0, "Show events for a single node id, oldest first")
	rootCmd.AddCommand(runsCmd)
	runsCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsFetchCmd)
	snapshotsFetchCmd.Flags().String("out", "", "Destination path (default: key name in the current directory)")
	snapshotsFetchCmd.Flags().String("passphrase", "", "Passphrase unlocking the private key")
}
