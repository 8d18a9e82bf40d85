package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tOgg1/elastic/internal/config"
	"github.com/tOgg1/elastic/internal/logging"
	"github.com/tOgg1/elastic/internal/membership"
	"github.com/tOgg1/elastic/internal/models"
	"github.com/tOgg1/elastic/internal/ssh"
)

var (
	remoteHost string
	remotePort int

	pushFile  string
	pushDir   string
	pushName  string
	pushPerms string

	nodesCluster string
)

// newCommandRunner builds the transport used by exec, push and nodes.
var newCommandRunner = func(cfg *config.Config, port int) membership.CommandRunner {
	return ssh.NewRunner(cfg.TransportConfig(), cfg.Credentials(), port,
		ssh.WithLogger(logging.Component("ssh")),
		ssh.WithPassphrasePrompt(ssh.TerminalPassphrasePrompt),
	)
}

func init() {
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(nodesCmd)

	for _, cmd := range []*cobra.Command{execCmd, pushCmd, nodesCmd} {
		cmd.Flags().StringVar(&remoteHost, "host", "", "remote host (default: coordinator from context)")
		cmd.Flags().IntVar(&remotePort, "port", 0, "ssh port (default: context or ssh.port)")
	}

	pushCmd.Flags().StringVar(&pushFile, "file", "", "local file to push (- for stdin)")
	pushCmd.Flags().StringVar(&pushDir, "dir", "", "remote directory")
	pushCmd.Flags().StringVar(&pushName, "name", "", "remote file name (default: base name of --file)")
	pushCmd.Flags().StringVar(&pushPerms, "perms", "644", "remote file permissions (octal)")
	_ = pushCmd.MarkFlagRequired("file")
	_ = pushCmd.MarkFlagRequired("dir")

	nodesCmd.Flags().StringVar(&nodesCluster, "cluster", "", "cluster id shown in output (default: context)")
}

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- COMMAND...",
	Short: "Run a privileged command on a remote host",
	Long: `Run a command on a remote host with the configured privilege prefix.

Output is streamed back once the command finishes and elastic exits with the
remote exit status.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, port, err := resolveRemote()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runner := newCommandRunner(GetConfig(), port)
		result, err := runner.Run(ctx, host, strings.Join(args, " "))
		if IsJSONOutput() {
			payload := map[string]any{"host": host, "status": result.Status, "output": result.Output}
			if err != nil {
				payload["error"] = err.Error()
			}
			if werr := writeJSON(cmd.OutOrStdout(), payload); werr != nil {
				return werr
			}
		} else {
			fmt.Fprint(cmd.OutOrStdout(), result.Output)
		}
		if err != nil {
			return err
		}
		if result.Status != ssh.StatusSuccess {
			return &ExitError{Code: result.Status}
		}
		return nil
	},
}

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Copy a small file to a remote host",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, port, err := resolveRemote()
		if err != nil {
			return err
		}

		var data []byte
		if pushFile == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(pushFile)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", pushFile, err)
		}

		name := pushName
		if name == "" {
			if pushFile == "-" {
				return fmt.Errorf("--name is required when reading from stdin")
			}
			name = filepath.Base(pushFile)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		runner := newCommandRunner(GetConfig(), port)
		if err := runner.Push(ctx, host, data, pushDir, name, pushPerms); err != nil {
			return err
		}

		target := pushDir + "/" + name
		if IsJSONOutput() {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"host": host, "path": target, "bytes": len(data)})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pushed %d bytes to %s:%s\n", len(data), host, target)
		return nil
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List the workers a coordinator reports active",
	RunE: func(cmd *cobra.Command, args []string) error {
		host, port, err := resolveRemote()
		if err != nil {
			return err
		}
		clusterID := nodesCluster
		if clusterID == "" {
			if ctx, err := contextStore().Load(); err == nil {
				clusterID = ctx.ClusterID
			}
		}

		cfg := GetConfig()
		remote := membership.NewRemote(newCommandRunner(cfg, port), cfg.RemoteConfig(),
			membership.WithLogger(logging.Component("membership")))
		active, err := remote.ActiveNodes(cmd.Context(), &models.ClusterRoute{ClusterID: clusterID, CoordinatorAddress: host})
		if err != nil {
			return err
		}

		if IsJSONOutput() {
			return writeJSON(cmd.OutOrStdout(), map[string]any{"cluster_id": clusterID, "coordinator": host, "active": active})
		}
		if len(active) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), render(mutedStyle, "No active nodes"))
			return nil
		}
		rows := make([][]string, 0, len(active))
		for _, name := range active {
			rows = append(rows, []string{name})
		}
		return writeTable(cmd.OutOrStdout(), []string{"NODE"}, rows)
	},
}

// resolveRemote picks the target host and port from flags, then the CLI
// context.
func resolveRemote() (string, int, error) {
	host := remoteHost
	port := remotePort

	if host == "" {
		cliCtx, err := contextStore().Load()
		if err != nil {
			return "", 0, err
		}
		host = cliCtx.Coordinator
		if port == 0 {
			port = cliCtx.Port
		}
	}
	if strings.TrimSpace(host) == "" {
		return "", 0, fmt.Errorf("no host given: pass --host or run 'elastic context set --coordinator HOST'")
	}
	return host, port, nil
}
