package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remedyhq/remedy/internal/api"
	"github.com/remedyhq/remedy/internal/daemon"
	"github.com/remedyhq/remedy/internal/sweeper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event-ingestion API server and expiry sweeper",
	Long: `Run the HTTP API server in the foreground, together with the
background sweeper that expires stale sessions.

Use 'remedy serve start' to run it as a background daemon instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server as a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

// pidFile returns the PID file manager for the serve daemon.
func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "remedy-serve.pid"))
}

// serveLogPath returns the daemon log file path.
func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "remedy-serve.log")
}

// serveRun runs the API server and sweeper in the foreground until a
// shutdown signal arrives.
func serveRun(ctx context.Context) error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	defer closeDeps()

	pf := pidFile()
	if err := os.MkdirAll(filepath.Dir(pf.Path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := pf.Write(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer func() { _ = pf.Remove() }()

	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	interval := viper.GetDuration("sweeper.interval")
	sw := sweeper.New(dataStore, mgr, logger, interval)
	go sw.Run(ctx)

	srv := api.NewServer(dataStore, mgr, getLLM())
	addr := fmt.Sprintf(":%d", viper.GetInt("port"))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		ui.Info("Serving API at http://localhost%s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	ui.Info("Server stopped")
	return nil
}

// serveStartRun daemonizes the server by re-executing 'remedy serve' detached
// from the current terminal.
func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	child := exec.Command(exe, "serve", "--port", fmt.Sprintf("%d", viper.GetInt("port")))
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if dryRun {
		ui.DryRunMsg("Would start daemon: %s serve", exe)
		return nil
	}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ui.Success("Server started (pid %d), logs at %s", child.Process.Pid, serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, err := pf.Read()
	if err != nil {
		return fmt.Errorf("server not running (no PID file at %s)", pf.Path)
	}

	if _, running := pf.IsRunning(); !running {
		_ = pf.Remove()
		return fmt.Errorf("server not running (stale PID %d removed)", pid)
	}

	if dryRun {
		ui.DryRunMsg("Would stop server (pid %d)", pid)
		return nil
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	// The daemon removes its own PID file on clean shutdown; give it a
	// moment, then clean up if it did not.
	alive := true
	for i := 0; i < 20; i++ {
		if _, alive = pf.IsRunning(); !alive {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if alive {
		_ = pf.Signal(sigKILL())
	}
	_ = pf.Remove()

	ui.Success("Server stopped (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	if _, err := pf.Read(); err != nil {
		ui.Info("Server: not running")
		return nil
	}

	if pid, running := pf.IsRunning(); running {
		ui.Info("Server: running (pid %d, port %d)", pid, viper.GetInt("port"))
	} else {
		ui.Info("Server: not running (stale PID file at %s)", pf.Path)
	}
	return nil
}
