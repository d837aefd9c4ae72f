package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/optqueue/dashboard"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the web dashboard",
	Long: `Serve the queue over HTTP with live progress over a WebSocket.

Routes:
  GET    /api/queue             queue contents
  POST   /api/queue/items       add an item (JSON form)
  DELETE /api/queue/items/:id   remove an item
  DELETE /api/queue             clear the queue
  POST   /api/queue/run         start a run
  POST   /api/queue/stop        stop after the current source
  POST   /api/queue/cancel      abort the run
  GET    /api/run/status        latest run status
  GET    /ws                    live events`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var serveAddr string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.watchControl(ctx)

	addr := serveAddr
	if addr == "" {
		addr = cfg.Dashboard.Addr
	}
	srv := dashboard.New(ctx, dashboard.Options{
		Manager:    a.manager,
		Strategies: a.client,
		Status:     a.status,
		Builder:    a.builder,
		Logger:     log,
	})
	return srv.ListenAndServe(ctx, addr)
}
