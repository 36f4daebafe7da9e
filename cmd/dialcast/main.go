package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dialcast/dialcast/internal/api"
	"github.com/dialcast/dialcast/internal/config"
	"github.com/dialcast/dialcast/internal/dialer"
	sipua "github.com/dialcast/dialcast/internal/sip"
)

// Exit codes.
const (
	exitOK           = 0
	exitConfig       = 2
	exitRegistration = 3
	exitInternal     = 4
)

const usage = `usage: dialcast <command> [flags]

commands:
  run      start the dialer daemon
  stop     stop a running daemon
  status   print the daemon's status
  dial     place one ad-hoc test call

run 'dialcast <command> -h' for command flags
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return exitConfig
	}

	switch args[0] {
	case "run":
		return runDaemon(args[1:])
	case "stop":
		return runStop(args[1:])
	case "status":
		return runStatus(args[1:])
	case "dial":
		return runDial(args[1:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		return exitConfig
	}
}

// runDaemon starts the engine and the control API and blocks until a
// signal or a shutdown request.
func runDaemon(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}
	if err := cfg.ValidateForDial(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitConfig
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting dialcast",
		"http_port", cfg.HTTPPort,
		"sip_server", cfg.SIP.Server,
		"data_dir", cfg.DataDir,
	)

	engine, err := dialer.NewEngine(cfg, logger)
	if err != nil {
		slog.Error("failed to build engine", "error", err)
		return exitInternal
	}

	appCtx, appCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer appCancel()

	if err := engine.Start(appCtx); err != nil {
		if errors.Is(err, sipua.ErrRegistrationRejected) {
			slog.Error("pbx rejected registration, check sip credentials", "error", err)
			engine.Stop()
			return exitRegistration
		}
		slog.Error("failed to start engine", "error", err)
		engine.Stop()
		return exitInternal
	}

	handler := api.NewServer(engine, appCancel, logger)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("control api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	code := exitOK
	select {
	case <-appCtx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("control api failed", "error", err)
		code = exitInternal
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("control api shutdown failed", "error", err)
	}
	engine.Stop()

	slog.Info("dialcast stopped")
	return code
}

// controlFlags parses the flags shared by the client subcommands.
func controlFlags(name string, args []string) (*flag.FlagSet, *string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "control API address of the running daemon")
	err := fs.Parse(args)
	return fs, addr, err
}

func runStop(args []string) int {
	_, addr, err := controlFlags("stop", args)
	if err != nil {
		return exitConfig
	}
	var resp map[string]string
	if code := callControl(http.MethodPost, *addr+"/api/shutdown", nil, &resp); code != exitOK {
		return code
	}
	fmt.Println("daemon stopping")
	return exitOK
}

func runStatus(args []string) int {
	_, addr, err := controlFlags("status", args)
	if err != nil {
		return exitConfig
	}
	var status json.RawMessage
	if code := callControl(http.MethodGet, *addr+"/api/status", nil, &status); code != exitOK {
		return code
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, status, "", "  "); err != nil {
		fmt.Println(string(status))
		return exitOK
	}
	fmt.Println(pretty.String())
	return exitOK
}

func runDial(args []string) int {
	fs := flag.NewFlagSet("dial", flag.ContinueOnError)
	addr := fs.String("addr", "http://127.0.0.1:8080", "control API address of the running daemon")
	to := fs.String("to", "", "destination phone number in E.164 form")
	flowID := fs.Int64("flow", 0, "published IVR flow id to run after answer (optional)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *to == "" {
		fmt.Fprintln(os.Stderr, "error: -to is required")
		return exitConfig
	}

	body, _ := json.Marshal(map[string]any{"to": *to, "flow_id": *flowID})
	var resp struct {
		CallID string `json:"call_id"`
	}
	if code := callControl(http.MethodPost, *addr+"/api/dial", body, &resp); code != exitOK {
		return code
	}
	fmt.Printf("call started: %s\n", resp.CallID)
	return exitOK
}

// callControl performs one request against the daemon's control API and
// decodes the response envelope's data field into out.
func callControl(method, url string, body []byte, out any) int {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitInternal
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon at %s: %v\n", url, err)
		return exitInternal
	}
	defer res.Body.Close()

	var env struct {
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
	}
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid response from daemon: %v\n", err)
		return exitInternal
	}
	if res.StatusCode >= 400 {
		msg := env.Error
		if msg == "" {
			msg = res.Status
		}
		fmt.Fprintf(os.Stderr, "error: %s\n", msg)
		return exitInternal
	}

	if out != nil && env.Data != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid response from daemon: %v\n", err)
			return exitInternal
		}
	}
	return exitOK
}
