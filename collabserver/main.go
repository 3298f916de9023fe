package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/bringyour/collab/collab"
	"github.com/bringyour/collab/collab/server"
)

const DefaultPort = 8080

const LocalVersion = "0.0.0-local"

func main() {
	usage := fmt.Sprintf(
		`Collab reference server.

Serves doc provisioning, auth tokens, and websocket sync for in-memory docs.

Usage:
    collabserver serve [--port=<port>] [--config=<config>] [--public_url=<public_url>]
        [--admin_addr=<admin_addr>] [--verbosity=<level>]
    collabserver -h | --help
    collabserver --version

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    -p --port=<port>             Listen port. Overrides the config [default: %d].
    --config=<config>            YAML settings file.
    --public_url=<public_url>    ws base url handed out in auth tokens. Overrides the config.
    --admin_addr=<admin_addr>    Admin api listen address. "none" disables [default: %s].
    --verbosity=<level>          Log verbosity [default: 0].`,
		DefaultPort,
		DefaultAdminAddr,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	initGlog(opts)

	config := &Config{}
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config, err = LoadConfig(configPath)
		if err != nil {
			fmt.Printf("%s\n", err)
			os.Exit(1)
		}
	}
	if port, err := opts.Int("--port"); err == nil && (config.Port == 0 || port != DefaultPort) {
		config.Port = port
	}
	if publicUrl, err := opts.String("--public_url"); err == nil && publicUrl != "" {
		config.PublicUrl = publicUrl
	}

	settings, err := config.Settings()
	if err != nil {
		fmt.Printf("%s\n", err)
		os.Exit(1)
	}

	event := collab.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	collabServer := server.New(ctx, settings)
	defer collabServer.Close()

	if adminAddr, _ := opts.String("--admin_addr"); adminAddr != "" && adminAddr != "none" {
		adminApi, err := startAdminApi(
			AdminApiOptions{Addr: adminAddr},
			collabServer,
			func(err error) {
				event.Set()
			},
		)
		if err != nil {
			fmt.Printf("%s\n", err)
			os.Exit(1)
		}
		defer adminApi.stop()
	}

	router := mux.NewRouter()
	router.Handle("/status", &Status{})
	router.PathPrefix("/doc/").Handler(collabServer)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: router,
	}

	fmt.Printf(
		"Collab server %s on *:%d\n",
		RequireVersion(),
		config.Port,
	)

	go func() {
		defer event.Set()
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	glog.Flush()
}

// glog reads its settings from the standard flag set
func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if level, err := opts.String("--verbosity"); err == nil {
		flag.Set("v", level)
	}
}

type Status struct {
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version string `json:"version,omitempty"`
		Status  string `json:"status"`
		Host    string `json:"host"`
	}

	result := &StatusResult{
		Version: RequireVersion(),
		Status:  "ok",
		Host:    RequireHost(),
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func Host() (string, error) {
	host := os.Getenv("COLLAB_HOST")
	if host != "" {
		return host, nil
	}
	host, err := os.Hostname()
	if err == nil {
		return host, nil
	}
	return "", errors.New("COLLAB_HOST not set")
}

func RequireHost() string {
	host, err := Host()
	if err != nil {
		panic(err)
	}
	return host
}

func RequireVersion() string {
	if version := os.Getenv("COLLAB_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
