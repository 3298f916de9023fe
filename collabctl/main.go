package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/sanity-io/litter"
	"golang.org/x/term"

	"github.com/bringyour/collab/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultOrigin = "http://localhost:8080"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collab control.

The default origin is %s.
The default state dir is the user cache dir.

Usage:
    collabctl export [--origin=<origin>] [--state_dir=<state_dir>] [--timeout=<timeout>]
        [--dump] [--verbosity=<level>] <doc_id>
    collabctl append [--origin=<origin>] [--state_dir=<state_dir>] [--timeout=<timeout>]
        [--verbosity=<level>] <doc_id> <text>...
    collabctl watch [--origin=<origin>] [--state_dir=<state_dir>] [--verbosity=<level>] <doc_id>
    collabctl shell [--origin=<origin>] [--state_dir=<state_dir>] [--verbosity=<level>] <doc_id>
    collabctl forget [--state_dir=<state_dir>] <doc_id>
    collabctl probe [--state_dir=<state_dir>]
    collabctl -h | --help
    collabctl --version

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --origin=<origin>          Collaboration service origin.
    --state_dir=<state_dir>    Offline store location. "none" disables offline support.
    --timeout=<timeout>        Sync timeout [default: 10s].
    --dump                     Dump the session snapshot and updates.
    --verbosity=<level>        Log verbosity [default: 0].`,
		DefaultOrigin,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	initGlog(opts)
	defer glog.Flush()

	if export_, _ := opts.Bool("export"); export_ {
		export(opts)
	} else if append_, _ := opts.Bool("append"); append_ {
		appendText(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if shell_, _ := opts.Bool("shell"); shell_ {
		shell(opts)
	} else if forget_, _ := opts.Bool("forget"); forget_ {
		forget(opts)
	} else if probe_, _ := opts.Bool("probe"); probe_ {
		probe(opts)
	}
}

// glog reads its settings from the standard flag set
func initGlog(opts docopt.Opts) {
	flag.Set("logtostderr", "true")
	if level, err := opts.String("--verbosity"); err == nil {
		flag.Set("v", level)
	}
}

func runtimeSettings(opts docopt.Opts) *collab.RuntimeSettings {
	settings := collab.DefaultRuntimeSettings()
	if stateDir, err := opts.String("--state_dir"); err == nil && stateDir != "" {
		if stateDir == "none" {
			settings.CapabilitySettings.StateDir = ""
		} else {
			settings.CapabilitySettings.StateDir = stateDir
		}
	}
	return settings
}

func origin(opts docopt.Opts) string {
	if origin, err := opts.String("--origin"); err == nil && origin != "" {
		return origin
	}
	return DefaultOrigin
}

func timeout(opts docopt.Opts) time.Duration {
	timeoutStr, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutStr)
	if err != nil {
		Err.Fatalf("Invalid timeout (%s).", err)
	}
	return timeout
}

// a detached session for the doc. The caller closes the returned func.
func newSession(ctx context.Context, opts docopt.Opts) (*collab.Session, func()) {
	docId, _ := opts.String("<doc_id>")

	runtime := collab.NewRuntime(ctx, runtimeSettings(opts))
	factory, err := collab.NewProviderFactory(runtime, origin(opts))
	if err != nil {
		runtime.Close()
		Err.Fatalf("%s", err)
	}

	session := collab.NewSession(factory, docId, true)
	return session, func() {
		session.Destroy()
		runtime.Close()
	}
}

// an attached session for the doc. The caller closes the returned func.
func attach(ctx context.Context, opts docopt.Opts) (*collab.Session, *collab.Doc, func()) {
	session, closeSession := newSession(ctx, opts)

	result, err := session.Attach(ctx, collab.NewDocMap())
	if err != nil {
		closeSession()
		Err.Fatalf("Could not attach %s (%s).", session.Snapshot().DocId, err)
	}

	return session, result.Doc, closeSession
}

func awaitSynced(session *collab.Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeoutCause(context.Background(), timeout, collab.ErrSyncTimeout)
	defer cancel()
	return session.AwaitSynced(ctx)
}

// print the doc content, one update per line
func export(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, doc, closeSession := attach(ctx, opts)
	defer closeSession()

	if err := awaitSynced(session, timeout(opts)); err != nil {
		snapshot := session.Snapshot()
		if !snapshot.Hydrated {
			Err.Fatalf("Not synced (%s).", err)
		}
		// the local cache is still a consistent replica
		Err.Printf("Not synced (%s). Exporting the local replica.", err)
	}

	if dump, _ := opts.Bool("--dump"); dump {
		litter.Config.HidePrivateFields = false
		Out.Printf("%s", litter.Sdump(session.Snapshot()))
		Out.Printf("%s", litter.Sdump(doc.Updates()))
		return
	}

	for _, update := range doc.Updates() {
		Out.Printf("%s\t%s", update.Id, update.Data)
	}
	Out.Printf("checksum %s", doc.Checksum())
}

// add one update per text and wait for the server to acknowledge them
func appendText(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session, doc, closeSession := attach(ctx, opts)
	defer closeSession()

	syncTimeout := timeout(opts)
	if err := awaitSynced(session, syncTimeout); err != nil {
		Err.Fatalf("Not synced (%s).", err)
	}

	texts, _ := opts["<text>"].([]string)
	for _, text := range texts {
		update := doc.Insert([]byte(text))
		Out.Printf("%s", update.Id)
	}

	if err := awaitSynced(session, syncTimeout); err != nil {
		Err.Fatalf("Not acknowledged (%s).", err)
	}
	Out.Printf("checksum %s", doc.Checksum())
}

// print session changes and remote updates until interrupted
func watch(opts docopt.Opts) {
	event := collab.NewEvent()
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	session, doc, closeSession := attach(ctx, opts)
	defer closeSession()

	interactive := term.IsTerminal(int(os.Stdout.Fd()))

	printStatus := func() {
		snapshot := session.Snapshot()
		status := fmt.Sprintf(
			"%s epoch=%d status=%s hydrated=%t synced=%t cache=%t updates=%d",
			snapshot.DocId,
			snapshot.DocEpoch,
			snapshot.ConnectionStatus,
			snapshot.Hydrated,
			snapshot.Synced,
			snapshot.LocalCacheHydrated,
			doc.Len(),
		)
		if interactive {
			// redraw the status line in place
			fmt.Printf("\r\033[K%s", status)
		} else {
			Out.Printf("%s", status)
		}
	}

	unsubscribeSession := session.Subscribe(printStatus)
	defer unsubscribeSession()
	unsubscribeDoc := doc.OnUpdate(func(update *collab.Update, origin collab.Origin) {
		if interactive {
			fmt.Printf("\r\033[K")
		}
		Out.Printf("%s %s\t%s", origin, update.Id, update.Data)
		printStatus()
	})
	defer unsubscribeDoc()

	printStatus()
	<-ctx.Done()
	if interactive {
		fmt.Printf("\n")
	}
}

// drop the offline replica of a doc. The server copy is not affected.
func forget(opts docopt.Opts) {
	docId, _ := opts.String("<doc_id>")
	stateDir := runtimeSettings(opts).CapabilitySettings.StateDir
	if stateDir == "" {
		Err.Fatalf("Offline support is disabled. Nothing to forget.")
	}

	if err := forgetDoc(stateDir, docId); err != nil {
		Err.Fatalf("Could not forget %s (%s).", docId, err)
	}
	Out.Printf("forgot %s", docId)
}

func forgetDoc(stateDir string, docId string) error {
	localStore, err := collab.OpenLocalStoreWithDefaults(stateDir)
	if err != nil {
		return err
	}
	defer localStore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return localStore.Clear(ctx, docId)
}

func probe(opts docopt.Opts) {
	settings := runtimeSettings(opts)
	capabilityProbe := collab.NewCapabilityProbe(settings.CapabilitySettings)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	decision := capabilityProbe.Decision(ctx)
	if decision.Enabled {
		Out.Printf("offline support enabled (%s)", settings.CapabilitySettings.StateDir)
		return
	}
	Out.Printf("offline support disabled (%s)", decision.Reason)
	os.Exit(1)
}
