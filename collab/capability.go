package collab

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"
	"github.com/golang/glog"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// whether local offline persistence is usable
type CapabilityDecision struct {
	Enabled bool
	// set when not enabled
	Reason string
}

type CapabilitySettings struct {
	// durable local storage root. Empty means no local storage engine is present.
	StateDir string
}

func DefaultCapabilitySettings() *CapabilitySettings {
	stateDir := ""
	if cacheDir, err := os.UserCacheDir(); err == nil {
		stateDir = filepath.Join(cacheDir, "collab")
	}
	return &CapabilitySettings{
		StateDir: stateDir,
	}
}

// CapabilityProbe computes the offline persistence decision once and shares it
// with every caller, including callers that arrive while the probe is running.
type CapabilityProbe struct {
	settings *CapabilitySettings

	// replaced in tests
	probe func() CapabilityDecision

	mutex    sync.Mutex
	decision *future[CapabilityDecision]
}

func NewCapabilityProbe(settings *CapabilitySettings) *CapabilityProbe {
	capabilityProbe := &CapabilityProbe{
		settings: settings,
	}
	capabilityProbe.probe = capabilityProbe.run
	return capabilityProbe
}

// never fails. A probe that cannot complete is a negative decision.
func (self *CapabilityProbe) Decision(ctx context.Context) CapabilityDecision {
	decision := func() *future[CapabilityDecision] {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if self.decision == nil {
			self.decision = newFuture[CapabilityDecision]()
			go func() {
				var decision CapabilityDecision
				if r := HandleError(func() {
					decision = self.probe()
				}); r != nil {
					decision = CapabilityDecision{
						Reason: fmt.Sprintf("probe failed: %s", r),
					}
				}
				if !decision.Enabled {
					glog.Infof("[cap]offline persistence disabled: %s\n", decision.Reason)
				}
				self.decision.resolve(decision, nil)
			}()
		}
		return self.decision
	}()

	result, err := decision.Wait(ctx)
	if err != nil {
		return CapabilityDecision{
			Reason: fmt.Sprintf("probe interrupted: %s", err),
		}
	}
	return result
}

func (self *CapabilityProbe) run() CapabilityDecision {
	stateDir := self.settings.StateDir
	if stateDir == "" {
		return CapabilityDecision{Reason: "no local storage directory"}
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return CapabilityDecision{Reason: fmt.Sprintf("local storage unavailable: %s", err)}
	}

	// the offline store seals payloads to a generated device key
	if _, err := age.GenerateX25519Identity(); err != nil {
		return CapabilityDecision{Reason: fmt.Sprintf("key generation unavailable: %s", err)}
	}

	if err := probeLocalStore(stateDir); err != nil {
		return CapabilityDecision{Reason: fmt.Sprintf("local store probe failed: %s", err)}
	}

	return CapabilityDecision{Enabled: true}
}

// open a transient store, confirm it answers, then best-effort delete it
func probeLocalStore(stateDir string) (returnErr error) {
	path := filepath.Join(stateDir, fmt.Sprintf("probe-%s.db", NewId()))
	defer func() {
		// cleanup failures are ignored
		for _, suffix := range []string{"", "-journal", "-wal", "-shm"} {
			os.Remove(path + suffix)
		}
	}()

	conn, err := sqlite.OpenConn(path, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil && returnErr == nil {
			returnErr = err
		}
	}()

	answered := false
	err = sqlitex.ExecuteTransient(conn, "SELECT 1", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			answered = stmt.ColumnInt(0) == 1
			return nil
		},
	})
	if err != nil {
		return err
	}
	if !answered {
		return errors.New("store did not answer")
	}
	return nil
}
