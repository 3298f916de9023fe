package collab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const localStoreDbName = "collab.db"
const localStoreKeyName = "device.key"

type LocalStoreSettings struct {
	PoolSize int
}

func DefaultLocalStoreSettings() *LocalStoreSettings {
	return &LocalStoreSettings{
		PoolSize: 4,
	}
}

// LocalStore is the offline replica cache. Every update a provider sees is
// persisted here, sealed to a device key, and replayed into the doc before the
// provider dials so an offline replica is usable without a server round trip.
type LocalStore struct {
	stateDir string
	pool     *sqlitex.Pool
	identity *age.X25519Identity
}

func OpenLocalStoreWithDefaults(stateDir string) (*LocalStore, error) {
	return OpenLocalStore(stateDir, DefaultLocalStoreSettings())
}

func OpenLocalStore(stateDir string, settings *LocalStoreSettings) (*LocalStore, error) {
	if stateDir == "" {
		return nil, errors.New("local store: state dir is required")
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("local store: %w", err)
	}

	identity, err := loadOrCreateIdentity(filepath.Join(stateDir, localStoreKeyName))
	if err != nil {
		return nil, fmt.Errorf("local store: device key: %w", err)
	}

	path := filepath.Join(stateDir, localStoreDbName)
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    settings.PoolSize,
		PrepareConn: prepareLocalStoreConn,
	})
	if err != nil {
		return nil, fmt.Errorf("local store: opening %s: %w", path, err)
	}

	return &LocalStore{
		stateDir: stateDir,
		pool:     pool,
		identity: identity,
	}, nil
}

func prepareLocalStoreConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("local store: %s: %w", pragma, err)
		}
	}

	schema := `CREATE TABLE IF NOT EXISTS updates (
	doc_id TEXT NOT NULL,
	id BLOB NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (doc_id, id)
)`
	return sqlitex.ExecuteTransient(conn, schema, nil)
}

func loadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	keyBytes, err := os.ReadFile(path)
	if err == nil {
		return age.ParseX25519Identity(strings.TrimSpace(string(keyBytes)))
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(identity.String()+"\n"), 0o600); err != nil {
		return nil, err
	}
	return identity, nil
}

func (self *LocalStore) StateDir() string {
	return self.stateDir
}

func (self *LocalStore) seal(data []byte) ([]byte, error) {
	out := &bytes.Buffer{}
	w, err := age.Encrypt(out, self.identity.Recipient())
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (self *LocalStore) open(sealed []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), self.identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func (self *LocalStore) Put(ctx context.Context, docId string, update *Update) error {
	sealed, err := self.seal(update.Data)
	if err != nil {
		return fmt.Errorf("local store: seal: %w", err)
	}

	conn, err := self.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("local store: take: %w", err)
	}
	defer self.pool.Put(conn)

	return sqlitex.Execute(
		conn,
		"INSERT OR IGNORE INTO updates (doc_id, id, data) VALUES (?, ?, ?)",
		&sqlitex.ExecOptions{
			Args: []any{docId, update.Id.Bytes(), sealed},
		},
	)
}

// updates in id order
func (self *LocalStore) Load(ctx context.Context, docId string) ([]*Update, error) {
	conn, err := self.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("local store: take: %w", err)
	}
	defer self.pool.Put(conn)

	updates := []*Update{}
	err = sqlitex.Execute(
		conn,
		"SELECT id, data FROM updates WHERE doc_id = ? ORDER BY id",
		&sqlitex.ExecOptions{
			Args: []any{docId},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				idBytes := make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, idBytes)
				id, err := IdFromBytes(idBytes)
				if err != nil {
					return err
				}
				sealed := make([]byte, stmt.ColumnLen(1))
				stmt.ColumnBytes(1, sealed)
				data, err := self.open(sealed)
				if err != nil {
					return fmt.Errorf("open %s: %w", id, err)
				}
				updates = append(updates, &Update{
					Id:   id,
					Data: data,
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("local store: load %s: %w", docId, err)
	}
	return updates, nil
}

func (self *LocalStore) Clear(ctx context.Context, docId string) error {
	conn, err := self.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("local store: take: %w", err)
	}
	defer self.pool.Put(conn)

	return sqlitex.Execute(
		conn,
		"DELETE FROM updates WHERE doc_id = ?",
		&sqlitex.ExecOptions{
			Args: []any{docId},
		},
	)
}

func (self *LocalStore) Close() error {
	return self.pool.Close()
}
