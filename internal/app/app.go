// Package app is the application layer between the CLI and the sync engine.
// It constructs all dependencies from config, exposes high-level operations,
// and manages the database lifecycle on Close.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"drivedb-go/internal/config"
	"drivedb-go/internal/encryption"
	"drivedb-go/internal/model"
	"drivedb-go/internal/remote"
	"drivedb-go/internal/store"
	"drivedb-go/internal/syncer"
	"drivedb-go/internal/vault"
)

// App wires the store, vault and encryptor together for one CLI invocation.
// The caller must call Close when done.
type App struct {
	cfg       *config.Config
	store     *store.Store
	vault     vault.Vault
	encryptor encryption.Encryptor
	logger    *slogAdapter
	logFile   *os.File
	clock     Clock
	idgen     IDGenerator
	runID     string
	mutated   bool
}

// NewApp creates a fully wired App from the given config.
func NewApp(cfg *config.Config) (*App, error) {
	v, err := vault.NewVaultFromConfig(context.Background(), cfg.Vault)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}

	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}

	if err := os.MkdirAll(cfg.Database.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.Open(filepath.Join(cfg.Database.DataDir, "drivedb.db"))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	idgen := UUIDGenerator{}
	runID := idgen.New()
	logger, logFile, err := newLogger(cfg.LogDir, runID)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating logger: %w", err)
	}

	return &App{
		cfg:       cfg,
		store:     st,
		vault:     v,
		encryptor: enc,
		logger:    &slogAdapter{l: logger},
		logFile:   logFile,
		clock:     RealClock{},
		idgen:     idgen,
		runID:     runID,
	}, nil
}

// Store exposes the underlying store for read-only CLI queries.
func (a *App) Store() *store.Store { return a.store }

// Sync reconciles the configured roots (or the given override) against the
// remote source and records the run in the sync_run table.
func (a *App) Sync(ctx context.Context, src remote.Source, roots []int64) (*syncer.Report, error) {
	if len(roots) == 0 {
		roots = a.cfg.Sync.Roots
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("no sync roots configured")
	}

	rowID, err := a.store.CreateSyncRun(ctx, a.idgen.New())
	if err != nil {
		return nil, fmt.Errorf("recording sync run: %w", err)
	}
	a.mutated = true

	orch := syncer.New(a.store, src, a.logger, syncer.Options{
		SplitThreshold: a.cfg.Sync.SplitThreshold,
		ProbeTimeout:   time.Duration(a.cfg.Sync.ProbeTimeoutMS) * time.Millisecond,
		ProbeWorkers:   a.cfg.Sync.ProbeWorkers,
		PageSize:       a.cfg.Sync.PageSize,
		Cooldown:       time.Duration(a.cfg.Sync.CooldownMS) * time.Millisecond,
		FullRefresh:    a.cfg.Sync.FullRefresh,
	})

	report, runErr := orch.Run(ctx, roots)

	status := "done"
	if runErr != nil {
		status = "failed"
	}
	var upserted, removed int64
	if report != nil {
		upserted, removed = int64(report.Upserted), int64(report.Removed)
	}
	if err := a.store.FinishSyncRun(ctx, rowID, status, upserted, removed); err != nil {
		a.logger.Error("finishing sync run record", "error", err)
	}

	if runErr != nil {
		return report, fmt.Errorf("sync run: %w", runErr)
	}
	return report, nil
}

// Ingest applies live change events from the feed until the feed closes or
// the context is cancelled. Each event goes through the same transactional
// write path as a pull, so the changelog and aggregates stay consistent.
func (a *App) Ingest(ctx context.Context, feed remote.EventFeed) error {
	events, err := feed.Events(ctx)
	if err != nil {
		return fmt.Errorf("opening event feed: %w", err)
	}
	a.mutated = true

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := a.applyEvent(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (a *App) applyEvent(ctx context.Context, ev remote.Event) error {
	if ev.Removed {
		if err := a.store.Kill(ctx, []int64{ev.Item.ID}); err != nil {
			return fmt.Errorf("applying removal event for %d: %w", ev.Item.ID, err)
		}
		return nil
	}
	n := model.Node{
		ID:        ev.Item.ID,
		ParentID:  ev.Item.ParentID,
		Name:      ev.Item.Name,
		Size:      ev.Item.Size,
		IsDir:     ev.Item.IsDir,
		Type:      ev.Item.Type,
		Hash:      ev.Item.Hash,
		Token:     ev.Item.Token,
		Ctime:     ev.Item.Ctime,
		Mtime:     ev.Item.Mtime,
		IsCollect: ev.Item.IsCollected,
		IsAlive:   true,
	}
	if err := a.store.Upsert(ctx, []model.Node{n}); err != nil {
		return fmt.Errorf("applying change event for %d: %w", ev.Item.ID, err)
	}
	return nil
}

// NodeInfo is the stat view of one mirrored node.
type NodeInfo struct {
	Node      model.Node
	Aggregate *model.DirAggregate // nil for files
	ChildIDs  []int64             // alive direct children, nil for files
	Path      string
}

// Stat returns the mirrored node, its directory aggregate (when it is a
// directory) and its reconstructed path.
func (a *App) Stat(ctx context.Context, id int64) (*NodeInfo, error) {
	node, err := a.store.Node(ctx, id)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("node %d not mirrored", id)
	}

	info := &NodeInfo{Node: *node}
	if node.IsDir {
		agg, err := a.store.Aggregate(ctx, id)
		if err != nil {
			return nil, err
		}
		info.Aggregate = agg
		children, err := a.store.ChildIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		info.ChildIDs = children
	}

	chain, err := a.store.AncestorChain(ctx, id)
	if err != nil {
		return nil, err
	}
	// chain is node→root; reassemble root→node.
	path := ""
	for i := len(chain) - 1; i >= 0; i-- {
		path += "/" + chain[i].Name
	}
	info.Path = path
	return info, nil
}

// SetupEncryption generates the snapshot encryption key pair, protecting the
// private half with the passphrase. Refuses to overwrite existing keys.
func (a *App) SetupEncryption(passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}
	if a.encryptor.IsConfigured() {
		return fmt.Errorf("encryption keys already exist")
	}
	if err := a.encryptor.Setup(passphrase); err != nil {
		return fmt.Errorf("generating encryption keys: %w", err)
	}
	return nil
}

// FetchSnapshot downloads the snapshot stored under key and writes it to
// destPath. Keys ending in .age are decrypted with the private key, unlocked
// by the passphrase. The download lands in a sibling temp file so destPath
// never holds a partial snapshot.
func (a *App) FetchSnapshot(ctx context.Context, key, destPath, passphrase string) error {
	tmpPath := destPath + ".partial"
	defer os.Remove(tmpPath)

	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	if err := a.vault.GetSnapshot(ctx, key, out); err != nil {
		out.Close()
		return fmt.Errorf("fetching snapshot %s: %w", key, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	if !strings.HasSuffix(key, ".age") {
		if err := os.Rename(tmpPath, destPath); err != nil {
			return fmt.Errorf("placing snapshot: %w", err)
		}
		a.logger.Info("snapshot fetched", "key", key, "dest", destPath)
		return nil
	}

	if passphrase == "" {
		return fmt.Errorf("snapshot %s is encrypted and needs a passphrase", key)
	}
	dc, err := a.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking private key: %w", err)
	}
	if err := a.decryptFile(dc, tmpPath, destPath); err != nil {
		return err
	}
	a.logger.Info("snapshot fetched", "key", key, "dest", destPath)
	return nil
}

func (a *App) decryptFile(dc encryption.DecryptionContext, srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening encrypted snapshot: %w", err)
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating decrypted snapshot: %w", err)
	}
	defer dest.Close()

	if err := dc.Decrypt(src, dest); err != nil {
		return fmt.Errorf("decrypting snapshot: %w", err)
	}
	return dest.Close()
}

// Snapshots lists the snapshot keys currently stored in the vault.
func (a *App) Snapshots(ctx context.Context) ([]string, error) {
	return a.vault.ListSnapshots(ctx)
}

// Archive snapshots the database, encrypts the snapshot when an encryptor is
// configured, and stores it in the vault. It returns the snapshot key.
func (a *App) Archive(ctx context.Context) (string, error) {
	tmpFile, err := os.CreateTemp("", "drivedb-snapshot-*.db")
	if err != nil {
		return "", fmt.Errorf("creating temp file for snapshot: %w", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	os.Remove(tmpPath) // VACUUM INTO requires the destination not to exist
	defer os.Remove(tmpPath)

	if err := a.store.SnapshotTo(tmpPath); err != nil {
		return "", fmt.Errorf("snapshotting database: %w", err)
	}

	key := fmt.Sprintf("%s-%s.db", a.clock.Now().UTC().Format("20060102T150405Z"), a.runID)
	uploadPath := tmpPath

	if a.encryptor.IsConfigured() {
		if _, ok := a.encryptor.(*encryption.NoneEncryptor); !ok {
			encPath := tmpPath + ".age"
			if err := a.encryptFile(tmpPath, encPath); err != nil {
				return "", err
			}
			defer os.Remove(encPath)
			uploadPath = encPath
			key += ".age"
		}
	}

	f, err := os.Open(uploadPath)
	if err != nil {
		return "", fmt.Errorf("opening snapshot for upload: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	if err := a.vault.PutSnapshot(ctx, key, f, fi.Size()); err != nil {
		return "", fmt.Errorf("uploading snapshot to vault: %w", err)
	}

	a.logger.Info("snapshot archived", "key", key, "bytes", fi.Size())
	return key, nil
}

func (a *App) encryptFile(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("opening snapshot: %w", err)
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating encrypted snapshot: %w", err)
	}
	defer dest.Close()

	if err := a.encryptor.Encrypt(src, dest); err != nil {
		return fmt.Errorf("encrypting snapshot: %w", err)
	}
	return dest.Close()
}

// Close archives a snapshot if this invocation mutated the mirror, then
// releases all resources.
func (a *App) Close() error {
	var firstErr error

	if a.mutated {
		if _, err := a.Archive(context.Background()); err != nil {
			firstErr = err
		}
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing store: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
