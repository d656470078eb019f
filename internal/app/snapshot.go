package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filesense/internal/config"
	"filesense/internal/database"
	"filesense/internal/encryption"
	"filesense/internal/fs"
	"filesense/internal/organizer"
	"filesense/internal/vault"
)

// SnapshotName is the vault object holding the ledger snapshot of a host.
func SnapshotName(hostID string) string {
	return "snapshots/" + hostID + ".db"
}

// checkSnapshotVersion refuses to run against a ledger older than the
// snapshot in the vault. Versions are command-run ids.
func checkSnapshotVersion(v organizer.Vault, db *database.SQLiteDatabase, hostID string) error {
	if v == nil {
		return nil
	}
	remote, err := v.ObjectVersion(SnapshotName(hostID))
	if err != nil {
		return fmt.Errorf("checking remote snapshot version: %w", err)
	}
	local, err := db.MaxCommandRunID()
	if err != nil {
		return fmt.Errorf("checking local ledger version: %w", err)
	}
	if remote > local {
		return fmt.Errorf("local ledger is behind the vault snapshot (local=%d, remote=%d): run 'filesense snapshot restore'", local, remote)
	}
	return nil
}

// uploadSnapshot encrypts the snapshot at path when keys are configured and
// uploads it with the given version.
func uploadSnapshot(v organizer.Vault, enc organizer.Encryptor, hostID, path string, version int64) error {
	upload := path
	if enc != nil && enc.IsConfigured() {
		sealed, err := encryptFile(enc, path)
		if err != nil {
			return err
		}
		defer os.Remove(sealed)
		upload = sealed
	}

	f, err := os.Open(upload)
	if err != nil {
		return fmt.Errorf("opening snapshot for upload: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat snapshot: %w", err)
	}
	if err := v.PutObject(SnapshotName(hostID), f, info.Size(), version); err != nil {
		return fmt.Errorf("uploading snapshot to vault: %w", err)
	}
	return nil
}

func encryptFile(enc organizer.Encryptor, path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.CreateTemp("", "filesense-snapshot-*.age")
	if err != nil {
		return "", fmt.Errorf("creating encrypted snapshot: %w", err)
	}
	if err := enc.Encrypt(in, out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return "", fmt.Errorf("encrypting snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("closing encrypted snapshot: %w", err)
	}
	return out.Name(), nil
}

// RestoreSnapshot replaces the local ledger with the vault snapshot.
// The passphrase unlocks the private key when snapshots are encrypted.
// Returns the restored version.
func RestoreSnapshot(ctx context.Context, cfg *config.Config, passphrase string) (int64, error) {
	if cfg.Database.Type != "sqlite" {
		return 0, fmt.Errorf("snapshot restore needs a sqlite database, have %q", cfg.Database.Type)
	}
	if len(cfg.Vaults) == 0 {
		return 0, fmt.Errorf("no vaults configured")
	}

	lock, err := fs.AcquireLock(LockPath(cfg.BaseDir))
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return 0, fmt.Errorf("creating vault: %w", err)
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return 0, fmt.Errorf("creating encryptor: %w", err)
	}

	name := SnapshotName(cfg.HostID)
	version, err := v.ObjectVersion(name)
	if err != nil {
		return 0, fmt.Errorf("checking snapshot version: %w", err)
	}
	if version == 0 {
		return 0, fmt.Errorf("%w: %s", vault.ErrObjectNotFound, name)
	}

	if err := os.MkdirAll(cfg.Database.DataDir, 0o700); err != nil {
		return 0, fmt.Errorf("creating data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.Database.DataDir, cfg.HostID+".db")
	tmp, err := os.CreateTemp(cfg.Database.DataDir, ".restore-*.db")
	if err != nil {
		return 0, fmt.Errorf("creating restore file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := fetchSnapshot(v, enc, name, passphrase, tmp); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing restore file: %w", err)
	}

	// the download must be a usable ledger before it replaces anything
	restored, err := database.NewSQLiteDatabase(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("opening restored ledger: %w", err)
	}
	checkErr := restored.CheckMigrations()
	restored.Close()
	if checkErr != nil {
		return 0, fmt.Errorf("restored ledger is not usable: %w", checkErr)
	}

	if err := os.Rename(tmpPath, dbPath); err != nil {
		return 0, fmt.Errorf("replacing ledger: %w", err)
	}
	return version, nil
}

func fetchSnapshot(v organizer.Vault, enc organizer.Encryptor, name, passphrase string, w io.Writer) error {
	if enc == nil || !enc.IsConfigured() {
		if err := v.GetObject(name, w); err != nil {
			return fmt.Errorf("downloading snapshot: %w", err)
		}
		return nil
	}

	dec, err := enc.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking key: %w", err)
	}
	pr, pw := io.Pipe()
	defer pr.Close()
	go func() {
		pw.CloseWithError(v.GetObject(name, pw))
	}()
	if err := dec.Decrypt(pr, w); err != nil {
		return fmt.Errorf("decrypting snapshot: %w", err)
	}
	return nil
}
