package service

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"github.com/zeebo/blake3"

	"github.com/dtroode/didkeeper/internal/logger"
	"github.com/dtroode/didkeeper/internal/model"
)

const (
	backupPrefix    = "vault/"
	backupLatestKey = "vault/latest"
	maxBackupSize   = 16 << 20
)

// Backup writes content-addressed vault snapshots to object storage. When a
// recipient is configured, snapshots are additionally age-encrypted.
type Backup struct {
	storage    model.ObjectStorage
	recipients []age.Recipient
	identities []age.Identity
	logger     *logger.Logger
}

// NewBackup creates a backup writer. recipient and identity are age X25519
// strings and may be empty.
func NewBackup(storage model.ObjectStorage, recipient, identity string, logger *logger.Logger) (*Backup, error) {
	b := &Backup{storage: storage, logger: logger}
	if recipient != "" {
		r, err := age.ParseX25519Recipient(strings.TrimSpace(recipient))
		if err != nil {
			return nil, fmt.Errorf("failed to parse backup recipient: %w", err)
		}
		b.recipients = []age.Recipient{r}
	}
	if identity != "" {
		id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
		if err != nil {
			return nil, fmt.Errorf("failed to parse backup identity: %w", err)
		}
		b.identities = []age.Identity{id}
	}
	return b, nil
}

// BackupKey is the object key of a snapshot of raw.
func BackupKey(raw []byte) string {
	sum := blake3.Sum256(raw)
	return backupPrefix + hex.EncodeToString(sum[:]) + ".bin"
}

// Snapshot stores raw unless an identical snapshot exists, and points
// vault/latest at it. It returns the snapshot key and whether the upload
// was skipped.
func (b *Backup) Snapshot(ctx context.Context, raw []byte) (string, bool, error) {
	key := BackupKey(raw)

	exists, err := b.storage.Exists(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%w: failed to check backup: %w", model.ErrNetwork, err)
	}
	if !exists {
		body, err := b.seal(raw)
		if err != nil {
			return "", false, err
		}
		if err := b.storage.Upload(ctx, key, bytes.NewReader(body)); err != nil {
			return "", false, fmt.Errorf("%w: failed to upload backup: %w", model.ErrNetwork, err)
		}
	}
	if err := b.storage.Upload(ctx, backupLatestKey, strings.NewReader(key)); err != nil {
		return "", false, fmt.Errorf("%w: failed to update latest backup: %w", model.ErrNetwork, err)
	}

	b.logger.Info("Backup service: snapshot stored", "key", key, "skipped", exists)
	return key, exists, nil
}

// Fetch downloads the snapshot stored under key, or the latest one when key
// is empty.
func (b *Backup) Fetch(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		latest, err := b.download(ctx, backupLatestKey)
		if err != nil {
			return nil, err
		}
		key = strings.TrimSpace(string(latest))
	}
	if !strings.HasPrefix(key, backupPrefix) {
		return nil, fmt.Errorf("%w: %q is not a vault backup", model.ErrInvalidArgument, key)
	}

	body, err := b.download(ctx, key)
	if err != nil {
		return nil, err
	}
	raw, err := b.open(body)
	if err != nil {
		return nil, err
	}
	if BackupKey(raw) != key {
		return nil, fmt.Errorf("%w: backup %s does not match its digest", model.ErrInvalidArgument, key)
	}
	return raw, nil
}

func (b *Backup) download(ctx context.Context, key string) ([]byte, error) {
	rc, err := b.storage.Download(ctx, key)
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("%w: backup %s", model.ErrVaultNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to download backup: %w", model.ErrNetwork, err)
	}
	defer rc.Close()

	body, err := io.ReadAll(io.LimitReader(rc, maxBackupSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read backup: %w", model.ErrNetwork, err)
	}
	return body, nil
}

func (b *Backup) seal(raw []byte) ([]byte, error) {
	if len(b.recipients) == 0 {
		return raw, nil
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, b.recipients...)
	if err != nil {
		return nil, fmt.Errorf("failed to start backup encryption: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to encrypt backup: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish backup encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *Backup) open(body []byte) ([]byte, error) {
	if !bytes.HasPrefix(body, []byte("age-encryption.org/")) {
		return body, nil
	}
	if len(b.identities) == 0 {
		return nil, fmt.Errorf("%w: backup is encrypted and no identity is configured", model.ErrInvalidArgument)
	}
	r, err := age.Decrypt(bytes.NewReader(body), b.identities...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt backup: %w", model.ErrInvalidArgument, err)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted backup: %w", err)
	}
	return raw, nil
}
