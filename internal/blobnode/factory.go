package blobnode

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"filippo.io/age"

	"bnuystore/internal/config"
)

// NewStoreFromConfig creates a blob store based on the configured type.
func NewStoreFromConfig(ctx context.Context, cfg config.BlobStoreConfig) (Store, error) {
	switch cfg.Type {
	case "disk":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("disk store requires data_dir to be set")
		}
		recipient, identity, err := loadAgeKeys(cfg.RecipientPath, cfg.IdentityPath)
		if err != nil {
			return nil, err
		}
		return NewDiskStore(cfg.DataDir, recipient, identity)
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		return NewS3Store(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown blob store type: %q", cfg.Type)
	}
}

func loadAgeKeys(recipientPath, identityPath string) (age.Recipient, age.Identity, error) {
	if recipientPath == "" && identityPath == "" {
		return nil, nil, nil
	}
	if recipientPath == "" || identityPath == "" {
		return nil, nil, fmt.Errorf("at-rest encryption requires both recipient_path and identity_path")
	}

	recData, err := os.ReadFile(recipientPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading recipient file: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(recData))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing recipient file: %w", err)
	}
	if len(recipients) == 0 {
		return nil, nil, fmt.Errorf("no recipients found in %s", recipientPath)
	}

	idData, err := os.ReadFile(identityPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading identity file: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(idData))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing identity file: %w", err)
	}
	if len(identities) == 0 {
		return nil, nil, fmt.Errorf("no identities found in %s", identityPath)
	}

	return recipients[0], identities[0], nil
}
