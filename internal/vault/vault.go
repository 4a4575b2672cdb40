// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package vault defines the credentials vault's Go-facing contract. The
// vault's own internals (secret storage, rotation, encryption at rest)
// are an external collaborator out of scope here; only an env-backed
// default implementation sufficient for local/dev operation is provided.
package vault

import (
	"fmt"
	"os"
)

// KaggleCredentials is the pair RetrieveKaggle returns.
type KaggleCredentials struct {
	Username string
	Key      string
}

// GoogleCredentials is the pair RetrieveGoogle returns.
type GoogleCredentials struct {
	Email    string
	Password string
}

// Vault is a read-only credentials lookup keyed by accountId, e.g.
// "kaggle-1" or "colab-1" as produced by internal/discovery.
type Vault interface {
	RetrieveKaggle(accountID string) (*KaggleCredentials, error)
	RetrieveGoogle(accountID string) (*GoogleCredentials, error)
}

// ErrNotFound is returned (never as a hard failure - callers log and
// refuse that worker's activation) when no credentials exist for an id.
var ErrNotFound = fmt.Errorf("vault: credentials not found")

// EnvVault resolves credentials from the same numbered environment
// variables Auto-Discovery scans, re-deriving the account number from
// the accountId suffix (e.g. "kaggle-3" -> n=3).
type EnvVault struct{}

// RetrieveKaggle looks up KAGGLE_USERNAME_<n>/KAGGLE_KEY_<n> for the
// account number embedded in accountID.
func (EnvVault) RetrieveKaggle(accountID string) (*KaggleCredentials, error) {
	n, err := accountNumber(accountID, "kaggle-")
	if err != nil {
		return nil, err
	}
	username, ok1 := os.LookupEnv(fmt.Sprintf("KAGGLE_USERNAME_%d", n))
	key, ok2 := os.LookupEnv(fmt.Sprintf("KAGGLE_KEY_%d", n))
	if !ok1 || !ok2 || username == "" || key == "" {
		return nil, ErrNotFound
	}
	return &KaggleCredentials{Username: username, Key: key}, nil
}

// RetrieveGoogle looks up COLAB_EMAIL_<n>/COLAB_PASSWORD_<n> for the
// account number embedded in accountID.
func (EnvVault) RetrieveGoogle(accountID string) (*GoogleCredentials, error) {
	n, err := accountNumber(accountID, "colab-")
	if err != nil {
		return nil, err
	}
	email, ok1 := os.LookupEnv(fmt.Sprintf("COLAB_EMAIL_%d", n))
	password, ok2 := os.LookupEnv(fmt.Sprintf("COLAB_PASSWORD_%d", n))
	if !ok1 || !ok2 || email == "" || password == "" {
		return nil, ErrNotFound
	}
	return &GoogleCredentials{Email: email, Password: password}, nil
}

func accountNumber(accountID, prefix string) (int, error) {
	if len(accountID) <= len(prefix) || accountID[:len(prefix)] != prefix {
		return 0, fmt.Errorf("vault: accountId %q does not match prefix %q", accountID, prefix)
	}
	var n int
	if _, err := fmt.Sscanf(accountID[len(prefix):], "%d", &n); err != nil {
		return 0, fmt.Errorf("vault: accountId %q has no trailing account number: %w", accountID, err)
	}
	return n, nil
}
