package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// filePerms restricts token files to owner-only read/write.
const filePerms = 0o600

// dirPerms is used when creating the token directory.
const dirPerms = 0o700

// tokenFile is the on-disk format. The OAuth token is stored alongside
// cached identity metadata so the CLI can show who is logged in without a
// network round trip.
type tokenFile struct {
	Token *oauth2.Token `json:"token"`
	Login string        `json:"login"`
}

// loadTokenFile reads a saved token from disk. Returns (nil, "", nil) when
// the file does not exist.
func loadTokenFile(path string) (*oauth2.Token, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", nil //nolint:nilnil // sentinel for "not found"
	}

	if err != nil {
		return nil, "", fmt.Errorf("auth: reading %s: %w", path, err)
	}

	var tf tokenFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, "", fmt.Errorf("auth: decoding %s: %w", path, err)
	}

	if tf.Token == nil {
		return nil, "", fmt.Errorf("auth: %s missing token field (re-login required)", path)
	}

	return tf.Token, tf.Login, nil
}

// saveTokenFile writes the token atomically (temp file + rename) with
// owner-only permissions.
func saveTokenFile(path string, tok *oauth2.Token, login string) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerms); err != nil {
		return fmt.Errorf("auth: creating token directory: %w", err)
	}

	data, err := json.MarshalIndent(tokenFile{Token: tok, Login: login}, "", "  ")
	if err != nil {
		return fmt.Errorf("auth: encoding token: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerms); err != nil {
		return fmt.Errorf("auth: writing %s: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("auth: renaming token file: %w", err)
	}

	return nil
}

// deleteTokenFile removes the token file. Missing files are not an error.
func deleteTokenFile(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("auth: removing %s: %w", path, err)
	}

	return nil
}
