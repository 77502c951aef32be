package eid

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const identFileName = "identity"

// Store persists the identity's private key to the data directory.
// The file holds the base64url key encoding; the EID is recomputed
// from the key on load.
func (i Ident) Store(dataDir string) error {
	if !i.HasPrivate() {
		return ErrNoPrivateKey
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	enc := i.key.Encode(true)
	line := fmt.Sprintf("%s %s\n", i.eid.Scheme(),
		base64.RawURLEncoding.EncodeToString(enc))

	path := filepath.Join(dataDir, identFileName)
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	return nil
}

// Load reads a stored identity from the data directory.
func Load(dataDir string) (Ident, error) {
	path := filepath.Join(dataDir, identFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Ident{}, err
	}

	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return Ident{}, fmt.Errorf("%w: malformed identity file", ErrInvalidEID)
	}

	var sch Scheme
	switch fields[0] {
	case "dsa160":
		sch = SchemeDSA160
	case "rsa160":
		sch = SchemeRSA160
	default:
		return Ident{}, fmt.Errorf("%w: %q", ErrUnknownScheme, fields[0])
	}

	enc, err := base64.RawURLEncoding.DecodeString(fields[1])
	if err != nil {
		return Ident{}, fmt.Errorf("%w: %v", ErrInvalidEID, err)
	}

	k, err := decodeKey(sch, enc)
	if err != nil {
		return Ident{}, err
	}
	if !k.HasPrivate() {
		return Ident{}, ErrNoPrivateKey
	}
	return Ident{eid: k.ID(), key: k}, nil
}

// LoadOrGenerate loads the stored identity, generating and persisting
// a fresh one when none exists yet.
func LoadOrGenerate(dataDir string, sch Scheme) (Ident, error) {
	ident, err := Load(dataDir)
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Ident{}, err
	}

	ident, err = Generate(sch, 0)
	if err != nil {
		return Ident{}, err
	}
	if err := ident.Store(dataDir); err != nil {
		return Ident{}, err
	}
	return ident, nil
}
