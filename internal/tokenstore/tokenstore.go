// Package tokenstore keeps OAuth tokens in per-account JSON files, one file
// per provider account: <prefix><account>.json.
package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/oauth2"
)

const (
	GooglePrefix    = "token-"
	MicrosoftPrefix = "ms-token-"
)

// Store reads and writes token files inside Dir.
type Store struct {
	Dir    string
	Prefix string
}

// Path returns the token file of an account.
func (s Store) Path(account string) string {
	return filepath.Join(s.dir(), s.Prefix+account+".json")
}

// Save writes a token for an account. The file is readable by the owner only.
func (s Store) Save(account string, token *oauth2.Token) error {
	f, err := os.OpenFile(s.Path(account), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// Load retrieves the token of an account.
func (s Store) Load(account string) (*oauth2.Token, error) {
	f, err := os.Open(s.Path(account))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// Accounts lists the accounts that have a token file.
func (s Store) Accounts() ([]string, error) {
	files, err := os.ReadDir(s.dir())
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasPrefix(name, s.Prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		account := strings.TrimSuffix(strings.TrimPrefix(name, s.Prefix), ".json")
		accounts = append(accounts, account)
	}
	return accounts, nil
}

func (s Store) dir() string {
	if s.Dir == "" {
		return "."
	}
	return s.Dir
}
