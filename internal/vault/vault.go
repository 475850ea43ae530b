// Package vault stores per-domain credentials encrypted at rest. The whole
// store is one AES-256-GCM blob keyed off the machine identity, so a copied
// auth.enc is useless on another machine: decryption failure is reported as
// "no credentials", never as an error.
package vault

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

const (
	authFileName = "auth.enc"
	saltFileName = "install-salt"
)

// Vault is the encrypted credential store. All writes are serialized and
// re-read the file first, so partial updates merge instead of clobbering
// each other.
type Vault struct {
	mu          sync.Mutex
	baseDir     string
	machineID   string
	installSalt []byte
	installKey  []byte
}

// Option configures a Vault.
type Option func(*Vault)

// WithMachineID overrides the derived machine identity. Mostly for tests and
// deployments where /etc/machine-id is absent or shared.
func WithMachineID(id string) Option {
	return func(v *Vault) {
		if id != "" {
			v.machineID = id
		}
	}
}

// New opens (or initializes) the vault under baseDir. The install salt is
// created on first use; the derived key is cached for the lifetime of the
// handle.
func New(baseDir string, opts ...Option) (*Vault, error) {
	if baseDir == "" {
		return nil, errors.New("vault: base directory is required")
	}
	v := &Vault{baseDir: baseDir}
	for _, opt := range opts {
		opt(v)
	}
	if v.machineID == "" {
		v.machineID = resolveMachineID()
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, fmt.Errorf("vault: failed to prepare %s: %w", baseDir, err)
	}
	salt, err := v.ensureSalt()
	if err != nil {
		return nil, err
	}
	v.installSalt = salt
	v.installKey = deriveKey(v.machineID, salt)
	return v, nil
}

func (v *Vault) authPath() string { return filepath.Join(v.baseDir, authFileName) }
func (v *Vault) saltPath() string { return filepath.Join(v.baseDir, saltFileName) }

// ensureSalt loads the per-install KDF salt, creating it on first use.
func (v *Vault) ensureSalt() ([]byte, error) {
	path := v.saltPath()
	if data, err := os.ReadFile(path); err == nil && len(data) == saltBytes {
		return data, nil
	}
	salt := make([]byte, saltBytes)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("vault: failed to generate install salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("vault: failed to persist install salt: %w", err)
	}
	return salt, nil
}

// load decrypts the credential map. Any failure (missing file, foreign
// machine key, tampering) yields an empty map: undecryptable state is
// treated as absent.
func (v *Vault) load() map[string]*StoredAuth {
	data, err := os.ReadFile(v.authPath())
	if err != nil {
		return map[string]*StoredAuth{}
	}
	plaintext, err := v.open(data)
	if err != nil {
		log.WithError(err).Debug("vault: could not decrypt credential store")
		return map[string]*StoredAuth{}
	}
	entries := map[string]*StoredAuth{}
	if err := json.Unmarshal(plaintext, &entries); err != nil {
		log.WithError(err).Debug("vault: credential store is not valid JSON")
		return map[string]*StoredAuth{}
	}
	return entries
}

func (v *Vault) save(entries map[string]*StoredAuth) error {
	plaintext, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("vault: failed to marshal credentials: %w", err)
	}
	data, err := v.seal(plaintext)
	if err != nil {
		return err
	}
	path := v.authPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("vault: failed to write credential store: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("vault: failed to replace credential store: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		return fmt.Errorf("vault: failed to set credential store mode: %w", err)
	}
	return nil
}

// Store saves the credential record for a domain, replacing any existing one.
func (v *Vault) Store(domain string, auth *StoredAuth) error {
	if auth == nil {
		return errors.New("vault: auth record is required")
	}
	key, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.load()
	entries[key] = auth
	return v.save(entries)
}

// Retrieve returns the credential record for a domain, or nil when the
// domain is unknown or the store cannot be decrypted.
func (v *Vault) Retrieve(domain string) *StoredAuth {
	key, err := normalizeDomain(domain)
	if err != nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.load()[key]
}

// Has reports whether credentials exist for a domain.
func (v *Vault) Has(domain string) bool {
	return v.Retrieve(domain) != nil
}

// ListDomains returns the domains with stored credentials, sorted.
func (v *Vault) ListDomains() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.load()
	domains := make([]string, 0, len(entries))
	for d := range entries {
		domains = append(domains, d)
	}
	sort.Strings(domains)
	return domains
}

// Clear removes a single domain's credentials.
func (v *Vault) Clear(domain string) error {
	key, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.load()
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return v.save(entries)
}

// ClearAll wipes the credential store.
func (v *Vault) ClearAll() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := os.Remove(v.authPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: failed to remove credential store: %w", err)
	}
	return nil
}

// Update applies fn to the current record for domain (nil when absent) and
// stores the result under one lock. Returning nil leaves the vault unchanged.
func (v *Vault) Update(domain string, fn func(*StoredAuth) *StoredAuth) error {
	key, err := normalizeDomain(domain)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.load()
	next := fn(entries[key])
	if next == nil {
		return nil
	}
	entries[key] = next
	return v.save(entries)
}

// StoreTokens merges refreshable page tokens into a domain's record,
// preserving any other stored fields.
func (v *Vault) StoreTokens(domain string, tokens map[string]SessionToken) error {
	if len(tokens) == 0 {
		return nil
	}
	return v.Update(domain, func(auth *StoredAuth) *StoredAuth {
		if auth == nil {
			auth = &StoredAuth{Type: AuthTypeCustom}
		}
		if auth.Tokens == nil {
			auth.Tokens = make(map[string]SessionToken, len(tokens))
		}
		for name, tok := range tokens {
			auth.Tokens[name] = tok
		}
		return auth
	})
}

// RetrieveTokens returns the refreshable page tokens stored for a domain.
func (v *Vault) RetrieveTokens(domain string) map[string]SessionToken {
	auth := v.Retrieve(domain)
	if auth == nil {
		return nil
	}
	return auth.Tokens
}

// StoreSession caches a browser session for a domain.
func (v *Vault) StoreSession(domain string, session *BrowserSession) error {
	if session == nil {
		return errors.New("vault: session is required")
	}
	return v.Update(domain, func(auth *StoredAuth) *StoredAuth {
		if auth == nil {
			auth = &StoredAuth{Type: AuthTypeCookie}
		}
		auth.Session = session
		return auth
	})
}

// RetrieveSession returns the cached browser session for the exact domain.
func (v *Vault) RetrieveSession(domain string) *BrowserSession {
	auth := v.Retrieve(domain)
	if auth == nil {
		return nil
	}
	return auth.Session
}

// RetrieveSessionWithFallback looks up a session for the exact domain and
// then for each parent suffix down to two labels, so a session saved for
// example.com serves dashboard.example.com. Returns the session and the
// domain it was stored under.
func (v *Vault) RetrieveSessionWithFallback(domain string) (*BrowserSession, string) {
	key, err := normalizeDomain(domain)
	if err != nil {
		return nil, ""
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	entries := v.load()
	labels := strings.Split(key, ".")
	for i := range labels {
		if i > 0 && len(labels)-i < 2 {
			break
		}
		candidate := strings.Join(labels[i:], ".")
		if auth := entries[candidate]; auth != nil && auth.Session != nil {
			return auth.Session, candidate
		}
	}
	return nil, ""
}

// StoreOAuthCredentials merges refresh-grant secrets into a domain's record.
// Empty fields leave the stored values untouched.
func (v *Vault) StoreOAuthCredentials(domain string, creds OAuthCredentials) error {
	if creds.RefreshToken == "" && creds.ClientSecret == "" {
		return nil
	}
	return v.Update(domain, func(auth *StoredAuth) *StoredAuth {
		if auth == nil {
			auth = &StoredAuth{Type: AuthTypeBearer}
		}
		if auth.OAuth == nil {
			auth.OAuth = &OAuthCredentials{}
		}
		if creds.RefreshToken != "" {
			auth.OAuth.RefreshToken = creds.RefreshToken
		}
		if creds.ClientSecret != "" {
			auth.OAuth.ClientSecret = creds.ClientSecret
		}
		return auth
	})
}

// RetrieveOAuthCredentials returns the refresh-grant secrets for a domain.
func (v *Vault) RetrieveOAuthCredentials(domain string) *OAuthCredentials {
	auth := v.Retrieve(domain)
	if auth == nil {
		return nil
	}
	return auth.OAuth
}

func normalizeDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" {
		return "", errors.New("vault: domain is required")
	}
	return d, nil
}
