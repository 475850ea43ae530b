// Package store persists skill files: one <domain>.json per domain,
// HMAC-signed on write, SSRF-revalidated on read, with a guarded import
// path for files produced elsewhere.
package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"apitap/internal/apierr"
	"apitap/internal/netutil"
	"apitap/internal/skill"
)

const (
	signingKeyFile = "signing.key"
	gitignoreFile  = ".gitignore"
	signingKeyLen  = 32
)

var domainNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateDomainName rejects domain strings that cannot safely become
// file names: empty, dot-dot, slashes, leading dots or hyphens.
func ValidateDomainName(domain string) error {
	if domain == "" || strings.Contains(domain, "..") || !domainNameRe.MatchString(domain) {
		return apierr.Inputf("invalid domain name %q", domain)
	}
	return nil
}

// Store reads and writes skill files under skillsDir. The signing key and
// the .gitignore live one level up, in baseDir.
type Store struct {
	baseDir   string
	skillsDir string
	policy    *netutil.Policy

	mu  sync.Mutex
	key []byte
}

// New creates a store rooted at baseDir with skills under skillsDir.
func New(baseDir, skillsDir string, policy *netutil.Policy) (*Store, error) {
	if baseDir == "" || skillsDir == "" {
		return nil, apierr.Inputf("store: base and skills directories are required")
	}
	if policy == nil {
		policy = netutil.NewPolicy(false)
	}
	return &Store{baseDir: baseDir, skillsDir: skillsDir, policy: policy}, nil
}

// SkillsDir returns the directory skill files are written to.
func (s *Store) SkillsDir() string { return s.skillsDir }

// Path returns the on-disk path for a domain's skill file.
func (s *Store) Path(domain string) string {
	return filepath.Join(s.skillsDir, domain+".json")
}

// Write signs the skill with the local key, sets provenance self, and
// persists it as <domain>.json. The file name is the domain: a mismatch
// between the two is rejected before anything touches the filesystem.
func (s *Store) Write(sf *skill.SkillFile) error {
	if sf == nil {
		return apierr.Inputf("store: skill file is required")
	}
	if err := ValidateDomainName(sf.Domain); err != nil {
		return err
	}
	if err := s.validateURLs(sf); err != nil {
		return err
	}
	key, err := s.signingKey()
	if err != nil {
		return err
	}
	sig, err := Sign(sf, key)
	if err != nil {
		return err
	}
	sf.Signature = sig
	sf.Provenance = skill.ProvenanceSelf
	return s.writeFile(sf)
}

// Read loads a domain's skill file, revalidates its URLs, and (when
// verify is set) rejects self/unsigned files whose signature is missing
// or wrong. Imported files are exempt: their foreign signature was
// stripped on intake.
func (s *Store) Read(domain string, verify bool) (*skill.SkillFile, error) {
	if err := ValidateDomainName(domain); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path(domain))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Inputf("no skill file for domain %q", domain)
		}
		return nil, apierr.Wrap(apierr.KindIO, "failed to read skill file", err)
	}
	sf := &skill.SkillFile{}
	if err := json.Unmarshal(data, sf); err != nil {
		return nil, apierr.Wrap(apierr.KindInput, "skill file is not valid JSON", err)
	}
	if err := s.validateLoaded(sf, domain); err != nil {
		return nil, err
	}
	if verify && sf.Provenance != skill.ProvenanceImported {
		key, err := s.signingKey()
		if err != nil {
			return nil, err
		}
		if !Verify(sf, key) {
			return nil, apierr.Safetyf("skill file for %q failed signature verification", domain)
		}
	}
	return sf, nil
}

// List returns the domains with skill files, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.skillsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.KindIO, "failed to list skills directory", err)
	}
	var domains []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		domain := strings.TrimSuffix(name, ".json")
		if ValidateDomainName(domain) != nil {
			continue
		}
		domains = append(domains, domain)
	}
	sort.Strings(domains)
	return domains, nil
}

// Delete removes a domain's skill file.
func (s *Store) Delete(domain string) error {
	if err := ValidateDomainName(domain); err != nil {
		return err
	}
	if err := os.Remove(s.Path(domain)); err != nil && !os.IsNotExist(err) {
		return apierr.Wrap(apierr.KindIO, "failed to delete skill file", err)
	}
	return nil
}

// Import takes a skill file produced elsewhere: validate its structure,
// SSRF-check every URL, verify the signature against the local key when
// one is present (a failing signature means tampering, not foreignness:
// foreign files arrive unsigned), then strip the signature, mark the file
// imported, and persist it without re-signing.
func (s *Store) Import(data []byte) (*skill.SkillFile, error) {
	sf := &skill.SkillFile{}
	if err := json.Unmarshal(data, sf); err != nil {
		return nil, apierr.Wrap(apierr.KindInput, "import is not valid JSON", err)
	}
	if err := s.validateLoaded(sf, sf.Domain); err != nil {
		return nil, err
	}
	if err := validateEndpointIDs(sf); err != nil {
		return nil, err
	}
	if sf.Signature != "" {
		key, err := s.signingKey()
		if err != nil {
			return nil, err
		}
		if !Verify(sf, key) {
			return nil, apierr.Safetyf("imported skill for %q carries an invalid signature", sf.Domain)
		}
	}
	sf.Signature = ""
	sf.Provenance = skill.ProvenanceImported
	if err := s.writeFile(sf); err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"domain":    sf.Domain,
		"endpoints": len(sf.Endpoints),
	}).Info("store: imported skill file")
	return sf, nil
}

// Signature states reported by Validate.
const (
	SignatureSelf     = "self"
	SignatureUnsigned = "unsigned"
	SignatureInvalid  = "invalid"
)

// Validate parses and checks a skill file without writing anything:
// schema version, domain name, URL policy, endpoint IDs, and the
// signature when present. Invalid covers both tampering and signatures
// made on another install; HMAC keys never leave the machine, so the
// two are indistinguishable here.
func (s *Store) Validate(data []byte) (*skill.SkillFile, string, error) {
	sf := &skill.SkillFile{}
	if err := json.Unmarshal(data, sf); err != nil {
		return nil, "", apierr.Wrap(apierr.KindInput, "skill file is not valid JSON", err)
	}
	if err := s.validateLoaded(sf, sf.Domain); err != nil {
		return nil, "", err
	}
	if err := validateEndpointIDs(sf); err != nil {
		return nil, "", err
	}
	if sf.Signature == "" {
		return sf, SignatureUnsigned, nil
	}
	key, err := s.signingKey()
	if err != nil {
		return nil, "", err
	}
	if Verify(sf, key) {
		return sf, SignatureSelf, nil
	}
	return sf, SignatureInvalid, nil
}

// validateLoaded applies the checks shared by read and import: version
// compatibility, domain/name binding, and URL safety.
func (s *Store) validateLoaded(sf *skill.SkillFile, domain string) error {
	if err := ValidateDomainName(sf.Domain); err != nil {
		return err
	}
	if domain != "" && sf.Domain != domain {
		return apierr.Inputf("skill file domain %q does not match %q", sf.Domain, domain)
	}
	if !strings.HasPrefix(sf.Version, "1.") {
		return apierr.Inputf("unsupported skill version %q", sf.Version)
	}
	if sf.BaseURL == "" {
		return apierr.Inputf("skill file for %q has no base URL", sf.Domain)
	}
	return s.validateURLs(sf)
}

// validateURLs runs the SSRF classifier over every URL the file carries.
func (s *Store) validateURLs(sf *skill.SkillFile) error {
	check := func(rawURL, what string) error {
		if rawURL == "" {
			return nil
		}
		if v := s.policy.Validate(rawURL); !v.Safe {
			return apierr.Safetyf("%s %q rejected: %s", what, rawURL, v.Reason)
		}
		return nil
	}
	if err := check(sf.BaseURL, "base URL"); err != nil {
		return err
	}
	for _, ep := range sf.Endpoints {
		if err := check(ep.ExampleURL, "example URL"); err != nil {
			return err
		}
	}
	if sf.Auth != nil {
		if err := check(sf.Auth.RefreshURL, "refresh URL"); err != nil {
			return err
		}
		if sf.Auth.OAuth != nil {
			if err := check(sf.Auth.OAuth.TokenEndpoint, "token endpoint"); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateEndpointIDs(sf *skill.SkillFile) error {
	seen := make(map[string]bool, len(sf.Endpoints))
	for _, ep := range sf.Endpoints {
		if ep.ID == "" {
			return apierr.Inputf("skill file for %q has an endpoint without an id", sf.Domain)
		}
		if seen[ep.ID] {
			return apierr.Inputf("skill file for %q repeats endpoint id %q", sf.Domain, ep.ID)
		}
		seen[ep.ID] = true
	}
	return nil
}

func (s *Store) writeFile(sf *skill.SkillFile) error {
	if err := os.MkdirAll(s.skillsDir, 0o700); err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to prepare skills directory", err)
	}
	if err := s.ensureGitignore(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to marshal skill file", err)
	}
	data = append(data, '\n')
	path := s.Path(sf.Domain)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to write skill file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to replace skill file", err)
	}
	return nil
}

// signingKey loads the local HMAC key, creating it on first use.
func (s *Store) signingKey() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil {
		return s.key, nil
	}
	path := filepath.Join(s.baseDir, signingKeyFile)
	if data, err := os.ReadFile(path); err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr == nil && len(key) == signingKeyLen {
			s.key = key
			return key, nil
		}
		log.Warn("store: signing key is malformed, generating a new one")
	}
	key := make([]byte, signingKeyLen)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to generate signing key", err)
	}
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to prepare state directory", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, apierr.Wrap(apierr.KindIO, "failed to persist signing key", err)
	}
	s.key = key
	return key, nil
}

// ensureGitignore writes the state-dir .gitignore on first use so the
// credential store and keys never end up committed.
func (s *Store) ensureGitignore() error {
	path := filepath.Join(s.baseDir, gitignoreFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to prepare state directory", err)
	}
	if err := os.WriteFile(path, []byte("auth.enc\n*.key\n"), 0o644); err != nil {
		return apierr.Wrap(apierr.KindIO, "failed to write .gitignore", err)
	}
	return nil
}
