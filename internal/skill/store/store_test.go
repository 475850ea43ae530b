package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"apitap/internal/apierr"
	"apitap/internal/netutil"
	"apitap/internal/skill"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, filepath.Join(dir, "skills"), netutil.NewPolicy(false))
	require.NoError(t, err)
	return s, dir
}

func sampleSkill(domain string) *skill.SkillFile {
	return &skill.SkillFile{
		Version:    skill.SchemaVersion,
		Domain:     domain,
		BaseURL:    "https://" + domain,
		CapturedAt: time.Now().UTC(),
		Endpoints: []*skill.Endpoint{
			{
				ID:         "get-users-id",
				Method:     "GET",
				Path:       "/users/:id",
				ExampleURL: "https://" + domain + "/users/42",
				TimesSeen:  1,
			},
		},
		Metadata: skill.Metadata{CaptureCount: 1, ToolVersion: skill.ToolVersion},
	}
}

func TestWriteSignsAndReadVerifies(t *testing.T) {
	s, dir := newTestStore(t)

	sf := sampleSkill("api.example.com")
	require.NoError(t, s.Write(sf))
	require.Equal(t, skill.ProvenanceSelf, sf.Provenance)
	require.True(t, strings.HasPrefix(sf.Signature, SignaturePrefix))

	raw, err := os.ReadFile(filepath.Join(dir, "skills", "api.example.com.json"))
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(raw), "\n"))

	got, err := s.Read("api.example.com", true)
	require.NoError(t, err)
	require.Equal(t, "api.example.com", got.Domain)
	require.Equal(t, sf.Signature, got.Signature)
	require.Len(t, got.Endpoints, 1)
}

func TestReadDetectsTampering(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Write(sampleSkill("api.example.com")))

	path := filepath.Join(dir, "skills", "api.example.com.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "/users/:id", "/admin/:id", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	_, err = s.Read("api.example.com", true)
	require.Error(t, err)
	require.Equal(t, apierr.KindSafety, apierr.KindOf(err))

	// Without verification the tampered file still loads.
	got, err := s.Read("api.example.com", false)
	require.NoError(t, err)
	require.Equal(t, "/admin/:id", got.Endpoints[0].Path)
}

func TestDomainNameValidation(t *testing.T) {
	for _, bad := range []string{"", "..", "a/..", "a/b", "/etc", ".hidden", "-dash", "a..b"} {
		require.Error(t, ValidateDomainName(bad), "domain %q", bad)
	}
	for _, good := range []string{"api.example.com", "api-v2.example.com", "localhost", "x_y.example.com"} {
		require.NoError(t, ValidateDomainName(good), "domain %q", good)
	}
}

func TestReadRejectsDomainMismatch(t *testing.T) {
	s, dir := newTestStore(t)

	sf := sampleSkill("real.example.com")
	data, err := json.Marshal(sf)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "skills"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skills", "other.example.com.json"), data, 0o644))

	_, err = s.Read("other.example.com", false)
	require.Error(t, err)
	require.Equal(t, apierr.KindInput, apierr.KindOf(err))
}

func TestImportUnsignedForeignFile(t *testing.T) {
	s, _ := newTestStore(t)

	foreign := sampleSkill("shared.example.com")
	foreign.Provenance = ""
	data, err := json.Marshal(foreign)
	require.NoError(t, err)

	imported, err := s.Import(data)
	require.NoError(t, err)
	require.Equal(t, skill.ProvenanceImported, imported.Provenance)
	require.Empty(t, imported.Signature)

	// Imported files are exempt from signature verification on read.
	got, err := s.Read("shared.example.com", true)
	require.NoError(t, err)
	require.Equal(t, skill.ProvenanceImported, got.Provenance)
}

func TestImportRejectsInvalidSignature(t *testing.T) {
	s, _ := newTestStore(t)

	forged := sampleSkill("shared.example.com")
	forged.Signature = SignaturePrefix + "00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"
	data, err := json.Marshal(forged)
	require.NoError(t, err)

	_, err = s.Import(data)
	require.Error(t, err)
	require.Equal(t, apierr.KindSafety, apierr.KindOf(err))
}

func TestImportAcceptsLocallySignedFile(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Write(sampleSkill("api.example.com")))

	data, err := os.ReadFile(filepath.Join(dir, "skills", "api.example.com.json"))
	require.NoError(t, err)

	imported, err := s.Import(data)
	require.NoError(t, err)
	require.Equal(t, skill.ProvenanceImported, imported.Provenance)
	require.Empty(t, imported.Signature)
}

func TestValidateReportsSignatureState(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Write(sampleSkill("api.example.com")))

	signed, err := os.ReadFile(filepath.Join(dir, "skills", "api.example.com.json"))
	require.NoError(t, err)
	sf, state, err := s.Validate(signed)
	require.NoError(t, err)
	require.Equal(t, SignatureSelf, state)
	require.Equal(t, "api.example.com", sf.Domain)

	unsigned, err := json.Marshal(sampleSkill("shared.example.com"))
	require.NoError(t, err)
	_, state, err = s.Validate(unsigned)
	require.NoError(t, err)
	require.Equal(t, SignatureUnsigned, state)

	forged := sampleSkill("shared.example.com")
	forged.Signature = SignaturePrefix + "00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff00ff"
	data, err := json.Marshal(forged)
	require.NoError(t, err)
	_, state, err = s.Validate(data)
	require.NoError(t, err)
	require.Equal(t, SignatureInvalid, state)

	// Validate never touches the skills directory.
	entries, err := os.ReadDir(filepath.Join(dir, "skills"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	_, _, err = s.Validate([]byte("{nope"))
	require.Equal(t, apierr.KindInput, apierr.KindOf(err))
}

func TestImportRejectsUnsafeURLs(t *testing.T) {
	s, _ := newTestStore(t)

	evil := sampleSkill("evil.example.com")
	evil.BaseURL = "http://169.254.169.254"
	data, err := json.Marshal(evil)
	require.NoError(t, err)

	_, err = s.Import(data)
	require.Error(t, err)
	require.Equal(t, apierr.KindSafety, apierr.KindOf(err))

	evil = sampleSkill("evil.example.com")
	evil.Endpoints[0].ExampleURL = "http://localhost/users/42"
	data, err = json.Marshal(evil)
	require.NoError(t, err)

	_, err = s.Import(data)
	require.Error(t, err)
	require.Equal(t, apierr.KindSafety, apierr.KindOf(err))
}

func TestImportRejectsDuplicateEndpointIDs(t *testing.T) {
	s, _ := newTestStore(t)

	dup := sampleSkill("dup.example.com")
	dup.Endpoints = append(dup.Endpoints, &skill.Endpoint{
		ID: "get-users-id", Method: "GET", Path: "/users/:id",
	})
	data, err := json.Marshal(dup)
	require.NoError(t, err)

	_, err = s.Import(data)
	require.Error(t, err)
	require.Equal(t, apierr.KindInput, apierr.KindOf(err))
}

func TestVersionGate(t *testing.T) {
	s, _ := newTestStore(t)

	old := sampleSkill("old.example.com")
	old.Version = "1.1"
	require.NoError(t, s.Write(old))
	_, err := s.Read("old.example.com", true)
	require.NoError(t, err)

	future := sampleSkill("future.example.com")
	future.Version = "2.0"
	data, err := json.Marshal(future)
	require.NoError(t, err)
	_, err = s.Import(data)
	require.Error(t, err)
	require.Equal(t, apierr.KindInput, apierr.KindOf(err))
}

func TestGitignoreAndSigningKey(t *testing.T) {
	s, dir := newTestStore(t)
	require.NoError(t, s.Write(sampleSkill("api.example.com")))

	gi, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	require.NoError(t, err)
	require.Contains(t, string(gi), "auth.enc")
	require.Contains(t, string(gi), "*.key")

	info, err := os.Stat(filepath.Join(dir, "signing.key"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second store over the same directory reuses the key.
	s2, err := New(dir, filepath.Join(dir, "skills"), netutil.NewPolicy(false))
	require.NoError(t, err)
	got, err := s2.Read("api.example.com", true)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestListSorted(t *testing.T) {
	s, _ := newTestStore(t)

	domains, err := s.List()
	require.NoError(t, err)
	require.Empty(t, domains)

	require.NoError(t, s.Write(sampleSkill("zeta.example.com")))
	require.NoError(t, s.Write(sampleSkill("alpha.example.com")))

	domains, err = s.List()
	require.NoError(t, err)
	require.Equal(t, []string{"alpha.example.com", "zeta.example.com"}, domains)
}

func TestSignatureIsDeterministic(t *testing.T) {
	s, _ := newTestStore(t)
	key, err := s.signingKey()
	require.NoError(t, err)

	sf := sampleSkill("api.example.com")
	sig1, err := Sign(sf, key)
	require.NoError(t, err)

	// Signature and provenance never feed the canonical form.
	sf.Signature = sig1
	sf.Provenance = skill.ProvenanceSelf
	sig2, err := Sign(sf, key)
	require.NoError(t, err)
	require.Equal(t, sig1, sig2)
	require.True(t, Verify(sf, key))

	sf.BaseURL = "https://changed.example.com"
	require.False(t, Verify(sf, key))
}
