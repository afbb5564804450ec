package policy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gridsweep/pkg/validate"
)

func fullPolicyYAML() string {
	return `$schema: https://schemas.3leaps.dev/gridsweep/v1.0.0/sweep-policy.schema.json
version: "1.0"
check:
  log_glob: "log.*.log"
  meta_suffix: .meta
  meta_pairing: false
  verify: full
  cross_submission: true
  min_age: 90m
  max_suffix: 30
archive:
  allow:
    - "log.*.*.*.*.log"
    - "  "
  max_tries: 7
  initial_backoff: 5s
  keep: true
`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullYAML(t *testing.T) {
	p, err := Load(writeFile(t, "policy.yaml", fullPolicyYAML()))
	require.NoError(t, err)

	assert.Equal(t, "1.0", p.Version)
	require.NotNil(t, p.Check.Verify)
	assert.Equal(t, VerifyFull, *p.Check.Verify)
	require.NotNil(t, p.Check.MinAge)
	assert.Equal(t, 90*time.Minute, p.Check.MinAge.Duration)
	require.NotNil(t, p.Check.MaxSuffix)
	assert.Equal(t, 30, *p.Check.MaxSuffix)
	assert.Equal(t, []string{"log.*.*.*.*.log"}, p.Archive.Allow)
	require.NotNil(t, p.Archive.InitialBackoff)
	assert.Equal(t, 5*time.Second, p.Archive.InitialBackoff.Duration)
	require.NotNil(t, p.Archive.Keep)
	assert.True(t, *p.Archive.Keep)
}

func TestLoad_JSON(t *testing.T) {
	p, err := Load(writeFile(t, "policy.json", `{
  "version": "1.0",
  "check": {"cross_submission": true, "min_age": "2h"}
}`))
	require.NoError(t, err)
	require.NotNil(t, p.Check.CrossSubmission)
	assert.True(t, *p.Check.CrossSubmission)
	assert.Equal(t, 2*time.Hour, p.Check.MinAge.Duration)
	assert.Nil(t, p.Check.MetaPairing)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"missing version", "p.yaml", "check:\n  verify: meta\n"},
		{"unknown field", "p.yaml", "version: \"1.0\"\ncheck:\n  verfy: full\n"},
		{"bad verify", "p.yaml", "version: \"1.0\"\ncheck:\n  verify: sometimes\n"},
		{"bad duration", "p.yaml", "version: \"1.0\"\ncheck:\n  min_age: soon\n"},
		{"suffix too large", "p.yaml", "version: \"1.0\"\ncheck:\n  max_suffix: 101\n"},
		{"meta suffix without dot", "p.yaml", "version: \"1.0\"\ncheck:\n  meta_suffix: json\n"},
		{"empty allow", "p.json", `{"version": "1.0", "archive": {"allow": []}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidationFailed), "got %v", err)
		})
	}
}

func TestLoad_Unparseable(t *testing.T) {
	_, err := Load(writeFile(t, "p.json", "{not json"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "p.yaml", "version: [unclosed"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "p.yaml", "  \n"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestValidationErrors_Error(t *testing.T) {
	one := ValidationErrors{{Path: "/check/verify", Message: "bad"}}
	assert.Equal(t, "/check/verify: bad", one.Error())

	two := ValidationErrors{{Message: "a"}, {Path: "/x", Message: "b"}}
	assert.Contains(t, two.Error(), "2 errors")
	assert.Contains(t, two.Error(), "  - /x: b")
}

func TestCheckPolicy_Apply(t *testing.T) {
	p, err := Load(writeFile(t, "policy.yaml", fullPolicyYAML()))
	require.NoError(t, err)

	got := p.Check.Apply(validate.DefaultPolicy())
	assert.Equal(t, validate.Policy{
		LogGlob:         "log.*.log",
		MetaSuffix:      ".meta",
		MetaPairing:     false,
		FullVerify:      true,
		CrossSubmission: true,
	}, got)

	base := validate.DefaultPolicy()
	assert.Equal(t, base, CheckPolicy{}.Apply(base))
}
