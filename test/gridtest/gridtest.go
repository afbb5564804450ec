// Package gridtest builds grid job directories and logs for tests.
//
// Logs are produced in the same shape the worker-side wrapper writes them:
// a body with status markers, then a manifest section with ls -l lines and
// sha256sum lines, sealed by a self-check line whose digest covers every
// other line.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    job := gridtest.WriteJob(t, filepath.Join(root, "c1", "00", "00001"), gridtest.GoodJob())
//	    // ... test code ...
//	}
package gridtest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// DefaultLogName is the log file name used by GoodJob.
const DefaultLogName = "log.mu2e.cosmic.v1.001000_00000001.log"

// File is one output file written into a job directory.
type File struct {
	Name    string
	Content []byte

	// Unlisted files are written but left out of the manifest.
	Unlisted bool
}

// Job describes a job directory to generate.
type Job struct {
	LogName string

	Started bool
	ExitOK  bool
	ArtOK   bool
	Parent  string

	// BodyLines are appended to the log body after the status markers.
	BodyLines []string

	Files []File

	// SizeOverrides replaces the size recorded in the manifest for a file.
	SizeOverrides map[string]int64

	// DigestOverrides replaces the digest recorded in the manifest for a file.
	DigestOverrides map[string]string

	// ManifestLines are appended verbatim to the manifest section.
	ManifestLines []string

	// BadSelfCheck writes a self-check digest that does not match.
	BadSelfCheck bool

	// NoSelfCheck omits the self-check line.
	NoSelfCheck bool
}

// GoodJob returns a job that validates cleanly: complete status markers,
// two data files each paired with a .json metadata file.
func GoodJob() Job {
	return Job{
		LogName: DefaultLogName,
		Started: true,
		ExitOK:  true,
		ArtOK:   true,
		Parent:  "cnf.mu2e.cosmic.v1.001000_00000001.fcl",
		BodyLines: []string{
			"Starting on host wn042.example.org",
			"GLIDEIN_Site = Example_Site",
			"TimeReport CPU = 120.5 Real = 150.25",
			"MemReport  VmPeak = 2048.5 VmHWM = 1536.25",
			"mu2egrid disk usage KB = 4096",
		},
		Files: []File{
			{Name: "dig.mu2e.cosmic.v1.001000_00000001.art", Content: []byte("art event data\n")},
			{Name: "dig.mu2e.cosmic.v1.001000_00000001.art.json", Content: []byte(`{"event_count":10}`)},
			{Name: "nts.mu2e.cosmic.v1.001000_00000001.root", Content: []byte("ntuple bytes")},
			{Name: "nts.mu2e.cosmic.v1.001000_00000001.root.json", Content: []byte(`{"event_count":10}`)},
		},
	}
}

// Digest returns the hex SHA-256 of b.
func Digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// BuildLog renders the log content for j.
func BuildLog(j Job) []byte {
	var b strings.Builder
	b.WriteString("mu2egrid wrapper starting\n")
	if j.Started {
		b.WriteString("payload started\n")
	}
	if j.Parent != "" {
		b.WriteString("mu2egrid origFCL = " + j.Parent + "\n")
	}
	for _, l := range j.BodyLines {
		b.WriteString(l + "\n")
	}
	if j.ArtOK {
		b.WriteString("Art has completed and will exit with status 0.\n")
	}
	if j.ExitOK {
		b.WriteString("mu2egrid exit status 0\n")
	}

	b.WriteString("# mu2egrid manifest\n")
	for _, f := range j.Files {
		if f.Unlisted {
			continue
		}
		size := int64(len(f.Content))
		if s, ok := j.SizeOverrides[f.Name]; ok {
			size = s
		}
		fmt.Fprintf(&b, "# -rw-r--r-- 1 mu2epro mu2e %d Jan  2 03:04 %s\n", size, f.Name)
	}
	for _, f := range j.Files {
		if f.Unlisted {
			continue
		}
		digest := Digest(f.Content)
		if d, ok := j.DigestOverrides[f.Name]; ok {
			digest = d
		}
		fmt.Fprintf(&b, "%s  %s\n", digest, f.Name)
	}
	for _, l := range j.ManifestLines {
		b.WriteString(l + "\n")
	}

	body := b.String()
	if j.NoSelfCheck {
		return []byte(body)
	}
	self := Digest([]byte(body))
	if j.BadSelfCheck {
		self = Digest([]byte(body + "tampered"))
	}
	return []byte(body + "# mu2egrid manifest selfcheck: " + self + "\n")
}

// WriteJob creates dir with the job's files and log and returns dir.
func WriteJob(t testing.TB, dir string, j Job) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for _, f := range j.Files {
		writeFile(t, filepath.Join(dir, f.Name), f.Content)
	}
	if j.LogName != "" {
		writeFile(t, filepath.Join(dir, j.LogName), BuildLog(j))
	}
	return dir
}

func writeFile(t testing.TB, path string, content []byte) {
	t.Helper()
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
