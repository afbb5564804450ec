// Package logparse extracts integrity and status facts from a grid job log.
//
// The log is streamed once. A SHA-256 hash runs over the exact bytes of every
// line except the self-check line, whose value is captured separately so the
// two can be compared. The trailing manifest section lists the job's output
// files with their sizes (ls -l lines prefixed by '#') and digests.
package logparse

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

// Line markers recognized in job logs.
const (
	PayloadStartedLine = "payload started"
	ExitStatusOKLine   = "mu2egrid exit status 0"
	ManifestStartLine  = "# mu2egrid manifest"
	SelfCheckPrefix    = "# mu2egrid manifest selfcheck:"

	parentPrefix = "mu2egrid origFCL ="
	hostPrefix   = "Starting on host"
	sitePrefix   = "GLIDEIN_Site ="
	diskPrefix   = "mu2egrid disk usage KB ="
)

var (
	// ErrUnreadable means the log could not be opened or read to the end.
	ErrUnreadable = errors.New("log file unreadable")

	// ErrInvalidManifest means the manifest section is malformed and the
	// log cannot be trusted for integrity verification.
	ErrInvalidManifest = errors.New("invalid log manifest")
)

var (
	artExitPattern = regexp.MustCompile(`^Art .*exit with status 0\b`)
	digestPattern  = regexp.MustCompile(`^([0-9a-f]{64})\s+(\S+)$`)
	timePattern    = regexp.MustCompile(`^TimeReport\s+CPU\s*=\s*(\S+)\s+Real\s*=\s*(\S+)`)
	memPattern     = regexp.MustCompile(`^MemReport\s+VmPeak\s*=\s*(\S+)\s+VmHWM\s*=\s*(\S+)`)
)

// Info holds the facts parsed from one log.
type Info struct {
	// ManifestSelfHash is the digest the job recorded for its own log.
	ManifestSelfHash string

	// ComputedHash is the digest recomputed over the log, minus the
	// self-check line.
	ComputedHash string

	// FileSizes maps output file names to sizes from the ls -l listing.
	FileSizes map[string]int64

	// FileDigests maps output file names to hex SHA-256 digests.
	FileDigests map[string]string

	PayloadStarted bool
	PayloadOK      bool

	// Parent is the input fcl that produced this job, if logged.
	Parent string

	Stats JobStats
}

// SelfConsistent reports whether the recorded self-hash matches the log.
func (i *Info) SelfConsistent() bool {
	return i.ManifestSelfHash != "" && i.ManifestSelfHash == i.ComputedHash
}

// ManifestError describes the first malformed manifest line.
type ManifestError struct {
	Line   int
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest line %d: %s", e.Line, e.Reason)
}

func (e *ManifestError) Unwrap() error { return ErrInvalidManifest }

// ParseFile opens and parses the log at path.
func ParseFile(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
	}
	defer func() { _ = f.Close() }()

	return Parse(f)
}

// Parse reads a log from r.
func Parse(r io.Reader) (*Info, error) {
	p := &parser{
		hash: sha256.New(),
		info: &Info{
			FileSizes:   make(map[string]int64),
			FileDigests: make(map[string]string),
		},
	}

	br := bufio.NewReaderSize(r, 64*1024)
	for {
		raw, err := br.ReadString('\n')
		if len(raw) > 0 {
			if perr := p.line(raw); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreadable, err)
		}
	}

	p.info.ComputedHash = hex.EncodeToString(p.hash.Sum(nil))
	p.info.PayloadOK = p.exitOK && p.artOK
	return p.info, nil
}

type parser struct {
	hash       hash.Hash
	info       *Info
	lineNo     int
	inManifest bool
	exitOK     bool
	artOK      bool
}

func (p *parser) line(raw string) error {
	p.lineNo++
	text := strings.TrimRight(raw, "\r\n")

	if strings.HasPrefix(text, SelfCheckPrefix) {
		if p.info.ManifestSelfHash != "" {
			return &ManifestError{Line: p.lineNo, Reason: "duplicate self-check line"}
		}
		p.info.ManifestSelfHash = strings.TrimSpace(strings.TrimPrefix(text, SelfCheckPrefix))
		return nil
	}
	_, _ = io.WriteString(p.hash, raw)

	if p.inManifest {
		return p.manifestLine(text)
	}
	if text == ManifestStartLine {
		p.inManifest = true
		return nil
	}
	p.bodyLine(text)
	return nil
}

func (p *parser) manifestLine(text string) error {
	if strings.HasPrefix(text, "#") {
		// ls -l: perms links owner group size month day time name
		fields := strings.Fields(strings.TrimPrefix(text, "#"))
		if len(fields) >= 9 {
			if size, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
				p.info.FileSizes[fields[len(fields)-1]] = size
			}
		}
		return nil
	}

	m := digestPattern.FindStringSubmatch(text)
	if m == nil {
		return &ManifestError{Line: p.lineNo, Reason: "expected <sha256> <filename>"}
	}
	if _, dup := p.info.FileDigests[m[2]]; dup {
		return &ManifestError{Line: p.lineNo, Reason: "duplicate entry for " + m[2]}
	}
	p.info.FileDigests[m[2]] = m[1]
	return nil
}

func (p *parser) bodyLine(text string) {
	trimmed := strings.TrimSpace(text)
	switch {
	case trimmed == PayloadStartedLine:
		p.info.PayloadStarted = true
	case trimmed == ExitStatusOKLine:
		p.exitOK = true
	case artExitPattern.MatchString(text):
		p.artOK = true
	case strings.HasPrefix(text, parentPrefix):
		p.info.Parent = strings.TrimSpace(strings.TrimPrefix(text, parentPrefix))
	case strings.HasPrefix(text, hostPrefix):
		if fields := strings.Fields(strings.TrimPrefix(text, hostPrefix)); len(fields) > 0 {
			p.info.Stats.Host = &fields[0]
		}
	case strings.HasPrefix(text, sitePrefix):
		if site := strings.TrimSpace(strings.TrimPrefix(text, sitePrefix)); site != "" {
			p.info.Stats.Site = &site
		}
	case strings.HasPrefix(text, diskPrefix):
		if kb, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(text, diskPrefix)), 10, 64); err == nil {
			p.info.Stats.DiskKB = &kb
		}
	default:
		if m := timePattern.FindStringSubmatch(text); m != nil {
			p.info.Stats.CPUSeconds = parseFloat(m[1])
			p.info.Stats.WallSeconds = parseFloat(m[2])
		} else if m := memPattern.FindStringSubmatch(text); m != nil {
			p.info.Stats.MaxRSSMB = parseFloat(m[2])
		}
	}
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
