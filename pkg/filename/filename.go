// Package filename implements the experiment's file and directory naming
// conventions.
//
// Dataset files carry six dot-separated fields:
//
//	tier.owner.description.configuration.sequencer.format
//
// for example "log.mu2e.cosmic.v1.001000_00000012.log". The first five
// fields minus the sequencer identify the dataset.
package filename

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrBadFileName indicates a name that does not have six non-empty fields.
	ErrBadFileName = errors.New("not a dataset file name")

	// ErrBadJobName indicates a job directory name that is not five digits
	// with an optional hexadecimal suffix.
	ErrBadJobName = errors.New("invalid job directory name")
)

// File is a parsed dataset file name.
type File struct {
	Tier          string
	Owner         string
	Description   string
	Configuration string
	Sequencer     string
	Format        string
}

// Parse splits a dataset file name into its fields.
func Parse(name string) (File, error) {
	fields := strings.Split(name, ".")
	if len(fields) != 6 {
		return File{}, fmt.Errorf("%w: %q", ErrBadFileName, name)
	}
	for _, f := range fields {
		if f == "" {
			return File{}, fmt.Errorf("%w: %q", ErrBadFileName, name)
		}
	}
	return File{
		Tier:          fields[0],
		Owner:         fields[1],
		Description:   fields[2],
		Configuration: fields[3],
		Sequencer:     fields[4],
		Format:        fields[5],
	}, nil
}

// String formats the file name.
func (f File) String() string {
	return strings.Join([]string{f.Tier, f.Owner, f.Description, f.Configuration, f.Sequencer, f.Format}, ".")
}

// Dataset returns the dataset name (all fields except the sequencer).
func (f File) Dataset() string {
	return strings.Join([]string{f.Tier, f.Owner, f.Description, f.Configuration, f.Format}, ".")
}

var jobNamePattern = regexp.MustCompile(`^([0-9]{5})(\.[0-9a-fA-F]+)?$`)

// NormalizeJobName strips the temporary hexadecimal suffix left behind by an
// interrupted rename, so "00826.0144a733" and "00826" both yield "00826".
// Anything that is not five digits after stripping is ErrBadJobName.
func NormalizeJobName(name string) (string, error) {
	m := jobNamePattern.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrBadJobName, name)
	}
	return m[1], nil
}
