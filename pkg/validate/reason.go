package validate

import "fmt"

// Reason is the classification of one job directory: Good or exactly one
// failure category.
type Reason int

const (
	Good Reason = iota
	NoLog
	LogCheck
	ExitStatus
	DataSize
	MetaPaired
	DataCheck
	GridDuplicate
	ResubmissionDuplicate
)

var reasonLabels = [...]string{
	Good:                  "good",
	NoLog:                 "nolog",
	LogCheck:              "logcheck",
	ExitStatus:            "exitstatus",
	DataSize:              "datasize",
	MetaPaired:            "metapaired",
	DataCheck:             "datacheck",
	GridDuplicate:         "gridduplicate",
	ResubmissionDuplicate: "resubmissionduplicate",
}

// Reasons returns every reason in declaration order.
func Reasons() []Reason {
	out := make([]Reason, len(reasonLabels))
	for i := range reasonLabels {
		out[i] = Reason(i)
	}
	return out
}

// String returns the lowercase label, which is also the directory name used
// under failed/.
func (r Reason) String() string {
	if r < 0 || int(r) >= len(reasonLabels) {
		return fmt.Sprintf("reason(%d)", int(r))
	}
	return reasonLabels[r]
}

// Failed reports whether r is a failure category.
func (r Reason) Failed() bool {
	return r != Good
}

// ParseReason inverts String.
func ParseReason(s string) (Reason, error) {
	for i, l := range reasonLabels {
		if l == s {
			return Reason(i), nil
		}
	}
	return Good, fmt.Errorf("unknown reason %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r Reason) MarshalText() ([]byte, error) {
	if r < 0 || int(r) >= len(reasonLabels) {
		return nil, fmt.Errorf("unknown reason %d", int(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reason) UnmarshalText(b []byte) error {
	v, err := ParseReason(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}
