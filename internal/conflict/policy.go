package conflict

import (
	"todosync/internal/utils"
)

// Policy selects how concurrent edits of the same record are reconciled.
type Policy string

const (
	PolicyManual         Policy = "manual"
	PolicyLastModified   Policy = "lastModified"
	PolicyDevicePriority Policy = "devicePriority"
)

// Policies lists every supported policy.
func Policies() []Policy {
	return []Policy{PolicyManual, PolicyLastModified, PolicyDevicePriority}
}

// IsValid reports whether p is a supported policy.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyManual, PolicyLastModified, PolicyDevicePriority:
		return true
	}
	return false
}

// Description returns a one-line explanation for help output.
func (p Policy) Description() string {
	switch p {
	case PolicyManual:
		return "ask through the registered conflict handler, keeping the local version when none is registered"
	case PolicyLastModified:
		return "keep the most recently modified version, local on a tie"
	case PolicyDevicePriority:
		return "keep the version from the device ranked highest in the priority order"
	}
	return ""
}

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	p := Policy(s)
	if !p.IsValid() {
		valid := make([]string, 0, 3)
		for _, v := range Policies() {
			valid = append(valid, string(v))
		}
		return "", utils.ErrInvalidPolicy(s, valid)
	}
	return p, nil
}
