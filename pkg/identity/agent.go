package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// Method is the DID method used for every agent identifier.
const Method = "veritas"

// Unknown is the agent id recorded when a producer could not identify itself.
const Unknown = "unknown"

// Well-known agent roles.
const (
	RoleCore     = "core"
	RoleGateway  = "gateway"
	RoleTreasury = "treasury"
	RoleSentinel = "sentinel"
	RoleOperator = "operator"
)

var (
	ErrMalformedAgentID = errors.New("identity: malformed agent id")

	segmentPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	lower          = cases.Lower(language.Und)
)

// AgentID is a namespaced agent identifier of the form did:veritas:<role>:<instance>.
type AgentID string

func (a AgentID) String() string { return string(a) }

// NewAgentID builds an identifier from a role and instance name.
// Both parts are NFC-normalised and lower-cased before validation.
func NewAgentID(role, instance string) (AgentID, error) {
	role = normalizeSegment(role)
	instance = normalizeSegment(instance)
	if !segmentPattern.MatchString(role) || !segmentPattern.MatchString(instance) {
		return "", fmt.Errorf("%w: role=%q instance=%q", ErrMalformedAgentID, role, instance)
	}
	return AgentID("did:" + Method + ":" + role + ":" + instance), nil
}

// MustAgentID is NewAgentID for fixed, known-good inputs.
func MustAgentID(role, instance string) AgentID {
	id, err := NewAgentID(role, instance)
	if err != nil {
		panic(err)
	}
	return id
}

// ParseAgentID splits a namespaced identifier into role and instance.
func ParseAgentID(s string) (role, instance string, err error) {
	parts := strings.Split(Normalize(s), ":")
	if len(parts) != 4 || parts[0] != "did" || parts[1] != Method {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedAgentID, s)
	}
	if !segmentPattern.MatchString(parts[2]) || !segmentPattern.MatchString(parts[3]) {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedAgentID, s)
	}
	return parts[2], parts[3], nil
}

// Normalize returns the canonical spelling of an agent id. Empty input
// normalises to Unknown so producers never write a blank agent.
func Normalize(s string) string {
	s = strings.TrimSpace(norm.NFC.String(s))
	if s == "" {
		return Unknown
	}
	return lower.String(s)
}

// IsUnknown reports whether s denotes an unidentified agent.
func IsUnknown(s string) bool {
	return Normalize(s) == Unknown
}

func normalizeSegment(s string) string {
	return lower.String(strings.TrimSpace(norm.NFC.String(s)))
}
