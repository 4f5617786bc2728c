package gateway

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is the payment protocol version this gateway speaks.
const ProtocolVersion = "1.0.0"

// VersionHeader carries the client's protocol version.
const VersionHeader = "X-402-Version"

var (
	protocolVersion = semver.MustParse(ProtocolVersion)
	supportedRange  = mustConstraint("^" + ProtocolVersion)
)

func mustConstraint(c string) *semver.Constraints {
	cs, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return cs
}

// CheckVersion accepts an empty header or any version compatible with
// ProtocolVersion.
func CheckVersion(header string) error {
	if header == "" {
		return nil
	}
	v, err := semver.NewVersion(header)
	if err != nil {
		return deny(ReasonUnsupportedVersion, fmt.Sprintf("malformed %s %q", VersionHeader, header), err)
	}
	if !supportedRange.Check(v) {
		return deny(ReasonUnsupportedVersion, fmt.Sprintf("version %s not supported, server speaks %s", v, protocolVersion), nil)
	}
	return nil
}
