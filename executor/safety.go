package executor

import (
	"fmt"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/yairfalse/vigil/types"
)

// ParamType selects the validation applied to a template parameter
type ParamType string

const (
	ParamInterface   ParamType = "interface"
	ParamVLAN        ParamType = "vlan"
	ParamIPv4        ParamType = "ipv4"
	ParamPrefix      ParamType = "prefix"
	ParamASN         ParamType = "asn"
	ParamHostname    ParamType = "hostname"
	ParamDescription ParamType = "description"
	ParamInteger     ParamType = "integer"
	// ParamSecret values are validated like any other but never appear in
	// logs, audit entries or results
	ParamSecret ParamType = "secret"
)

// forbiddenChars can break out of a command line or chain commands
const forbiddenChars = "\n\r|;!`"

var (
	interfacePattern = regexp.MustCompile(`(?i)^(GigabitEthernet|FastEthernet|Ethernet|Loopback|Vlan|Port-channel|` +
		`TenGigabitEthernet|TwentyFiveGigE|FortyGigabitEthernet|HundredGigE|Management|Tunnel|BDI|mgmt|` +
		`ge-|xe-|et-|ae)[0-9]+(/[0-9]+)*(\.[0-9]+)?$`)
	hostnamePattern    = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,255}$`)
	descriptionPattern = regexp.MustCompile(`^[a-zA-Z0-9 _.,-]{0,255}$`)
	secretPattern      = regexp.MustCompile(`^[[:graph:]]{1,128}$`)
)

const (
	maxVLAN = 4094
	maxASN  = 1<<32 - 1
)

// ValidateParam checks one parameter value against its type and returns the
// canonical form that goes into the command
func ValidateParam(name string, typ ParamType, value string) (string, error) {
	if strings.ContainsAny(value, forbiddenChars) {
		return "", paramError(name, "contains forbidden characters")
	}

	switch typ {
	case ParamInterface:
		if !interfacePattern.MatchString(value) {
			return "", paramError(name, "is not a valid interface name")
		}
	case ParamVLAN:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > maxVLAN {
			return "", paramError(name, fmt.Sprintf("must be a VLAN id between 1 and %d", maxVLAN))
		}
		return strconv.Itoa(n), nil
	case ParamIPv4:
		addr, err := netip.ParseAddr(value)
		if err != nil || !addr.Is4() {
			return "", paramError(name, "is not a valid IPv4 address")
		}
		return addr.String(), nil
	case ParamPrefix:
		prefix, err := netip.ParsePrefix(value)
		if err != nil || !prefix.Addr().Is4() {
			return "", paramError(name, "is not a valid IPv4 prefix (a.b.c.d/len)")
		}
		return prefix.Masked().String(), nil
	case ParamASN:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil || n < 1 || n > maxASN {
			return "", paramError(name, "must be an ASN between 1 and 4294967295")
		}
		return strconv.FormatUint(n, 10), nil
	case ParamHostname:
		if !hostnamePattern.MatchString(value) {
			return "", paramError(name, "is not a valid hostname")
		}
	case ParamDescription:
		if !descriptionPattern.MatchString(value) {
			return "", paramError(name, "contains characters not allowed in a description")
		}
	case ParamInteger:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", paramError(name, "must be an integer")
		}
		return strconv.FormatInt(n, 10), nil
	case ParamSecret:
		if !secretPattern.MatchString(value) {
			return "", paramError(name, "must be 1-128 printable characters without spaces")
		}
	default:
		return "", paramError(name, fmt.Sprintf("has unsupported type %q", typ))
	}
	return value, nil
}

func paramError(name, reason string) error {
	return &types.ValidationError{Field: "params." + name, Reason: reason}
}
