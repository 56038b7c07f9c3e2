package extproc

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/samber/oops"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	HeaderEnvoyExternalAddr = "x-envoy-external-address"
)

func ParseIPFromAddress(addr string) (netip.Addr, error) {
	ip, errParse := netip.ParseAddr(strings.Trim(addr, "[]"))
	if errParse == nil {
		return ip, nil
	}
	ap, errParseAddrPort := netip.ParseAddrPort(addr)
	if errParseAddrPort == nil {
		return ap.Addr(), nil
	}
	return netip.Addr{}, oops.
		In("extproc").
		Code("PARSE_IP_FROM_ADDRESS_FAILED").
		With("addr", addr).
		Join(errParse, errParseAddrPort)
}

// AttributeInt reads an attribute Envoy may encode as a number or a string.
func AttributeInt(v *structpb.Value) (int, bool) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return int(k.NumberValue), true
	case *structpb.Value_StringValue:
		n, err := strconv.Atoi(k.StringValue)
		return n, err == nil
	default:
		return 0, false
	}
}

func FirstNonEmpty[T comparable](values ...T) T {
	var empty T
	for _, v := range values {
		if v != empty {
			return v
		}
	}
	return empty
}
