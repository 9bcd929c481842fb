package tpa

import (
	"github.com/slackhq/nicplane/hw"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	ethHeaderLen = 14
	tcpHeaderLen = 20
	// An aggregated flow carries no TCP option other than the timestamp,
	// which is always nop, nop, kind, length, value, echo.
	tcpTimestampLen = 12
)

// lroMSS estimates the segment size of an aggregation from its first
// segment. The device never aggregates frames with IP options or IPv6
// extension headers.
func lroMSS(flags hw.ParsingFlags, lenOnBD uint16) uint16 {
	hdrs := ethHeaderLen + tcpHeaderLen
	if flags&hw.ParsingIPv6 != 0 {
		hdrs += ipv6.HeaderLen
	} else {
		hdrs += ipv4.HeaderLen
	}
	if flags&hw.ParsingTimestamp != 0 {
		hdrs += tcpTimestampLen
	}
	if int(lenOnBD) < hdrs {
		return 0
	}
	return lenOnBD - uint16(hdrs)
}
