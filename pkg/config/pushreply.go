package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// ErrBadPushReply is returned when a PUSH_REPLY cannot be parsed.
var ErrBadPushReply = errors.New("openvpn: bad push reply")

// PushReplyPrefix starts every PUSH_REPLY message.
const PushReplyPrefix = "PUSH_REPLY"

// Route is a pushed route.
type Route struct {
	Destination string
	Mask        string
	Gateway     string
}

// IPv4Settings is the pushed IPv4 configuration.
type IPv4Settings struct {
	Address        string
	AddressMask    string
	DefaultGateway string
	Routes         []Route
}

// IPv6Settings is the pushed IPv6 configuration.
type IPv6Settings struct {
	Address        string
	PrefixLength   int
	DefaultGateway string
	Routes         []Route
}

// PushReply is the configuration pushed by the server.
type PushReply struct {
	IPv4            *IPv4Settings
	IPv6            *IPv6Settings
	DNSServers      []string
	SearchDomains   []string
	RedirectGateway bool
	Topology        string

	Cipher            string
	Compression       *Compression
	Ping              time.Duration
	PingRestart       time.Duration
	RenegotiatesAfter *time.Duration
	AuthToken         string
	PeerID            *uint32

	// Original is the message as received, minus the prefix.
	Original string
}

// HasRouting returns whether the reply carries IPv4 or IPv6 settings.
func (pr *PushReply) HasRouting() bool {
	return pr.IPv4 != nil || pr.IPv6 != nil
}

// ParsePushReply parses a full PUSH_REPLY control message.
func ParsePushReply(message string) (*PushReply, error) {
	message = strings.TrimRight(message, "\x00")
	if !strings.HasPrefix(message, PushReplyPrefix) {
		return nil, fmt.Errorf("%w: missing prefix", ErrBadPushReply)
	}
	body := strings.TrimPrefix(strings.TrimPrefix(message, PushReplyPrefix), ",")
	pr := &PushReply{Original: body}

	var routeGateway string
	var routes4 []Route
	var routes6 []Route
	var ifconfig []string

	for _, opt := range strings.Split(body, ",") {
		fields := strings.Fields(opt)
		if len(fields) == 0 {
			continue
		}
		key, args := fields[0], fields[1:]
		switch key {
		case "ifconfig":
			if len(args) < 2 {
				return nil, fmt.Errorf("%w: ifconfig needs two args", ErrBadPushReply)
			}
			ifconfig = args
		case "ifconfig-ipv6":
			if len(args) < 1 {
				return nil, fmt.Errorf("%w: ifconfig-ipv6 needs args", ErrBadPushReply)
			}
			ip, ipnet, err := net.ParseCIDR(args[0])
			if err != nil {
				return nil, fmt.Errorf("%w: ifconfig-ipv6: %s", ErrBadPushReply, err)
			}
			ones, _ := ipnet.Mask.Size()
			pr.IPv6 = &IPv6Settings{Address: ip.String(), PrefixLength: ones}
			if len(args) > 1 {
				pr.IPv6.DefaultGateway = args[1]
			}
		case "route":
			if len(args) < 1 {
				return nil, fmt.Errorf("%w: route needs args", ErrBadPushReply)
			}
			r := Route{Destination: args[0], Mask: "255.255.255.255"}
			if len(args) > 1 {
				r.Mask = args[1]
			}
			if len(args) > 2 {
				r.Gateway = args[2]
			}
			routes4 = append(routes4, r)
		case "route-ipv6":
			if len(args) < 1 {
				return nil, fmt.Errorf("%w: route-ipv6 needs args", ErrBadPushReply)
			}
			r := Route{Destination: args[0]}
			if len(args) > 1 {
				r.Gateway = args[1]
			}
			routes6 = append(routes6, r)
		case "route-gateway":
			if len(args) > 0 {
				routeGateway = args[0]
			}
		case "redirect-gateway":
			pr.RedirectGateway = true
		case "topology":
			if len(args) > 0 {
				pr.Topology = args[0]
			}
		case "dhcp-option":
			if len(args) < 2 {
				continue
			}
			switch args[0] {
			case "DNS", "DNS6":
				pr.DNSServers = append(pr.DNSServers, args[1])
			case "DOMAIN", "DOMAIN-SEARCH":
				pr.SearchDomains = append(pr.SearchDomains, args[1])
			}
		case "cipher":
			if len(args) > 0 {
				pr.Cipher = args[0]
			}
		case "compress":
			c := CompressionEmpty
			if len(args) > 0 {
				switch args[0] {
				case "stub":
					c = CompressionStub
				case "stub-v2":
					c = CompressionStubV2
				default:
					c = Compression(args[0])
				}
			}
			pr.Compression = &c
		case "comp-lzo":
			c := CompressionLZONo
			if len(args) > 0 && args[0] != "no" {
				c = Compression("lzo")
			}
			pr.Compression = &c
		case "ping":
			d, err := parseSeconds(key, args)
			if err != nil {
				return nil, err
			}
			pr.Ping = d
		case "ping-restart":
			d, err := parseSeconds(key, args)
			if err != nil {
				return nil, err
			}
			pr.PingRestart = d
		case "reneg-sec":
			d, err := parseSeconds(key, args)
			if err != nil {
				return nil, err
			}
			pr.RenegotiatesAfter = &d
		case "auth-token":
			if len(args) > 0 {
				pr.AuthToken = args[0]
			}
		case "peer-id":
			if len(args) < 1 {
				return nil, fmt.Errorf("%w: peer-id needs one arg", ErrBadPushReply)
			}
			v, err := strconv.ParseUint(args[0], 10, 24)
			if err != nil {
				return nil, fmt.Errorf("%w: peer-id: %s", ErrBadPushReply, err)
			}
			id := uint32(v)
			pr.PeerID = &id
		}
	}

	if ifconfig != nil {
		pr.IPv4 = &IPv4Settings{Address: ifconfig[0]}
		if isNetmask(ifconfig[1]) && pr.Topology != "net30" && pr.Topology != "p2p" {
			pr.IPv4.AddressMask = ifconfig[1]
		} else {
			// net30 and p2p push the remote endpoint
			pr.IPv4.AddressMask = "255.255.255.255"
			if routeGateway == "" {
				routeGateway = ifconfig[1]
			}
		}
		pr.IPv4.DefaultGateway = routeGateway
		pr.IPv4.Routes = routes4
	}
	if pr.IPv6 != nil {
		pr.IPv6.Routes = routes6
	}
	return pr, nil
}

func parseSeconds(key string, args []string) (time.Duration, error) {
	if len(args) < 1 {
		return 0, fmt.Errorf("%w: %s needs one arg", ErrBadPushReply, key)
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s: bad value %q", ErrBadPushReply, key, args[0])
	}
	return time.Duration(n) * time.Second, nil
}

// isNetmask returns whether s is a contiguous IPv4 mask.
func isNetmask(s string) bool {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return false
	}
	_, bits := net.IPMask(ip).Size()
	return bits == 32
}
