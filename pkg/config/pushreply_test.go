package config

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func ptr[T any](v T) *T {
	return &v
}

func TestParsePushReply(t *testing.T) {
	tests := []struct {
		name    string
		message string
		want    *PushReply
		wantErr error
	}{
		{
			name:    "ifconfig only",
			message: "PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0\x00",
			want: &PushReply{
				IPv4:     &IPv4Settings{Address: "10.8.0.2", AddressMask: "255.255.255.0"},
				Original: "ifconfig 10.8.0.2 255.255.255.0",
			},
		},
		{
			name: "typical subnet reply",
			message: "PUSH_REPLY,redirect-gateway def1,dhcp-option DNS 1.1.1.1,dhcp-option DOMAIN example.org," +
				"route 192.168.1.0 255.255.255.0,route-gateway 10.8.0.1,topology subnet,ping 10,ping-restart 60," +
				"ifconfig 10.8.0.2 255.255.255.0,peer-id 5,cipher AES-256-GCM,auth-token SESS_ID_x,reneg-sec 0",
			want: &PushReply{
				IPv4: &IPv4Settings{
					Address:        "10.8.0.2",
					AddressMask:    "255.255.255.0",
					DefaultGateway: "10.8.0.1",
					Routes:         []Route{{Destination: "192.168.1.0", Mask: "255.255.255.0"}},
				},
				DNSServers:        []string{"1.1.1.1"},
				SearchDomains:     []string{"example.org"},
				RedirectGateway:   true,
				Topology:          "subnet",
				Cipher:            "AES-256-GCM",
				Ping:              10 * time.Second,
				PingRestart:       60 * time.Second,
				RenegotiatesAfter: ptr(time.Duration(0)),
				AuthToken:         "SESS_ID_x",
				PeerID:            ptr(uint32(5)),
			},
		},
		{
			name:    "net30 pushes the peer address",
			message: "PUSH_REPLY,topology net30,ifconfig 10.8.0.6 10.8.0.5",
			want: &PushReply{
				IPv4:     &IPv4Settings{Address: "10.8.0.6", AddressMask: "255.255.255.255", DefaultGateway: "10.8.0.5"},
				Topology: "net30",
			},
		},
		{
			name:    "ipv6",
			message: "PUSH_REPLY,ifconfig-ipv6 fd00::1000/64 fd00::1,route-ipv6 2000::/3,compress stub-v2",
			want: &PushReply{
				IPv6: &IPv6Settings{
					Address:        "fd00::1000",
					PrefixLength:   64,
					DefaultGateway: "fd00::1",
					Routes:         []Route{{Destination: "2000::/3"}},
				},
				Compression: ptr(CompressionStubV2),
			},
		},
		{
			name:    "no routing",
			message: "PUSH_REPLY,ping 10,comp-lzo no",
			want:    &PushReply{Ping: 10 * time.Second, Compression: ptr(CompressionLZONo)},
		},
		{"not a push reply", "AUTH_FAILED", nil, ErrBadPushReply},
		{"short ifconfig", "PUSH_REPLY,ifconfig 10.8.0.2", nil, ErrBadPushReply},
		{"bad ipv6", "PUSH_REPLY,ifconfig-ipv6 nope", nil, ErrBadPushReply},
		{"bad ping", "PUSH_REPLY,ping soon", nil, ErrBadPushReply},
		{"bad peer-id", "PUSH_REPLY,peer-id 99999999", nil, ErrBadPushReply},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePushReply(tt.message)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got error %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if tt.want.Original == "" {
				got.Original = ""
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Error(diff)
			}
		})
	}
}

func TestPushReply_HasRouting(t *testing.T) {
	for message, want := range map[string]bool{
		"PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0":  true,
		"PUSH_REPLY,ifconfig-ipv6 fd00::2/64 fd00::1": true,
		"PUSH_REPLY,ping 10":                          false,
	} {
		pr, err := ParsePushReply(message)
		if err != nil {
			t.Fatal(err)
		}
		if pr.HasRouting() != want {
			t.Errorf("%q: got %v", message, !want)
		}
	}
}
