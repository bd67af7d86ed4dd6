package authenticator

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"

	"github.com/6ccg/ovpncore/internal/bytesx"
	"github.com/6ccg/ovpncore/internal/keys"
	"github.com/6ccg/ovpncore/internal/model"
	"github.com/6ccg/ovpncore/internal/prng"
	"github.com/6ccg/ovpncore/pkg/config"
)

// serverReplyHex is a key-method 2 reply captured from an OpenVPN 2.5 server.
const serverReplyHex = "0000000002a490a20a83086e255b4d6c2a10ee9c488d683d1a1337bd4b32b24196a49c98632f00fddcab2c261cb6efae333eed9e1a7f83f3095a0da79b7a6f4709fe1ae040008856342c6465762d747970652074756e2c6c696e6b2d6d747520313535312c74756e2d6d747520313530302c70726f746f2054435076345f5345525645522c636970686572204145532d3235362d47434d2c61757468205b6e756c6c2d6469676573745d2c6b657973697a65203235362c6b65792d6d6574686f6420322c746c732d73657276657200"

func newTestAuthenticator(t *testing.T, o *config.OpenVPNOptions, withLocalOptions bool) *Authenticator {
	t.Helper()
	a, err := New(log.Log, o, withLocalOptions, prng.New(prng.Seed{7}))
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func testOptions() *config.OpenVPNOptions {
	o := config.NewOpenVPNOptions()
	o.Remotes = []config.Endpoint{{Host: "192.0.2.1", Port: "1194", Proto: config.ProtoUDP}}
	o.Username = "alice"
	o.Password = "s3cret"
	return o
}

// authBlob is the parsed form of what PutAuth writes.
type authBlob struct {
	Options  string
	Username string
	Password string
	PeerInfo string
}

func parseBlob(t *testing.T, b []byte) authBlob {
	t.Helper()
	if !bytes.HasPrefix(b, tlsPrefix) {
		t.Fatalf("missing prefix: %x", b[:5])
	}
	rest := b[len(tlsPrefix)+keys.PreMasterLength+2*keys.RandomLength:]
	var fields []string
	for i := 0; i < 4; i++ {
		s, n, err := bytesx.DecodeOptionStringPrefix(rest)
		if err != nil {
			t.Fatalf("field %d: %v", i, err)
		}
		fields = append(fields, s)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		t.Fatalf("trailing bytes: %x", rest)
	}
	return authBlob{fields[0], fields[1], fields[2], fields[3]}
}

func TestAuthenticator_PutAuth(t *testing.T) {
	t.Run("with local options and credentials", func(t *testing.T) {
		o := testOptions()
		a := newTestAuthenticator(t, o, true)
		raw, err := a.PutAuth()
		if err != nil {
			t.Fatal(err)
		}
		blob := parseBlob(t, raw)
		if blob.Options != o.ServerOptionsString() {
			t.Errorf("got options %q", blob.Options)
		}
		if blob.Username != "alice" || blob.Password != "s3cret" {
			t.Errorf("got credentials %q/%q", blob.Username, blob.Password)
		}
		if !strings.Contains(blob.PeerInfo, "IV_CIPHERS=AES-256-GCM:AES-128-GCM\n") {
			t.Errorf("unexpected peer info %q", blob.PeerInfo)
		}
		var source [keys.PreMasterLength + 2*keys.RandomLength]byte
		copy(source[:], raw[len(tlsPrefix):])
		want := append(append(append([]byte{}, a.local.PreMaster[:]...), a.local.R1[:]...), a.local.R2[:]...)
		if !bytes.Equal(source[:], want) {
			t.Error("key source not written after the prefix")
		}
	})

	t.Run("after AUTH_FAILED the options are undefined", func(t *testing.T) {
		a := newTestAuthenticator(t, testOptions(), false)
		raw, err := a.PutAuth()
		if err != nil {
			t.Fatal(err)
		}
		if got := parseBlob(t, raw).Options; got != UndefinedOptions {
			t.Errorf("got options %q", got)
		}
		if a.withLocalOptions {
			t.Error("expected no local options")
		}
	})

	t.Run("no credentials writes empty markers", func(t *testing.T) {
		o := testOptions()
		o.Username, o.Password = "", ""
		a := newTestAuthenticator(t, o, true)
		raw, err := a.PutAuth()
		if err != nil {
			t.Fatal(err)
		}
		blob := parseBlob(t, raw)
		if blob.Username != "" || blob.Password != "" {
			t.Errorf("got credentials %q/%q", blob.Username, blob.Password)
		}
		marker := []byte{0, 0, 0, 0}
		offset := len(tlsPrefix) + keys.PreMasterLength + 2*keys.RandomLength + 2 + len(o.ServerOptionsString()) + 1
		if !bytes.Equal(raw[offset:offset+4], marker) {
			t.Errorf("got %x, want zero length markers", raw[offset:offset+4])
		}
	})

	t.Run("auth-user-pass without credentials fails", func(t *testing.T) {
		o := testOptions()
		o.AuthUserPass = true
		o.Password = ""
		a := newTestAuthenticator(t, o, true)
		if _, err := a.PutAuth(); !errors.Is(err, config.ErrBadConfig) {
			t.Fatalf("expected ErrBadConfig, got %v", err)
		}
	})

	t.Run("auth-nocache purges credentials", func(t *testing.T) {
		o := testOptions()
		o.AuthNoCache = true
		a := newTestAuthenticator(t, o, true)
		raw, err := a.PutAuth()
		if err != nil {
			t.Fatal(err)
		}
		if blob := parseBlob(t, raw); blob.Username != "alice" {
			t.Errorf("got username %q", blob.Username)
		}
		if o.Username != "" || o.Password != "" {
			t.Error("credentials were not purged")
		}
	})
}

func TestPeerInfo(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(o *config.OpenVPNOptions)
		contains []string
		excludes []string
	}{
		{
			"defaults",
			func(o *config.OpenVPNOptions) {},
			[]string{"IV_VER=2.5.11\n", "IV_PROTO=6\n", "IV_NCP=2\n", "IV_CIPHERS=AES-256-GCM:AES-128-GCM\n", "IV_COMP_STUBv2=1\n"},
			[]string{"IV_LZO_STUB"},
		},
		{
			"configured cipher not in defaults",
			func(o *config.OpenVPNOptions) { o.Cipher = "chacha20-poly1305" },
			[]string{"IV_CIPHERS=AES-256-GCM:AES-128-GCM:CHACHA20-POLY1305\n"},
			nil,
		},
		{
			"data ciphers",
			func(o *config.OpenVPNOptions) { o.DataCiphers = []string{"CHACHA20-POLY1305", "AES-128-GCM"} },
			[]string{"IV_CIPHERS=CHACHA20-POLY1305:AES-128-GCM\n"},
			nil,
		},
		{
			"lzo stub",
			func(o *config.OpenVPNOptions) { o.Compress = config.CompressionLZONo },
			[]string{"IV_LZO_STUB=1\n"},
			nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := testOptions()
			tt.mutate(o)
			got := PeerInfo(o)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("missing %q in %q", s, got)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("unexpected %q in %q", s, got)
				}
			}
		})
	}
}

func TestAuthenticator_ParseAuthReply(t *testing.T) {
	reply, _ := hex.DecodeString(serverReplyHex)
	wantOptions := "V4,dev-type tun,link-mtu 1551,tun-mtu 1500,proto TCPv4_SERVER,cipher AES-256-GCM,auth [null-digest],keysize 256,key-method 2,tls-server"
	wantRandom1, _ := hex.DecodeString("a490a20a83086e255b4d6c2a10ee9c488d683d1a1337bd4b32b24196a49c9863")
	wantRandom2, _ := hex.DecodeString("2f00fddcab2c261cb6efae333eed9e1a7f83f3095a0da79b7a6f4709fe1ae040")

	a := newTestAuthenticator(t, testOptions(), true)
	// feed one byte at a time: incomplete data is not an error
	for i, b := range reply {
		a.AppendControlData([]byte{b})
		ok, err := a.ParseAuthReply()
		if err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
		if ok != (i == len(reply)-1) {
			t.Fatalf("byte %d: got ok=%v", i, ok)
		}
	}
	if a.serverOptions != wantOptions {
		t.Errorf("got options %q", a.serverOptions)
	}
	if !bytes.Equal(a.remote.R1[:], wantRandom1) || !bytes.Equal(a.remote.R2[:], wantRandom2) {
		t.Error("unexpected server randoms")
	}
	if !a.replyParsed {
		t.Error("expected the reply to be parsed")
	}
	if ok, err := a.ParseAuthReply(); !ok || err != nil {
		t.Errorf("second call: ok=%v err=%v", ok, err)
	}
}

func TestAuthenticator_ParseAuthReplyErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{"wrong prefix", []byte("AUTH_FAILED\x00"), ErrBadPrefix},
		{"wrong short prefix", []byte{0x00, 0x01}, ErrBadPrefix},
		{"wrong key method", append([]byte{0, 0, 0, 0, 1}, make([]byte, 80)...), ErrBadPrefix},
		{
			"options without trailing NUL",
			append(append([]byte{0, 0, 0, 0, 2}, make([]byte, 64)...), 0x00, 0x02, 'a', 'b'),
			ErrBadAuthReply,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAuthenticator(t, testOptions(), true)
			a.AppendControlData(tt.data)
			ok, err := a.ParseAuthReply()
			if ok || !errors.Is(err, tt.wantErr) {
				t.Fatalf("got ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestAuthenticator_ParseMessages(t *testing.T) {
	reply, _ := hex.DecodeString(serverReplyHex)
	tests := []struct {
		name   string
		chunks []string
		want   [][]string
	}{
		{
			"single push reply",
			[]string{"PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0\x00"},
			[][]string{{"PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0"}},
		},
		{
			"split across reads",
			[]string{"AUTH_", "FAILED\x00RESTA", "RT\x00"},
			[][]string{nil, {"AUTH_FAILED"}, {"RESTART"}},
		},
		{
			"empty messages are skipped",
			[]string{"\x00\x00AUTH_FAILED,bad\x00"},
			[][]string{{"AUTH_FAILED,bad"}},
		},
		{
			"push continuation",
			[]string{
				"PUSH_REPLY,route 10.0.0.0 255.0.0.0,push-continuation 2\x00",
				"PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0,push-continuation 1\x00",
			},
			[][]string{nil, {"PUSH_REPLY,route 10.0.0.0 255.0.0.0,ifconfig 10.8.0.2 255.255.255.0"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAuthenticator(t, testOptions(), true)
			a.AppendControlData(reply)
			if ok, err := a.ParseAuthReply(); !ok || err != nil {
				t.Fatalf("ok=%v err=%v", ok, err)
			}
			for i, chunk := range tt.chunks {
				a.AppendControlData([]byte(chunk))
				if diff := cmp.Diff(tt.want[i], a.ParseMessages()); diff != "" {
					t.Errorf("chunk %d: %s", i, diff)
				}
			}
		})
	}

	t.Run("nothing is parsed before the auth reply", func(t *testing.T) {
		a := newTestAuthenticator(t, testOptions(), true)
		a.AppendControlData([]byte("PUSH_REPLY\x00"))
		if got := a.ParseMessages(); got != nil {
			t.Errorf("got %v", got)
		}
	})

	t.Run("messages right after the reply", func(t *testing.T) {
		a := newTestAuthenticator(t, testOptions(), true)
		a.AppendControlData(append(append([]byte{}, reply...), "PUSH_REPLY,ping 10\x00"...))
		if ok, err := a.ParseAuthReply(); !ok || err != nil {
			t.Fatalf("ok=%v err=%v", ok, err)
		}
		if diff := cmp.Diff([]string{"PUSH_REPLY,ping 10"}, a.ParseMessages()); diff != "" {
			t.Error(diff)
		}
	})
}

func TestAuthenticator_DeriveKeyMaterialAndReset(t *testing.T) {
	reply, _ := hex.DecodeString(serverReplyHex)
	a := newTestAuthenticator(t, testOptions(), true)
	local := model.SessionID{1, 2, 3, 4, 5, 6, 7, 8}
	remote := model.SessionID{8, 7, 6, 5, 4, 3, 2, 1}

	if _, err := a.DeriveKeyMaterial(local, remote); !errors.Is(err, ErrBadAuthReply) {
		t.Fatalf("expected ErrBadAuthReply before the reply, got %v", err)
	}
	a.AppendControlData(reply)
	if ok, err := a.ParseAuthReply(); !ok || err != nil {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	km, err := a.DeriveKeyMaterial(local, remote)
	if err != nil {
		t.Fatal(err)
	}
	want := keys.DeriveKeyMaterial(a.local, a.remote, local[:], remote[:])
	if diff := cmp.Diff(want, km); diff != "" {
		t.Error(diff)
	}

	a.AppendControlData([]byte("partial"))
	a.Reset()
	var zero keys.KeySource
	if *a.local != zero || *a.remote != zero {
		t.Error("key sources were not wiped")
	}
	if a.controlBuffer != nil {
		t.Error("control buffer was not wiped")
	}
	if _, err := a.DeriveKeyMaterial(local, remote); !errors.Is(err, ErrBadAuthReply) {
		t.Fatalf("expected ErrBadAuthReply after reset, got %v", err)
	}
	a.AppendControlData([]byte("RESTART\x00"))
	if diff := cmp.Diff([]string{"RESTART"}, a.ParseMessages()); diff != "" {
		t.Error(diff)
	}
}
