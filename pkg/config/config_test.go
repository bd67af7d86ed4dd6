package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
)

func TestNewConfig(t *testing.T) {
	t.Run("default constructor does not fail", func(t *testing.T) {
		c := NewConfig()
		if c.logger == nil {
			t.Errorf("logger should not be nil")
		}
		if c.OpenVPNOptions().Cipher != DefaultCipher {
			t.Errorf("expected default cipher")
		}
		if c.Remote() != nil {
			t.Errorf("expected no remote")
		}
	})
	t.Run("WithLogger sets the logger", func(t *testing.T) {
		testLogger := log.WithField("test", true)
		c := NewConfig(WithLogger(testLogger))
		if c.Logger() != testLogger {
			t.Errorf("expected logger to be set to the configured one")
		}
	})
	t.Run("WithOpenVPNOptions sets the options", func(t *testing.T) {
		opts := &OpenVPNOptions{Remotes: []Endpoint{{Host: "2.3.4.5", Port: "1194", Proto: ProtoUDP}}}
		c := NewConfig(WithOpenVPNOptions(opts))
		if c.OpenVPNOptions() != opts {
			t.Errorf("expected options to be set to the configured ones")
		}
		want := &Endpoint{Host: "2.3.4.5", Port: "1194", Proto: ProtoUDP}
		if diff := cmp.Diff(want, c.Remote()); diff != "" {
			t.Error(diff)
		}
	})
	t.Run("WithProfile loads the profile", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "profile.yaml")
		if err := os.WriteFile(path, []byte(sampleProfile), 0600); err != nil {
			t.Fatal(err)
		}
		c := NewConfig(WithProfile(path))
		if c.OpenVPNOptions().Proto() != ProtoUDP {
			t.Error("expected proto udp")
		}
		if c.Remote().Address() != "2.3.4.5:1194" {
			t.Errorf("unexpected remote %v", c.Remote())
		}
	})
	t.Run("WithProfile panics on a missing file", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("expected panic")
			}
		}()
		NewConfig(WithProfile(filepath.Join(t.TempDir(), "missing.yaml")))
	})
}

var sampleProfile = `
remotes:
  - host: 2.3.4.5
cipher: AES-256-GCM
auth: SHA512
username: alice
password: s3cret
ca: |
  -----BEGIN CERTIFICATE-----
  dummy
  -----END CERTIFICATE-----
`
