package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is the on-disk YAML form of [OpenVPNOptions]. PEM fields hold
// either the inline PEM block or a path relative to the profile file.
type Profile struct {
	Remotes []Endpoint `yaml:"remotes"`

	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	AuthUserPass bool   `yaml:"auth_user_pass"`
	AuthNoCache  bool   `yaml:"auth_nocache"`

	CA           string `yaml:"ca"`
	Cert         string `yaml:"cert"`
	Key          string `yaml:"key"`
	TLSAuth      string `yaml:"tls_auth"`
	TLSCrypt     string `yaml:"tls_crypt"`
	KeyDirection string `yaml:"key_direction"`

	Cipher      string      `yaml:"cipher"`
	Auth        string      `yaml:"auth"`
	DataCiphers []string    `yaml:"data_ciphers"`
	Compress    Compression `yaml:"compress"`

	CheckEKU       bool   `yaml:"remote_cert_tls_server"`
	VerifyX509Name string `yaml:"verify_x509_name"`
	TLSMinVersion  string `yaml:"tls_version_min"`

	KeepAliveInterval        time.Duration `yaml:"keepalive_interval"`
	KeepAliveTimeout         time.Duration `yaml:"keepalive_timeout"`
	RenegotiatesAfter        time.Duration `yaml:"reneg_sec"`
	RenegotiatesAfterBytes   uint64        `yaml:"reneg_bytes"`
	RenegotiatesAfterPackets uint64        `yaml:"reneg_pkts"`
	NoReplay                 bool          `yaml:"no_replay"`

	// LogLevel is used by the command line client.
	LogLevel string `yaml:"log_level"`
}

// LoadProfile reads and validates the YAML profile at path.
func LoadProfile(path string) (*OpenVPNOptions, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	defer file.Close()
	profile, err := DecodeProfile(file)
	if err != nil {
		return nil, err
	}
	opts, err := profile.Options(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// DecodeProfile decodes a YAML profile, rejecting unknown fields.
func DecodeProfile(r io.Reader) (*Profile, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	var profile Profile
	if err := decoder.Decode(&profile); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	return &profile, nil
}

// Options converts the profile to [OpenVPNOptions], reading PEM files
// relative to basedir. Unset values get the protocol defaults.
func (p *Profile) Options(basedir string) (*OpenVPNOptions, error) {
	o := NewOpenVPNOptions()
	for _, r := range p.Remotes {
		if r.Port == "" {
			r.Port = DefaultPort
		}
		if r.Proto == "" {
			r.Proto = ProtoUDP
		}
		o.Remotes = append(o.Remotes, r)
	}
	o.Username = p.Username
	o.Password = p.Password
	o.AuthUserPass = p.AuthUserPass
	o.AuthNoCache = p.AuthNoCache
	o.KeyDirection = p.KeyDirection
	if p.Cipher != "" {
		o.Cipher = p.Cipher
	}
	if p.Auth != "" {
		o.Auth = p.Auth
	}
	o.DataCiphers = p.DataCiphers
	o.Compress = p.Compress
	o.CheckEKU = p.CheckEKU
	o.VerifyX509Name = p.VerifyX509Name
	o.TLSMinVersion = p.TLSMinVersion
	o.KeepAliveInterval = p.KeepAliveInterval
	o.KeepAliveTimeout = p.KeepAliveTimeout
	if p.RenegotiatesAfter != 0 {
		o.RenegotiatesAfter = p.RenegotiatesAfter
	}
	o.RenegotiatesAfterBytes = p.RenegotiatesAfterBytes
	o.RenegotiatesAfterPackets = p.RenegotiatesAfterPackets
	o.NoReplay = p.NoReplay

	pems := []struct {
		name string
		in   string
		out  *[]byte
	}{
		{"ca", p.CA, &o.CA},
		{"cert", p.Cert, &o.Cert},
		{"key", p.Key, &o.Key},
		{"tls_auth", p.TLSAuth, &o.TLSAuth},
		{"tls_crypt", p.TLSCrypt, &o.TLSCrypt},
	}
	for _, pem := range pems {
		data, err := readPEM(pem.in, basedir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %s", ErrBadConfig, pem.name, err)
		}
		*pem.out = data
	}
	return o, nil
}

// readPEM returns the inline block, or the content of the file it names.
func readPEM(value, basedir string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	if strings.HasPrefix(value, "-----BEGIN") || strings.HasPrefix(value, "#") {
		return []byte(value + "\n"), nil
	}
	path := value
	if !filepath.IsAbs(path) {
		path = filepath.Join(basedir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(data), nil
}
