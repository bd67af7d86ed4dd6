package tlssession

import (
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/6ccg/ovpncore/internal/runtimex"
	"github.com/6ccg/ovpncore/pkg/config"

	tls "github.com/refraction-networking/utls"
)

var (
	// ErrBadTLSInit is returned when the TLS client cannot be configured.
	ErrBadTLSInit = errors.New("TLS init error")

	// ErrBadTLSHandshake is returned when the TLS handshake fails.
	ErrBadTLSHandshake = errors.New("handshake failure")

	// ErrBadCA is returned when the CA cannot be parsed.
	ErrBadCA = errors.New("bad ca conf")

	// ErrBadKeypair is returned when the client certificate or key cannot be parsed.
	ErrBadKeypair = errors.New("bad keypair conf")

	// ErrBadParrot is returned when the ClientHello spec cannot be applied.
	ErrBadParrot = errors.New("cannot parrot")

	// ErrCannotVerifyCertChain is returned when the server chain does not
	// verify against the CA.
	ErrCannotVerifyCertChain = errors.New("cannot verify chain")

	// ErrX509NameMismatch is returned when the server certificate does not
	// carry the expected name.
	ErrX509NameMismatch = errors.New("X.509 name mismatch")

	// ErrExtKeyUsageMismatch is returned when the server certificate is not
	// a TLS server certificate.
	ErrExtKeyUsageMismatch = errors.New("Extended Key Usage mismatch")
)

// certVerifyOptionsNoCommonNameCheck returns a x509.VerifyOptions initialized with
// an empty string for the DNSName field. The name is checked separately.
func certVerifyOptionsNoCommonNameCheck() x509.VerifyOptions {
	return x509.VerifyOptions{
		DNSName:   "",
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
}

// certVerifyOptions is swapped in tests.
var certVerifyOptions = certVerifyOptionsNoCommonNameCheck

// certBytes holds the PEM blocks for a certificate, its key and the CA.
type certBytes struct {
	cert []byte
	key  []byte
	ca   []byte
}

// loadCertAndCAFromBytes parses the PEM blocks. The client keypair is
// optional since the server may authenticate us with credentials only.
func loadCertAndCAFromBytes(crt certBytes) (*certConfig, error) {
	ca := x509.NewCertPool()
	ok := ca.AppendCertsFromPEM(crt.ca)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBadCA, "cannot parse ca cert")
	}
	cfg := &certConfig{ca: ca}
	if len(crt.cert) != 0 && len(crt.key) != 0 {
		cert, err := tls.X509KeyPair(crt.cert, crt.key)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
		cfg.cert = &cert
	}
	return cfg, nil
}

// certConfig is everything we need to verify the server and present
// ourselves.
type certConfig struct {
	cert           *tls.Certificate
	ca             *x509.CertPool
	verifyX509Name string
	checkEKU       bool
	minVersion     uint16
}

// newCertConfigFromOptions builds a [certConfig] from the session options.
func newCertConfigFromOptions(o *config.OpenVPNOptions) (*certConfig, error) {
	cfg, err := loadCertAndCAFromBytes(certBytes{
		cert: o.Cert,
		key:  o.Key,
		ca:   o.CA,
	})
	if err != nil {
		return nil, err
	}
	cfg.verifyX509Name = o.VerifyX509Name
	cfg.checkEKU = o.CheckEKU
	switch o.TLSMinVersion {
	case "1.3":
		cfg.minVersion = tls.VersionTLS13
	default:
		cfg.minVersion = tls.VersionTLS12
	}
	return cfg, nil
}

type verifyFun func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// customVerifyFactory returns a verification function that checks the
// server chain against our CA, ignoring the ServerName, and then applies
// the name and extended key usage constraints.
func customVerifyFactory(cfg *certConfig) verifyFun {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, "nothing to verify")
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
		}
		opts := certVerifyOptions()
		opts.Roots = cfg.ca
		if len(rawCerts) > 1 {
			opts.Intermediates = x509.NewCertPool()
			for _, certDER := range rawCerts[1:] {
				cert, err := x509.ParseCertificate(certDER)
				if err != nil {
					return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
				}
				opts.Intermediates.AddCert(cert)
			}
		}
		if _, err := leaf.Verify(opts); err != nil {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
		}
		if cfg.verifyX509Name != "" {
			if err := verifyX509Name(leaf, cfg.verifyX509Name); err != nil {
				return err
			}
		}
		if cfg.checkEKU {
			if err := verifyServerExtKeyUsage(leaf); err != nil {
				return err
			}
		}
		return nil
	}
}

// verifyX509Name accepts a match on any SAN (DNS name or IP address) and
// falls back to the subject CN when the certificate has no SAN.
func verifyX509Name(cert *x509.Certificate, expectedName string) error {
	if len(cert.DNSNames) > 0 || len(cert.IPAddresses) > 0 {
		if err := cert.VerifyHostname(expectedName); err == nil {
			return nil
		}
		return fmt.Errorf("%w: SAN does not match %q", ErrX509NameMismatch, expectedName)
	}
	if strings.EqualFold(cert.Subject.CommonName, expectedName) {
		return nil
	}
	return fmt.Errorf("%w: CN %q does not match expected %q",
		ErrX509NameMismatch, cert.Subject.CommonName, expectedName)
}

// verifyServerExtKeyUsage implements remote-cert-tls server.
func verifyServerExtKeyUsage(cert *x509.Certificate) error {
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageServerAuth || eku == x509.ExtKeyUsageAny {
			return nil
		}
	}
	return fmt.Errorf("%w: certificate is not a TLS server certificate", ErrExtKeyUsageMismatch)
}

// initTLS returns a tls.Config matching the certificate configuration.
// Verifying the ServerName does not make sense for a VPN session: we
// perform mutual TLS authentication with the custom CA.
func initTLS(cfg *certConfig) (*tls.Config, error) {
	runtimex.Assert(cfg != nil, "passed nil configuration")

	tlsConf := &tls.Config{
		// crypto/tls wants either ServerName or InsecureSkipVerify set ...
		InsecureSkipVerify: true,
		// ...but we pass our own verification function
		VerifyPeerCertificate: customVerifyFactory(cfg),
		// disable DynamicRecordSizing to lower distinguishability.
		DynamicRecordSizingDisabled: true,
		// uTLS does not pick min/max version from the passed spec
		MinVersion: cfg.minVersion,
		MaxVersion: tls.VersionTLS13,
	} //#nosec G402
	if cfg.cert != nil {
		tlsConf.Certificates = []tls.Certificate{*cfg.cert}
	}
	return tlsConf, nil
}

// handshaker is the subset of the uTLS client we use.
type handshaker interface {
	net.Conn
	Handshake() error
}

// vpnClientHelloHex is a ClientHello captured from openvpn=2.5.5,openssl=3.0.2.
var vpnClientHelloHex = `1603010114010001100303534e0a0f2687b240f7c7dfbb51c4aac33639f28173aa5d7bcebb159695ab0855208b835bf240a83df66885d6747b5bbf1b631e8c34ae469c629d7eb76e247128eb0032130213031301c02cc030009fcca9cca8ccaac02bc02f009ec024c028006bc023c0270067c00ac0140039c009c013003300ff01000095000b000403000102000a00160014001d0017001e00190018010001010102010301040016000000170000000d002a0028040305030603080708080809080a080b080408050806040105010601030303010302040205020602002b0009080304030303020301002d00020101003300260024001d0020a10bc24becb583293c317220e6725205d3a177a4a974090f6ffcf13a43da7035`

// parrotTLSFactory returns a uTLS client whose ClientHello looks like the
// one of the reference implementation.
func parrotTLSFactory(conn net.Conn, config *tls.Config) (handshaker, error) {
	fingerprinter := &tls.Fingerprinter{AllowBluntMimicry: true}
	raw, err := hex.DecodeString(vpnClientHelloHex)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode raw fingerprint: %s", ErrBadParrot, err)
	}
	spec, err := fingerprinter.FingerprintClientHello(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprinting failed: %s", ErrBadParrot, err)
	}
	if err := applyTLSVersionMinToClientHelloSpec(spec, config.MinVersion); err != nil {
		return nil, fmt.Errorf("%w: cannot apply tls-version-min: %s", ErrBadParrot, err)
	}
	client := tls.UClient(conn, config, tls.HelloCustom)
	if err := client.ApplyPreset(spec); err != nil {
		return nil, fmt.Errorf("%w: cannot apply spec: %s", ErrBadParrot, err)
	}
	return client, nil
}

// applyTLSVersionMinToClientHelloSpec removes the versions below minVersion
// from the supported_versions extension.
func applyTLSVersionMinToClientHelloSpec(spec *tls.ClientHelloSpec, minVersion uint16) error {
	if spec == nil || minVersion <= tls.VersionTLS12 {
		return nil
	}
	for _, ext := range spec.Extensions {
		sve, ok := ext.(*tls.SupportedVersionsExtension)
		if !ok {
			continue
		}
		filtered := make([]uint16, 0, len(sve.Versions))
		for _, v := range sve.Versions {
			if v >= minVersion {
				filtered = append(filtered, v)
			}
		}
		if len(filtered) == 0 {
			return fmt.Errorf("%w: no supported TLS versions after applying tls-version-min", ErrBadTLSInit)
		}
		sve.Versions = filtered
	}
	spec.TLSVersMin = minVersion
	return nil
}

// defaultTLSFactory is the plain uTLS client, handy in tests.
func defaultTLSFactory(conn net.Conn, config *tls.Config) (handshaker, error) {
	return tls.Client(conn, config), nil
}

// tlsFactoryFn is swapped in tests.
var tlsFactoryFn = parrotTLSFactory
