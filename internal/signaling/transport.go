package signaling

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultConnectTimeout bounds the secure transport handshake.
const DefaultConnectTimeout = 10 * time.Second

// Dialer yields an authenticated, encrypted, connected byte stream to a host.
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (net.Conn, error)
}

// TLSDialer connects over TCP and negotiates TLS against a trust store.
// A watchdog closes the staged socket if the TLS handshake has not completed
// within Timeout or ctx is cancelled first.
type TLSDialer struct {
	RootCAs *x509.CertPool

	// StrictHostname verifies the certificate against the host name. When
	// false only the chain is verified.
	StrictHostname bool

	Timeout  time.Duration
	Resolver *net.Resolver
}

// LoadTrustStore reads PEM roots from path; an empty path means system roots.
func LoadTrustStore(path string) (*x509.CertPool, error) {
	if path == "" {
		return x509.SystemCertPool()
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading trust store: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("trust store %s holds no certificates", path)
	}
	return pool, nil
}

func (d *TLSDialer) timeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultConnectTimeout
	}
	return d.Timeout
}

func (d *TLSDialer) resolver() *net.Resolver {
	if d.Resolver == nil {
		return net.DefaultResolver
	}
	return d.Resolver
}

// Dial resolves host, opens a TCP connection to the first address that
// answers, and negotiates TLS under the watchdog.
func (d *TLSDialer) Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	addrs, err := d.resolver().LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrConnectFailed, host, err)
	}

	staged, err := d.connectStaged(ctx, addrs, port)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "TLSDialer.Dial",
		"host":     host,
		"remote":   staged.RemoteAddr().String(),
	}).Debug("Staged signaling socket connected")

	return d.secure(ctx, staged, host)
}

func (d *TLSDialer) connectStaged(ctx context.Context, addrs []string, port int) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.timeout()}
	var lastErr error
	for _, addr := range addrs {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses")
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectFailed, lastErr)
}

func (d *TLSDialer) tlsConfig(host string) *tls.Config {
	cfg := &tls.Config{
		RootCAs:    d.RootCAs,
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}
	if !d.StrictHostname {
		logrus.WithField("host", host).Warn("Disabling hostname verification for signaling connection")
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly(d.RootCAs)
	}
	return cfg
}

// verifyChainOnly checks the presented chain against roots without matching
// the host name.
func verifyChainOnly(roots *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
		})
		return err
	}
}

// connectMonitor is the state shared by the handshaking goroutine and the
// watchdog: a completion flag and an abort flag under one mutex.
type connectMonitor struct {
	mu       sync.Mutex
	complete bool
	aborted  bool
	done     chan struct{}
}

func (d *TLSDialer) secure(ctx context.Context, staged net.Conn, host string) (net.Conn, error) {
	monitor := &connectMonitor{done: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.watch(ctx, monitor, staged)
	}()

	conn := tls.Client(staged, d.tlsConfig(host))
	err := conn.Handshake()

	monitor.mu.Lock()
	monitor.complete = true
	aborted := monitor.aborted
	monitor.mu.Unlock()
	close(monitor.done)
	wg.Wait()

	if aborted {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: socket timed out before connection completed", ErrConnectTimeout)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: tls handshake: %v", ErrConnectFailed, err)
	}
	return conn, nil
}

func (d *TLSDialer) watch(ctx context.Context, monitor *connectMonitor, staged net.Conn) {
	timer := time.NewTimer(d.timeout())
	defer timer.Stop()

	select {
	case <-monitor.done:
		return
	case <-timer.C:
	case <-ctx.Done():
	}

	monitor.mu.Lock()
	defer monitor.mu.Unlock()
	if monitor.complete {
		return
	}
	monitor.aborted = true
	if err := staged.Close(); err != nil {
		logrus.WithError(err).Warn("Closing staged signaling socket")
	}
}
