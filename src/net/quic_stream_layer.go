package net

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicALPN is the TLS next-protocol tag of the overlay. The TLS layer only
// carries QUIC; peer authentication happens in the Noise handshake above it,
// so certificates are throwaway and clients do not verify them.
const quicALPN = "murmur/1"

// QUICStreamLayer implements the StreamLayer interface over QUIC. Each
// overlay connection maps to one QUIC session with a single bidirectional
// stream.
type QUICStreamLayer struct {
	advertise string

	serverTLS *tls.Config
	clientTLS *tls.Config

	mtx      sync.Mutex
	listener *quic.Listener

	acceptCh chan net.Conn
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewQUICStreamLayer returns an unbound QUIC stream layer with a fresh
// throwaway TLS certificate.
func NewQUICStreamLayer(advertise string) (*QUICStreamLayer, error) {
	serverTLS, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &QUICStreamLayer{
		advertise: advertise,
		serverTLS: serverTLS,
		clientTLS: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
		},
		acceptCh: make(chan net.Conn),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Open implements the StreamLayer interface.
func (q *QUICStreamLayer) Open(address string) error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.listener != nil {
		return ErrAlreadyListening
	}

	list, err := quic.ListenAddr(address, q.serverTLS, nil)
	if err != nil {
		return err
	}

	q.listener = list

	go q.acceptSessions(list)

	return nil
}

// acceptSessions accepts QUIC sessions and surfaces their first bidirectional
// stream as a net.Conn.
func (q *QUICStreamLayer) acceptSessions(list *quic.Listener) {
	for {
		sess, err := list.Accept(q.ctx)
		if err != nil {
			return
		}

		go func() {
			stream, err := sess.AcceptStream(q.ctx)
			if err != nil {
				sess.CloseWithError(0, "no stream")
				return
			}

			select {
			case q.acceptCh <- &quicConn{Stream: stream, session: sess}:
			case <-q.ctx.Done():
				sess.CloseWithError(0, "shutdown")
			}
		}()
	}
}

// Dial implements the StreamLayer interface.
func (q *QUICStreamLayer) Dial(address string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(q.ctx, timeout)
	defer cancel()

	sess, err := quic.DialAddr(ctx, address, q.clientTLS, nil)
	if err != nil {
		return nil, err
	}

	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "no stream")
		return nil, err
	}

	return &quicConn{Stream: stream, session: sess}, nil
}

// Accept implements the net.Listener interface.
func (q *QUICStreamLayer) Accept() (net.Conn, error) {
	select {
	case conn := <-q.acceptCh:
		return conn, nil
	case <-q.ctx.Done():
		return nil, ErrTransportShutdown
	}
}

// Close implements the net.Listener interface.
func (q *QUICStreamLayer) Close() error {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.cancel()

	if q.listener == nil {
		return nil
	}

	list := q.listener
	q.listener = nil

	return list.Close()
}

// Addr implements the net.Listener interface.
func (q *QUICStreamLayer) Addr() net.Addr {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	if q.listener == nil {
		return nil
	}

	return q.listener.Addr()
}

// AdvertiseAddr implements the StreamLayer interface.
func (q *QUICStreamLayer) AdvertiseAddr() string {
	if q.advertise != "" {
		return q.advertise
	}

	if addr := q.Addr(); addr != nil {
		return addr.String()
	}

	return ""
}

// NetworkName implements the StreamLayer interface.
func (q *QUICStreamLayer) NetworkName() string {
	return "quic"
}

// quicConn adapts a QUIC stream to net.Conn. Closing the conn closes the
// whole session: the overlay never multiplexes streams.
type quicConn struct {
	quic.Stream
	session quic.Connection
}

func (c *quicConn) LocalAddr() net.Addr {
	return c.session.LocalAddr()
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.session.RemoteAddr()
}

func (c *quicConn) Close() error {
	c.Stream.CancelRead(0)
	c.Stream.Close()
	return c.session.CloseWithError(0, "")
}

// generateTLSConfig builds a self-signed certificate valid for one year.
func generateTLSConfig() (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "murmur"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		NextProtos: []string{quicALPN},
	}, nil
}
