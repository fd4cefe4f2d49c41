package transport

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/ruvnet/bftreplica/internal/config"
	"github.com/ruvnet/bftreplica/internal/errors"
)

// buildTLSConfig loads this replica's certificate and the CA pool used to
// authenticate every peer, client and replica alike. The mesh is mutually
// authenticated: every connection, inbound or outbound, presents and
// checks a certificate.
func buildTLSConfig(cfg *config.ReplicaConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, errors.Communication, "load replica TLS keypair")
	}

	caPEM, err := os.ReadFile(cfg.TLSClientCAs)
	if err != nil {
		return nil, errors.Wrap(err, errors.Communication, "read TLS CA bundle")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New(errors.Communication, "no certificates parsed from TLS CA bundle")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		RootCAs:      pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
