// Package tlsutil builds tls.Config values for the HTTP gateway from
// certificate files on disk.
package tlsutil

import (
	"crypto/tls"

	"github.com/c360/streambroker/errors"
)

// ServerConfig loads a server certificate pair and returns a
// tls.Config enforcing at least minVersion ("1.2" or "1.3", default
// 1.2).
func ServerConfig(certFile, keyFile, minVersion string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "ServerConfig", "load certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(minVersion),
	}, nil
}

func parseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}
