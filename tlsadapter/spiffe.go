package tlsadapter

import (
	"context"
	"crypto/tls"

	"github.com/pkg/errors"
	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"
)

// SPIFFESource wraps a workload API X509Source so the caller can
// build TLS configs from it and Close it once when done.
type SPIFFESource struct {
	src *workloadapi.X509Source
}

// NewSPIFFESource dials the SPIFFE Workload API (via SPIFFE_ENDPOINT_SOCKET
// unless socketPath overrides it) and fetches the workload's X.509-SVID
// plus trust bundle, sourcing mTLS identity from SPIRE rather than
// static cert files.
func NewSPIFFESource(ctx context.Context, socketPath string) (*SPIFFESource, error) {
	var opts []workloadapi.ClientOption
	if socketPath != "" {
		opts = append(opts, workloadapi.WithAddr(socketPath))
	}
	src, err := workloadapi.NewX509Source(ctx, workloadapi.WithClientOptions(opts...))
	if err != nil {
		return nil, errors.Wrap(err, "gonet/tlsadapter: fetch spiffe x509 source")
	}
	return &SPIFFESource{src: src}, nil
}

// Close releases the underlying workload API connection.
func (s *SPIFFESource) Close() error {
	return s.src.Close()
}

// ServerConfig returns a tls.Config for AfterAccept that presents this
// workload's SVID and authorizes any peer whose SPIFFE ID belongs to
// trustDomain.
func (s *SPIFFESource) ServerConfig(trustDomain string) (*tls.Config, error) {
	td, err := spiffeid.TrustDomainFromString(trustDomain)
	if err != nil {
		return nil, errors.Wrap(err, "gonet/tlsadapter: parse trust domain")
	}
	return tlsconfig.MTLSServerConfig(s.src, s.src, tlsconfig.AuthorizeMemberOf(td)), nil
}

// ClientConfig returns a tls.Config for AfterCreate that presents this
// workload's SVID and authorizes a specific server SPIFFE ID.
func (s *SPIFFESource) ClientConfig(serverID string) (*tls.Config, error) {
	id, err := spiffeid.FromString(serverID)
	if err != nil {
		return nil, errors.Wrap(err, "gonet/tlsadapter: parse server spiffe id")
	}
	return tlsconfig.MTLSClientConfig(s.src, s.src, tlsconfig.AuthorizeID(id)), nil
}
