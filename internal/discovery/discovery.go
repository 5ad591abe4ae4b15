// Package discovery advertises and finds answering endpoints over mDNS.
package discovery

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/pkg/errors"

	"robolink/native/internal/logging"
)

const (
	Service              = "_robolink._tcp"
	Domain               = "local."
	DefaultBrowseTimeout = 5 * time.Second
)

var ErrNotFound = errors.New("no answering endpoint found")

// Advertise registers instance on port. The returned func withdraws it.
func Advertise(instance string, port int) (func(), error) {
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{"path=/offer"}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "register mdns service")
	}
	logging.For("discovery").Infof("advertising %s on port %d", instance, port)
	return server.Shutdown, nil
}

// MDNSResolver browses for service entries. zeroconf.Resolver satisfies it.
type MDNSResolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// Browser finds the first advertised endpoint.
type Browser struct {
	resolver MDNSResolver
	timeout  time.Duration
}

// NewBrowser creates a Browser. A nil resolver uses zeroconf on all
// interfaces; a zero timeout uses DefaultBrowseTimeout.
func NewBrowser(resolver MDNSResolver, timeout time.Duration) (*Browser, error) {
	if resolver == nil {
		r, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, errors.Wrap(err, "create mdns resolver")
		}
		resolver = r
	}
	if timeout <= 0 {
		timeout = DefaultBrowseTimeout
	}
	return &Browser{resolver: resolver, timeout: timeout}, nil
}

// Browse returns the base URL of the first endpoint that answers.
func (b *Browser) Browse(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.resolver.Browse(ctx, Service, Domain, entries)
	}()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			if u, err := EntryURL(entry); err == nil {
				logging.For("discovery").Infof("found %s at %s", entry.Instance, u)
				return u, nil
			}
		case err := <-errCh:
			if err != nil {
				return "", errors.Wrap(err, "browse")
			}
			errCh = nil
		case <-ctx.Done():
			return "", ErrNotFound
		}
	}
}

// EntryURL builds an http URL for entry, preferring IPv4.
func EntryURL(entry *zeroconf.ServiceEntry) (string, error) {
	if entry == nil {
		return "", ErrNotFound
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", errors.Errorf("%s has no address", entry.Instance)
	}
	return "http://" + net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), nil
}
