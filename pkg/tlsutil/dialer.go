package tlsutil

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/dnscache"
)

var (
	resolverOnce   sync.Once
	cachedResolver *dnscache.Resolver
)

// sharedResolver returns the process-wide caching DNS resolver. Poll loops
// hit the same few hostnames every couple of seconds, so resolved entries
// are cached and refreshed in the background instead of querying the system
// resolver on every connection.
func sharedResolver() *dnscache.Resolver {
	resolverOnce.Do(func() {
		cachedResolver = &dnscache.Resolver{}
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for range ticker.C {
				cachedResolver.Refresh(true)
			}
		}()
	})
	return cachedResolver
}

// cachedDialContext returns a DialContext that resolves through the shared
// cache and tries each resolved address until one connects.
func cachedDialContext() func(ctx context.Context, network, addr string) (net.Conn, error) {
	resolver := sharedResolver()
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		var lastErr error
		for _, ip := range ips {
			conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses resolved for %s", host)
		}
		return nil, lastErr
	}
}
