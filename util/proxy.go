package util

import (
	"context"
	"net"
	"net/url"
	"sync"

	"github.com/go-sql-driver/mysql"
	"github.com/juju/errors"
	netproxy "golang.org/x/net/proxy"
)

var mysqlDialOnce sync.Once

// SetMySQLProxy makes the mysql driver dial tcp through proxyURL, for
// example socks5://127.0.0.1:1080. An empty URL keeps direct dials. The
// dialer is registered process wide, so only the first call takes effect.
func SetMySQLProxy(proxyURL string) error {
	if proxyURL == "" {
		return nil
	}
	dialer, err := ProxyDialer(proxyURL)
	if err != nil {
		return err
	}
	mysqlDialOnce.Do(func() {
		mysql.RegisterDialContext("tcp", func(ctx context.Context, addr string) (net.Conn, error) {
			if cd, ok := dialer.(netproxy.ContextDialer); ok {
				return cd.DialContext(ctx, "tcp", addr)
			}
			return dialer.Dial("tcp", addr)
		})
	})
	return nil
}

// ProxyDialer builds a dialer for a proxy URL understood by x/net/proxy.
func ProxyDialer(proxyURL string) (netproxy.Dialer, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, errors.Annotatef(err, "parse proxy %q", proxyURL)
	}
	d, err := netproxy.FromURL(u, &net.Dialer{})
	if err != nil {
		return nil, errors.Annotatef(err, "proxy %q", proxyURL)
	}
	return d, nil
}
