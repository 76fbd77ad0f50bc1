package provision

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// netProber is the real readiness prober: a TCP dial and an HTTP GET.
// Any HTTP response counts as alive: the sandbox answers 403 until the
// credential is presented, which still proves the application layer is
// up.
type netProber struct{}

func (netProber) TCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	conn.Close()
	return nil
}

func (netProber) HTTP(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("liveness %s: %w", rawURL, err)
	}
	resp.Body.Close()
	return nil
}
