package roles

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	devicesPath          = "/rest/v1/device"
	defaultMaxBytes      = 5 << 20
	perRequestRetries    = 1
	perRequestWaitFloor  = 250 * time.Millisecond
	perRequestWaitCeil   = 1 * time.Second
	errorBodyIgnoreLimit = 4096
)

// deviceList is the wire shape of the management API's device listing.
type deviceList struct {
	Data []device `json:"data"`
}

type device struct {
	Hostname string   `json:"hostname"`
	Roles    []string `json:"roles"`
}

// HTTPFetcher queries the cluster manager's REST API over mutual TLS.
// Headnodes are tried in order; the first successful, parseable response
// wins. The certificate/key pair is reloaded on every fetch so rotation is
// picked up without a restart; load failures surface as AuthError and never
// include key material.
type HTTPFetcher struct {
	logger    zerolog.Logger
	headnodes []string
	certPath  string
	keyPath   string
	hostname  string
	timeout   time.Duration
	maxBytes  int64
}

// NewHTTPFetcher constructs a fetcher for the given headnode base URLs.
// hostname is this node's short hostname, used to locate its device entry.
func NewHTTPFetcher(logger zerolog.Logger, headnodes []string, certPath, keyPath, hostname string, timeout time.Duration) (*HTTPFetcher, error) {
	if len(headnodes) == 0 {
		return nil, errors.New("at least one headnode url is required")
	}
	if hostname == "" {
		return nil, errors.New("hostname must not be empty")
	}
	if timeout <= 0 {
		return nil, errors.New("timeout must be greater than zero")
	}

	return &HTTPFetcher{
		logger:    logger,
		headnodes: append([]string(nil), headnodes...),
		certPath:  certPath,
		keyPath:   keyPath,
		hostname:  ShortHostname(hostname),
		timeout:   timeout,
		maxBytes:  defaultMaxBytes,
	}, nil
}

// Fetch queries headnodes in order and returns this node's role snapshot.
func (f *HTTPFetcher) Fetch(ctx context.Context) (Snapshot, error) {
	client, err := f.newClient()
	if err != nil {
		return Snapshot{}, err
	}

	var lastErr error
	for _, headnode := range f.headnodes {
		snapshot, err := f.fetchFrom(ctx, client, headnode)
		if err != nil {
			if ctx.Err() != nil {
				return Snapshot{}, &NetworkError{Op: "fetch roles", Err: ctx.Err()}
			}
			f.logger.Warn().Err(err).Str("headnode", headnode).Msg("headnode query failed, trying next")
			lastErr = err
			continue
		}
		return snapshot, nil
	}

	return Snapshot{}, lastErr
}

func (f *HTTPFetcher) newClient() (*retryablehttp.Client, error) {
	cert, err := tls.LoadX509KeyPair(f.certPath, f.keyPath)
	if err != nil {
		// crypto/tls errors name files, never key bytes.
		return nil, &AuthError{Op: "load client certificate", Err: err}
	}

	client := retryablehttp.NewClient()
	client.RetryMax = perRequestRetries
	client.RetryWaitMin = perRequestWaitFloor
	client.RetryWaitMax = perRequestWaitCeil
	client.Logger = nil
	client.HTTPClient = &http.Client{
		Timeout: f.timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{cert},
				// Headnode certificates are cluster-internal and
				// self-signed; authentication runs the other way, via the
				// client certificate.
				InsecureSkipVerify: true,
			},
		},
	}

	return client, nil
}

func (f *HTTPFetcher) fetchFrom(ctx context.Context, client *retryablehttp.Client, headnode string) (Snapshot, error) {
	url := strings.TrimRight(headnode, "/") + devicesPath

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Snapshot{}, &NetworkError{Op: "create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return Snapshot{}, &NetworkError{Op: "query " + headnode, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drain(resp.Body)
		return Snapshot{}, &AuthError{Op: "query " + headnode, Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	default:
		drain(resp.Body)
		return Snapshot{}, &NetworkError{Op: "query " + headnode, Err: fmt.Errorf("unexpected status: %s", resp.Status)}
	}

	body, err := readWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return Snapshot{}, &NetworkError{Op: "read response", Err: err}
	}

	var devices deviceList
	if err := json.Unmarshal(body, &devices); err != nil {
		return Snapshot{}, &ParseError{Op: "decode device list", Err: err}
	}

	return f.snapshotFor(devices), nil
}

// snapshotFor extracts this node's roles from the device listing. A node
// absent from the listing yields an empty role set, the fail-safe default.
func (f *HTTPFetcher) snapshotFor(devices deviceList) Snapshot {
	snapshot := Snapshot{
		Hostname:  f.hostname,
		FetchedAt: time.Now().UTC(),
	}

	for _, d := range devices.Data {
		if ShortHostname(d.Hostname) != f.hostname {
			continue
		}
		seen := make(map[string]bool, len(d.Roles))
		for _, role := range d.Roles {
			if role == "" || seen[role] {
				continue
			}
			seen[role] = true
			snapshot.Roles = append(snapshot.Roles, role)
		}
		sort.Strings(snapshot.Roles)
		return snapshot
	}

	f.logger.Warn().Str("hostname", f.hostname).Msg("node not found in device list, assuming no roles")
	return snapshot
}

// ShortHostname strips any domain suffix from a hostname.
func ShortHostname(hostname string) string {
	if idx := strings.IndexByte(hostname, '.'); idx >= 0 {
		return hostname[:idx]
	}
	return hostname
}

func readWithLimit(r io.Reader, maxBytes int64) ([]byte, error) {
	limited := io.LimitReader(r, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("response body exceeds %d bytes", maxBytes)
	}
	return body, nil
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, errorBodyIgnoreLimit))
}
