package cube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	LocalBaseURL  = "http://%s/v3/MeterDataAPI/%s?apiKey=%s"
	RemoteBaseURL = "https://%s.balena-devices.com/v3/MeterDataAPI/%s?apiKey=%s"

	// CmdCurrentValue returns the current energy balance and the per phase powers.
	CmdCurrentValue = "getCurrentValue"

	DefaultTimeout = 10 * time.Second

	maxBodySize = 1 << 20
)

// Config addresses one Cube either in the local network or through its balena
// device URL.
type Config struct {
	Host     string
	APIKey   string
	BalenaID string
	Remote   bool
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("cube: api key must not be empty")
	}
	if c.Remote {
		if strings.TrimSpace(c.BalenaID) == "" {
			return errors.New("cube: balena id must not be empty for remote access")
		}
		return nil
	}
	if strings.TrimSpace(c.Host) == "" {
		return errors.New("cube: host must not be empty")
	}
	return nil
}

// URL builds the request URL for the given API command.
func (c Config) URL(cmd string) string {
	return c.format(cmd, url.QueryEscape(c.APIKey))
}

func (c Config) redactedURL(cmd string) string {
	return c.format(cmd, "***")
}

func (c Config) format(cmd, key string) string {
	if c.Remote {
		return fmt.Sprintf(RemoteBaseURL, c.BalenaID, cmd, key)
	}
	return fmt.Sprintf(LocalBaseURL, c.Host, cmd, key)
}

type Options struct {
	Timeout    time.Duration
	Log        *zap.Logger
	HTTPClient *http.Client
}

type Client struct {
	cfg  Config
	opts Options
	hc   *http.Client
}

func NewClient(cfg Config, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, opts: opts, hc: hc}
}

// StatusError reports a non 2xx answer of the device.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code %d", e.StatusCode)
}

// FetchRaw performs one getCurrentValue request and returns the body.
func (c *Client) FetchRaw(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL(CmdCurrentValue), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// Fetch never fails: on any transport or protocol problem it logs and returns
// an all nil Payload so the caller publishes "unknown" instead of stopping.
func (c *Client) Fetch(ctx context.Context) Payload {
	u := c.cfg.redactedURL(CmdCurrentValue)
	c.opts.Log.Debug("requesting url", zap.String("url", u))

	body, err := c.FetchRaw(ctx)
	var se *StatusError
	switch {
	case errors.As(err, &se):
		c.opts.Log.Error("device answered with an error", zap.String("url", u), zap.Int("status", se.StatusCode))
		return Payload{}
	case err != nil:
		c.opts.Log.Warn("unable to reach device", zap.String("url", u), zap.Error(err))
		return Payload{}
	}

	if !gjson.ValidBytes(body) {
		c.opts.Log.Error("invalid json from device", zap.String("url", u), zap.ByteString("body", body))
		return Payload{}
	}
	c.opts.Log.Debug("raw json payload", zap.ByteString("body", body))

	p := ParsePayload(body, c.opts.Log)
	c.opts.Log.Debug("parsed power values",
		zap.Float64p(KeyEnergyBalance, p.EnergyBalance),
		zap.Float64p(KeyPower1Watt, p.Power1Watt),
		zap.Float64p(KeyPower2Watt, p.Power2Watt),
		zap.Float64p(KeyPower3Watt, p.Power3Watt),
	)
	return p
}
