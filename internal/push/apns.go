package push

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"
)

const DefaultAPNsHost = "https://api.push.apple.com"

type APNsConfig struct {
	// Host defaults to DefaultAPNsHost.
	Host string
	// Certificate is the pass type certificate used as TLS client
	// certificate. Ignored when HTTPClient is set.
	Certificate *tls.Certificate
	HTTPClient  *http.Client
	// RatePerSec caps outgoing requests; 0 disables the limit.
	RatePerSec int
	Logger     *zap.Logger
}

// APNs sends pass-update notifications over the APNs HTTP/2 provider API.
type APNs struct {
	host    string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewAPNs(cfg APNsConfig) (*APNs, error) {
	host := strings.TrimRight(cfg.Host, "/")
	if host == "" {
		host = DefaultAPNsHost
	}

	client := cfg.HTTPClient
	if client == nil {
		if cfg.Certificate == nil {
			return nil, fmt.Errorf("apns: client certificate is required")
		}
		tr := &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{*cfg.Certificate},
				MinVersion:   tls.VersionTLS12,
			},
			IdleConnTimeout: 90 * time.Second,
		}
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("apns: configure http2: %w", err)
		}
		client = &http.Client{Transport: tr}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &APNs{host: host, client: client, limiter: limiter, logger: logger}, nil
}

type apnsPayload struct {
	APS          struct{}          `json:"aps"`
	SerialNumber string            `json:"serialNumber,omitempty"`
	Changed      map[string]string `json:"changed,omitempty"`
}

type apnsError struct {
	Reason string `json:"reason"`
}

func (a *APNs) Push(ctx context.Context, msg Message) error {
	if msg.Token == "" {
		return &DeliveryError{StatusCode: http.StatusBadRequest, Reason: "MissingDeviceToken"}
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("apns: rate limit: %w", err)
	}

	body, err := json.Marshal(apnsPayload{SerialNumber: msg.SerialNumber, Changed: msg.Changed})
	if err != nil {
		return fmt.Errorf("apns: encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+"/3/device/"+msg.Token, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("apns: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apns-topic", msg.PassTypeID)
	req.Header.Set("apns-id", uuid.NewString())
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("apns: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var ae apnsError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4<<10)).Decode(&ae)
	if ae.Reason == "" {
		ae.Reason = http.StatusText(resp.StatusCode)
	}
	a.logger.Debug("apns rejected push",
		zap.String("device_id", msg.DeviceID),
		zap.Int("status", resp.StatusCode),
		zap.String("reason", ae.Reason),
	)
	return &DeliveryError{StatusCode: resp.StatusCode, Reason: ae.Reason}
}
