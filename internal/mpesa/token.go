package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const tokenSafetyMargin = 60 * time.Second

type cachedToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (t cachedToken) valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

type tokenResponse struct {
	AccessToken string          `json:"access_token"`
	ExpiresIn   json.RawMessage `json:"expires_in"`
}

func (c *Client) tokenCacheKey() string {
	return "mpesa:token:" + c.cfg.ShortCode
}

// accessToken returns a bearer token, fetching a fresh one only when neither the
// in-process nor the Redis copy is still valid.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.token.valid(now) {
		return c.token.Value, nil
	}

	if c.cache != nil {
		var shared cachedToken
		ok, err := c.cache.GetJSON(ctx, c.tokenCacheKey(), &shared)
		if err != nil {
			c.logger.Warn("read token cache failed", "error", err)
		} else if ok && shared.valid(now) {
			c.token = shared
			return shared.Value, nil
		}
	}

	tok, err := c.fetchToken(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok

	if c.cache != nil {
		if ttl := tok.ExpiresAt.Sub(now); ttl > 0 {
			if err := c.cache.SetJSON(ctx, c.tokenCacheKey(), tok, ttl); err != nil {
				c.logger.Warn("set token cache failed", "error", err)
			}
		}
	}
	return tok.Value, nil
}

func (c *Client) fetchToken(ctx context.Context) (cachedToken, error) {
	creds := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	headers := http.Header{}
	headers.Set("Authorization", "Basic "+creds)

	raw, err := c.do(ctx, http.MethodGet, tokenEndpoint+"?grant_type=client_credentials", nil, headers)
	if err != nil {
		var rejected *RejectionError
		if errors.As(err, &rejected) {
			// Any refusal from the token endpoint means the credentials are unusable.
			return cachedToken{}, fmt.Errorf("%w: %s", ErrInvalidCredential, rejected.Message)
		}
		return cachedToken{}, err
	}

	var res tokenResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return cachedToken{}, fmt.Errorf("decode token response: %w", err)
	}
	if res.AccessToken == "" {
		return cachedToken{}, fmt.Errorf("%w: token response carried no access_token", ErrInvalidCredential)
	}

	lifetime := parseExpiresIn(res.ExpiresIn) - tokenSafetyMargin
	if lifetime <= 0 {
		lifetime = 30 * time.Second
	}
	return cachedToken{Value: res.AccessToken, ExpiresAt: c.now().Add(lifetime)}, nil
}

func (c *Client) forgetToken(ctx context.Context) {
	c.mu.Lock()
	c.token = cachedToken{}
	c.mu.Unlock()
	if c.cache != nil {
		if err := c.cache.Delete(ctx, c.tokenCacheKey()); err != nil {
			c.logger.Warn("drop token cache failed", "error", err)
		}
	}
}

// parseExpiresIn accepts Daraja's string-encoded seconds as well as a bare number.
func parseExpiresIn(raw json.RawMessage) time.Duration {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	secs, err := strconv.Atoi(text)
	if err != nil || secs <= 0 {
		return time.Hour
	}
	return time.Duration(secs) * time.Second
}
