package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agusx1211/agenthub/internal/config"
)

// hubClient talks to a running hub over its HTTP API.
type hubClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().String("server", "", "Hub URL (default from config host and port)")
	cmd.Flags().String("token", "", "Auth token (default from config)")
}

func newClient(cmd *cobra.Command) (*hubClient, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = cfg.AuthToken
	}
	return clientFor(cfg, server, token)
}

func clientFor(cfg *config.Config, server, token string) (*hubClient, error) {
	if server == "" {
		host := cfg.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		port := cfg.Port
		if port == 0 {
			port = config.DefaultPort
		}
		server = "http://" + host + ":" + strconv.Itoa(port)
	}
	base, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", server, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", server)
	}
	return &hubClient{base: base, token: token, http: &http.Client{Timeout: 0}}, nil
}

func (c *hubClient) url(path string, query url.Values) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// wsURL returns the WebSocket URL for path. The token travels as a query
// parameter because browsers cannot set headers on WebSocket upgrades.
func (c *hubClient) wsURL(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if c.token != "" {
		query.Set("token", c.token)
	}
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = query.Encode()
	return u.String()
}

// do sends body as JSON and decodes a JSON reply into out. Non-2xx replies
// become errors carrying the server's message.
func (c *hubClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting hub at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func formatDuration(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).Round(10 * time.Millisecond).String()
}
