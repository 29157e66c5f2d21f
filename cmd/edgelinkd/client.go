package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// adminClient talks to a running node's admin API.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient(addr, token string) *adminClient {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &adminClient{
		base:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (o *rootOptions) client() (*adminClient, error) {
	if o.adminAddr != "" {
		return newAdminClient(o.adminAddr, o.adminToken), nil
	}
	cfg, _, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.AdminAddr == "" {
		return nil, fmt.Errorf("admin_addr is not configured; pass --admin")
	}
	token := o.adminToken
	if token == "" {
		token = cfg.AdminToken
	}
	return newAdminClient(cfg.AdminAddr, token), nil
}

func (c *adminClient) do(method, path string, body any) (map[string]any, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	if resp.StatusCode >= 400 {
		msg, _ := out["error"].(string)
		if msg == "" {
			msg = resp.Status
		}
		return out, fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, msg)
	}
	return out, nil
}

// eventsURL maps the admin base onto the websocket scheme.
func (c *adminClient) eventsURL(kind string) string {
	u := c.base + "/events"
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if kind != "" {
		u += "?kind=" + url.QueryEscape(kind)
	}
	return u
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newClientCmds(opts *rootOptions) []*cobra.Command {
	simple := func(use, short, method string, path func(args []string) string, nargs int) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(nargs),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := opts.client()
				if err != nil {
					return err
				}
				out, err := c.do(method, path(args), nil)
				if err != nil {
					return err
				}
				return printJSON(cmd, out)
			},
		}
	}
	devicePath := func(action string) func([]string) string {
		return func(args []string) string {
			return "/devices/" + url.PathEscape(args[0]) + "/" + action
		}
	}

	cmds := []*cobra.Command{
		simple("devices", "List known devices", http.MethodGet, func([]string) string { return "/devices" }, 0),
		simple("pair <device-id>", "Request pairing with a device", http.MethodPost, devicePath("pair"), 1),
		simple("accept <device-id>", "Accept a pending pairing request", http.MethodPost, devicePath("accept"), 1),
		simple("reject <device-id>", "Reject a pending pairing request", http.MethodPost, devicePath("reject"), 1),
		simple("unpair <device-id>", "Forget a paired device", http.MethodPost, devicePath("unpair"), 1),
		simple("jobs", "List transfer jobs", http.MethodGet, func([]string) string { return "/jobs" }, 0),
		simple("cancel <job-id>", "Cancel a transfer job", http.MethodDelete, func(args []string) string {
			return "/jobs/" + url.PathEscape(args[0])
		}, 1),
		newPingCmd(opts),
		newShareCmd(opts),
		newEventsCmd(opts),
	}
	return cmds
}

func newPingCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ping <device-id> [message]",
		Short: "Ping a paired device",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			body := map[string]any{}
			if len(args) == 2 {
				body["message"] = args[1]
			}
			out, err := c.do(http.MethodPost, "/devices/"+url.PathEscape(args[0])+"/ping", body)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
}

func newShareCmd(opts *rootOptions) *cobra.Command {
	var open bool
	var text, link string
	cmd := &cobra.Command{
		Use:   "share <device-id> [paths...]",
		Short: "Send files, text or a URL to a paired device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			paths := make([]string, 0, len(args)-1)
			for _, p := range args[1:] {
				abs, err := filepath.Abs(p)
				if err != nil {
					return err
				}
				paths = append(paths, abs)
			}
			body := map[string]any{"paths": paths, "open": open, "text": text, "url": link}
			out, err := c.do(http.MethodPost, "/devices/"+url.PathEscape(args[0])+"/share", body)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "ask the peer to open a single shared file")
	cmd.Flags().StringVar(&text, "text", "", "share text instead of files")
	cmd.Flags().StringVar(&link, "url", "", "share a URL instead of files")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream node events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), c.eventsURL(kind), nil)
			if err != nil {
				return err
			}
			defer conn.Close()
			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
						return nil
					}
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			}
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "only events whose kind starts with this prefix")
	return cmd
}
