// Package chat specifies the plane's only user surface. The transport is
// an external collaborator: the plane sends terse one-line messages and
// manages roles, nothing more.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Transport is everything the plane needs from the chat service.
type Transport interface {
	// SendDM delivers a direct message to a chat user.
	SendDM(ctx context.Context, chatID int64, text string) error
	// SendChannel posts to a channel.
	SendChannel(ctx context.Context, channelID, text string) error
	// EditChannelMessage updates a previously posted message, used for the
	// rolling presence boards.
	EditChannelMessage(ctx context.Context, channelID, messageID, text string) (string, error)
	// AddRole / RemoveRole manage a user's roles.
	AddRole(ctx context.Context, chatID int64, roleID string) error
	RemoveRole(ctx context.Context, chatID int64, roleID string) error
	// MembersWithRole lists chat ids currently holding a role.
	MembersWithRole(ctx context.Context, roleID string) ([]int64, error)
}

// Client is a minimal REST implementation of Transport against the
// configured chat service base URL.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL, token string, log *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

func (c *Client) SendDM(ctx context.Context, chatID int64, text string) error {
	return c.post(ctx, "/users/"+strconv.FormatInt(chatID, 10)+"/messages",
		map[string]any{"content": text}, nil)
}

func (c *Client) SendChannel(ctx context.Context, channelID, text string) error {
	return c.post(ctx, "/channels/"+url.PathEscape(channelID)+"/messages",
		map[string]any{"content": text}, nil)
}

func (c *Client) EditChannelMessage(ctx context.Context, channelID, messageID, text string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if messageID != "" {
		path += "/" + url.PathEscape(messageID)
	}
	if err := c.post(ctx, path, map[string]any{"content": text}, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		resp.ID = messageID
	}
	return resp.ID, nil
}

func (c *Client) AddRole(ctx context.Context, chatID int64, roleID string) error {
	return c.post(ctx, fmt.Sprintf("/users/%d/roles/%s", chatID, url.PathEscape(roleID)), nil, nil)
}

func (c *Client) RemoveRole(ctx context.Context, chatID int64, roleID string) error {
	req, err := c.request(ctx, http.MethodDelete,
		fmt.Sprintf("/users/%d/roles/%s", chatID, url.PathEscape(roleID)), nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) MembersWithRole(ctx context.Context, roleID string) ([]int64, error) {
	req, err := c.request(ctx, http.MethodGet, "/roles/"+url.PathEscape(roleID)+"/members", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Members []int64 `json:"members"`
	}
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Members, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal chat payload: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := c.request(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chat %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("chat %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode chat response: %w", err)
		}
	}
	return nil
}
