// Package rest is the HTTP collaborator for everything that needs server
// durability outside the live STOMP session: message history, the contact
// book and the mark-as-read call.
package rest

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

	"github.com/pmoura/chirp/internal/auth"
	"github.com/pmoura/chirp/internal/wire"
	"go.uber.org/zap"
)

// DefaultPageSize is the history page size requested when the caller passes
// zero.
const DefaultPageSize = 50

// Client talks to the backend REST API with the session's bearer token.
type Client struct {
	baseURL string
	http    *http.Client
	creds   auth.Provider
	logger  *zap.Logger
}

// NewClient creates a REST client. baseURL is the API root, e.g.
// https://host/api.
func NewClient(baseURL string, creds auth.Provider, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		creds:   creds,
		logger:  logger,
	}
}

// HistoryPage is one page of conversation history, newest first, as the
// server returns it.
type HistoryPage struct {
	Messages []wire.ChatMessage `json:"messages"`
	Page     int                `json:"page"`
	HasMore  bool               `json:"hasMore"`
}

// FetchHistory fetches one page of the conversation with otherEmail. Page
// numbering starts at zero; messages come back newest first.
func (c *Client) FetchHistory(ctx context.Context, otherEmail string, page, size int) (*HistoryPage, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	path := "/messages/" + url.PathEscape(otherEmail) + "?" + q.Encode()

	var out HistoryPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	return &out, nil
}

// History returns one page of conversation messages, newest first.
// Implements the message store's history collaborator.
func (c *Client) History(ctx context.Context, otherEmail string, page, size int) ([]wire.ChatMessage, error) {
	p, err := c.FetchHistory(ctx, otherEmail, page, size)
	if err != nil {
		return nil, err
	}
	return p.Messages, nil
}

// MarkRead records server-side that the conversation with otherEmail has
// been read. Implements the message store's durability collaborator.
func (c *Client) MarkRead(ctx context.Context, otherEmail string) error {
	path := "/messages/" + url.PathEscape(otherEmail) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// ContactRecord is a contact as the server returns it.
type ContactRecord struct {
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl"`
	Online    bool   `json:"online"`
}

// ListContacts fetches the caller's contact book.
func (c *Client) ListContacts(ctx context.Context) ([]ContactRecord, error) {
	var out []ContactRecord
	if err := c.do(ctx, http.MethodGet, "/contacts", nil, &out); err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return out, nil
}

// AddContact adds the given email to the caller's contact book and returns
// the stored record.
func (c *Client) AddContact(ctx context.Context, email string) (*ContactRecord, error) {
	body := map[string]string{"email": email}
	var out ContactRecord
	if err := c.do(ctx, http.MethodPost, "/contacts", body, &out); err != nil {
		return nil, fmt.Errorf("add contact: %w", err)
	}
	return &out, nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api status %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	creds, err := c.creds.Credentials()
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
