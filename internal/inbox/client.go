package inbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ortusmarket/convo-core/internal/models"
)

// Client is the HTTP implementation of the Inbox API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient constructs an Inbox API client for the given base URL.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger.With().Str("component", "inbox_client").Logger(),
	}
}

// GetThreads lists thread summaries matching the filter.
func (c *Client) GetThreads(ctx context.Context, filter ThreadFilter) ([]models.Thread, error) {
	query := url.Values{}
	if filter.Kind != nil {
		query.Set("kind", string(*filter.Kind))
	}
	if filter.Status != nil {
		query.Set("status", string(*filter.Status))
	}
	if filter.CounterpartID != "" {
		query.Set("counterpart_id", filter.CounterpartID)
	}

	path := "/threads"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var out []models.Thread
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetThread fetches one thread with its messages.
func (c *Client) GetThread(ctx context.Context, id string) (ThreadWithMessages, error) {
	var out ThreadWithMessages
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(id), nil, &out); err != nil {
		return ThreadWithMessages{}, err
	}
	return out, nil
}

// MarkThreadAsRead clears the viewer's unread counter server side.
func (c *Client) MarkThreadAsRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(id)+"/read", nil, nil)
}

// CreateThread starts a conversation with a counterpart.
func (c *Client) CreateThread(ctx context.Context, in CreateThreadInput) (models.Thread, error) {
	var out models.Thread
	if err := c.do(ctx, http.MethodPost, "/threads", in, &out); err != nil {
		return models.Thread{}, err
	}
	return out, nil
}

// SendMessage posts a message into a thread.
func (c *Client) SendMessage(ctx context.Context, threadID string, in SendMessageInput) (models.Message, error) {
	var out models.Message
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// EditMessage replaces a message's body text.
func (c *Client) EditMessage(ctx context.Context, threadID, messageID, content string) (models.Message, error) {
	var out models.Message
	path := "/threads/" + url.PathEscape(threadID) + "/messages/" + url.PathEscape(messageID)
	body := map[string]string{"content": content}
	if err := c.do(ctx, http.MethodPatch, path, body, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// DeleteMessage tombstones a message.
func (c *Client) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// ReactToMessage toggles an emoji reaction on a message.
func (c *Client) ReactToMessage(ctx context.Context, threadID, messageID, emoji string) error {
	path := "/threads/" + url.PathEscape(threadID) + "/messages/" + url.PathEscape(messageID) + "/reactions"
	body := map[string]string{"emoji": emoji}
	return c.do(ctx, http.MethodPost, path, body, nil)
}

// UploadFiles sends files through the Inbox API upload endpoint and returns
// the stored attachments.
func (c *Client) UploadFiles(ctx context.Context, files []UploadFile, voiceDuration *float64, onProgress ProgressFunc) ([]models.Attachment, error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	for _, file := range files {
		part, err := writer.CreateFormFile("files", file.Name)
		if err != nil {
			return nil, fmt.Errorf("build multipart payload: %w", err)
		}
		if _, err := io.Copy(part, bytes.NewReader(file.Data)); err != nil {
			return nil, fmt.Errorf("write multipart payload: %w", err)
		}
	}
	if voiceDuration != nil {
		if err := writer.WriteField("voice_duration", strconv.FormatFloat(*voiceDuration, 'f', 2, 64)); err != nil {
			return nil, fmt.Errorf("write voice duration field: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalize multipart payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/uploads", buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload files: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	var out []models.Attachment
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}

	if onProgress != nil {
		for _, file := range files {
			onProgress(file.Name, 100)
		}
	}
	return out, nil
}

// GetCounterparts lists the actors the viewer may start conversations with.
func (c *Client) GetCounterparts(ctx context.Context) ([]models.Counterpart, error) {
	var out []models.Counterpart
	if err := c.do(ctx, http.MethodGet, "/counterparts", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return c.statusError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("inbox api returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
}
