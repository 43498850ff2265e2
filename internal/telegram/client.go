// Package telegram is a small client for the Telegram Bot API covering the
// calls the bot makes: messages with inline keyboards, callback answers,
// documents and webhook registration.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const DefaultBaseURL = "https://api.telegram.org"

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
}

func NewClient(baseURL, token string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: 2,
	}
}

func (c *Client) endpoint(method string) string {
	return c.baseURL + "/bot" + c.token + "/" + method
}

type sendMessageRequest struct {
	ChatID             int64        `json:"chat_id"`
	MessageID          int64        `json:"message_id,omitempty"`
	Text               string       `json:"text"`
	ParseMode          string       `json:"parse_mode,omitempty"`
	LinkPreviewOptions *linkPreview `json:"link_preview_options,omitempty"`
	ReplyMarkup        *replyMarkup `json:"reply_markup,omitempty"`
}

type linkPreview struct {
	IsDisabled bool `json:"is_disabled"`
}

func markup(kb Keyboard) *replyMarkup {
	if len(kb) == 0 {
		return nil
	}
	return &replyMarkup{InlineKeyboard: kb}
}

// SendMessage sends HTML-formatted text and returns the new message id.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, kb Keyboard) (int64, error) {
	req := sendMessageRequest{
		ChatID:             chatID,
		Text:               text,
		ParseMode:          "HTML",
		LinkPreviewOptions: &linkPreview{IsDisabled: true},
		ReplyMarkup:        markup(kb),
	}
	var sent Message
	if err := c.do(ctx, "sendMessage", req, &sent); err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// SendText sends plain text without markup.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	return c.do(ctx, "sendMessage", sendMessageRequest{ChatID: chatID, Text: text}, nil)
}

// EditMessage replaces the text and keyboard of an earlier message.
// Editing to identical content is not an error.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string, kb Keyboard) error {
	req := sendMessageRequest{
		ChatID:             chatID,
		MessageID:          messageID,
		Text:               text,
		ParseMode:          "HTML",
		LinkPreviewOptions: &linkPreview{IsDisabled: true},
		ReplyMarkup:        markup(kb),
	}
	err := c.do(ctx, "editMessageText", req, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && strings.Contains(apiErr.Description, "message is not modified") {
		return nil
	}
	return err
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	req := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		req["text"] = text
	}
	return c.do(ctx, "answerCallbackQuery", req, nil)
}

func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	req := map[string]any{
		"url":             url,
		"allowed_updates": []string{"message", "callback_query"},
	}
	if secret != "" {
		req["secret_token"] = secret
	}
	return c.do(ctx, "setWebhook", req, nil)
}

// SendDocument uploads data as a file named name.
func (c *Client) SendDocument(ctx context.Context, chatID int64, name string, data []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return fmt.Errorf("build document upload: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("build document upload: %w", err)
		}
	}
	part, err := writer.CreateFormFile("document", name)
	if err != nil {
		return fmt.Errorf("build document upload: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("build document upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("build document upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("sendDocument"), &body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	_, err = c.send(req, "sendDocument", nil)
	return err
}

// do posts a JSON request, retrying when Telegram asks the bot to slow
// down.
func (c *Client) do(ctx context.Context, method string, body, result any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", method, err)
	}
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(method), bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		retryAfter, err := c.send(req, method, result)
		if err == nil || retryAfter == 0 || attempt >= c.maxRetries {
			return err
		}
		wait := min(time.Duration(retryAfter)*time.Second, 5*time.Second)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// send executes req and decodes the result. On a 429 it reports how many
// seconds Telegram asked to wait.
func (c *Client) send(req *http.Request, method string, result any) (int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("executing %s: %w", method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("reading %s response: %w", method, err)
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
		ErrorCode   int             `json:"error_code"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return 0, fmt.Errorf("decoding %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !envelope.OK {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return envelope.Parameters.RetryAfter, &APIError{
			Method:      method,
			Code:        code,
			Description: envelope.Description,
			RetryAfter:  envelope.Parameters.RetryAfter,
		}
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return 0, fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return 0, nil
}
