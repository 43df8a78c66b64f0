package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"homework-grader/internal/apperr"
)

const (
	pathCreate   = "/v3/chat"
	pathRetrieve = "/v3/chat/retrieve"
	pathMessages = "/v3/chat/message/list"

	maxBodyBytes = 4 << 20
)

// Config for the grading provider client.
type Config struct {
	BaseURL         string
	Token           string
	BotID           string
	Prompt          string
	CreateTimeout   time.Duration
	RetrieveTimeout time.Duration
	ListTimeout     time.Duration
}

// Client talks to the multimodal chat provider over bearer-authenticated JSON.
type Client struct {
	cfg  Config
	http *http.Client
	log  *slog.Logger
}

// New builds a client. A nil httpClient gets a default without its own timeout;
// every call carries a per-operation deadline instead.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 30 * time.Second
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = 10 * time.Second
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, http: httpClient, log: logger}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type chatData struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Status         Status `json:"status"`
	LastError      struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"last_error"`
	Answer   string        `json:"answer"`
	Messages []wireMessage `json:"messages"`
}

type additionalMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type createRequest struct {
	BotID              string              `json:"bot_id"`
	UserID             string              `json:"user_id"`
	Stream             bool                `json:"stream"`
	AutoSaveHistory    bool                `json:"auto_save_history"`
	AdditionalMessages []additionalMessage `json:"additional_messages"`
}

// CreateChat submits the homework image as a single user turn.
func (c *Client) CreateChat(ctx context.Context, userID, imageURL string) (CreateResult, error) {
	segments, err := json.Marshal([]Segment{
		{Type: segmentText, Text: c.cfg.Prompt},
		{Type: "image", FileURL: imageURL},
	})
	if err != nil {
		return CreateResult{}, apperr.Wrap(apperr.KindInternal, "encode message", err)
	}
	body := createRequest{
		BotID:           c.cfg.BotID,
		UserID:          userID,
		Stream:          false,
		AutoSaveHistory: true,
		AdditionalMessages: []additionalMessage{{
			Role:        "user",
			Content:     string(segments),
			ContentType: "object_string",
		}},
	}

	raw, err := c.do(ctx, http.MethodPost, pathCreate, nil, body, c.cfg.CreateTimeout)
	if err != nil {
		return CreateResult{}, err
	}
	var data chatData
	if err := json.Unmarshal(raw, &data); err != nil {
		return CreateResult{}, apperr.Wrap(apperr.KindRemoteService, "decode create chat: "+truncate(raw), err)
	}
	if data.Status == StatusFailed {
		return CreateResult{}, apperr.Newf(apperr.KindRemoteService, "create chat failed: %s", failureReason(data))
	}

	answer := strings.TrimSpace(data.Answer)
	if answer == "" && len(data.Messages) > 0 {
		msgs := make([]Message, 0, len(data.Messages))
		for _, m := range data.Messages {
			msgs = append(msgs, m.message())
		}
		answer = ExtractAnswer(msgs)
	}
	ref := Ref{ConversationID: data.ConversationID, ChatID: data.ID}
	if answer == "" && !ref.Valid() {
		return CreateResult{}, apperr.New(apperr.KindEmptyResult, "create chat returned neither an answer nor chat identifiers")
	}
	return CreateResult{Answer: answer, Ref: ref}, nil
}

// RetrieveChat checks the status of an asynchronous chat.
func (c *Client) RetrieveChat(ctx context.Context, ref Ref) (State, error) {
	raw, err := c.do(ctx, http.MethodGet, pathRetrieve, refQuery(ref), nil, c.cfg.RetrieveTimeout)
	if err != nil {
		return State{}, err
	}
	var data chatData
	if err := json.Unmarshal(raw, &data); err != nil {
		return State{}, apperr.Wrap(apperr.KindRemoteService, "decode chat status: "+truncate(raw), err)
	}
	st := State{Status: data.Status}
	switch data.Status {
	case StatusFailed, StatusCanceled, StatusRequiresAction:
		st.Status = StatusFailed
		st.FailureReason = failureReason(data)
	case StatusCreated, StatusInProgress, StatusCompleted:
	default:
		st.Status = StatusInProgress
	}
	return st, nil
}

// ListMessages returns the chat transcript in provider order.
func (c *Client) ListMessages(ctx context.Context, ref Ref) ([]Message, error) {
	raw, err := c.do(ctx, http.MethodGet, pathMessages, refQuery(ref), nil, c.cfg.ListTimeout)
	if err != nil {
		return nil, err
	}
	var wire []wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteService, "decode messages: "+truncate(raw), err)
	}
	out := make([]Message, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.message())
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, timeout time.Duration) (json.RawMessage, error) {
	reqID := uuid.New().String()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "encode request", err)
		}
		reader = bytes.NewReader(bs)
	}

	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug("chat.http.request", "req_id", reqID, "method", method, "path", path)

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("chat.http.send_error", "req_id", reqID, "path", path, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, apperr.Wrap(apperr.KindNetworkTransient, fmt.Sprintf("%s %s", method, path), err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("chat.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindNetworkTransient, "read response", err)
	}

	c.log.Debug("chat.http.response",
		"req_id", reqID,
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return nil, apperr.Newf(apperr.KindRemoteService, "provider status %d: %s", resp.StatusCode, truncate(raw))
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperr.Wrap(apperr.KindRemoteService, "malformed provider response: "+truncate(raw), err)
	}
	if env.Code != 0 {
		return nil, apperr.Newf(apperr.KindRemoteService, "provider code %d: %s", env.Code, env.Msg)
	}
	return env.Data, nil
}

func refQuery(ref Ref) url.Values {
	q := url.Values{}
	q.Set("conversation_id", ref.ConversationID)
	q.Set("chat_id", ref.ChatID)
	return q
}

func failureReason(d chatData) string {
	if d.LastError.Msg != "" {
		return d.LastError.Msg
	}
	if d.LastError.Code != 0 {
		return fmt.Sprintf("error code %d", d.LastError.Code)
	}
	return "chat " + string(d.Status)
}

func truncate(raw []byte) string {
	const limit = 512
	if len(raw) > limit {
		return string(raw[:limit]) + "..."
	}
	return string(raw)
}
