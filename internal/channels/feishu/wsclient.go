package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSEventHandler receives decoded event frame payloads off the long
// connection.
type WSEventHandler interface {
	HandleEvent(ctx context.Context, payload []byte) error
}

// WSClient maintains Feishu's long-connection (WebSocket) event stream,
// reconnecting with backoff on disconnect.
type WSClient struct {
	appID, appSecret, domain string
	handler                  WSEventHandler
	httpClient               *http.Client
	stopped                  chan struct{}
}

func NewWSClient(appID, appSecret, domain string, handler WSEventHandler) *WSClient {
	return &WSClient{
		appID:      appID,
		appSecret:  appSecret,
		domain:     domain,
		handler:    handler,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		stopped:    make(chan struct{}),
	}
}

// endpointResp is the response from the conn endpoint-resolution API.
type endpointResp struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		URL string `json:"URL"`
	} `json:"data"`
}

func (w *WSClient) resolveEndpoint(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", w.domain+"/callback/ws/endpoint", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("resolve ws endpoint: %w", err)
	}
	defer resp.Body.Close()

	var out endpointResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ws endpoint: %w", err)
	}
	if out.Code != 0 {
		return "", fmt.Errorf("ws endpoint error: code=%d msg=%s", out.Code, out.Msg)
	}
	return out.Data.URL, nil
}

func (w *WSClient) token(ctx context.Context) (string, error) {
	client := NewLarkClient(w.appID, w.appSecret, w.domain)
	return client.getToken(ctx)
}

// Start connects and reconnects with exponential backoff until ctx is done
// or Stop is called.
func (w *WSClient) Start(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopped:
			return nil
		default:
		}

		if err := w.runOnce(ctx); err != nil {
			slog.Warn("feishu websocket connection dropped", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopped:
			return nil
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w *WSClient) runOnce(ctx context.Context) error {
	token, err := w.token(ctx)
	if err != nil {
		return err
	}
	endpoint, err := w.resolveEndpoint(ctx, token)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial ws endpoint: %w", err)
	}
	defer conn.Close()

	slog.Info("feishu websocket connected")

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read ws message: %w", err)
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if err := w.handler.HandleEvent(ctx, data); err != nil {
			slog.Debug("feishu ws event handler error", "error", err)
		}
	}
}

// Stop terminates the reconnect loop.
func (w *WSClient) Stop() {
	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
}
