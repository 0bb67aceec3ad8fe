package transport

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

	"github.com/driftlab/driftsync/pkg/api"
)

// TokenFunc выдает актуальный access token для запроса.
// Выпуск и обновление токенов - забота внешней подсистемы аутентификации.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPProvider реализует Provider поверх HTTP gateway
type HTTPProvider struct {
	httpClient *http.Client
	token      TokenFunc
	baseURL    string
}

// NewHTTPProvider создает новый HTTP транспорт
func NewHTTPProvider(baseURL string, token TokenFunc) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			// Настройка обработки редиректов
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Ограничиваем количество редиректов
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Копируем заголовок Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// Push отправляет пакет операций на сервер
func (p *HTTPProvider) Push(ctx context.Context, req api.PushRequest) (*api.PushResponse, error) {
	var resp api.PushResponse
	if err := p.doRequest(ctx, http.MethodPost, "/api/v1/sync/push", req, &resp); err != nil {
		return nil, fmt.Errorf("push request failed: %w", err)
	}
	return &resp, nil
}

// Pull запрашивает страницу изменений после курсора
func (p *HTTPProvider) Pull(ctx context.Context, workspaceID string, cursor uint64, limit int) (*api.PullResponse, error) {
	query := url.Values{}
	query.Set("workspace_id", workspaceID)
	query.Set("cursor", strconv.FormatUint(cursor, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp api.PullResponse
	path := "/api/v1/sync/pull?" + query.Encode()
	if err := p.doRequest(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("pull request failed: %w", err)
	}
	return &resp, nil
}

// UpdateCursor подтверждает дочитанную позицию устройства
func (p *HTTPProvider) UpdateCursor(ctx context.Context, req api.UpdateCursorRequest) (*api.UpdateCursorResponse, error) {
	var resp api.UpdateCursorResponse
	if err := p.doRequest(ctx, http.MethodPost, "/api/v1/sync/cursor", req, &resp); err != nil {
		return nil, fmt.Errorf("update cursor request failed: %w", err)
	}
	return &resp, nil
}

// Close освобождает ресурсы транспорта.
// HTTP транспорт не держит долгоживущих соединений сверх пула http.Client.
func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// doRequest выполняет HTTP запрос и декодирует ответ.
// Недоступность сети превращается в *Error с кодом unavailable (retryable);
// ошибки сервера несут структурированный код из тела ответа.
func (p *HTTPProvider) doRequest(ctx context.Context, method, path string, body, result interface{}) error {
	requestURL := p.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if p.token != nil {
		token, err := p.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		// Сетевые ошибки всегда retryable независимо от payload
		return &Error{Code: api.ErrCodeUnavailable, Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	// Читаем тело ответа
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Error{Code: api.ErrCodeUnavailable, Message: err.Error()}
	}

	// Проверяем статус код
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return p.parseError(resp.StatusCode, respBody)
	}

	// Декодируем успешный ответ
	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// parseError строит структурированную ошибку из ответа сервера
func (p *HTTPProvider) parseError(status int, body []byte) error {
	var errResp api.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
		return &Error{
			Code:       errResp.Code,
			Message:    errResp.Message,
			RetryAfter: errResp.RetryAfter,
		}
	}

	// Ответ без структурированного кода - классифицируем по статусу
	code := api.ErrCodeInternal
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = api.ErrCodeUnauthorized
	case status == http.StatusTooManyRequests:
		code = api.ErrCodeQuotaExceeded
	case status >= 400 && status < 500:
		code = api.ErrCodeValidation
	}

	return &Error{Code: code, Message: fmt.Sprintf("server returned status %d", status)}
}
