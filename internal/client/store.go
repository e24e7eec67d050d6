package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/examsync/internal/model"
)

// StoreAPI is the request/response contract the synchronizer needs from the
// Session Store. All terminal-affecting calls are idempotent server-side,
// keyed by session id; a retried submit after a timeout never double-counts.
type StoreAPI interface {
	CreateSession(ctx context.Context, testID uuid.UUID, userID int) (*model.TestSession, error)
	GetSession(ctx context.Context, sessionID uuid.UUID) (*model.TestSession, error)
	GetTest(ctx context.Context, testID uuid.UUID) (*model.Test, error)
	StartSession(ctx context.Context, sessionID uuid.UUID) (*model.TestSession, error)
	SubmitSession(ctx context.Context, sessionID uuid.UUID, answers map[uuid.UUID]model.Answer) (*model.SessionResult, error)
}

// StoreClient talks to the Session Store's REST surface.
type StoreClient struct {
	baseURL string
	http    *http.Client
}

// NewStoreClient creates a client for the given base URL, e.g.
// "http://localhost:8080/api/v1".
func NewStoreClient(baseURL string) *StoreClient {
	return &StoreClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// apiEnvelope mirrors the server's response wrapper.
type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *StoreClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}
	if env.Error != nil {
		return fmt.Errorf("%s %s: %s (%s)", method, path, env.Error.Message, env.Error.Code)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// CreateSession creates (or returns the existing) attempt for test+user.
func (c *StoreClient) CreateSession(ctx context.Context, testID uuid.UUID, userID int) (*model.TestSession, error) {
	req := model.CreateSessionRequest{TestID: testID, UserID: userID}
	var s model.TestSession
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSession fetches a session snapshot.
func (c *StoreClient) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.TestSession, error) {
	var s model.TestSession
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID.String(), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetTest fetches the read-only paper for the client's cached copy.
func (c *StoreClient) GetTest(ctx context.Context, testID uuid.UUID) (*model.Test, error) {
	var t model.Test
	if err := c.do(ctx, http.MethodGet, "/tests/"+testID.String(), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// StartSession transitions PENDING → IN_PROGRESS.
func (c *StoreClient) StartSession(ctx context.Context, sessionID uuid.UUID) (*model.TestSession, error) {
	var s model.TestSession
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID.String()+"/start", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

type submitRequest struct {
	Answers map[uuid.UUID]model.Answer `json:"answers"`
}

// SubmitSession issues the terminal submit carrying the final answers.
func (c *StoreClient) SubmitSession(ctx context.Context, sessionID uuid.UUID, answers map[uuid.UUID]model.Answer) (*model.SessionResult, error) {
	var res model.SessionResult
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID.String()+"/submit", submitRequest{Answers: answers}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
