package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Store reads and writes a single versioned JSON blob through the contents
// API of a repository. The file's git blob SHA is the opaque version tag:
// reads return it, conditional writes require it.
type Store struct {
	client *Client
	repo   string // "owner/name"
	branch string
	logger *slog.Logger
}

// Blob is a document revision fetched from the store.
type Blob struct {
	Content []byte
	Tag     string
}

// NewStore creates a Store for the given repository and branch.
// repo must be in "owner/name" form.
func NewStore(client *Client, repo, branch string, logger *slog.Logger) (*Store, error) {
	if strings.Count(repo, "/") != 1 {
		return nil, fmt.Errorf("remote: repository %q must be owner/name", repo)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		client: client,
		repo:   repo,
		branch: branch,
		logger: logger,
	}, nil
}

// Budget exposes the client's remaining rate budget so the engine can back
// off proactively instead of waiting for a rate-limit rejection.
func (s *Store) Budget() Budget {
	return s.client.Budget()
}

// contentsResponse is the wire shape of a contents API read, and of the
// "content" object inside a write response.
type contentsResponse struct {
	SHA      string `json:"sha"`
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

// putRequest is the wire shape of a contents API write.
type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch,omitempty"`
	SHA     string `json:"sha,omitempty"`
}

// putResponse wraps the written blob metadata.
type putResponse struct {
	Content contentsResponse `json:"content"`
}

// Get fetches the document at path, returning its content and version tag.
// Returns ErrNotFound (via errors.Is) when the file does not exist yet.
func (s *Store) Get(ctx context.Context, path string) ([]byte, string, error) {
	resp, err := s.client.do(ctx, http.MethodGet, s.contentsPath(path), nil)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	var cr contentsResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return nil, "", fmt.Errorf("remote: decoding contents response: %w", err)
	}

	content, err := decodeContent(&cr)
	if err != nil {
		return nil, "", err
	}

	s.logger.Debug("fetched document",
		slog.String("path", path),
		slog.String("tag", cr.SHA),
		slog.Int("bytes", len(content)),
	)

	return content, cr.SHA, nil
}

// Put writes content to path, conditional on expectedTag matching the
// current remote revision. An empty expectedTag creates the file and fails
// with ErrVersionConflict if it already exists. Returns the new version tag.
//
// Put is not idempotent across tag changes: after ErrVersionConflict the
// caller must re-fetch before retrying.
func (s *Store) Put(ctx context.Context, path string, content []byte, expectedTag string) (string, error) {
	req := putRequest{
		Message: "studysync: update " + path,
		Content: base64.StdEncoding.EncodeToString(content),
		Branch:  s.branch,
		SHA:     expectedTag,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("remote: encoding put request: %w", err)
	}

	resp, err := s.client.do(ctx, http.MethodPut, s.contentsPath(path), body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: reading response: %v", ErrNetwork, err)
	}

	var pr putResponse
	if err := json.Unmarshal(respBody, &pr); err != nil {
		return "", fmt.Errorf("remote: decoding put response: %w", err)
	}

	s.logger.Info("wrote document",
		slog.String("path", path),
		slog.String("tag", pr.Content.SHA),
		slog.Int("bytes", len(content)),
	)

	return pr.Content.SHA, nil
}

// contentsPath builds the API path for the document, pinning the branch on
// reads via the ref query parameter.
func (s *Store) contentsPath(path string) string {
	p := fmt.Sprintf("/repos/%s/contents/%s", s.repo, url.PathEscape(path))
	if s.branch != "" {
		p += "?ref=" + url.QueryEscape(s.branch)
	}

	return p
}

// decodeContent decodes the base64 payload of a contents read. The API
// wraps base64 at 60 columns, so whitespace is stripped first.
func decodeContent(cr *contentsResponse) ([]byte, error) {
	if cr.Encoding != "base64" {
		return nil, fmt.Errorf("remote: unsupported content encoding %q", cr.Encoding)
	}

	compact := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' {
			return -1
		}

		return r
	}, cr.Content)

	content, err := base64.StdEncoding.DecodeString(compact)
	if err != nil {
		return nil, fmt.Errorf("remote: decoding content: %w", err)
	}

	return content, nil
}

// UserLogin fetches the authenticated user's login name. Used by the auth
// layer to resolve identity after a device-flow login.
func UserLogin(ctx context.Context, client *Client) (string, error) {
	resp, err := client.do(ctx, http.MethodGet, "/user", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var user struct {
		Login string `json:"login"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("remote: decoding user response: %w", err)
	}

	if user.Login == "" {
		return "", fmt.Errorf("remote: user response missing login")
	}

	return user.Login, nil
}
