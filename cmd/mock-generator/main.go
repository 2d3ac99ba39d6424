// Package main implements a mock task generation endpoint for local runs
// and end-to-end tests. It answers OpenAI-compatible /v1/chat/completions
// requests with task lists, so executions run offline and deterministically.
//
// Usage:
//
//	mock-generator --port 11434 --fixtures ./fixtures --fail-every 5
//
// The action is identified by the "## Action: <title>" line of the user
// message. When a fixture named after the action slug exists
// ("write-weekly-plan.json"), it is returned; numbered fixtures
// ("write-weekly-plan.1.json", ".2.json", ...) are returned in call order
// before the base file is repeated. Actions without a fixture get a
// synthesized task list.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// --- Server ---

// capturedRequest stores the prompt of an incoming request for test verification.
type capturedRequest struct {
	Action    string `json:"action"`
	Prompt    string `json:"prompt"`
	CallIndex int    `json:"call_index"` // 1-indexed per-action call number
	Timestamp int64  `json:"timestamp"`
}

type options struct {
	failEvery int
	failCode  string
	latency   time.Duration
}

type server struct {
	fixtures map[string][]string // action slug → ordered fixture contents
	opts     options
	logger   *slog.Logger

	calls    atomic.Int64 // total calls served
	injected atomic.Int64 // calls answered with an injected failure

	mu          sync.Mutex
	actionCalls map[string]int
	requests    map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, opts options, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:    fixtures,
		opts:        opts,
		logger:      logger,
		actionCalls: make(map[string]int),
		requests:    make(map[string][]capturedRequest),
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		fixtureDir string
		port       int
		opts       options
	)

	cmd := &cobra.Command{
		Use:          "mock-generator",
		Short:        "Mock OpenAI-compatible task generation endpoint",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			if fixtureDir == "" {
				fixtureDir = os.Getenv("MOCK_GENERATOR_FIXTURES")
			}
			var fixtures map[string][]string
			if fixtureDir != "" {
				var err error
				if fixtures, err = loadFixtures(fixtureDir); err != nil {
					return fmt.Errorf("load fixtures from %s: %w", fixtureDir, err)
				}
				logger.Info("Loaded fixtures", "dir", fixtureDir, "actions", len(fixtures))
			}

			s := newServer(fixtures, opts, logger)
			addr := fmt.Sprintf(":%d", port)
			logger.Info("Mock generator listening", "addr", addr,
				"fail_every", opts.failEvery, "latency", opts.latency)
			if err := s.echo().Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fixtureDir, "fixtures", "", "Directory of per-action fixture files")
	cmd.Flags().IntVar(&port, "port", 11434, "Port to listen on")
	cmd.Flags().IntVar(&opts.failEvery, "fail-every", 0, "Fail every Nth call (0 disables)")
	cmd.Flags().StringVar(&opts.failCode, "fail-code", "rate_limit_exceeded", "Error code of injected failures")
	cmd.Flags().DurationVar(&opts.latency, "latency", 0, "Delay added to every completion")

	return cmd
}

func (s *server) echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/health", s.handleHealth)
	e.POST("/v1/chat/completions", s.handleChatCompletions)
	e.GET("/v1/models", s.handleModels)
	e.GET("/stats", s.handleStats)
	e.GET("/requests", s.handleRequests)
	return e
}

func (s *server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// actionLineRe finds the action title in the user prompt.
var actionLineRe = regexp.MustCompile(`(?m)^## Action: (.+)$`)

func (s *server) handleChatCompletions(c echo.Context) error {
	var req chatRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, apiError{Error: apiErrorDetail{
			Message: fmt.Sprintf("invalid request body: %v", err),
			Type:    "invalid_request_error",
			Code:    "invalid_json",
		}})
	}

	callNum := s.calls.Add(1)

	if s.opts.latency > 0 {
		select {
		case <-time.After(s.opts.latency):
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	if s.opts.failEvery > 0 && callNum%int64(s.opts.failEvery) == 0 {
		s.injected.Add(1)
		s.logger.Info("Injecting failure", "call", callNum, "code", s.opts.failCode)
		return c.JSON(statusFor(s.opts.failCode), apiError{Error: apiErrorDetail{
			Message: "injected failure",
			Type:    "mock_error",
			Code:    s.opts.failCode,
		}})
	}

	prompt := lastUserMessage(req.Messages)
	title := actionTitle(prompt)
	slug := slugify(title)
	callIndex := s.capture(slug, prompt)

	content, fromFixture := s.fixtureFor(slug, callIndex)
	if !fromFixture {
		content = synthesize(title)
	}

	s.logger.Debug("Completion served",
		"call", callNum,
		"action", slug,
		"call_index", callIndex,
		"fixture", fromFixture)

	return c.JSON(http.StatusOK, chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     len(prompt) / 4, // rough estimate
			CompletionTokens: len(content) / 4,
			TotalTokens:      (len(prompt) + len(content)) / 4,
		},
	})
}

// statusFor maps an injected error code onto the status a provider would send.
func statusFor(code string) int {
	switch code {
	case "rate_limit_exceeded":
		return http.StatusTooManyRequests
	case "context_length_exceeded", "invalid_request_error":
		return http.StatusBadRequest
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}

func lastUserMessage(msgs []chatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func actionTitle(prompt string) string {
	if m := actionLineRe.FindStringSubmatch(prompt); m != nil {
		return strings.TrimSpace(m[1])
	}
	return "untitled action"
}

var nonSlugRe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(title string) string {
	return strings.Trim(nonSlugRe.ReplaceAllString(strings.ToLower(title), "-"), "-")
}

// capture records the request and returns its 1-indexed per-action call number.
func (s *server) capture(slug, prompt string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actionCalls[slug]++
	n := s.actionCalls[slug]
	s.requests[slug] = append(s.requests[slug], capturedRequest{
		Action:    slug,
		Prompt:    prompt,
		CallIndex: n,
		Timestamp: time.Now().UnixMilli(),
	})
	return n
}

func (s *server) fixtureFor(slug string, callIndex int) (string, bool) {
	seq, ok := s.fixtures[slug]
	if !ok || len(seq) == 0 {
		return "", false
	}
	if callIndex <= len(seq) {
		return seq[callIndex-1], true
	}
	return seq[len(seq)-1], true // repeat last fixture
}

type mockTask struct {
	Title            string `json:"title"`
	Description      string `json:"description"`
	Type             string `json:"type"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

// synthesize builds a plausible three-task plan for an action.
func synthesize(title string) string {
	tasks := []mockTask{
		{Title: "Plan: " + title, Description: "Decide scope and the first concrete step.", Type: "planning", EstimatedMinutes: 15},
		{Title: "Do: " + title, Description: "Work through the main step without interruptions.", Type: "execution", EstimatedMinutes: 45},
		{Title: "Review: " + title, Description: "Check the result and note what to change next time.", Type: "review", EstimatedMinutes: 10},
	}
	data, _ := json.MarshalIndent(map[string]any{"tasks": tasks}, "", "  ")
	return "```json\n" + string(data) + "\n```"
}

// handleModels lists the single mock model (Ollama-compatible).
func (s *server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]string{
			{"id": "mock-generator", "object": "model", "owned_by": "mock-generator"},
		},
	})
}

// handleStats returns call counts for test assertions.
func (s *server) handleStats(c echo.Context) error {
	s.mu.Lock()
	byAction := make(map[string]int, len(s.actionCalls))
	for slug, n := range s.actionCalls {
		byAction[slug] = n
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{
		"total_calls":     s.calls.Load(),
		"injected_errors": s.injected.Load(),
		"calls_by_action": byAction,
	})
}

// handleRequests returns captured prompts. Query params:
//   - action: filter by action slug
//   - call: filter by 1-indexed call number
func (s *server) handleRequests(c echo.Context) error {
	actionFilter := c.QueryParam("action")
	callFilter, _ := strconv.Atoi(c.QueryParam("call"))

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for slug, reqs := range s.requests {
		if actionFilter != "" && slug != actionFilter {
			continue
		}
		for _, r := range reqs {
			if callFilter > 0 && r.CallIndex != callFilter {
				continue
			}
			result[slug] = append(result[slug], r)
		}
	}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, map[string]any{"requests_by_action": result})
}

// numberedFileRe matches files like "write-weekly-plan.1.json".
var numberedFileRe = regexp.MustCompile(`^(.+)\.(\d+)\.json$`)

// loadFixtures reads JSON files from dir and returns slug → content sequence.
// Numbered files come first in numeric order; the base file is the final
// fallback.
func loadFixtures(dir string) (map[string][]string, error) {
	baseFiles := make(map[string]string)
	numberedFiles := make(map[string]map[int]string)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".json") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("invalid JSON in %s", path)
		}
		content := string(data)

		if matches := numberedFileRe.FindStringSubmatch(info.Name()); matches != nil {
			index, _ := strconv.Atoi(matches[2])
			if numberedFiles[matches[1]] == nil {
				numberedFiles[matches[1]] = make(map[int]string)
			}
			numberedFiles[matches[1]][index] = content
			return nil
		}

		baseFiles[strings.TrimSuffix(info.Name(), ".json")] = content
		return nil
	})
	if err != nil {
		return nil, err
	}

	fixtures := make(map[string][]string)
	for slug, numbered := range numberedFiles {
		indices := make([]int, 0, len(numbered))
		for idx := range numbered {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[slug] = append(fixtures[slug], numbered[idx])
		}
	}
	for slug, base := range baseFiles {
		fixtures[slug] = append(fixtures[slug], base)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}
