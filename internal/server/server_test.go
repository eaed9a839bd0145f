package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conclave-ai/conclave/internal/auth"
	"github.com/conclave-ai/conclave/internal/engine"
	"github.com/conclave-ai/conclave/internal/execution"
	"github.com/conclave-ai/conclave/internal/mcp"
	"github.com/conclave-ai/conclave/internal/messaging"
	"github.com/conclave-ai/conclave/internal/model"
	"github.com/conclave-ai/conclave/internal/ratelimit"
	"github.com/conclave-ai/conclave/internal/reputation"
	"github.com/conclave-ai/conclave/internal/server"
	"github.com/conclave-ai/conclave/internal/testutil"
)

var (
	testSrv    *httptest.Server
	adminToken string
	agentToken string // "test-agent", role agent, not eligible for lifecycle decisions
	voterToken [2]string
)

const voterName = "voter-%d"

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	db, err := tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}

	jwtMgr, _ := auth.NewJWTManager("", "", 24*time.Hour)

	broker := server.NewBroker(db, logger, 64)
	go broker.Start(ctx)

	ledger := reputation.NewLedger(logger)
	registry := engine.New(db, messaging.Noop{}, execution.Noop{},
		server.NewNotifySink(db, broker, logger), ledger, logger, engine.Options{})
	if err := registry.Recover(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to recover engine: %v\n", err)
		os.Exit(1)
	}

	mcpSrv := mcp.New(registry, db)

	srv := server.New(server.ServerConfig{
		DB:                  db,
		Registry:            registry,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Limiter:             ratelimit.NoopLimiter{},
		Broker:              broker,
		MCPServer:           mcpSrv.MCPServer(),
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})

	if err := srv.Handlers().SeedAdmin(ctx, "test-admin-key"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to seed admin: %v\n", err)
		os.Exit(1)
	}

	testSrv = httptest.NewServer(srv.Handler())

	adminToken = getToken(testSrv.URL, "admin", "test-admin-key")

	key := createAgent(testSrv.URL, adminToken, "test-agent", "Test Agent", "agent")
	agentToken = getToken(testSrv.URL, "test-agent", key)

	for i := range voterToken {
		id := fmt.Sprintf(voterName, i+1)
		k := createAgent(testSrv.URL, adminToken, id, id, "agent")
		voterToken[i] = getToken(testSrv.URL, id, k)
	}

	code := m.Run()

	testSrv.Close()
	cancel()
	db.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func getToken(baseURL, agentID, apiKey string) string {
	body, _ := json.Marshal(model.AuthTokenRequest{AgentID: agentID, APIKey: apiKey})
	resp, err := http.Post(baseURL+"/auth/token", "application/json", bytes.NewReader(body))
	if err != nil {
		panic(fmt.Sprintf("getToken: request failed: %v", err))
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		panic(fmt.Sprintf("getToken: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("getToken: unmarshal failed: %v, body: %s", err, string(data)))
	}
	if result.Data.Token == "" {
		panic(fmt.Sprintf("getToken: empty token, body: %s", string(data)))
	}
	return result.Data.Token
}

// createAgent registers an agent via the admin API and returns the
// generated API key.
func createAgent(baseURL, token, agentID, name, role string) string {
	body, _ := json.Marshal(model.CreateAgentRequest{AgentID: agentID, Name: name, Role: role})
	req, _ := http.NewRequest("POST", baseURL+"/v1/agents", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		panic(fmt.Sprintf("createAgent: status %d, body: %s", resp.StatusCode, string(data)))
	}
	var result struct {
		Data struct {
			APIKey string `json:"api_key"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		panic(fmt.Sprintf("createAgent: unmarshal failed: %v", err))
	}
	return result.Data.APIKey
}

func authedRequest(method, url, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return http.DefaultClient.Do(req)
}

// decodeData unmarshals a response envelope's data field into target.
func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	require.NoError(t, json.Unmarshal(envelope.Data, target), "data: %s", string(envelope.Data))
}

// createDecision posts a decision as voter-1 and returns its ID.
func createDecision(t *testing.T, req model.CreateDecisionRequest) uuid.UUID {
	t.Helper()
	resp, err := authedRequest("POST", testSrv.URL+"/v1/decisions", voterToken[0], req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var snap model.StatusSnapshot
	decodeData(t, resp, &snap)
	require.NotEqual(t, uuid.Nil, snap.DecisionID)
	return snap.DecisionID
}

func castVote(t *testing.T, token string, decisionID uuid.UUID, voteType string) (*http.Response, model.StatusSnapshot) {
	t.Helper()
	resp, err := authedRequest("POST",
		testSrv.URL+"/v1/decisions/"+decisionID.String()+"/votes", token,
		model.CastVoteRequest{VoteType: voteType, Confidence: 0.9})
	require.NoError(t, err)
	var snap model.StatusSnapshot
	if resp.StatusCode == http.StatusOK {
		decodeData(t, resp, &snap)
	}
	_ = resp.Body.Close()
	return resp, snap
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
	}
	decodeData(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
}

func TestAuthFlow(t *testing.T) {
	// Valid credentials.
	token := getToken(testSrv.URL, "admin", "test-admin-key")
	assert.NotEmpty(t, token)

	// Invalid credentials.
	body, _ := json.Marshal(model.AuthTokenRequest{AgentID: "admin", APIKey: "wrong"})
	resp, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Unknown agent gets the same 401, not a distinguishable error.
	body2, _ := json.Marshal(model.AuthTokenRequest{AgentID: "no-such-agent", APIKey: "whatever"})
	resp2, err := http.Post(testSrv.URL+"/auth/token", "application/json", bytes.NewReader(body2))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestUnauthenticatedAccess(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/v1/decisions")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminOnlyEndpoints(t *testing.T) {
	// Agent role cannot create agents.
	resp, err := authedRequest("POST", testSrv.URL+"/v1/agents", agentToken,
		model.CreateAgentRequest{AgentID: "should-fail", Name: "Fail"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Admin can list agents.
	resp2, err := authedRequest("GET", testSrv.URL+"/v1/agents", adminToken, nil)
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestDecisionLifecycle(t *testing.T) {
	// Unanimous over two voters: the first approve leaves the decision
	// open, the second resolves it.
	id := createDecision(t, model.CreateDecisionRequest{
		DecisionType:   "deployment",
		Title:          "Ship v2.3 to production",
		RequiredAgents: []string{"voter-1", "voter-2"},
		Algorithm:      "unanimous",
	})

	// Result is not available while voting is open.
	resp, err := authedRequest("GET", testSrv.URL+"/v1/decisions/"+id.String()+"/result", voterToken[0], nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	voteResp, snap := castVote(t, voterToken[0], id, "approve")
	require.Equal(t, http.StatusOK, voteResp.StatusCode)
	assert.Equal(t, model.StatusVoting, snap.Status)
	assert.Equal(t, 1, snap.VotesCast)
	assert.Contains(t, snap.PendingAgents, "voter-2")

	voteResp2, snap2 := castVote(t, voterToken[1], id, "approve")
	require.Equal(t, http.StatusOK, voteResp2.StatusCode)
	assert.Equal(t, model.StatusConsensusReached, snap2.Status)
	assert.Equal(t, 2, snap2.VotesCast)
	require.NotNil(t, snap2.Result)
	assert.Equal(t, model.FinalApproved, snap2.Result.FinalDecision)

	// Result endpoint now serves the final record.
	resp3, err := authedRequest("GET", testSrv.URL+"/v1/decisions/"+id.String()+"/result", voterToken[0], nil)
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusOK, resp3.StatusCode)

	var result model.DecisionResult
	decodeData(t, resp3, &result)
	assert.Equal(t, model.FinalApproved, result.FinalDecision)
	assert.True(t, result.ConsensusReached)
	assert.Equal(t, 2, result.VoteCount)

	// Voting after resolution is rejected.
	lateResp, _ := castVote(t, voterToken[0], id, "reject")
	assert.Equal(t, http.StatusConflict, lateResp.StatusCode)
}

func TestDuplicateVote(t *testing.T) {
	id := createDecision(t, model.CreateDecisionRequest{
		DecisionType:   "architecture",
		Title:          "Adopt event sourcing",
		RequiredAgents: []string{"voter-1", "voter-2"},
		Algorithm:      "unanimous",
	})

	first, _ := castVote(t, voterToken[0], id, "approve")
	require.Equal(t, http.StatusOK, first.StatusCode)

	second, _ := castVote(t, voterToken[0], id, "approve")
	assert.Equal(t, http.StatusConflict, second.StatusCode)
}

func TestIneligibleVoter(t *testing.T) {
	id := createDecision(t, model.CreateDecisionRequest{
		DecisionType:   "security",
		Title:          "Rotate signing keys",
		RequiredAgents: []string{"voter-1", "voter-2"},
		Algorithm:      "unanimous",
	})

	resp, _ := castVote(t, agentToken, id, "approve")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestInvalidDecisionRequest(t *testing.T) {
	resp, err := authedRequest("POST", testSrv.URL+"/v1/decisions", voterToken[0],
		model.CreateDecisionRequest{DecisionType: "deployment", Title: "No voters"})
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDecisionNotFound(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/decisions/"+uuid.NewString(), voterToken[0], nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListDecisions(t *testing.T) {
	createDecision(t, model.CreateDecisionRequest{
		DecisionType:   "planning",
		Title:          "Quarterly roadmap",
		RequiredAgents: []string{"voter-1", "voter-2"},
		Algorithm:      "unanimous",
	})

	resp, err := authedRequest("GET", testSrv.URL+"/v1/decisions?limit=10", voterToken[0], nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Decisions []model.Decision `json:"decisions"`
	}
	decodeData(t, resp, &list)
	assert.NotEmpty(t, list.Decisions)
}

func TestMetricsEndpoint(t *testing.T) {
	resp, err := authedRequest("GET", testSrv.URL+"/v1/metrics", voterToken[0], nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var metrics model.EngineMetrics
	decodeData(t, resp, &metrics)
	assert.Positive(t, metrics.TotalDecisions)
}

// newMCPClient creates an MCP client that connects to the test server's
// /mcp endpoint with the given bearer token.
func newMCPClient(t *testing.T, token string) *mcpclient.Client {
	t.Helper()
	c, err := mcpclient.NewStreamableHttpClient(
		testSrv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + token,
		}),
	)
	require.NoError(t, err)
	return c
}

func TestMCPInitialize(t *testing.T) {
	c := newMCPClient(t, agentToken)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "conclave", initResult.ServerInfo.Name)
}

func TestMCPListTools(t *testing.T) {
	c := newMCPClient(t, agentToken)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)

	toolsResult, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	assert.Len(t, toolsResult.Tools, 4)

	toolNames := make(map[string]bool)
	for _, tool := range toolsResult.Tools {
		toolNames[tool.Name] = true
	}
	assert.True(t, toolNames["conclave_propose"], "expected conclave_propose tool")
	assert.True(t, toolNames["conclave_vote"], "expected conclave_vote tool")
	assert.True(t, toolNames["conclave_status"], "expected conclave_status tool")
	assert.True(t, toolNames["conclave_pending"], "expected conclave_pending tool")
}

func TestMCPVoteFlow(t *testing.T) {
	id := createDecision(t, model.CreateDecisionRequest{
		DecisionType:   "model_selection",
		Title:          "Pick summarization model",
		RequiredAgents: []string{"voter-1", "voter-2"},
		Algorithm:      "unanimous",
	})

	c := newMCPClient(t, voterToken[1])
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	_, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)

	// voter-2 sees the decision as pending.
	pending, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: "conclave_pending"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, pending.Content)
	text, ok := pending.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, id.String())

	// voter-2 votes through MCP.
	voteResult, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name: "conclave_vote",
			Arguments: map[string]any{
				"decision_id": id.String(),
				"vote_type":   "approve",
				"confidence":  0.8,
				"reasoning":   "benchmarks favor it",
			},
		},
	})
	require.NoError(t, err)
	assert.False(t, voteResult.IsError)
}
