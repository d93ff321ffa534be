// Package integration spins up the full server wiring against in-memory
// stores and exercises it over real HTTP.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/forrst-rpc/forrstd/internal/config"
	"github.com/forrst-rpc/forrstd/internal/hook"
	"github.com/forrst-rpc/forrstd/internal/operation"
	"github.com/forrst-rpc/forrstd/internal/orchestrator"
	"github.com/forrst-rpc/forrstd/internal/registry"
	"github.com/forrst-rpc/forrstd/internal/stream"
	"github.com/forrst-rpc/forrstd/internal/transport"
	"github.com/forrst-rpc/forrstd/model"
)

// testSecret signs the bearer tokens minted by the harness.
const testSecret = "integration-test-secret"

// Harness is a fully wired server with direct access to its stores.
type Harness struct {
	Server  *httptest.Server
	OpStore *operation.MemoryStore
}

// NewHarness builds the server the way main does, minus the listener and
// external stores.
func NewHarness() *Harness {
	logger := zap.NewNop()
	protocol := model.Protocol{Name: "forrst", Version: "1.0.0"}

	opStore := operation.NewMemoryStore()
	controller := operation.NewController(opStore, logger, 100, 4, time.Millisecond)

	reg := registry.New()
	for _, fn := range controller.Functions() {
		reg.Register(fn)
	}
	reg.Register(registry.Function{
		Name:    "demo.echo",
		Version: "1",
		Handler: func(_ context.Context, _ *model.RequestContext, args map[string]any) (any, error) {
			return args, nil
		},
	})
	reg.Register(registry.Function{
		Name:    "demo.count",
		Version: "1",
		Handler: func(_ context.Context, _ *model.RequestContext, args map[string]any) (any, error) {
			return map[string]any{"count": countArg(args)}, nil
		},
		Stream: func(_ *model.RequestContext, args map[string]any) stream.Producer {
			n := countArg(args)
			return func(ctx context.Context, send func(stream.Chunk) error) error {
				for i := 1; i <= n; i++ {
					if err := send(stream.Chunk{Event: stream.EventData, Payload: map[string]any{"n": i}}); err != nil {
						return err
					}
				}
				return nil
			}
		},
	})

	hooks := []hook.Hook{
		hook.NewAuthHook([]byte(testSecret), "", "", protocol),
		hook.NewRateLimitHook(config.RateLimitConfig{
			Enabled: true, RPS: 1000, Burst: 1000, IdleTTL: time.Minute,
		}, protocol),
		hook.NewIdempotencyHook(hook.NewMemoryReplayStore(), time.Minute, protocol),
	}
	pipeline := hook.NewPipeline(logger, hooks)

	orch := orchestrator.New(reg, pipeline, logger,
		"forrst", []string{"1.0.0"}, 1<<20, 5*time.Second)

	router := transport.NewRouter(transport.Dependencies{
		RPC:    transport.NewRPCHandler(orch, logger, nil, 1<<20),
		Logger: logger,
	})

	return &Harness{
		Server:  httptest.NewServer(router),
		OpStore: opStore,
	}
}

// Close shuts the server down.
func (h *Harness) Close() {
	h.Server.Close()
}

func countArg(args map[string]any) int {
	n := 3
	if f, ok := args["n"].(float64); ok && f >= 1 && f <= 1000 {
		n = int(f)
	}
	return n
}

// Call posts one request and decodes the response envelope.
func (h *Harness) Call(body string, token string) (*model.Response, int, error) {
	req, err := http.NewRequest(http.MethodPost, h.Server.URL+"/rpc", strings.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, httpResp.StatusCode, err
	}

	var resp model.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("decode response: %w (body %s)", err, raw)
	}
	return &resp, httpResp.StatusCode, nil
}

// SeedOperation stores a record owned by the given caller.
func (h *Harness) SeedOperation(callerID string, status model.OperationStatus) (model.OperationRecord, error) {
	rec := model.OperationRecord{
		ID:        model.NewOperationID(),
		Function:  "demo.bake",
		Version:   "1",
		Status:    status,
		CallerID:  callerID,
		Revision:  1,
		CreatedAt: time.Now().UTC(),
	}
	return rec, h.OpStore.Put(context.Background(), rec)
}
