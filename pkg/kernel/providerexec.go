package kernel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/loglineos/core/pkg/capability"
	"github.com/loglineos/core/pkg/record"
	"github.com/loglineos/core/pkg/registry"
)

// providerMeta is the shape of a provider record's metadata column.
type providerMeta struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model,omitempty"`
	AuthEnv string `json:"auth_env,omitempty"`
}

// ProviderExec performs exactly one outbound HTTPS call to the provider
// bound as PROVIDER_ID and records the outcome as a signed
// provider_execution row. No retries here; backoff is a policy concern.
func (rt *Runtime) ProviderExec(ctx context.Context, c *capability.Ctx, payload json.RawMessage) (*record.Record, error) {
	providerID, ok := c.Var(VarProviderID)
	if !ok || providerID == "" {
		return nil, fmt.Errorf("%w: no PROVIDER_ID bound", ErrUnsupportedProvider)
	}

	provider, err := rt.store.LatestByID(ctx, c.Session(), providerID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return nil, fmt.Errorf("%w: provider %s", ErrUnsupportedProvider, providerID)
		}
		return nil, err
	}
	if provider.EntityType != record.EntityProvider {
		return nil, fmt.Errorf("%w: %s is %s, not provider", ErrUnsupportedProvider, providerID, provider.EntityType)
	}

	var meta providerMeta
	if len(provider.Metadata) > 0 {
		if err := json.Unmarshal(provider.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("decode provider metadata: %w", err)
		}
	}

	start := c.Now()
	output, callErr := rt.callProvider(ctx, meta, payload)
	durationMS := c.Now().Sub(start).Milliseconds()

	exec := record.Record{
		ID:         record.NewID(),
		EntityType: record.EntityProviderExecution,
		Did:        "called",
		This:       NameProviderExec,
		ParentID:   provider.ID,
		RelatedTo:  []string{provider.ID},
		Status:     record.StatusComplete,
		Input:      payload,
		Output:     output,
		DurationMS: durationMS,
		TraceID:    traceID(c),
	}
	if callErr != nil {
		if errors.Is(callErr, ErrUnsupportedProvider) {
			return nil, callErr
		}
		exec.Status = record.StatusError
		exec.Output = nil
		exec.Error = record.MarshalErr(record.ErrObject{Kind: "provider", Message: callErr.Error()})
	}

	if err := insertSealed(ctx, c, &exec); err != nil {
		return nil, fmt.Errorf("insert provider_execution: %w", err)
	}
	return &exec, nil
}

// callProvider dispatches by provider family on base_url.
func (rt *Runtime) callProvider(ctx context.Context, meta providerMeta, payload json.RawMessage) (json.RawMessage, error) {
	base := strings.TrimRight(meta.BaseURL, "/")
	switch {
	case strings.Contains(base, "openai.com"):
		var bearer string
		if meta.AuthEnv != "" {
			bearer = os.Getenv(meta.AuthEnv)
		}
		return rt.post(ctx, base+"/chat/completions", bearer, withModel(payload, meta.Model))
	case strings.Contains(base, "localhost:11434"):
		return rt.post(ctx, base+"/api/chat", "", withModel(payload, meta.Model))
	default:
		return nil, fmt.Errorf("%w: base_url %q", ErrUnsupportedProvider, meta.BaseURL)
	}
}

func (rt *Runtime) post(ctx context.Context, url, bearer string, body json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := rt.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, truncate(string(raw), 500))
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("provider returned non-JSON body")
	}
	return json.RawMessage(raw), nil
}

// withModel injects the provider's configured model into an object payload
// that does not name one.
func withModel(payload json.RawMessage, model string) json.RawMessage {
	if model == "" || len(payload) == 0 {
		return payload
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}
	if _, ok := obj["model"]; ok {
		return payload
	}
	obj["model"] = json.RawMessage(fmt.Sprintf("%q", model))
	merged, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return merged
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
