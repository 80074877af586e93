package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sealdrop/sealdrop/internal/common"
)

// partyTokenValidity bounds the per-call tokens the v1 client signs for
// itself. Calls are synchronous; a minute is plenty.
const partyTokenValidity = time.Minute

// V1Client speaks the first ledger protocol generation: synchronous JSON
// endpoints, per-identity signed tokens, server-side query filters, and a
// native fetch-by-key lookup. Template identifiers are hash-qualified; the
// package hash is discovered once and cached for the process lifetime.
type V1Client struct {
	baseURL string
	secret  []byte
	client  *http.Client

	pkgMu sync.Mutex
	pkgID string
}

func NewV1Client(baseURL string, secret []byte) *V1Client {
	return &V1Client{
		baseURL: baseURL,
		secret:  secret,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *V1Client) Generation() string { return "v1" }

// templateID returns the hash-qualified identifier for t, discovering the
// application package id on first use. The deployment uploads a single
// application package; the discovery endpoint lists it last. Only success is
// cached: a discovery failure leaves pkgID empty so the next call retries
// instead of pinning a transient outage for the process lifetime.
func (c *V1Client) templateID(ctx context.Context, t Template) (string, error) {
	c.pkgMu.Lock()
	defer c.pkgMu.Unlock()

	if c.pkgID == "" {
		var out struct {
			Result []string `json:"result"`
		}
		if err := c.doJSON(ctx, http.MethodGet, "/v1/packages", "", nil, &out); err != nil {
			return "", fmt.Errorf("package discovery: %w", err)
		}
		if len(out.Result) == 0 {
			return "", fmt.Errorf("package discovery: %w: empty package list", common.ErrLedgerRejected)
		}
		c.pkgID = out.Result[len(out.Result)-1]
	}
	return fmt.Sprintf("%s:%s:%s", c.pkgID, t.Module, t.Entity), nil
}

func (c *V1Client) CreateContract(ctx context.Context, actingIdentity string, template Template, payload map[string]any) (*ContractRef, error) {
	tid, err := c.templateID(ctx, template)
	if err != nil {
		return nil, err
	}
	req := map[string]any{"templateId": tid, "payload": payload}
	var out struct {
		Result struct {
			ContractID string         `json:"contractId"`
			Payload    map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/create", actingIdentity, req, &out); err != nil {
		return nil, err
	}
	return &ContractRef{ContractID: out.Result.ContractID, Template: template, Payload: out.Result.Payload}, nil
}

func (c *V1Client) ExerciseChoice(ctx context.Context, actingIdentity string, template Template, contractID, choice string, args map[string]any) (*ContractRef, error) {
	tid, err := c.templateID(ctx, template)
	if err != nil {
		return nil, err
	}
	req := map[string]any{
		"templateId": tid,
		"contractId": contractID,
		"choice":     choice,
		"argument":   args,
	}
	var out struct {
		Result struct {
			ContractID string         `json:"contractId"`
			Payload    map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/exercise", actingIdentity, req, &out); err != nil {
		return nil, err
	}
	return &ContractRef{ContractID: out.Result.ContractID, Template: template, Payload: out.Result.Payload}, nil
}

// QueryContracts delegates filtering to the ledger: generation A supports
// server-side field queries natively.
func (c *V1Client) QueryContracts(ctx context.Context, identity string, template Template, filter map[string]any) ([]*ContractRef, error) {
	tid, err := c.templateID(ctx, template)
	if err != nil {
		return nil, err
	}
	req := map[string]any{"templateIds": []string{tid}}
	if len(filter) > 0 {
		req["query"] = filter
	}
	var out struct {
		Result []struct {
			ContractID string         `json:"contractId"`
			Payload    map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/query", identity, req, &out); err != nil {
		return nil, err
	}
	refs := make([]*ContractRef, 0, len(out.Result))
	for _, r := range out.Result {
		refs = append(refs, &ContractRef{ContractID: r.ContractID, Template: template, Payload: r.Payload})
	}
	return refs, nil
}

// FetchByKey uses the native point lookup. A null result is absence, not an
// error condition on the wire.
func (c *V1Client) FetchByKey(ctx context.Context, identity string, template Template, key map[string]any) (*ContractRef, error) {
	tid, err := c.templateID(ctx, template)
	if err != nil {
		return nil, err
	}
	req := map[string]any{"templateId": tid, "key": key}
	var out struct {
		Result *struct {
			ContractID string         `json:"contractId"`
			Payload    map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/fetch", identity, req, &out); err != nil {
		return nil, err
	}
	if out.Result == nil {
		return nil, common.ErrorNotFound
	}
	return &ContractRef{ContractID: out.Result.ContractID, Template: template, Payload: out.Result.Payload}, nil
}

func (c *V1Client) AllocateIdentity(ctx context.Context, hint string) (*Identity, error) {
	req := map[string]any{"identifierHint": hint, "displayName": hint}
	var out struct {
		Result struct {
			Identifier  string `json:"identifier"`
			DisplayName string `json:"displayName"`
		} `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/parties/allocate", "", req, &out); err != nil {
		return nil, err
	}
	return &Identity{ID: out.Result.Identifier, DisplayName: out.Result.DisplayName}, nil
}

func (c *V1Client) ListIdentities(ctx context.Context) ([]*Identity, error) {
	var out struct {
		Result []struct {
			Identifier  string `json:"identifier"`
			DisplayName string `json:"displayName"`
		} `json:"result"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/parties", "", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]*Identity, 0, len(out.Result))
	for _, p := range out.Result {
		ids = append(ids, &Identity{ID: p.Identifier, DisplayName: p.DisplayName})
	}
	return ids, nil
}

func (c *V1Client) MintReadCredential(identity string, ttl time.Duration) (*ReadCredential, error) {
	tok, err := mintReadOnlyToken(c.secret, identity, ttl)
	if err != nil {
		return nil, err
	}
	return &ReadCredential{Token: tok, Identity: identity, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (c *V1Client) ResolveURL(cred *ReadCredential, contractID string) string {
	return fmt.Sprintf("%s/v1/fetch/%s?access_token=%s",
		c.baseURL, url.PathEscape(contractID), url.QueryEscape(cred.Token))
}

// doJSON performs one request. When actingIdentity is non-empty a fresh
// per-identity token is signed for the call; administrative endpoints go out
// without one. Transport failures map to ErrLedgerUnavailable, non-2xx
// responses to ErrLedgerRejected carrying the raw status and body.
func (c *V1Client) doJSON(ctx context.Context, method, path, actingIdentity string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if actingIdentity != "" {
		tok, err := mintPartyToken(c.secret, actingIdentity, partyTokenValidity)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrLedgerUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", common.ErrLedgerUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: status %d: %s", common.ErrLedgerRejected, resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: decoding response: %v", common.ErrLedgerRejected, err)
		}
	}
	return nil
}
