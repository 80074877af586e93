package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/sealdrop/sealdrop/internal/common"
)

// packageName qualifies template identifiers on generation B, which switched
// from package hashes to stable package names.
const packageName = "sealdrop-contracts"

// V2Client speaks the second ledger protocol generation. Writes travel inside
// a command envelope and the created reference must be dug out of the
// response's event list; reads have no server-side field filtering and no key
// lookup, so both are emulated client-side against a point-in-time snapshot
// of the active set. The application authenticates once with a static token
// and scopes acting/reading identities per call in the request body.
type V2Client struct {
	baseURL  string
	appToken string
	secret   []byte
	client   *http.Client
}

func NewV2Client(baseURL, appToken string, secret []byte) *V2Client {
	return &V2Client{
		baseURL:  baseURL,
		appToken: appToken,
		secret:   secret,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *V2Client) Generation() string { return "v2" }

// templateID returns the name-qualified identifier for t. No discovery step
// is needed: package names are stable across uploads.
func (c *V2Client) templateID(t Template) string {
	return fmt.Sprintf("#%s:%s:%s", packageName, t.Module, t.Entity)
}

// v2Event is one entry of a transaction's event list. Exactly one of the
// pointers is set.
type v2Event struct {
	Created *struct {
		ContractID string         `json:"contractId"`
		TemplateID string         `json:"templateId"`
		Arguments  map[string]any `json:"arguments"`
	} `json:"created"`
	Archived *struct {
		ContractID string `json:"contractId"`
	} `json:"archived"`
}

type v2SubmitResponse struct {
	UpdateID string    `json:"updateId"`
	Events   []v2Event `json:"events"`
}

func (c *V2Client) CreateContract(ctx context.Context, actingIdentity string, template Template, payload map[string]any) (*ContractRef, error) {
	cmd := map[string]any{
		"create": map[string]any{
			"templateId": c.templateID(template),
			"arguments":  payload,
		},
	}
	return c.submit(ctx, actingIdentity, template, cmd)
}

func (c *V2Client) ExerciseChoice(ctx context.Context, actingIdentity string, template Template, contractID, choice string, args map[string]any) (*ContractRef, error) {
	cmd := map[string]any{
		"exercise": map[string]any{
			"templateId": c.templateID(template),
			"contractId": contractID,
			"choice":     choice,
			"argument":   args,
		},
	}
	return c.submit(ctx, actingIdentity, template, cmd)
}

// submit wraps one command in an envelope, submits it, and extracts the
// resulting reference. The event list is searched for a creation event of the
// target template; order is never assumed. Without one, the update id alone
// is returned as a degraded-but-committed result.
func (c *V2Client) submit(ctx context.Context, actingIdentity string, template Template, command map[string]any) (*ContractRef, error) {
	envelope := map[string]any{
		"commandId": uuid.NewString(),
		"actAs":     []string{actingIdentity},
		"readAs":    []string{actingIdentity},
		"commands":  []map[string]any{command},
	}
	var out v2SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v2/commands/submit-and-wait", envelope, &out); err != nil {
		return nil, err
	}

	want := c.templateID(template)
	for _, ev := range out.Events {
		if ev.Created != nil && ev.Created.TemplateID == want {
			return &ContractRef{
				ContractID:    ev.Created.ContractID,
				Template:      template,
				Payload:       ev.Created.Arguments,
				TransactionID: out.UpdateID,
			}, nil
		}
	}
	return &ContractRef{Template: template, TransactionID: out.UpdateID, Degraded: true}, nil
}

// QueryContracts fetches the full active set for the template at a current
// snapshot offset and filters client-side, hiding the generation's missing
// server-side query support from callers.
func (c *V2Client) QueryContracts(ctx context.Context, identity string, template Template, filter map[string]any) ([]*ContractRef, error) {
	var end struct {
		Offset int64 `json:"offset"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v2/state/ledger-end", nil, &end); err != nil {
		return nil, err
	}

	req := map[string]any{
		"parties":        []string{identity},
		"templateIds":    []string{c.templateID(template)},
		"activeAtOffset": end.Offset,
	}
	var out struct {
		Contracts []struct {
			ContractID string         `json:"contractId"`
			Arguments  map[string]any `json:"arguments"`
		} `json:"contracts"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v2/state/active-contracts", req, &out); err != nil {
		return nil, err
	}

	refs := make([]*ContractRef, 0, len(out.Contracts))
	for _, ct := range out.Contracts {
		if !matchesFilter(ct.Arguments, filter) {
			continue
		}
		refs = append(refs, &ContractRef{ContractID: ct.ContractID, Template: template, Payload: ct.Arguments})
	}
	return refs, nil
}

// FetchByKey emulates the missing point lookup with a query plus an equality
// match on the key's constituent fields.
func (c *V2Client) FetchByKey(ctx context.Context, identity string, template Template, key map[string]any) (*ContractRef, error) {
	refs, err := c.QueryContracts(ctx, identity, template, key)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return nil, common.ErrorNotFound
	}
	return refs[0], nil
}

func (c *V2Client) AllocateIdentity(ctx context.Context, hint string) (*Identity, error) {
	req := map[string]any{"partyIdHint": hint, "displayName": hint}
	var out struct {
		PartyDetails struct {
			Party       string `json:"party"`
			DisplayName string `json:"displayName"`
		} `json:"partyDetails"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v2/parties", req, &out); err != nil {
		return nil, err
	}
	return &Identity{ID: out.PartyDetails.Party, DisplayName: out.PartyDetails.DisplayName}, nil
}

func (c *V2Client) ListIdentities(ctx context.Context) ([]*Identity, error) {
	var out struct {
		PartyDetails []struct {
			Party       string `json:"party"`
			DisplayName string `json:"displayName"`
		} `json:"partyDetails"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v2/parties", nil, &out); err != nil {
		return nil, err
	}
	ids := make([]*Identity, 0, len(out.PartyDetails))
	for _, p := range out.PartyDetails {
		ids = append(ids, &Identity{ID: p.Party, DisplayName: p.DisplayName})
	}
	return ids, nil
}

func (c *V2Client) MintReadCredential(identity string, ttl time.Duration) (*ReadCredential, error) {
	tok, err := mintReadOnlyToken(c.secret, identity, ttl)
	if err != nil {
		return nil, err
	}
	return &ReadCredential{Token: tok, Identity: identity, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (c *V2Client) ResolveURL(cred *ReadCredential, contractID string) string {
	return fmt.Sprintf("%s/v2/contracts/%s?access_token=%s",
		c.baseURL, url.PathEscape(contractID), url.QueryEscape(cred.Token))
}

// matchesFilter reports whether every filter entry equals the corresponding
// payload field. Values come from the same JSON decoder on both sides, so
// DeepEqual compares like with like.
func matchesFilter(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// doJSON performs one request under the application token. Error mapping
// mirrors the v1 client: transport failures are ErrLedgerUnavailable, non-2xx
// responses are ErrLedgerRejected with the raw status and body.
func (c *V2Client) doJSON(ctx context.Context, method, path string, in, out any) error {
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
	if c.appToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.appToken)
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
