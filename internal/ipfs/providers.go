package ipfs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const (
	pinataAPI       = "https://api.pinata.cloud"
	pinataGateway   = "https://gateway.pinata.cloud"
	infuraAPI       = "https://ipfs.infura.io:5001"
	temporalAPI     = "https://api.temporal.cloud"
	temporalGateway = "https://gateway.temporal.cloud"
)

func withDefaults(ep Endpoints, api, gateway string) Endpoints {
	if ep.API == "" {
		ep.API = api
	}
	if ep.Gateway == "" {
		ep.Gateway = gateway
	}
	ep.API = strings.TrimRight(ep.API, "/")
	ep.Gateway = strings.TrimRight(ep.Gateway, "/")
	return ep
}

// gatewayStore reads content through a public gateway.
type gatewayStore struct {
	http    *httpClient
	gateway string
}

func (g gatewayStore) DagGet(ctx context.Context, cid string) (json.RawMessage, error) {
	data, err := g.Cat(ctx, cid)
	if err != nil {
		return nil, err
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("content %s is not json", cid)
	}
	return json.RawMessage(data), nil
}

func (g gatewayStore) Cat(ctx context.Context, cid string) ([]byte, error) {
	return g.http.do(ctx, http.MethodGet, g.gateway+"/ipfs/"+url.PathEscape(cid), nil, "")
}

type pinata struct {
	gatewayStore
	api string
}

func openPinata(ctx context.Context, ep Endpoints, creds Credentials) (*pinata, error) {
	ep = withDefaults(ep, pinataAPI, pinataGateway)
	c := newHTTPClient(map[string]string{
		"pinata_api_key":        creds.Key,
		"pinata_secret_api_key": creds.Secret,
	})
	if err := c.doJSON(ctx, http.MethodGet, ep.API+"/data/testAuthentication", nil, nil); err != nil {
		return nil, fmt.Errorf("pinata auth: %w", err)
	}
	return &pinata{gatewayStore: gatewayStore{http: c, gateway: ep.Gateway}, api: ep.API}, nil
}

func (p *pinata) DagPut(ctx context.Context, v any) (string, error) {
	var out struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := p.http.doJSON(ctx, http.MethodPost, p.api+"/pinning/pinJSONToIPFS", map[string]any{"pinataContent": v}, &out); err != nil {
		return "", err
	}
	if out.IpfsHash == "" {
		return "", errors.New("pinata returned no hash")
	}
	return out.IpfsHash, nil
}

// infura talks to the IPFS HTTP API, which only accepts POST.
type infura struct {
	http *httpClient
	api  string
}

func openInfura(ep Endpoints, creds Credentials) *infura {
	ep = withDefaults(ep, infuraAPI, "")
	headers := map[string]string{}
	if creds.Key != "" {
		token := base64.StdEncoding.EncodeToString([]byte(creds.Key + ":" + creds.Secret))
		headers["Authorization"] = "Basic " + token
	}
	return &infura{http: newHTTPClient(headers), api: ep.API}
}

func (i *infura) DagGet(ctx context.Context, cid string) (json.RawMessage, error) {
	data, err := i.http.do(ctx, http.MethodPost, i.api+"/api/v0/dag/get?arg="+url.QueryEscape(cid), nil, "")
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

func (i *infura) DagPut(ctx context.Context, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	body, contentType, err := form(nil, "file", raw)
	if err != nil {
		return "", err
	}
	data, err := i.http.do(ctx, http.MethodPost, i.api+"/api/v0/dag/put", body, contentType)
	if err != nil {
		return "", err
	}
	var out struct {
		Cid struct {
			Root string `json:"/"`
		} `json:"Cid"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Cid.Root == "" {
		return "", errors.New("infura returned no cid")
	}
	return out.Cid.Root, nil
}

func (i *infura) Cat(ctx context.Context, cid string) ([]byte, error) {
	return i.http.do(ctx, http.MethodPost, i.api+"/api/v0/cat?arg="+url.QueryEscape(cid), nil, "")
}

type temporal struct {
	http *httpClient
	api  string
	gw   gatewayStore
}

func openTemporal(ctx context.Context, ep Endpoints, creds Credentials) (*temporal, error) {
	ep = withDefaults(ep, temporalAPI, temporalGateway)
	var login struct {
		Token string `json:"token"`
	}
	err := newHTTPClient(nil).doJSON(ctx, http.MethodPost, ep.API+"/v2/auth/login", map[string]string{
		"username": creds.Key,
		"password": creds.Secret,
	}, &login)
	if err != nil {
		return nil, fmt.Errorf("temporal login: %w", err)
	}
	if login.Token == "" {
		return nil, errors.New("temporal login returned no token")
	}
	c := newHTTPClient(map[string]string{"Authorization": "Bearer " + login.Token})
	return &temporal{http: c, api: ep.API, gw: gatewayStore{http: c, gateway: ep.Gateway}}, nil
}

func (t *temporal) DagGet(ctx context.Context, cid string) (json.RawMessage, error) {
	data, err := t.http.do(ctx, http.MethodGet, t.api+"/v2/ipfs/public/dag/"+url.PathEscape(cid), nil, "")
	if err != nil {
		return nil, err
	}
	// responses are wrapped as {"code":200,"response":<dag>}
	var out struct {
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(data, &out); err == nil && len(out.Response) > 0 {
		return out.Response, nil
	}
	return json.RawMessage(data), nil
}

func (t *temporal) DagPut(ctx context.Context, v any) (string, error) {
	raw, err := json.Marshal([]any{v})
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	body, contentType, err := form(map[string]string{"hold_time": "1"}, "file", raw)
	if err != nil {
		return "", err
	}
	data, err := t.http.do(ctx, http.MethodPost, t.api+"/v2/ipfs/public/file/add", body, contentType)
	if err != nil {
		return "", err
	}
	var out struct {
		Response string `json:"response"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Response == "" {
		return "", errors.New("temporal returned no hash")
	}
	return out.Response, nil
}

func (t *temporal) Cat(ctx context.Context, cid string) ([]byte, error) {
	return t.gw.Cat(ctx, cid)
}
