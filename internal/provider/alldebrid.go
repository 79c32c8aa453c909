package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const linkRefPrefix = "link:"

// AllDebrid is the adapter for the AllDebrid v4 API. Magnet sources go
// through /magnet/upload + /magnet/status; direct links are carried as
// pass-through refs and surface as a single-file manifest, since the
// provider only needs to be involved at unlock time.
type AllDebrid struct {
	apiKey string
	agent  string
	base   string
	http   *http.Client
}

func NewAllDebrid(apiKey, agent, baseURL string, connectTimeout, readTimeout time.Duration) *AllDebrid {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	return &AllDebrid{
		apiKey: apiKey,
		agent:  agent,
		base:   strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Transport: transport,
			Timeout:   readTimeout,
		},
	}
}

func (a *AllDebrid) Name() string { return "alldebrid" }

// envelope is the common AllDebrid response wrapper.
type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Error codes the provider documents as unrecoverable for a magnet.
var terminalCodes = map[string]struct{}{
	"MAGNET_INVALID_URI":      {},
	"MAGNET_INVALID_FILE":     {},
	"MAGNET_MUST_BE_PREMIUM":  {},
	"MAGNET_TOO_MANY_ACTIVE":  {},
	"MAGNET_PROCESSING":       {}, // only terminal when reported by status as error
	"LINK_DOWN":               {},
	"LINK_HOST_NOT_SUPPORTED": {},
}

func (a *AllDebrid) call(ctx context.Context, method, endpoint string, form url.Values) (json.RawMessage, error) {
	q := url.Values{"agent": {a.agent}, "apikey": {a.apiKey}}

	var req *http.Request
	var err error
	if method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, a.base+endpoint+"?"+q.Encode(),
			strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		for k, vs := range form {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		req, err = http.NewRequestWithContext(ctx, method, a.base+endpoint+"?"+q.Encode(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("provider: build request: %w", err)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("provider: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider: %s returned HTTP %d", endpoint, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("provider: decode response: %w", err)
	}
	if env.Status != "success" {
		code, msg := "unknown_error", ""
		if env.Error != nil {
			code, msg = env.Error.Code, env.Error.Message
		}
		if _, terminal := terminalCodes[code]; terminal {
			return nil, &TerminalError{Code: code, Message: msg}
		}
		return nil, fmt.Errorf("provider: %s error %s: %s", endpoint, code, msg)
	}
	return env.Data, nil
}

func (a *AllDebrid) Upload(ctx context.Context, source string) (string, error) {
	if !strings.HasPrefix(source, "magnet:") {
		// Direct links need no provider-side materialization.
		return linkRefPrefix + source, nil
	}

	form := url.Values{"magnets[]": {source}}
	data, err := a.call(ctx, http.MethodPost, "/magnet/upload", form)
	if err != nil {
		return "", err
	}

	var out struct {
		Magnets []struct {
			ID    json.Number `json:"id"`
			Error *struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		} `json:"magnets"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("provider: decode upload: %w", err)
	}
	if len(out.Magnets) == 0 {
		return "", fmt.Errorf("provider: upload returned no magnets")
	}
	m := out.Magnets[0]
	if m.Error != nil {
		if _, terminal := terminalCodes[m.Error.Code]; terminal {
			return "", &TerminalError{Code: m.Error.Code, Message: m.Error.Message}
		}
		return "", fmt.Errorf("provider: upload error %s: %s", m.Error.Code, m.Error.Message)
	}
	return m.ID.String(), nil
}

// magnetStatus is the subset of /magnet/status we consume. The API has
// shipped both dict and list shapes for magnets over time; normalize both.
type magnetStatus struct {
	Magnets json.RawMessage `json:"magnets"`
}

type magnetInfo struct {
	Status string `json:"status"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Files []rawFile `json:"files"`
	Links []rawFile `json:"links"`
}

type rawFile struct {
	Name     string      `json:"n"`
	AltName  string      `json:"name"`
	Filename string      `json:"filename"`
	Size     json.Number `json:"size"`
	AltSize  json.Number `json:"filesize"`
	Link     string      `json:"link"`
	AltLink  string      `json:"l"`
	URL      string      `json:"url"`
}

func (f rawFile) normalize() File {
	name := f.Name
	if name == "" {
		name = f.AltName
	}
	if name == "" {
		name = f.Filename
	}
	size, _ := f.Size.Int64()
	if size == 0 {
		size, _ = f.AltSize.Int64()
	}
	link := f.Link
	if link == "" {
		link = f.AltLink
	}
	if link == "" {
		link = f.URL
	}
	return File{Name: name, Size: size, LockedURL: link}
}

func (a *AllDebrid) Status(ctx context.Context, ref string) (*Status, error) {
	if link, ok := strings.CutPrefix(ref, linkRefPrefix); ok {
		name := path.Base(strings.SplitN(link, "?", 2)[0])
		if name == "" || name == "/" || name == "." {
			name = "file"
		}
		return &Status{Files: []File{{Name: name, Size: 0, LockedURL: link}}}, nil
	}

	data, err := a.call(ctx, http.MethodGet, "/magnet/status", url.Values{"id": {ref}})
	if err != nil {
		var te *TerminalError
		if errors.As(err, &te) {
			return &Status{TerminalError: te.Code}, nil
		}
		return nil, err
	}

	var st magnetStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("provider: decode status: %w", err)
	}

	var info magnetInfo
	if len(st.Magnets) > 0 {
		if err := json.Unmarshal(st.Magnets, &info); err != nil {
			// List shape: take the first entry.
			var list []magnetInfo
			if err2 := json.Unmarshal(st.Magnets, &list); err2 != nil || len(list) == 0 {
				return nil, fmt.Errorf("provider: decode magnet status: %w", err)
			}
			info = list[0]
		}
	}

	if info.Error != nil {
		return &Status{TerminalError: info.Error.Code}, nil
	}
	if strings.EqualFold(info.Status, "error") {
		return &Status{TerminalError: "magnet_error"}, nil
	}

	out := &Status{}
	for _, rf := range info.Files {
		out.Files = append(out.Files, rf.normalize())
	}
	for _, rf := range info.Links {
		out.Files = append(out.Files, rf.normalize())
	}
	return out, nil
}

func (a *AllDebrid) Unlock(ctx context.Context, lockedURL string) (string, error) {
	data, err := a.call(ctx, http.MethodGet, "/link/unlock", url.Values{"link": {lockedURL}})
	if err != nil {
		return "", err
	}

	var out struct {
		Link     string `json:"link"`
		Download string `json:"download"`
		URL      string `json:"url"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("provider: decode unlock: %w", err)
	}
	direct := out.Link
	if direct == "" {
		direct = out.Download
	}
	if direct == "" {
		direct = out.URL
	}
	if direct == "" {
		return "", fmt.Errorf("provider: unlock returned no direct link")
	}
	return direct, nil
}
