package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPClient talks to the orchestration service over its JSON API. The
// payload shapes here mirror the service's wire format; everything above
// this file sees only the Client interface.
type HTTPClient struct {
	base   *url.URL
	token  string
	client *http.Client
}

// NewHTTPClient creates a client for the orchestrator at host.
func NewHTTPClient(host, token string) (*HTTPClient, error) {
	base, err := url.Parse(fmt.Sprintf("https://%s/", host))
	if err != nil {
		return nil, fmt.Errorf("orchestrator host %q: %w", host, err)
	}
	return &HTTPClient{
		base:   base,
		token:  token,
		client: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

type sliceRecord struct {
	ID       string    `json:"slice_id"`
	Name     string    `json:"name"`
	State    string    `json:"state"`
	LeaseEnd time.Time `json:"lease_end_time"`
}

type sliverRecord struct {
	ID           string `json:"sliver_id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	State        string `json:"state"`
	Notice       string `json:"notice"`
	Site         string `json:"site"`
	ManagementIP string `json:"management_ip"`
	Subnet       string `json:"subnet"`
	Gateway      string `json:"gateway"`

	Interfaces []struct {
		Name string `json:"name"`
		MAC  string `json:"mac"`
		VLAN string `json:"vlan"`
		BW   int64  `json:"bw"`
	} `json:"interfaces"`
}

func (r sliverRecord) toSliver() Sliver {
	sv := Sliver{
		ID:           r.ID,
		Name:         r.Name,
		Kind:         SliverKind(r.Type),
		State:        r.State,
		Notice:       r.Notice,
		Site:         r.Site,
		ManagementIP: r.ManagementIP,
		Subnet:       r.Subnet,
		Gateway:      r.Gateway,
	}
	for _, i := range r.Interfaces {
		sv.Interfaces = append(sv.Interfaces, SliverInterface{
			Name: i.Name, MAC: i.MAC, VLAN: i.VLAN, BW: i.BW,
		})
	}
	return sv
}

// do issues one request and decodes a JSON response into out, translating
// transport and HTTP-level failures into a non-OK status with diagnostics.
func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) (Status, string) {
	u := *c.base
	u.Path = path
	u.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return StatusFailure, fmt.Sprintf("encoding request: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return StatusFailure, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return StatusFailure, err.Error()
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return StatusFailure, err.Error()
	}
	if resp.StatusCode/100 != 2 {
		return StatusFailure, fmt.Sprintf("%s %s: %s: %s", method, path, resp.Status, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return StatusFailure, fmt.Sprintf("decoding response: %v", err)
		}
	}
	return StatusOK, ""
}

func (c *HTTPClient) Create(ctx context.Context, sliceName string, sliceGraph []byte, sshKey string) (Status, string, []Sliver, string) {
	var out struct {
		SliceID string         `json:"slice_id"`
		Slivers []sliverRecord `json:"slivers"`
	}
	body := map[string]interface{}{
		"name":    sliceName,
		"graph":   json.RawMessage(sliceGraph),
		"ssh_key": sshKey,
	}
	st, diag := c.do(ctx, http.MethodPost, "/slices/create", nil, body, &out)
	if st != StatusOK {
		return st, "", nil, diag
	}
	slivers := make([]Sliver, 0, len(out.Slivers))
	for _, r := range out.Slivers {
		slivers = append(slivers, r.toSliver())
	}
	return StatusOK, out.SliceID, slivers, ""
}

func (c *HTTPClient) Slices(ctx context.Context, filter SliceFilter) (Status, []Slice, string) {
	query := url.Values{}
	if filter.Name != "" {
		query.Set("name", filter.Name)
	}
	if filter.SliceID != "" {
		query.Set("slice_id", filter.SliceID)
	}
	for _, ex := range filter.Excludes {
		query.Add("excludes", ex)
	}
	var out []sliceRecord
	st, diag := c.do(ctx, http.MethodGet, "/slices", query, nil, &out)
	if st != StatusOK {
		return st, nil, diag
	}
	slices := make([]Slice, 0, len(out))
	for _, r := range out {
		slices = append(slices, Slice{ID: r.ID, Name: r.Name, State: r.State, LeaseEnd: r.LeaseEnd})
	}
	return StatusOK, slices, ""
}

func (c *HTTPClient) Slivers(ctx context.Context, sliceID string) (Status, []Sliver, string) {
	var out []sliverRecord
	st, diag := c.do(ctx, http.MethodGet, "/slices/"+sliceID+"/slivers", nil, nil, &out)
	if st != StatusOK {
		return st, nil, diag
	}
	slivers := make([]Sliver, 0, len(out))
	for _, r := range out {
		slivers = append(slivers, r.toSliver())
	}
	return StatusOK, slivers, ""
}

func (c *HTTPClient) Resources(ctx context.Context) (Status, []byte, string) {
	var out json.RawMessage
	st, diag := c.do(ctx, http.MethodGet, "/resources", nil, nil, &out)
	if st != StatusOK {
		return st, nil, diag
	}
	return StatusOK, out, ""
}

func (c *HTTPClient) Renew(ctx context.Context, sliceID string, end time.Time) (Status, string) {
	query := url.Values{}
	query.Set("lease_end_time", end.UTC().Format(time.RFC3339))
	return c.do(ctx, http.MethodPost, "/slices/"+sliceID+"/renew", query, nil, nil)
}

func (c *HTTPClient) Delete(ctx context.Context, sliceID string) (Status, string) {
	return c.do(ctx, http.MethodDelete, "/slices/"+sliceID, nil, nil, nil)
}

var _ Client = (*HTTPClient)(nil)
