package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"deploy-go/internal/deploy"
	"deploy-go/internal/metrics"
	"deploy-go/internal/model"
	"deploy-go/internal/testutil"
)

type fixture struct {
	env   *testutil.Env
	prom  *metrics.Prom
	srv   *Server
	http  *httptest.Server
	agent *model.Agent
	pkg   *model.Package
	task  *model.Task
	file  *model.PackageFile
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testutil.NewEnv(t)
	prom := metrics.NewProm("deploy")
	srv, err := New(env.Negotiator, env.Repo, prom, deploy.NewNopLogger(), env.Clock, Options{MaxRequestBytes: 1024})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	f := &fixture{env: env, prom: prom, srv: srv, http: ts}
	f.agent = env.MustAgent(t, "host-1", 0)
	f.pkg = env.MustPackage(t, "docs", map[string]string{"readme.txt": "read me first"})
	f.task = env.MustActiveTask(t, "t", 0, false, []*model.Package{f.pkg},
		model.Target{Type: model.TargetAgent, ID: f.agent.ID})
	files, _ := env.Catalog.ListFiles(context.Background(), f.pkg.ID)
	f.file = files[0]
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.http.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, f.http.URL+path, nil)
	return f.do(t, req)
}

func (f *fixture) post(t *testing.T, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/deploy/agent", body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return f.do(t, req)
}

func decodeDescriptor(t *testing.T, body []byte) deploy.JobDescriptor {
	t.Helper()
	var desc deploy.JobDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		t.Fatalf("decode descriptor %s: %v", body, err)
	}
	return desc
}

func TestAgentEndpoint_GetConfig(t *testing.T) {
	f := newFixture(t)

	form := url.Values{"action": {"getConfig"}, "machineid": {"host-1"}}
	jsonBody := `{"action":"getConfig","machineid":"host-1","extra":{"ignored":true}}`

	var mp bytes.Buffer
	mw := multipart.NewWriter(&mp)
	_ = mw.WriteField("action", "getConfig")
	_ = mw.WriteField("machineid", "host-1")
	_ = mw.Close()

	tests := []struct {
		name string
		send func() (*http.Response, []byte)
	}{
		{"query", func() (*http.Response, []byte) {
			return f.get(t, "/deploy/agent?action=getConfig&machineid=host-1")
		}},
		{"form", func() (*http.Response, []byte) {
			return f.post(t, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
		}},
		{"multipart", func() (*http.Response, []byte) {
			return f.post(t, mw.FormDataContentType(), bytes.NewReader(mp.Bytes()))
		}},
		{"json", func() (*http.Response, []byte) {
			return f.post(t, "application/json; charset=utf-8", strings.NewReader(jsonBody))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := tt.send()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			desc := decodeDescriptor(t, body)
			if desc.ConfigValidityPeriod != 600 || len(desc.Schedule) != 1 {
				t.Fatalf("descriptor = %s", body)
			}
			got := desc.Schedule[0].Files[0]
			if got.SHA512 != f.file.Hash || got.Filename != "readme.txt" {
				t.Errorf("file = %+v", got)
			}
			if want := testutil.TestPublicURL + "/deploy/files/" + f.file.Hash; got.URL != want {
				t.Errorf("URL = %q, want %q", got.URL, want)
			}
		})
	}
}

func TestAgentEndpoint_EmptyResponses(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name        string
		contentType string
		body        string
		query       string
	}{
		{name: "unknown agent", query: "action=getConfig&machineid=nobody"},
		{name: "unknown action", query: "action=reboot&machineid=host-1"},
		{name: "no parameters"},
		{name: "malformed json", contentType: "application/json", body: `{"action":`},
		{name: "json array", contentType: "application/json", body: `["getConfig"]`},
		{name: "json wrong type", contentType: "application/json", body: `{"action":"getConfig","machineid":42}`},
		{name: "json without action", contentType: "application/json", body: `{"machineid":"host-1"}`},
		{name: "oversized body", contentType: "application/json", body: `{"action":"getConfig","machineid":"` + strings.Repeat("x", 2048) + `"}`},
		{name: "unsupported content type", contentType: "text/xml", body: `<getConfig/>`},
		{name: "bad status", query: "action=setStatus&machineid=host-1&taskid=t&packageid=p&status=finished"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := http.MethodGet
			var body io.Reader
			if tt.body != "" {
				method = http.MethodPost
				body = strings.NewReader(tt.body)
			}
			req, _ := http.NewRequest(method, f.http.URL+"/deploy/agent?"+tt.query, body)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			resp, got := f.do(t, req)
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
			if strings.TrimSpace(string(got)) != "{}" {
				t.Errorf("body = %s, want {}", got)
			}
		})
	}
}

func TestAgentEndpoint_SetStatus(t *testing.T) {
	f := newFixture(t)
	body := `{"action":"setStatus","machineid":"host-1","taskid":"` + f.task.ID +
		`","packageid":"` + f.pkg.ID + `","status":"success","msg":"installed"}`

	resp, got := f.post(t, "application/json", strings.NewReader(body))
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(got)) != "{}" {
		t.Fatalf("response = %d %s", resp.StatusCode, got)
	}

	statuses, err := f.env.DB.ListJobStatuses(context.Background(), f.task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 1 || statuses[0].Status != "success" || statuses[0].Message != "installed" {
		t.Errorf("statuses = %+v", statuses)
	}
}

func TestFileEndpoint(t *testing.T) {
	f := newFixture(t)
	hash := f.file.Hash

	resp, body := f.get(t, "/deploy/files/"+hash+"?machineid=host-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(body) != "read me first" {
		t.Errorf("body = %q", body)
	}
	if resp.Header.Get("Content-Length") != "13" {
		t.Errorf("Content-Length = %q", resp.Header.Get("Content-Length"))
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if resp.Header.Get("ETag") != `"`+hash+`"` {
		t.Errorf("ETag = %q", resp.Header.Get("ETag"))
	}

	req, _ := http.NewRequest(http.MethodHead, f.http.URL+"/deploy/files/"+hash+"?machineid=host-1", nil)
	resp, body = f.do(t, req)
	if resp.StatusCode != http.StatusOK || len(body) != 0 {
		t.Errorf("HEAD = %d with %d bytes", resp.StatusCode, len(body))
	}

	for name, path := range map[string]string{
		"unknown machine": "/deploy/files/" + hash + "?machineid=nobody",
		"no machine":      "/deploy/files/" + hash,
		"malformed hash":  "/deploy/files/abc?machineid=host-1",
		"unknown hash":    "/deploy/files/" + testutil.SHA512Hex([]byte("other")) + "?machineid=host-1",
	} {
		t.Run(name, func(t *testing.T) {
			resp, _ := f.get(t, path)
			if resp.StatusCode != http.StatusNotFound {
				t.Errorf("status = %d, want 404", resp.StatusCode)
			}
		})
	}
}

func TestInfoHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	resp, body := f.get(t, "/deploy/info")
	var ad deploy.Advertisement
	if err := json.Unmarshal(body, &ad); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("info = %d %s", resp.StatusCode, body)
	}
	if ad.Version != "test" || ad.Server != "deploy" {
		t.Errorf("Advertisement = %+v", ad)
	}

	resp, body = f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "ok" {
		t.Errorf("healthz = %d %q", resp.StatusCode, body)
	}

	f.get(t, "/deploy/agent?action=getConfig&machineid=host-1")
	_, body = f.get(t, "/metrics")
	want := `deploy_http_requests_total{method="GET",route="GET /deploy/agent",status="200"} 1`
	if !strings.Contains(string(body), want) {
		t.Errorf("metrics lack %q", want)
	}

	resp, _ = f.get(t, "/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown route = %d, want 404", resp.StatusCode)
	}
}

func TestServe_Shutdown(t *testing.T) {
	env := testutil.NewEnv(t)
	srv, err := New(env.Negotiator, env.Repo, nil, deploy.NewNopLogger(), deploy.RealClock{}, Options{ShutdownTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
	resp, err = http.Get("http://" + ln.Addr().String() + "/metrics")
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("/metrics without instrumentation = %d, want 404", resp.StatusCode)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
