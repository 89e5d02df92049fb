package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/hostexec"
	"github.com/seantiz/anvil/internal/registry"
	"github.com/seantiz/anvil/internal/verify"
)

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestListHosts(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	var hosts []hostexec.Info
	if code := getJSON(t, ts.URL+"/v1/hosts", &hosts); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if len(hosts) != 1 || hosts[0].Name != hostexec.BackendLocal || !hosts[0].Active || hosts[0].Target != "box" {
		t.Errorf("hosts = %+v", hosts)
	}
}

func TestListUnits(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	var units []unitInfo
	if code := getJSON(t, ts.URL+"/v1/units", &units); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	want := []unitInfo{
		{Unit: "db.service", File: "/etc/containers/systemd/db.pod"},
		{Unit: "web.service", File: "/etc/containers/systemd/web.container"},
	}
	if len(units) != len(want) {
		t.Fatalf("units = %+v, want %+v", units, want)
	}
	for i := range want {
		if units[i] != want[i] {
			t.Errorf("units[%d] = %+v, want %+v", i, units[i], want[i])
		}
	}
}

func TestListUnitsUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.backend.unreachable = true
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/v1/units", nil); code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", code)
	}
	if code := getJSON(t, ts.URL+"/v1/update-logs", nil); code != http.StatusBadGateway {
		t.Errorf("update logs status = %d, want 502", code)
	}
}

func TestUpdateLogs(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	var logs []updateLogInfo
	if code := getJSON(t, ts.URL+"/v1/update-logs", &logs); code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", code)
	}
	if len(logs) != 1 || logs[0].Name != "2026-03-01.log" {
		t.Errorf("logs = %+v", logs)
	}

	resp, err := http.Get(ts.URL + "/v1/update-logs/2026-03-01.log")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "updated web.service\n" {
		t.Errorf("get = %d %q", resp.StatusCode, body)
	}

	for _, name := range []string{"missing.log", ".hidden"} {
		if code := getJSON(t, ts.URL+"/v1/update-logs/"+name, nil); code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", name, code)
		}
	}
}

func TestUpdateLogsMissingDirectory(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.UpdateLogDir = "/var/log/elsewhere"
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/v1/update-logs", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestGetDigest(t *testing.T) {
	env := newTestEnv(t)
	env.digests.remotes["nginx:1.27"] = verify.Remote{
		Descriptor: registry.Descriptor{
			Reference:      "docker.io/library/nginx:1.27",
			IndexDigest:    "sha256:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			PlatformDigest: "sha256:bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		},
		Platform:  "linux/amd64",
		FetchedAt: time.Now().UTC(),
	}
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	var remote verify.Remote
	if code := getJSON(t, ts.URL+"/v1/registry/digest?image=nginx:1.27", &remote); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if remote.PlatformDigest.Encoded()[:4] != "bbbb" || remote.Platform != "linux/amd64" {
		t.Errorf("remote = %+v", remote)
	}

	tests := []struct {
		query string
		want  int
	}{
		{"", http.StatusBadRequest},
		{"?image=Not%20A%20Ref", http.StatusBadRequest},
		{"?image=ghcr.io/acme/api:2", http.StatusBadGateway},
	}
	for _, tt := range tests {
		if code := getJSON(t, ts.URL+"/v1/registry/digest"+tt.query, nil); code != tt.want {
			t.Errorf("%q status = %d, want %d", tt.query, code, tt.want)
		}
	}
}
