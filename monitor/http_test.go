package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func doJSON(t *testing.T, method, url string, body io.Reader, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHTTP_API(t *testing.T) {
	e := newEnv(t, testConfig())
	srv := httptest.NewServer(e.svc.Handler("test"))
	defer srv.Close()

	if code := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil); code != http.StatusOK {
		t.Fatalf("healthz: got %d", code)
	}

	var rep RunReport
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/runs", nil, &rep); code != http.StatusOK {
		t.Fatalf("run: got %d", code)
	}
	if rep.State != "completed" || rep.Total != 2 {
		t.Fatalf("run report: got %+v", rep)
	}

	var targets []*Target
	doJSON(t, http.MethodGet, srv.URL+"/api/targets", nil, &targets)
	if len(targets) != 2 || targets[0].Name != "Acme" {
		t.Fatalf("targets: got %+v", targets)
	}

	var snaps []*Snapshot
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/targets/"+targets[0].ID+"/snapshots", nil, &snaps); code != http.StatusOK || len(snaps) != 1 {
		t.Fatalf("snapshots: got %d, %d items", code, len(snaps))
	}
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/targets/nope/snapshots", nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown target: got %d, want 404", code)
	}

	e.site.set(acmeURL, "<p>Everything about the Acme offer was rewritten from scratch this week.</p>")
	doJSON(t, http.MethodPost, srv.URL+"/api/runs", nil, &rep)

	var recs []*Record
	doJSON(t, http.MethodGet, srv.URL+"/api/changes?target_id="+targets[0].ID, nil, &recs)
	if len(recs) != 1 {
		t.Fatalf("changes: got %d, want 1", len(recs))
	}
	var one Record
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/changes/"+jsonInt(recs[0].ID), nil, &one); code != http.StatusOK || one.ID != recs[0].ID {
		t.Fatalf("get change: got %d %+v", code, one)
	}

	var det detectResponse
	doJSON(t, http.MethodPost, srv.URL+"/api/targets/"+targets[0].ID+"/detect", nil, &det)
	if !det.Changed || det.Record.ID != recs[0].ID {
		t.Fatalf("detect: got %+v, want the existing record", det)
	}

	var recRep ReconcileReport
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/reconcile", strings.NewReader(`{"target_id":"`+targets[0].ID+`"}`), &recRep); code != http.StatusOK {
		t.Fatalf("reconcile: got %d", code)
	}
	if code := doJSON(t, http.MethodPost, srv.URL+"/api/reconcile", strings.NewReader(`{"since":"yesterday"}`), nil); code != http.StatusBadRequest {
		t.Fatalf("bad scope: got %d, want 400", code)
	}

	if code := doJSON(t, http.MethodDelete, srv.URL+"/api/progress", nil, nil); code != http.StatusNoContent {
		t.Fatalf("reset: got %d, want 204", code)
	}
	var p Progress
	if code := doJSON(t, http.MethodGet, srv.URL+"/api/progress", nil, &p); code != http.StatusOK || p.Total != 2 {
		t.Fatalf("progress: got %d %+v", code, p)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "pagewatch_runs_total") {
		t.Fatal("metrics output missing pagewatch_runs_total")
	}
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
