//go:build integration

package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// End-to-end through the running prober: create a run row, stage its input
// lists under the shared artifact root, publish the run request and watch
// the run land in a terminal state with probe rows attached.
func TestProberExecutesRun(t *testing.T) {
	cfg := LoadCfg()
	WaitTCP(t, "kafka", cfg.KafkaBootstrap, 60*time.Second)

	db := OpenDB(t, cfg.DBDSN)
	defer db.Close()

	// local target the prober can actually reach
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "served host %s", r.Host)
	}))
	defer srv.Close()

	var runID int64
	err := db.QueryRow(`
INSERT INTO runs (name, status, concurrency, sub_test_case, run_type)
VALUES ('it-standard', 'running', 3, 1, 'standard')
RETURNING id`).Scan(&runID)
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}

	u, _ := url.Parse(srv.URL)
	importsDir := filepath.Join(cfg.ArtifactsDir, "imports", "run_"+strconv.FormatInt(runID, 10))
	if err := os.MkdirAll(importsDir, 0o755); err != nil {
		t.Fatalf("mkdir imports: %v", err)
	}
	// skip-DNS path: IP-literal target, no fqdns file
	writeFile(t, filepath.Join(importsDir, "urls.txt"), "http://"+u.Host+"/\n")

	PublishJSON(t, cfg.KafkaBootstrap, cfg.RunReqTopic, []byte(strconv.FormatInt(runID, 10)), map[string]any{
		"run_id":          runID,
		"attempt":         1,
		"apply_blacklist": false,
	})

	WaitRunStatus(t, db, runID, "success", 90*time.Second)

	if n := CountProbes(t, db, runID); n == 0 {
		t.Fatalf("run %d finished without probe rows", runID)
	}

	var aggCount int
	if err := db.QueryRow(`SELECT COUNT(*) FROM aggregates WHERE run_id = $1`, runID).Scan(&aggCount); err != nil {
		t.Fatalf("count aggregates: %v", err)
	}
	if aggCount != 1 {
		t.Fatalf("expected one aggregate for run %d, got %d", runID, aggCount)
	}
}

func TestProberStopsCooperatively(t *testing.T) {
	cfg := LoadCfg()
	WaitTCP(t, "kafka", cfg.KafkaBootstrap, 60*time.Second)

	db := OpenDB(t, cfg.DBDSN)
	defer db.Close()

	var runID int64
	err := db.QueryRow(`
INSERT INTO runs (name, status, concurrency, sub_test_case, run_type)
VALUES ('it-stop', 'stopping', 3, 1, 'standard')
RETURNING id`).Scan(&runID)
	if err != nil {
		t.Fatalf("insert run: %v", err)
	}

	importsDir := filepath.Join(cfg.ArtifactsDir, "imports", "run_"+strconv.FormatInt(runID, 10))
	if err := os.MkdirAll(importsDir, 0o755); err != nil {
		t.Fatalf("mkdir imports: %v", err)
	}
	writeFile(t, filepath.Join(importsDir, "urls.txt"), "http://127.0.0.1:1/\n")

	PublishJSON(t, cfg.KafkaBootstrap, cfg.RunReqTopic, []byte(strconv.FormatInt(runID, 10)), map[string]any{
		"run_id":          runID,
		"attempt":         1,
		"apply_blacklist": false,
	})

	WaitRunStatus(t, db, runID, "stopped", 90*time.Second)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
