package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"forecastcache/internal/domain/artifact"
	"forecastcache/internal/infrastructure/persistence/sqlstore/model"
	"forecastcache/internal/infrastructure/persistence/sqlstore/repository"
	"forecastcache/internal/usecase/artifacts"
	"forecastcache/internal/usecase/retention"
)

type fixedSweeper struct {
	report retention.Report
}

func (s *fixedSweeper) Trigger() {}

func (s *fixedSweeper) TryRun(context.Context) (retention.Report, bool, error) {
	return s.report, true, nil
}

func newSession(t *testing.T, fsys afero.Fs) *mcp.ClientSession {
	t.Helper()

	db, err := gorm.Open(gormsqlite.Open(filepath.Join(t.TempDir(), "mcp.sqlite")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&model.Artifact{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	repo, err := repository.NewArtifactRepository(db, repository.Options{
		DefaultTTL: 30 * time.Minute,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("NewArtifactRepository() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})

	sweeper := &fixedSweeper{report: retention.Report{RecordsDeleted: 2}}
	coordinator, err := artifacts.NewCoordinator(repo, sweeper, nil, nil, artifacts.Config{CallTimeout: 2 * time.Second}, func() time.Time { return now })
	if err != nil {
		t.Fatalf("NewCoordinator() error = %v", err)
	}

	srv, err := New(coordinator, fsys, "test")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCP().Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server Connect() error = %v", err)
	}
	t.Cleanup(func() {
		_ = serverSession.Close()
	})

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client Connect() error = %v", err)
	}
	t.Cleanup(func() {
		_ = session.Close()
	})
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()

	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s) error = %v", name, err)
	}
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		if err != nil {
			t.Fatalf("marshal %s structured content: %v", name, err)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s structured content: %v", name, err)
		}
	}
	return res
}

func TestListToolsExposesStorageTools(t *testing.T) {
	session := newSession(t, afero.NewMemMapFs())

	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("ListTools() error = %v", err)
	}
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)

	want := []string{
		"cleanup_expired_forecasts",
		"get_cached_forecast",
		"get_storage_stats",
		"health_check",
		"list_forecasts",
		"upload_forecast",
	}
	if len(names) != len(want) {
		t.Fatalf("tools = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("tools = %v, want %v", names, want)
		}
	}
}

func TestUploadFromFileThenGetCached(t *testing.T) {
	fsys := afero.NewMemMapFs()
	audio := []byte("RIFF-audio-bytes")
	if err := afero.WriteFile(fsys, "/tmp/chicago.wav", audio, 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	session := newSession(t, fsys)

	var miss cachedForecastOutput
	callTool(t, session, "get_cached_forecast", map[string]any{"subject": "Chicago"}, &miss)
	if miss.Cached || miss.Subject != "chicago" {
		t.Fatalf("miss = %+v", miss)
	}

	var stored uploadOutput
	res := callTool(t, session, "upload_forecast", map[string]any{
		"subject":         "Chicago",
		"text":            "晴れ、最高気温24度",
		"encoding":        "utf-16",
		"language":        "ja",
		"locale":          "ja-JP",
		"audio_file_path": "/tmp/chicago.wav",
	}, &stored)
	if res.IsError {
		t.Fatalf("upload_forecast returned tool error: %+v", res.Content)
	}
	if stored.Status != "stored" || stored.TextEncoding != "utf16" || stored.AudioBytes != int64(len(audio)) {
		t.Fatalf("upload = %+v", stored)
	}

	var hit cachedForecastOutput
	callTool(t, session, "get_cached_forecast", map[string]any{"subject": "chicago", "language": "ja"}, &hit)
	if !hit.Cached || hit.Text != "晴れ、最高気温24度" || hit.TextEncoding != "utf16" {
		t.Fatalf("hit = %+v", hit)
	}
	gotAudio, err := base64.StdEncoding.DecodeString(hit.AudioBase64)
	if err != nil || string(gotAudio) != string(audio) {
		t.Fatalf("audio = %q, %v", gotAudio, err)
	}
	if hit.Locale != "ja-JP" || hit.AudioFormat != "wav" {
		t.Fatalf("hit metadata = %+v", hit)
	}
}

func TestUploadToolErrors(t *testing.T) {
	session := newSession(t, afero.NewMemMapFs())

	cases := map[string]map[string]any{
		"empty text":   {"subject": "oslo", "text": ""},
		"bad encoding": {"subject": "oslo", "text": "sun", "encoding": "latin1"},
		"missing file": {"subject": "oslo", "text": "sun", "audio_file_path": "/nope.wav"},
		"both audio":   {"subject": "oslo", "text": "sun", "audio_file_path": "/a.wav", "audio_base64": "AAAA"},
		"huge ttl":     {"subject": "oslo", "text": "sun", "ttl_seconds": artifact.MaxTTLSeconds + 1},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			res := callTool(t, session, "upload_forecast", args, nil)
			if !res.IsError {
				t.Fatalf("upload_forecast(%v) IsError = false", args)
			}
		})
	}
}

func TestJailedFsConfinesAudioFilePath(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "clip.wav"), []byte("inside"), 0o644); err != nil {
		t.Fatalf("write inside file: %v", err)
	}
	outside := filepath.Join(t.TempDir(), "secret.wav")
	if err := os.WriteFile(outside, []byte("outside"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}
	escape, err := filepath.Rel(root, outside)
	if err != nil {
		t.Fatalf("relative path: %v", err)
	}

	session := newSession(t, JailedFs(root))

	for _, path := range []string{"/etc/passwd", outside, escape} {
		res := callTool(t, session, "upload_forecast", map[string]any{
			"subject":         "leak",
			"text":            "x",
			"audio_file_path": path,
		}, nil)
		if !res.IsError {
			t.Fatalf("upload_forecast(audio_file_path=%q) IsError = false", path)
		}
	}

	var list listOutput
	callTool(t, session, "list_forecasts", map[string]any{"subject": "leak"}, &list)
	if list.Count != 0 {
		t.Fatalf("list count = %d, want 0", list.Count)
	}

	var stored uploadOutput
	res := callTool(t, session, "upload_forecast", map[string]any{
		"subject":         "oslo",
		"text":            "sun",
		"audio_file_path": "clip.wav",
	}, &stored)
	if res.IsError || stored.Status != "stored" || stored.AudioBytes != int64(len("inside")) {
		t.Fatalf("upload inside jail = %+v (IsError %v)", stored, res.IsError)
	}
}

func TestAudioFilePathDisabledWithoutFs(t *testing.T) {
	session := newSession(t, nil)

	res := callTool(t, session, "upload_forecast", map[string]any{
		"subject":         "oslo",
		"text":            "sun",
		"audio_file_path": "/etc/passwd",
	}, nil)
	if !res.IsError {
		t.Fatalf("upload_forecast with audio_file_path IsError = false")
	}

	var stored uploadOutput
	callTool(t, session, "upload_forecast", map[string]any{
		"subject":      "oslo",
		"text":         "sun",
		"audio_base64": base64.StdEncoding.EncodeToString([]byte("RIFF")),
	}, &stored)
	if stored.Status != "stored" || stored.AudioBytes != 4 {
		t.Fatalf("upload with audio_base64 = %+v", stored)
	}
}

func TestUploadFromCacheIsSkipped(t *testing.T) {
	session := newSession(t, afero.NewMemMapFs())

	var out uploadOutput
	callTool(t, session, "upload_forecast", map[string]any{"subject": "oslo", "text": "sun", "from_cache": true}, &out)
	if out.Status != "skipped" {
		t.Fatalf("upload = %+v, want skipped", out)
	}

	var list listOutput
	callTool(t, session, "list_forecasts", map[string]any{}, &list)
	if list.Count != 0 {
		t.Fatalf("list count = %d, want 0", list.Count)
	}
}

func TestListStatsCleanupAndHealth(t *testing.T) {
	session := newSession(t, afero.NewMemMapFs())

	for _, subject := range []string{"oslo", "oslo", "lima"} {
		res := callTool(t, session, "upload_forecast", map[string]any{"subject": subject, "text": "forecast for " + subject}, nil)
		if res.IsError {
			t.Fatalf("upload %s returned tool error", subject)
		}
	}

	var list listOutput
	callTool(t, session, "list_forecasts", map[string]any{"subject": "oslo", "limit": 5}, &list)
	if list.Count != 2 || list.Forecasts[0].Subject != "oslo" {
		t.Fatalf("list = %+v", list)
	}

	var stats statsOutput
	callTool(t, session, "get_storage_stats", map[string]any{}, &stats)
	if stats.TotalRecords != 3 || stats.ByEncoding["utf8"] != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(stats.BySubject) != 2 || stats.BySubject[0].Subject != "oslo" || stats.BySubject[0].Count != 2 {
		t.Fatalf("by subject = %+v", stats.BySubject)
	}

	var cleanup cleanupOutput
	callTool(t, session, "cleanup_expired_forecasts", map[string]any{}, &cleanup)
	if cleanup.Status != "completed" || cleanup.DeletedCount != 2 || cleanup.RemainingCount != 3 {
		t.Fatalf("cleanup = %+v", cleanup)
	}

	var health healthOutput
	callTool(t, session, "health_check", map[string]any{}, &health)
	if !health.Connected || !health.TableExists || health.Driver != "sqlite" {
		t.Fatalf("health = %+v", health)
	}
}
