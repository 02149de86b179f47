package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "fwdbot/pkg/logx"
)

func openForTest(t *testing.T, driver string) Store {
	t.Helper()

	cfg := Config{Driver: driver}
	switch driver {
	case "sqlite":
		cfg.Path = filepath.Join(t.TempDir(), "fwdbot.db")
		cfg.BusyTimeout = time.Second
	case "file":
		cfg.Path = filepath.Join(t.TempDir(), "store")
	case "postgres":
		cfg.DSN = os.Getenv("FWDBOT_TEST_POSTGRES_DSN")
		if cfg.DSN == "" {
			t.Skip("FWDBOT_TEST_POSTGRES_DSN not set")
		}
	}
	st, err := Open(context.Background(), cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open %s: %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestStoreContract(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"memory", "file", "sqlite", "postgres"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := openForTest(t, driver)
			tenant := "tenant-" + driver + "-" + time.Now().Format("150405.000000000")

			if _, err := st.GetCredentials(ctx, tenant); !errors.Is(err, ErrNotFound) {
				t.Fatalf("missing credentials: got %v, want ErrNotFound", err)
			}
			want := Credentials{TenantID: tenant, APIID: 42, APIHash: "hash", Session: "sess"}
			if err := st.PutCredentials(ctx, want); err != nil {
				t.Fatalf("put credentials: %v", err)
			}
			got, err := st.GetCredentials(ctx, tenant)
			if err != nil {
				t.Fatalf("get credentials: %v", err)
			}
			if got != want {
				t.Fatalf("credentials: got %+v want %+v", got, want)
			}

			if _, ok, err := st.GetJobStatus(ctx, tenant); err != nil || ok {
				t.Fatalf("absent status: ok=%v err=%v", ok, err)
			}
			if err := st.PutJobStatus(ctx, JobStatus{TenantID: tenant, Status: StatusActive, IntervalMinutes: 5}); err != nil {
				t.Fatalf("put status: %v", err)
			}
			if err := st.PutJobStatus(ctx, JobStatus{TenantID: tenant, Status: StatusStopped, IntervalMinutes: 0}); err != nil {
				t.Fatalf("upsert status: %v", err)
			}
			js, ok, err := st.GetJobStatus(ctx, tenant)
			if err != nil || !ok {
				t.Fatalf("get status: ok=%v err=%v", ok, err)
			}
			if js.Active() || js.IntervalMinutes != 0 {
				t.Fatalf("status not upserted: %+v", js)
			}
			if js.UpdatedAt.IsZero() {
				t.Fatalf("updated_at not set")
			}

			if err := st.PutJobStatus(ctx, JobStatus{}); err == nil {
				t.Fatalf("expected empty tenant to be rejected")
			}
			if err := st.AppendAudit(ctx, AuditEntry{TenantID: tenant, Action: "forward.start", OK: 1}); err != nil {
				t.Fatalf("audit: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store")

	st, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.PutCredentials(ctx, Credentials{TenantID: "a", APIID: 1, APIHash: "h", Session: "s"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutJobStatus(ctx, JobStatus{TenantID: "a", Status: StatusActive, IntervalMinutes: 7}); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2, err := Open(ctx, Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	c, err := st2.GetCredentials(ctx, "a")
	if err != nil || c.APIID != 1 {
		t.Fatalf("credentials after reopen: %+v err=%v", c, err)
	}
	js, ok, err := st2.GetJobStatus(ctx, "a")
	if err != nil || !ok || !js.Active() || js.IntervalMinutes != 7 {
		t.Fatalf("status after reopen: %+v ok=%v err=%v", js, ok, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
}
