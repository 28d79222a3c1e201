package provman

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/provman/provman/config"
	"github.com/provman/provman/errs"
	"github.com/provman/provman/testplugin"
)

const telephonySchema = `<schema root="/telephony/">
  <dir name="contexts">
    <dir name="">
      <key name="apn" type="string"/>
      <key name="name" type="string"/>
      <key name="port" type="int"/>
    </dir>
  </dir>
</schema>`

const emailSchema = `<schema root="/applications/email/">
  <dir name="">
    <dir name="incoming">
      <key name="host" type="string"/>
      <key name="port" type="int"/>
      <key name="type" type="enum" values="imap,pop3"/>
    </dir>
  </dir>
</schema>`

func newTelephonyBroker(t *testing.T, initial map[string]string) (*Broker, *testplugin.Plugin) {
	t.Helper()
	tp := testplugin.NewWithSchema("telephony", "/telephony/", telephonySchema, initial)
	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Plugins = []config.PluginConfig{{Name: "telephony", Root: "/telephony/"}}
	b := New(cfg)
	b.RegisterCapability(tp)
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(b.Close)
	return b, tp
}

// S1 — Happy path.
func TestHappyPathRoundTripsAcrossSessions(t *testing.T) {
	b, _ := newTelephonyBroker(t, map[string]string{
		"contexts/preset/apn": "preset-apn",
	})
	ctx := context.Background()

	if err := b.Start(ctx, "A", ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Set(ctx, "A", "/telephony/contexts/acct/apn", "test-apn"); err != nil {
		t.Fatalf("Set apn: %v", err)
	}
	if err := b.Set(ctx, "A", "/telephony/contexts/acct/name", "Test APN"); err != nil {
		t.Fatalf("Set name: %v", err)
	}
	if err := b.End(ctx, "A"); err != nil {
		t.Fatalf("End: %v", err)
	}

	if err := b.Start(ctx, "A", ""); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	all, err := b.GetAll(ctx, "A", "/telephony")
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if all["/telephony/contexts/acct/apn"] != "test-apn" {
		t.Fatalf("GetAll = %v, missing committed apn", all)
	}
	if all["/telephony/contexts/acct/name"] != "Test APN" {
		t.Fatalf("GetAll = %v, missing committed name", all)
	}
	if all["/telephony/contexts/preset/apn"] != "preset-apn" {
		t.Fatalf("GetAll = %v, missing plugin-provided default", all)
	}
	if err := b.End(ctx, "A"); err != nil {
		t.Fatalf("final End: %v", err)
	}
}

// S2 — Validation.
func TestValidationRejectsBadIntLeavesCacheUnchanged(t *testing.T) {
	b, _ := newTelephonyBroker(t, map[string]string{"contexts/acct/port": "25"})
	ctx := context.Background()
	_ = b.Start(ctx, "A", "")

	if err := b.Set(ctx, "A", "/telephony/contexts/acct/port", "abc"); !errs.OfKind(err, errs.BadArgs) {
		t.Fatalf("Set bad int = %v, want BadArgs", err)
	}
	v, err := b.Get(ctx, "A", "/telephony/contexts/acct/port")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if v != "25" {
		t.Fatalf("Get after rejected Set = %q, want unchanged 25", v)
	}
	_ = b.End(ctx, "A")
}

// S3 — Session gating.
func TestSessionGatingAdmitsBOnlyAfterAEnds(t *testing.T) {
	b, _ := newTelephonyBroker(t, nil)
	ctx := context.Background()
	if err := b.Start(ctx, "A", ""); err != nil {
		t.Fatalf("A Start: %v", err)
	}

	bDone := make(chan error, 1)
	go func() {
		bDone <- b.Start(ctx, "B", "")
	}()

	select {
	case <-bDone:
		t.Fatalf("B admitted before A ended")
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.End(ctx, "A"); err != nil {
		t.Fatalf("A End: %v", err)
	}

	select {
	case err := <-bDone:
		if err != nil {
			t.Fatalf("B Start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("B never admitted after A's End")
	}
	_ = b.End(ctx, "B")
}

// S4 — Cancellation: killing A's transport mid sync-in clears the
// cache and admits B, who sees an empty initial merge.
func TestCancellationDuringSyncInClearsCacheAndAdmitsNext(t *testing.T) {
	tp := testplugin.NewWithSchema("telephony", "/telephony/", telephonySchema, map[string]string{
		"contexts/acct/apn": "should-never-surface",
	})
	tp.HangSyncIn()
	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Plugins = []config.PluginConfig{{Name: "telephony", Root: "/telephony/"}}
	b := New(cfg)
	b.RegisterCapability(tp)
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(b.Close)

	ctx := context.Background()
	if err := b.Start(ctx, "A", ""); err != nil {
		t.Fatalf("A Start: %v", err)
	}

	aCtx, cancelA := context.WithCancel(ctx)
	getErr := make(chan error, 1)
	go func() {
		_, err := b.Get(aCtx, "A", "/telephony/contexts/acct/apn")
		getErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	bDone := make(chan error, 1)
	go func() {
		err := b.Start(ctx, "B", "")
		bDone <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancelA()

	select {
	case err := <-getErr:
		if !errs.OfKind(err, errs.Cancelled) {
			t.Fatalf("A's Get = %v, want Cancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("A's Get never returned")
	}

	select {
	case err := <-bDone:
		if err != nil {
			t.Fatalf("B Start: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("B never admitted after A's cancellation")
	}
}

// S5 — Bulk partial failure.
func TestSetMultipleReturnsFailedKeysButAppliesTheRest(t *testing.T) {
	b, _ := newTelephonyBroker(t, nil)
	ctx := context.Background()
	_ = b.Start(ctx, "A", "")

	failed, err := b.SetMultiple(ctx, "A", map[string]string{
		"/telephony/contexts/x/apn":  "ok",
		"/nonexistent/k":             "v",
		"/telephony/contexts/x/port": "notnum",
	})
	if err != nil {
		t.Fatalf("SetMultiple: %v", err)
	}
	sort.Strings(failed)
	want := []string{"/nonexistent/k", "/telephony/contexts/x/port"}
	if len(failed) != len(want) || failed[0] != want[0] || failed[1] != want[1] {
		t.Fatalf("failed = %v, want %v", failed, want)
	}

	v, err := b.Get(ctx, "A", "/telephony/contexts/x/apn")
	if err != nil || v != "ok" {
		t.Fatalf("Get succeeded pair = %q, %v; want ok, nil", v, err)
	}
	_ = b.End(ctx, "A")
}

// S6 — Type-info without session.
func TestTypeInfoLegalWithoutSessionButGetIsNot(t *testing.T) {
	tp := testplugin.NewWithSchema("email", "/applications/email/", emailSchema, nil)
	cfg := config.DefaultConfig()
	cfg.BaseDir = t.TempDir()
	cfg.Plugins = []config.PluginConfig{{Name: "email", Root: "/applications/email/"}}
	b := New(cfg)
	b.RegisterCapability(tp)
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(b.Close)

	fields, err := b.GetChildrenTypeInfo("/applications/email/<X>/incoming")
	if err != nil {
		t.Fatalf("GetChildrenTypeInfo: %v", err)
	}
	for _, want := range []string{"host", "port", "type"} {
		if _, ok := fields[want]; !ok {
			t.Fatalf("fields = %v, missing %q", fields, want)
		}
	}

	if _, err := b.Get(context.Background(), "nobody", "/applications/email"); !errs.OfKind(err, errs.Unexpected) {
		t.Fatalf("Get without session = %v, want Unexpected", err)
	}
}
