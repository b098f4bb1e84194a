package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tutu-network/ziggurat/internal/domain"
)

// ─── Task files ─────────────────────────────────────────────────────────────

func TestReadTask_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "task.json")
	body := `{"id":"t-1","input_data":{"income":52000},"complexity_tier":"high","requested_currency":"ICP"}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	task, err := readTask(path, nil)
	if err != nil {
		t.Fatalf("readTask() error: %v", err)
	}
	if task.ID != "t-1" || task.ComplexityTier != domain.ComplexityHigh || task.RequestedCurrency != "ICP" {
		t.Errorf("task = %+v", task)
	}
}

func TestReadTask_Stdin(t *testing.T) {
	in := strings.NewReader(`{"input_data":{"x":1},"complexity_tier":"low","requested_currency":"TON"}`)
	task, err := readTask("-", in)
	if err != nil {
		t.Fatalf("readTask() error: %v", err)
	}
	if task.InputData["x"] != 1.0 {
		t.Errorf("InputData = %v", task.InputData)
	}
}

func TestReadTask_UnknownField(t *testing.T) {
	in := strings.NewReader(`{"input":{"x":1}}`)
	if _, err := readTask("-", in); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ZIGGURAT_HOME", t.TempDir())
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPayments_RejectsUnknownStatus(t *testing.T) {
	_, err := runCLI(t, "payments", "--status", "lost")
	if err == nil || !strings.Contains(err.Error(), "unknown payment status") {
		t.Fatalf("err = %v, want unknown payment status", err)
	}
	paymentsStatus = ""
}

func TestPayments_Empty(t *testing.T) {
	out, err := runCLI(t, "payments")
	if err != nil {
		t.Fatalf("payments error: %v", err)
	}
	if !strings.Contains(out, "No payments.") {
		t.Errorf("output = %q", out)
	}
}

func TestSubmitThenStatus(t *testing.T) {
	home := t.TempDir()
	path := filepath.Join(home, "task.json")
	body := `{"id":"cli-1","input_data":{"income":52000},"complexity_tier":"medium","requested_currency":"ton"}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, "submit", path)
	if err != nil {
		t.Fatalf("submit error: %v", err)
	}
	if !strings.Contains(out, "Queued task cli-1 (medium, TON)") {
		t.Errorf("submit output = %q", out)
	}
}

func TestStatus_UnknownTask(t *testing.T) {
	_, err := runCLI(t, "status", "missing")
	if err == nil || !strings.Contains(err.Error(), "task not found") {
		t.Fatalf("err = %v, want task not found", err)
	}
}

func TestLedger_EmptyAuditPasses(t *testing.T) {
	out, err := runCLI(t, "ledger")
	if err != nil {
		t.Fatalf("ledger error: %v", err)
	}
	if !strings.Contains(out, "CURRENCY") {
		t.Errorf("output = %q", out)
	}
}

func TestReverify_TaskWithoutVerification(t *testing.T) {
	_, err := runCLI(t, "reverify", "--task", "never-run")
	reverifyTask = ""
	if err == nil || !strings.Contains(err.Error(), "has no verification") {
		t.Fatalf("err = %v, want no verification", err)
	}
}
