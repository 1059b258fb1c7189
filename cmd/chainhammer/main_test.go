package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/chainhammer/internal/dispatch"
	"github.com/gateway-fm/chainhammer/internal/experiment"
	"github.com/gateway-fm/chainhammer/internal/ledger"
	"github.com/gateway-fm/chainhammer/internal/verification"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append(args, "--ledger", t.TempDir()+"/record.json"))
	err := root.Execute()
	return out.String(), err
}

func TestSendRejectsBadArguments(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown strategy", []string{"send", "10", "sideways"}, "unknown strategy"},
		{"bad count", []string{"send", "lots", "pool"}, "count must be a positive integer"},
		{"bad workers", []string{"send", "10", "pool", "0"}, "workers must be a positive integer"},
		{"too few", []string{"send", "10"}, "accepts between 2 and 3 arg(s)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
			if tt.name != "too few" && !strings.Contains(out, "Usage:") {
				t.Errorf("usage not printed:\n%s", out)
			}
		})
	}
}

func TestSendRequiresContract(t *testing.T) {
	_, err := execute(t, "send", "10", "pool", "--database", "")
	if err == nil || !strings.Contains(err.Error(), "contract") {
		t.Errorf("error = %v, want missing contract", err)
	}
}

func TestHistoryDisabled(t *testing.T) {
	_, err := execute(t, "history", "--database", "")
	if err == nil || !strings.Contains(err.Error(), "history is disabled") {
		t.Errorf("error = %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	_, err := execute(t, "watch", "--poll-interval", "0s")
	if err == nil || !strings.Contains(err.Error(), "poll interval must be positive") {
		t.Errorf("error = %v", err)
	}
}

func TestPrintReport(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	printReport(cmd, &experiment.SendReport{
		Dispatch: &dispatch.Result{
			Hashes:   make([]common.Hash, 1000),
			Failures: make([]error, 2),
			Strategy: dispatch.StrategyPool,
			Elapsed:  4 * time.Second,
		},
		Verdict: verification.Verdict{Population: 1000, Requested: 100, Received: 100},
		Send:    ledger.SendSection{BlockFirst: 496, BlockLast: 500},
		Node:    ledger.NodeSection{NodeVersion: "Geth/v1.14.12"},
		Elapsed: 9 * time.Second,
	})

	for _, want := range []string{"pool", "1000 (2 failed)", "250.0 tx/s", "496..500", "passed: 100/100", "Geth/v1.14.12", "9s"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("report missing %q:\n%s", want, out.String())
		}
	}
}

func TestRate(t *testing.T) {
	if got := rate(10, 0); got != 0 {
		t.Errorf("rate(10, 0) = %v", got)
	}
	if got := rate(10, 4); got != 2.5 {
		t.Errorf("rate(10, 4) = %v", got)
	}
}
