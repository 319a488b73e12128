package probe

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-rdma/rdmalat/internal/agent"
	"github.com/go-rdma/rdmalat/internal/config"
)

func TestRunEndToEndOverLoopbackTCP(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.ServerAddr = "127.0.0.1"
	cfg.Connection.ServerPort = 29445
	cfg.Test.MsgSize = 8
	cfg.Test.TxDepth = 2
	cfg.Test.RxDepth = 2
	cfg.Test.Iterations = 5
	cfg.Output.ShowResult = false
	cfg.Output.Filename = ""

	agentCfg := cfg
	agentCtx, cancelAgent := context.WithCancel(context.Background())
	defer cancelAgent()

	agentErrCh := make(chan error, 1)
	go func() {
		agentErrCh <- agent.Run(agentCtx, agentCfg, nil, nil)
	}()

	time.Sleep(20 * time.Millisecond)

	result, err := Run(context.Background(), cfg, nil, nil)
	if err != nil {
		t.Fatalf("probe.Run returned error: %v", err)
	}
	if result.Samples.Len() != cfg.Test.Iterations {
		t.Fatalf("expected %d samples, got %d", cfg.Test.Iterations, result.Samples.Len())
	}

	cancelAgent()
	select {
	case <-agentErrCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("agent did not shut down")
	}
}

func TestRunWritesCSVWhenFilenameSet(t *testing.T) {
	cfg := config.Default()
	cfg.Connection.ServerAddr = "127.0.0.1"
	cfg.Connection.ServerPort = 29545
	cfg.Test.MsgSize = 8
	cfg.Test.TxDepth = 2
	cfg.Test.RxDepth = 2
	cfg.Test.Iterations = 3
	cfg.Output.ShowResult = false

	dir := t.TempDir()
	cfg.Output.Filename = dir + "/run"

	agentCtx, cancelAgent := context.WithCancel(context.Background())
	defer cancelAgent()
	agentErrCh := make(chan error, 1)
	go func() {
		agentErrCh <- agent.Run(agentCtx, cfg, nil, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	if _, err := Run(context.Background(), cfg, nil, nil); err != nil {
		t.Fatalf("probe.Run returned error: %v", err)
	}

	if _, err := os.Stat(dir + "/run.csv"); err != nil {
		t.Fatalf("expected csv file to exist: %v", err)
	}

	cancelAgent()
	<-agentErrCh
}
