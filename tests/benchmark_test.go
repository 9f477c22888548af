package tests

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"code-runner-sandbox/internal/extract"
	"code-runner-sandbox/internal/monitor"
	"code-runner-sandbox/internal/sandbox"
)

func BenchmarkExecution(b *testing.B) {
	svc := newDockerService(b)
	ctx := context.Background()

	languages := []struct {
		name string
		code string
	}{
		{"python", "print('hello')"},
		{"javascript", "console.log('hello')"},
		{"bash", "echo hello"},
	}

	for _, lang := range languages {
		b.Run(lang.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				out := svc.RunCode(ctx, "bench", lang.code, lang.name, "", 10*time.Second)
				if out.Report.Status != sandbox.StatusSuccess {
					b.Fatalf("execution failed: %s", out.Report.Diagnostic)
				}
			}
		})
	}
}

func BenchmarkConcurrentExecutions(b *testing.B) {
	svc := newDockerService(b)
	ctx := context.Background()

	for _, conc := range []int{4, 16} {
		b.Run(fmt.Sprintf("concurrent_%d", conc), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				var wg sync.WaitGroup
				wg.Add(conc)
				for j := 0; j < conc; j++ {
					go func() {
						defer wg.Done()
						svc.RunCode(ctx, fmt.Sprintf("bench_%d", j), "print('hello')", "python", "", 10*time.Second)
					}()
				}
				wg.Wait()
			}
		})
	}
}

func BenchmarkScanner(b *testing.B) {
	scanner := monitor.NewScanner()

	codes := []struct {
		name string
		code string
	}{
		{"benign", "print('hello world')"},
		{"suspicious", "cat /proc/self/root/etc/shadow"},
		{"complex", `
import os, sys, ctypes
os.system('cat /proc/self/ns/mnt')
ctypes.CDLL(None).ptrace(0, 1, 0, 0)
import urllib.request
urllib.request.urlopen('http://169.254.169.254/latest/meta-data/')
`},
	}

	for _, tc := range codes {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				scanner.ScanCode(tc.code)
			}
		})
	}
}

func BenchmarkExtract(b *testing.B) {
	ex := extract.New()
	msg := "Here is the script:\n\n```python hello.py\nprint('hi')\n```\n\nAnd a helper:\n\n```bash\necho done\n```\n"
	for i := 0; i < b.N; i++ {
		ex.Extract(msg)
	}
}

func TestStartupLatency(t *testing.T) {
	svc := newDockerService(t)
	ctx := context.Background()

	// pull the image first
	svc.RunCode(ctx, "latency", "echo warmup", "bash", "", 2*time.Minute)

	const iterations = 5
	var total time.Duration
	for range iterations {
		start := time.Now()
		out := svc.RunCode(ctx, "latency", "echo ok", "bash", "", 10*time.Second)
		total += time.Since(start)

		if out.Report.Status != sandbox.StatusSuccess {
			t.Fatalf("execution failed: %+v", out.Report)
		}
	}

	avg := total / iterations
	t.Logf("average execution latency: %s", avg)
	if avg > 5*time.Second {
		t.Errorf("average latency too high: %s", avg)
	}
}
