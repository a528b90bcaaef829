package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	ActionCollectFileHash   = "collect_file_hash"
	ActionKillProcess       = "kill_process"
	ActionListProcesses     = "list_processes"
	ActionIsolateEndpoint   = "isolate_endpoint"
	ActionUnisolateEndpoint = "unisolate_endpoint"
	ActionBlockIP           = "block_ip"
	ActionUnblockIP         = "unblock_ip"

	maxProcessesReported = 2000
)

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with a wall-clock timeout.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if ctx.Err() != nil {
		return out, fmt.Errorf("%s: %w", name, ctx.Err())
	}
	return out, err
}

type Executor struct {
	runner   Runner
	backend  string
	server   ServerEndpoint
	snapshot *Snapshotter
	kill     func(pid int) error
}

func NewExecutor(runner Runner, backend string, server ServerEndpoint, snapshot *Snapshotter) *Executor {
	return &Executor{runner: runner, backend: backend, server: server, snapshot: snapshot, kill: killPID}
}

// Execute runs one action and returns its outcome and a JSON-friendly result.
func (e *Executor) Execute(ctx context.Context, a Action) (bool, map[string]any) {
	res, err := e.execute(ctx, a)
	if res == nil {
		res = map[string]any{}
	}
	if err != nil {
		res["error"] = err.Error()
		return false, res
	}
	return true, res
}

func (e *Executor) execute(ctx context.Context, a Action) (map[string]any, error) {
	switch a.ActionType {
	case ActionListProcesses:
		procs, err := e.snapshot.Processes()
		if err != nil {
			return nil, err
		}
		total := len(procs)
		if len(procs) > maxProcessesReported {
			procs = procs[:maxProcessesReported]
		}
		return map[string]any{"count": total, "processes": procs}, nil
	case ActionKillProcess:
		pid, err := paramInt(a.Params, "pid")
		if err != nil {
			return nil, err
		}
		if pid <= 1 || pid == os.Getpid() {
			return nil, fmt.Errorf("refusing to kill pid %d", pid)
		}
		if err := e.kill(pid); err != nil {
			return nil, fmt.Errorf("kill %d: %w", pid, err)
		}
		return map[string]any{"pid": pid, "killed": true}, nil
	case ActionCollectFileHash:
		path := paramString(a.Params, "path")
		if path == "" {
			return nil, errors.New("path is required")
		}
		sum, size, err := hashFile(path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"path": path, "sha256": sum, "size": size}, nil
	case ActionIsolateEndpoint:
		if e.backend == "" {
			return nil, ErrNoFirewall
		}
		if release, err := ReleasePlan(e.backend); err == nil {
			e.runAll(ctx, release)
		}
		plan, err := IsolationPlan(e.backend, e.server)
		if err != nil {
			return nil, err
		}
		return e.runStrict(ctx, plan, map[string]any{"backend": e.backend, "server": net.JoinHostPort(e.server.IP.String(), strconv.Itoa(e.server.Port))})
	case ActionUnisolateEndpoint:
		if e.backend == "" {
			return nil, ErrNoFirewall
		}
		plan, err := ReleasePlan(e.backend)
		if err != nil {
			return nil, err
		}
		return map[string]any{"backend": e.backend, "steps": e.runAll(ctx, plan)}, nil
	case ActionBlockIP, ActionUnblockIP:
		if e.backend == "" {
			return nil, ErrNoFirewall
		}
		ip := net.ParseIP(paramString(a.Params, "ip"))
		if ip == nil {
			return nil, fmt.Errorf("invalid ip %q", paramString(a.Params, "ip"))
		}
		if ip.IsLoopback() || (e.server.IP != nil && ip.Equal(e.server.IP)) {
			return nil, fmt.Errorf("refusing to block %s", ip)
		}
		plan, err := BlockPlan(e.backend, ip, a.ActionType == ActionBlockIP)
		if err != nil {
			return nil, err
		}
		return e.runStrict(ctx, plan, map[string]any{"backend": e.backend, "ip": ip.String()})
	}
	return nil, fmt.Errorf("unsupported action_type %q", a.ActionType)
}

// runStrict stops at the first failing step.
func (e *Executor) runStrict(ctx context.Context, plan []Command, res map[string]any) (map[string]any, error) {
	applied := make([]string, 0, len(plan))
	for _, c := range plan {
		out, err := e.runner.Run(ctx, c.Name, c.Args...)
		if err != nil {
			res["applied"] = applied
			return res, fmt.Errorf("%s: %w: %s", c, err, strings.TrimSpace(string(out)))
		}
		applied = append(applied, c.String())
	}
	res["applied"] = applied
	return res, nil
}

// runAll runs every step and reports per-step errors.
func (e *Executor) runAll(ctx context.Context, plan []Command) []map[string]any {
	steps := make([]map[string]any, 0, len(plan))
	for _, c := range plan {
		step := map[string]any{"cmd": c.String(), "ok": true}
		if out, err := e.runner.Run(ctx, c.Name, c.Args...); err != nil {
			step["ok"] = false
			step["error"] = strings.TrimSpace(err.Error() + " " + string(out))
		}
		steps = append(steps, step)
	}
	return steps
}

func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

func killPID(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func paramString(params map[string]any, key string) string {
	v, ok := params[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func paramInt(params map[string]any, key string) (int, error) {
	switch v := params[key].(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		return n, nil
	case nil:
		return 0, fmt.Errorf("%s is required", key)
	}
	return 0, fmt.Errorf("%s: unsupported type %T", key, params[key])
}
