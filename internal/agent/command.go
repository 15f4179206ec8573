package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/msageha/conductor/internal/logging"
	"github.com/msageha/conductor/internal/model"
	"github.com/msageha/conductor/internal/shutdown"
)

const stderrTail = 1024

// ProcessTracker registers live subprocesses so shutdown can terminate them.
type ProcessTracker interface {
	TrackSubprocess(name string, p shutdown.Process) (untrack func())
}

// CommandAgent runs an executable per item. The item is written to stdin as
// JSON; the last JSON object printed on stdout is the result. On ctx expiry
// the process group gets SIGTERM, then SIGKILL after the term timeout.
type CommandAgent struct {
	name        string
	cfg         model.AgentConfig
	tracker     ProcessTracker
	termTimeout time.Duration
	logger      *logging.Logger
}

func NewCommandAgent(name string, cfg model.AgentConfig, tracker ProcessTracker, termTimeout time.Duration, logger *logging.Logger) *CommandAgent {
	return &CommandAgent{
		name:        name,
		cfg:         cfg,
		tracker:     tracker,
		termTimeout: termTimeout,
		logger:      logger,
	}
}

func (a *CommandAgent) Execute(ctx context.Context, item model.WorkItem) (model.ExecutionResult, error) {
	if len(a.cfg.Command) == 0 {
		return model.ExecutionResult{}, fmt.Errorf("agent %s: empty command", a.name)
	}
	input, err := json.Marshal(item)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("agent %s: marshal item: %w", a.name, err)
	}

	cmd := exec.Command(a.cfg.Command[0], a.cfg.Command[1:]...)
	cmd.Dir = a.cfg.WorkDir
	cmd.Env = a.env(item)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	proc, err := shutdown.StartSubprocess(cmd)
	if err != nil {
		return model.ExecutionResult{}, fmt.Errorf("agent %s: %w", a.name, err)
	}
	if a.tracker != nil {
		untrack := a.tracker.TrackSubprocess(fmt.Sprintf("agent:%s:%s", a.name, item.ID), proc)
		defer untrack()
	}
	a.logger.Debugf("agent_started agent=%s item=%s pid=%d", a.name, item.ID, proc.Pid())

	select {
	case <-proc.Done():
	case <-ctx.Done():
		killed, terr := shutdown.Terminate(proc, a.termTimeout)
		a.logger.Warnf("agent_terminated agent=%s item=%s pid=%d killed=%v reason=%v", a.name, item.ID, proc.Pid(), killed, ctx.Err())
		if terr != nil {
			a.logger.Errorf("agent_terminate_failed agent=%s pid=%d error=%v", a.name, proc.Pid(), terr)
		}
		return model.ExecutionResult{}, fmt.Errorf("agent %s: %w", a.name, ctx.Err())
	}

	waitErr := proc.Wait()
	res, parsed := parseResult(stdout.Bytes())
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil && parsed:
		return res, nil
	case waitErr == nil:
		return model.ExecutionResult{Success: true, Summary: lastLine(stdout.String())}, nil
	case errors.As(waitErr, &exitErr):
		if !parsed {
			res = model.ExecutionResult{Summary: fmt.Sprintf("%s exited with code %d", a.name, exitErr.ExitCode())}
		}
		res.Success = false
		if res.Error == "" {
			res.Error = tail(stderr.String(), stderrTail)
		}
		return res, nil
	default:
		return model.ExecutionResult{}, fmt.Errorf("agent %s: wait: %w", a.name, waitErr)
	}
}

func (a *CommandAgent) env(item model.WorkItem) []string {
	env := os.Environ()
	for k, v := range a.cfg.Env {
		env = append(env, k+"="+v)
	}
	return append(env,
		"CONDUCTOR_ITEM_ID="+item.ID,
		"CONDUCTOR_AGENT_TYPE="+a.name,
		"CONDUCTOR_CORRELATION_ID="+item.CorrelationID,
	)
}

// parseResult scans stdout bottom-up for the last line holding a JSON object.
func parseResult(out []byte) (model.ExecutionResult, bool) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
			continue
		}
		doc := gjson.Parse(line)
		res := model.ExecutionResult{
			Success:          doc.Get("success").Bool(),
			NextState:        doc.Get("next_state").String(),
			NextAgentType:    doc.Get("next_agent").String(),
			Summary:          doc.Get("summary").String(),
			Error:            doc.Get("error").String(),
			ResetCorrelation: doc.Get("reset_correlation").Bool(),
			ReassignOwner:    doc.Get("reassign_owner").String(),
		}
		for _, d := range doc.Get("details").Array() {
			res.Details = append(res.Details, d.String())
		}
		return res, true
	}
	return model.ExecutionResult{}, false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
