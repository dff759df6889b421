package worker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/iat-toolkit/backend/internal/dispatch"
	"github.com/iat-toolkit/backend/internal/queue"
	"github.com/iat-toolkit/backend/internal/secretvault"
	"github.com/iat-toolkit/backend/internal/store"
)

// Logger is the minimal logging surface the loop needs; a *log.Logger
// adapter satisfies it.
type Logger interface {
	Infof(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config bounds one worker loop's behavior; cmd/backendd serve fills it from
// the resolved config.Config (§4.9), except DispatchBackoffSec, which it
// fixes at 1.5.
type Config struct {
	WorkerID            string
	PollInterval        time.Duration
	MaxLockedSeconds    int
	DefaultMaxAttempts  int
	RetryBackoffSeconds int
	DispatchTimeout     time.Duration
	DispatchRetries     int
	DispatchBackoffSec  float64
	AgentAPIURL         string
	AgentAPIToken       string
}

// Loop is the Worker Loop. It owns no state beyond the queue, the store,
// and an optional secret vault for per-project agent credentials.
type Loop struct {
	q     *queue.Queue
	repo  *store.Repository
	vault *secretvault.Vault
	cfg   Config
	log   Logger
}

// New builds a Loop. vault may be nil if no project ever stores its own
// agent_api secret (the global AgentAPIURL/AgentAPIToken config then
// applies to every project).
func New(q *queue.Queue, repo *store.Repository, vault *secretvault.Vault, cfg Config, log Logger) *Loop {
	return &Loop{q: q, repo: repo, vault: vault, cfg: cfg, log: log}
}

// Run polls until ctx is canceled, processing at most one instruction per
// iteration and sleeping PollInterval between empty polls.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		processed := l.tick()
		if !processed {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// RunOnce reserves and processes at most one instruction, returning whether
// one was found. It runs a single iteration of Run's loop.
func (l *Loop) RunOnce() bool {
	return l.tick()
}

func (l *Loop) tick() bool {
	in, err := l.q.Reserve(l.cfg.WorkerID, l.cfg.MaxLockedSeconds)
	if err != nil {
		l.logErrorf("reserving instruction: %v", err)
		return false
	}
	if in == nil {
		return false
	}
	l.process(in)
	return true
}

func (l *Loop) process(in *queue.Instruction) {
	project, err := l.repo.GetProject(in.ProjectID)
	if err != nil {
		if _, settleErr := l.q.SettleFailure(in.ID, "project_not_found", 0, 1); settleErr != nil {
			l.logErrorf("settling missing-project instruction %s: %v", in.ID, settleErr)
		}
		return
	}

	targetURL, token := l.resolveAgentTarget(project.ID)
	if targetURL == "" {
		if _, err := l.q.SettleFailure(in.ID, "missing_agent_api_url", l.cfg.RetryBackoffSeconds, l.cfg.DefaultMaxAttempts); err != nil {
			l.logErrorf("settling instruction %s with no agent target: %v", in.ID, err)
		}
		return
	}

	payload := map[string]any{
		"instruction_id":        in.ID,
		"project_slug":          project.Slug,
		"instruction_type":      in.InstructionType,
		"objective":             objectiveOrDefault(in),
		"constraints":           jsonObjectOrEmpty(in.ConstraintsJSON),
		"inputs":                jsonObjectOrEmpty(in.InputsJSON),
		"execution":             jsonObjectOrEmpty(in.ExecutionJSON),
		"confirmation_required": in.RequiresConfirmation,
		"requested_by":          in.RequestedBy,
		"callback":              in.Callback,
		"payload":               jsonObjectOrEmpty(in.PayloadJSON),
	}

	res := dispatch.Dispatch(dispatch.Options{
		TargetURL:  targetURL,
		Token:      token,
		Payload:    payload,
		Timeout:    l.cfg.DispatchTimeout,
		Retries:    l.cfg.DispatchRetries,
		BackoffSec: l.cfg.DispatchBackoffSec,
	})

	if res.OK {
		responseJSON := "{}"
		if b, err := json.Marshal(res.Response); err == nil {
			responseJSON = string(b)
		}
		status, _ := res.Response["status"].(string)
		if _, err := l.q.SettleSuccess(in.ID, res.HTTPStatus, status, responseJSON); err != nil {
			l.logErrorf("settling successful dispatch for %s: %v", in.ID, err)
		}
		return
	}

	if _, err := l.q.SettleFailure(in.ID, res.Error, l.cfg.RetryBackoffSeconds, l.cfg.DefaultMaxAttempts); err != nil {
		l.logErrorf("settling failed dispatch for %s: %v", in.ID, err)
	}
}

// resolveAgentTarget prefers the globally configured agent endpoint and
// falls back to the project's own agent_api/url and agent_api/token
// secrets, mirroring the legacy worker's lookup order.
func (l *Loop) resolveAgentTarget(projectID string) (string, string) {
	url := l.cfg.AgentAPIURL
	token := l.cfg.AgentAPIToken

	if url == "" && l.vault != nil {
		if s, err := l.repo.FindProjectSecret(projectID, "agent_api", "url"); err == nil {
			if plain, err := l.vault.Decrypt(s.Ciphertext); err == nil {
				url = strings.TrimSpace(plain)
			}
		}
	}
	if token == "" && l.vault != nil {
		if s, err := l.repo.FindProjectSecret(projectID, "agent_api", "token"); err == nil {
			if plain, err := l.vault.Decrypt(s.Ciphertext); err == nil {
				token = strings.TrimSpace(plain)
			}
		}
	}
	return url, token
}

// jsonObjectOrEmpty unmarshals a JSON-object column into a map, falling back
// to an empty object for blank or malformed data rather than failing
// dispatch over it.
func jsonObjectOrEmpty(raw string) map[string]any {
	out := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func objectiveOrDefault(in *queue.Instruction) string {
	if strings.TrimSpace(in.Objective) != "" {
		return in.Objective
	}
	return "Execute " + in.InstructionType
}

func (l *Loop) logErrorf(format string, args ...any) {
	if l.log != nil {
		l.log.Errorf(format, args...)
	}
}

