package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/stellarlinkco/memclaw/internal/config"
	"github.com/stellarlinkco/memclaw/internal/logger"
)

const (
	defaultOracleTimeout = 30 * time.Second
	oracleTemperature    = 0.3
)

// Session is one conversational handle on the text-generation oracle.
type Session interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// SessionSource hands out oracle sessions.
type SessionSource interface {
	Session(ctx context.Context) (Session, error)
}

// SessionSourceFunc adapts a function to SessionSource.
type SessionSourceFunc func(ctx context.Context) (Session, error)

func (fn SessionSourceFunc) Session(ctx context.Context) (Session, error) {
	return fn(ctx)
}

// ProviderSessions serves sessions from an agentsdk-go model provider.
func ProviderSessions(p model.Provider) SessionSource {
	return SessionSourceFunc(func(ctx context.Context) (Session, error) {
		if p == nil {
			return nil, errors.New("model provider is nil")
		}
		mdl, err := p.Model(ctx)
		if err != nil {
			return nil, err
		}
		return mdl, nil
	})
}

// Oracle sends one (system, user) prompt pair to the model and returns its text.
// Every failure resolves to ok=false; callers treat that as "try later".
type Oracle struct {
	sessions    SessionSource
	timeout     time.Duration
	maxTokens   int
	modelName   string
	log         *log.Logger
	calls       atomic.Int64
	unavailable atomic.Int64
}

type OracleOptions struct {
	Timeout   time.Duration
	MaxTokens int
	Model     string
	Logger    *log.Logger
}

func NewOracle(sessions SessionSource, opts OracleOptions) *Oracle {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOracleTimeout
	}
	return &Oracle{
		sessions:  sessions,
		timeout:   timeout,
		maxTokens: opts.MaxTokens,
		modelName: opts.Model,
		log:       logger.Component(opts.Logger, "oracle"),
	}
}

// NewOracleFromConfig selects the memory provider, falling back to the main one.
func NewOracleFromConfig(cfg *config.Config, l *log.Logger) *Oracle {
	provCfg := cfg.Provider
	if cfg.Memory.Provider != nil {
		if cfg.Memory.Provider.APIKey != "" {
			provCfg.APIKey = cfg.Memory.Provider.APIKey
		}
		if cfg.Memory.Provider.BaseURL != "" {
			provCfg.BaseURL = cfg.Memory.Provider.BaseURL
		}
		if cfg.Memory.Provider.Type != "" {
			provCfg.Type = cfg.Memory.Provider.Type
		}
	}
	modelName := cfg.Memory.Model
	if modelName == "" {
		modelName = cfg.Agent.Model
	}
	maxTokens := cfg.Memory.MaxTokens
	if maxTokens <= 0 {
		maxTokens = cfg.Agent.MaxTokens
	}
	temperature := oracleTemperature

	var provider model.Provider
	switch provCfg.Type {
	case "openai":
		provider = &model.OpenAIProvider{
			APIKey:      provCfg.APIKey,
			BaseURL:     provCfg.BaseURL,
			ModelName:   modelName,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
			CacheTTL:    10 * time.Minute,
		}
	default: // "anthropic" or empty
		provider = &model.AnthropicProvider{
			APIKey:      provCfg.APIKey,
			BaseURL:     provCfg.BaseURL,
			ModelName:   modelName,
			MaxTokens:   maxTokens,
			Temperature: &temperature,
			CacheTTL:    10 * time.Minute,
		}
	}

	return NewOracle(ProviderSessions(provider), OracleOptions{
		Timeout:   cfg.OracleTimeout(),
		MaxTokens: maxTokens,
		Logger:    l,
	})
}

type completion struct {
	resp *model.Response
	err  error
}

// Call returns the oracle's reply, or ok=false on timeout, transport error or
// an empty reply. The session is released on every path.
func (o *Oracle) Call(ctx context.Context, systemPrompt, userPrompt string) (string, bool) {
	o.calls.Add(1)
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	if o.sessions == nil {
		return o.fail("no session source", nil)
	}
	sess, err := o.sessions.Session(ctx)
	if err != nil {
		return o.fail("acquire session", err)
	}
	if sess == nil {
		return o.fail("acquire session", errors.New("nil session"))
	}
	defer o.release(sess)

	req := model.Request{
		System:    systemPrompt,
		Messages:  []model.Message{{Role: "user", Content: userPrompt}},
		MaxTokens: o.maxTokens,
		Model:     o.modelName,
		SessionID: "memory-" + uuid.NewString(),
	}

	done := make(chan completion, 1)
	go func() {
		resp, err := sess.Complete(ctx, req)
		done <- completion{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return o.fail("wait for reply", ctx.Err())
	case c := <-done:
		if c.err != nil {
			return o.fail("complete", c.err)
		}
		if c.resp == nil {
			return o.fail("complete", errors.New("nil response"))
		}
		text := strings.TrimSpace(c.resp.Message.TextContent())
		if text == "" {
			return o.fail("complete", errors.New("empty reply"))
		}
		return text, true
	}
}

func (o *Oracle) fail(stage string, err error) (string, bool) {
	o.unavailable.Add(1)
	o.log.Debug("oracle unavailable", "stage", stage, "err", err)
	return "", false
}

func (o *Oracle) release(sess Session) {
	closer, ok := sess.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		o.log.Debug("release session", "err", err)
	}
}

// Calls reports how many oracle calls were attempted.
func (o *Oracle) Calls() int64 {
	return o.calls.Load()
}

// Unavailable reports how many oracle calls resolved to unavailable.
func (o *Oracle) Unavailable() int64 {
	return o.unavailable.Load()
}
