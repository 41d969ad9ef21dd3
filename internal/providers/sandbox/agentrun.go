package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/monitoring"
	"github.com/devsapp/agentrun-sandbox-broker/internal/infrastructure/resilience"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const agentRunName = "agentrun"

// AgentRunConfig configures the AgentRun provisioning client.
type AgentRunConfig struct {
	Endpoint        string
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Region          string
	TemplateType    string
	RequestsPerSec  float64
	// RetryMax bounds transport retries of idempotent calls; zero means
	// the default of 3 and a negative value disables retries.
	RetryMax int
	Timeout  time.Duration
}

// AgentRun talks to the AgentRun sandbox control plane over HTTP.
type AgentRun struct {
	cfg     AgentRunConfig
	client  *resty.Client
	limiter *rate.Limiter
	breaker *resilience.Breaker
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

type createBody struct {
	TemplateName              string `json:"templateName"`
	TemplateType              string `json:"templateType,omitempty"`
	SandboxIdleTimeoutSeconds int    `json:"sandboxIdleTimeoutSeconds,omitempty"`
}

type sandboxBody struct {
	SandboxID string `json:"sandboxId"`
	Status    string `json:"status"`
	CDPURL    string `json:"cdpUrl"`
	VNCURL    string `json:"vncUrl"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type idempotentKey struct{}

// NewAgentRun builds the client. Only GET and DELETE are retried by the
// transport; a retried create could provision a second sandbox.
func NewAgentRun(cfg AgentRunConfig, metrics *monitoring.Metrics, logger *zap.Logger) *AgentRun {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = fmt.Sprintf("https://%s.agentrun.%s.aliyuncs.com", cfg.AccountID, cfg.Region)
	}
	if cfg.TemplateType == "" {
		cfg.TemplateType = "Browser"
	}
	switch {
	case cfg.RetryMax == 0:
		cfg.RetryMax = 3
	case cfg.RetryMax < 0:
		cfg.RetryMax = 0
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.RetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = nil
	retryClient.CheckRetry = idempotentRetryPolicy
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	client := resty.NewWithClient(retryClient.StandardClient()).
		SetBaseURL(strings.TrimRight(cfg.Endpoint, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", "agentrun-sandbox-broker/1.0").
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(sonic.Marshal).
		SetJSONUnmarshaler(sonic.Unmarshal)
	if cfg.AccessKeyID != "" {
		client.SetBasicAuth(cfg.AccessKeyID, cfg.AccessKeySecret)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(1, int(cfg.RequestsPerSec)))
	}

	breaker := resilience.New(agentRunName, resilience.Settings{
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var apiErr *APIError
			return err == nil || (errors.As(err, &apiErr) && apiErr.ClientError())
		},
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("provisioning breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &AgentRun{
		cfg:     cfg,
		client:  client,
		limiter: limiter,
		breaker: breaker,
		metrics: metrics,
		logger:  logger,
	}
}

// Name implements Provider.
func (a *AgentRun) Name() string { return agentRunName }

// Create implements Provider.
func (a *AgentRun) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	var out sandboxBody
	err := a.call(ctx, "create", false, func(r *resty.Request) (*resty.Response, error) {
		return r.SetBody(createBody{
			TemplateName:              req.Template,
			TemplateType:              a.cfg.TemplateType,
			SandboxIdleTimeoutSeconds: int(req.IdleTimeout / time.Second),
		}).SetResult(&out).Post("/sandboxes")
	})
	if err != nil {
		return Instance{}, err
	}
	if out.SandboxID == "" {
		return Instance{}, fmt.Errorf("create: response carried no sandbox id")
	}

	inst := completeEndpoints(Instance{
		ID:     out.SandboxID,
		CDPURL: out.CDPURL,
		VNCURL: out.VNCURL,
		Status: Status(out.Status),
	}, a.cfg.AccountID, a.cfg.Region)

	a.logger.Info("sandbox provisioned",
		zap.String("sandbox_id", inst.ID),
		zap.String("template", req.Template),
		zap.String("status", string(inst.Status)),
	)
	return inst, nil
}

// Destroy implements Provider.
func (a *AgentRun) Destroy(ctx context.Context, id string) error {
	return a.call(ctx, "destroy", true, func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", id).Delete("/sandboxes/{id}")
	})
}

// Status implements StatusChecker.
func (a *AgentRun) Status(ctx context.Context, id string) (Status, error) {
	var out sandboxBody
	err := a.call(ctx, "status", true, func(r *resty.Request) (*resty.Response, error) {
		return r.SetPathParam("id", id).SetResult(&out).Get("/sandboxes/{id}")
	})
	if errors.Is(err, ErrNotFound) {
		return StatusNotFound, nil
	}
	if err != nil {
		return "", err
	}
	return Status(strings.ToUpper(out.Status)), nil
}

// BreakerState exposes the breaker for health reporting.
func (a *AgentRun) BreakerState() resilience.State {
	return a.breaker.State()
}

func (a *AgentRun) call(ctx context.Context, op string, idempotent bool, do func(*resty.Request) (*resty.Response, error)) error {
	timer := monitoring.NewTimer(a.metrics, agentRunName, op)

	err := a.breaker.Do(ctx, func(ctx context.Context) error {
		if err := a.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s: rate limit wait: %w", op, err)
		}

		ctx = context.WithValue(ctx, idempotentKey{}, idempotent)
		resp, err := do(a.client.R().
			SetContext(ctx).
			SetHeader("X-Request-Id", uuid.NewString()).
			SetError(&errorBody{}))
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if resp.IsError() {
			apiErr := &APIError{Op: op, StatusCode: resp.StatusCode(), Message: resp.Status()}
			if body, ok := resp.Error().(*errorBody); ok && body != nil {
				apiErr.Code = body.Code
				if body.Message != "" {
					apiErr.Message = body.Message
				}
			}
			return apiErr
		}
		return nil
	})
	timer.Stop(err)

	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return err
}

// idempotentRetryPolicy retries transport failures and 5xx answers only for
// requests marked idempotent.
func idempotentRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if ok, _ := ctx.Value(idempotentKey{}).(bool); !ok {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
