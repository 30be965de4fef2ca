package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/cdp_bridge/internal/cdp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Pool is the connection-pool contract the HTTP layer dispatches onto.
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*cdp.Client, error)
	Release(c *cdp.Client)
	ForceRefresh(ctx context.Context)
	Stats() cdp.PoolStats
}

// Options carry the per-request timeouts the dispatch layer applies.
type Options struct {
	AcquireTimeout time.Duration
	CommandTimeout time.Duration
}

type server struct {
	pool Pool
	opts Options
}

// NewServer builds the REST surface: generic command dispatch, event reads,
// and pool operations. Everything here is thin; the pool and clients do the
// real work.
func NewServer(pool Pool, opts Options) http.Handler {
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 60 * time.Second
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	s := &server{pool: pool, opts: opts}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(logRequests)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("CDP Bridge API", "1.0.0")
	api := humachi.New(router, cfg)

	s.registerHandlers(api)
	return router
}

// withClient acquires a pool client, runs fn, and releases the client.
func (s *server) withClient(ctx context.Context, fn func(*cdp.Client) error) error {
	client, err := s.pool.Acquire(ctx, s.opts.AcquireTimeout)
	if err != nil {
		return err
	}
	defer s.pool.Release(client)
	return fn(client)
}

func (s *server) registerHandlers(api huma.API) {
	type healthOutput struct {
		Body struct {
			Status  string `json:"status"`
			Healthy bool   `json:"healthy"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Healthy = s.pool.Stats().Healthy
			return out, nil
		})

	type commandInput struct {
		Body struct {
			Method     string         `json:"method" doc:"CDP method, e.g. Runtime.evaluate"`
			Params     map[string]any `json:"params,omitempty" doc:"Raw CDP parameters, passed through unmodified"`
			TimeoutSec float64        `json:"timeout_sec,omitempty" doc:"Per-command timeout in seconds"`
		}
	}
	type commandOutput struct {
		Body struct {
			Result any `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "send-command", Method: http.MethodPost, Path: "/api/v1/command", Summary: "Send a raw CDP command", Tags: []string{"Command"}},
		func(ctx context.Context, input *commandInput) (*commandOutput, error) {
			if input.Body.Method == "" {
				return nil, huma.Error400BadRequest("method is required")
			}
			timeout := s.opts.CommandTimeout
			if input.Body.TimeoutSec > 0 {
				timeout = time.Duration(input.Body.TimeoutSec * float64(time.Second))
			}

			out := &commandOutput{}
			err := s.withClient(ctx, func(c *cdp.Client) error {
				result, err := c.SendCommand(ctx, input.Body.Method, input.Body.Params, timeout)
				if err != nil {
					return err
				}
				out.Body.Result = json.RawMessage(result)
				return nil
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return out, nil
		})

	type eventsInput struct {
		Domain string `query:"domain" doc:"CDP domain buffer to read. Omit to drain the catch-all queue."`
		Limit  int    `query:"limit" default:"100" doc:"Maximum events to return"`
	}
	type eventsOutput struct {
		Body struct {
			Events []cdp.Event `json:"events"`
			Count  int         `json:"count"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "recent-events", Method: http.MethodGet, Path: "/api/v1/events", Summary: "Read buffered CDP events", Tags: []string{"Events"}},
		func(ctx context.Context, input *eventsInput) (*eventsOutput, error) {
			out := &eventsOutput{}
			err := s.withClient(ctx, func(c *cdp.Client) error {
				out.Body.Events = c.RecentEvents(cdp.Domain(input.Domain), input.Limit)
				out.Body.Count = len(out.Body.Events)
				return nil
			})
			if err != nil {
				return nil, mapErr(err)
			}
			return out, nil
		})

	type clearEventsInput struct {
		Domain string `query:"domain" doc:"Domain buffer to clear. Omit to clear everything."`
	}
	type statusOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "clear-events", Method: http.MethodDelete, Path: "/api/v1/events", Summary: "Clear buffered CDP events", Tags: []string{"Events"}},
		func(ctx context.Context, input *clearEventsInput) (*statusOutput, error) {
			err := s.withClient(ctx, func(c *cdp.Client) error {
				c.ClearEvents(cdp.Domain(input.Domain))
				return nil
			})
			if err != nil {
				return nil, mapErr(err)
			}
			out := &statusOutput{}
			out.Body.Status = "cleared"
			return out, nil
		})

	type statsOutput struct {
		Body cdp.PoolStats
	}
	huma.Register(api, huma.Operation{OperationID: "pool-stats", Method: http.MethodGet, Path: "/api/v1/pool/stats", Summary: "Connection pool snapshot", Tags: []string{"Pool"}},
		func(ctx context.Context, input *struct{}) (*statsOutput, error) {
			out := &statsOutput{}
			out.Body = s.pool.Stats()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "pool-refresh", Method: http.MethodPost, Path: "/api/v1/pool/refresh", Summary: "Rebuild the pool from scratch", Tags: []string{"Pool"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			s.pool.ForceRefresh(ctx)
			out := &statusOutput{}
			out.Body.Status = "refreshed"
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdp.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdp.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdp.CodeCDPError:
			return huma.Error422UnprocessableEntity(coded.Message)
		case cdp.CodeCommandTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdp.CodePoolExhausted, cdp.CodePoolClosed:
			return huma.Error503ServiceUnavailable(coded.Message)
		case cdp.CodeNotConnected, cdp.CodeSendFailed, cdp.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
