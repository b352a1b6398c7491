package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AvaProtocol/userop-gateway/core/transport"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/aaerr"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/codec"
	"github.com/AvaProtocol/userop-gateway/pkg/erc4337/userop"
)

const maxBodySize = "1M"

type HttpJsonResp[T any] struct {
	Success bool `json:"success"`
	Data    T    `json:"data"`
}

type HttpErrorResp struct {
	Success bool        `json:"success"`
	Error   ErrorObject `json:"error"`
}

type ErrorObject struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// userOpRequest is the body of the sponsor and submit routes. The operation
// is kept raw so its quantities are decoded without precision loss.
type userOpRequest struct {
	UserOp  json.RawMessage `json:"userOp" validate:"required"`
	ChainID *float64        `json:"chainId" validate:"required,gt=0"`
}

type HealthInfo struct {
	Paymaster string
	Bundler   string
	ChainName string
	RpcUrl    string
}

type RequestCounter interface {
	IncRequest(route, code string)
}

type ServerOptions struct {
	AllowedOrigins []string
	Health         HealthInfo
	Registry       *prometheus.Registry
	Requests       RequestCounter
	// Sentry is set once sentry.Init succeeded
	Sentry bool
}

// NewHttpServer builds the echo instance serving the REST surface, the
// JSON-RPC adapter on /rpc, /health and /metrics.
func NewHttpServer(svc *Service, opts ServerOptions) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = errorHandler(svc, opts.Sentry)

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return ulid.Make().String() },
	}))
	e.Use(middleware.Logger())
	if opts.Sentry {
		e.Use(sentryMiddleware())
	}
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     opts.AllowedOrigins,
		AllowCredentials: true,
	}))
	if opts.Requests != nil {
		e.Use(countRequests(opts.Requests))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"services": map[string]string{
				"paymaster": opts.Health.Paymaster,
				"bundler":   opts.Health.Bundler,
			},
			"chain": map[string]any{
				"id":   svc.ChainID(),
				"name": opts.Health.ChainName,
				"rpc":  opts.Health.RpcUrl,
			},
		})
	})

	if opts.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/user-operations")
	api.POST("/sponsor", func(c echo.Context) error {
		op, chainID, err := bindUserOp(c, userop.Partial)
		if err != nil {
			return err
		}
		result, err := svc.Sponsor(c.Request().Context(), op, chainID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, HttpJsonResp[any]{Success: true, Data: codec.ToWire(result)})
	})

	api.POST("", func(c echo.Context) error {
		op, chainID, err := bindUserOp(c, userop.Full)
		if err != nil {
			return err
		}
		hash, err := svc.Submit(c.Request().Context(), op, chainID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, HttpJsonResp[map[string]string]{Success: true, Data: map[string]string{
			"userOpHash": hash,
			"status":     userop.StatusSubmitted,
		}})
	})

	api.GET("/:hash", func(c echo.Context) error {
		status, err := svc.Status(c.Request().Context(), c.Param("hash"))
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, HttpJsonResp[any]{Success: true, Data: codec.ToWire(status)})
	})

	e.POST("/rpc", transport.NewAdapter(svc, svc.ChainID(), svc.logger).Handler)

	return e
}

func bindUserOp(c echo.Context, mode userop.Mode) (*userop.UserOperation, uint64, error) {
	var req userOpRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return nil, 0, aaerr.NewValidationError("body", "must be a JSON object with userOp and chainId")
	}
	if err := userop.Validator().Struct(&req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return nil, 0, aaerr.NewValidationError(requestFields[verrs[0].Field()], describeRule(verrs[0].Tag()))
		}
		return nil, 0, aaerr.NewValidationError("body", err.Error())
	}

	chainID := *req.ChainID
	if chainID != float64(uint64(chainID)) {
		return nil, 0, aaerr.NewValidationError("chainId", "must be an integer")
	}

	op, err := userop.ParseUserOperationJSON(req.UserOp, mode)
	if err != nil {
		return nil, 0, err
	}
	return op, uint64(chainID), nil
}

var requestFields = map[string]string{
	"UserOp":  "userOp",
	"ChainID": "chainId",
}

func describeRule(tag string) string {
	switch tag {
	case "required":
		return "required"
	case "gt":
		return "must be positive"
	}
	return "invalid (" + tag + ")"
}

// errorHandler renders every failure in the {success:false, error} envelope.
// Unexpected errors are logged and reported with a generic message.
func errorHandler(svc *Service, reportToSentry bool) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var status int
		var body ErrorObject

		var httpErr *echo.HTTPError
		switch {
		case aaerr.CodeOf(err) != aaerr.InternalError:
			code := aaerr.CodeOf(err)
			status = aaerr.HTTPStatus(code)
			body = ErrorObject{Code: string(code), Message: err.Error()}
		case errors.As(err, &httpErr):
			status = httpErr.Code
			body = ErrorObject{
				Code:    strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_")),
				Message: http.StatusText(status),
			}
		default:
			svc.logger.Error("unexpected error", "path", c.Path(), "error", err)
			if reportToSentry {
				sentry.CaptureException(err)
			}
			status = http.StatusInternalServerError
			body = ErrorObject{Code: string(aaerr.InternalError), Message: "An unexpected error occurred"}
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, HttpErrorResp{Success: false, Error: body})
		}
		if err != nil {
			svc.logger.Error("cannot write error response", "error", err)
		}
	}
}

func countRequests(counter RequestCounter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			status := c.Response().Status
			if err != nil {
				status = aaerr.HTTPStatus(aaerr.CodeOf(err))
				var httpErr *echo.HTTPError
				if errors.As(err, &httpErr) {
					status = httpErr.Code
				}
			}
			counter.IncRequest(c.Path(), strconv.Itoa(status))
			return err
		}
	}
}
