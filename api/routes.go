package api

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"

	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/resolver"
	"github.com/oipwg/oipd/template"
)

// Handlers bundles the services the routes call.
type Handlers struct {
	Auth      *auth.Service
	Records   RecordIndex
	Resolver  *resolver.Resolver
	Templates *template.Registry
	Publisher *Publisher
	Health    *Health
	Socket    *SocketGateway
	Media     *MediaService

	// DepthMax caps the resolveDepth query parameter. Zero disables
	// expansion entirely.
	DepthMax int
}

// SetupRoutes registers every route. Authentication comes in two strengths:
// required rejects requests without a valid token, optional admits
// anonymous requests but still rejects bad tokens so an expired session
// never silently downgrades to anonymous.
func SetupRoutes(e *echo.Echo, h *Handlers) {
	secret := h.Auth.Tokens().Secret()
	required := echojwt.WithConfig(jwtConfig(secret, false))
	optional := echojwt.WithConfig(jwtConfig(secret, true))

	e.GET("/health", h.HealthSummary)
	e.GET("/health/index", h.HealthIndex)
	e.GET("/health/gun", h.HealthGun)
	e.GET("/health/gateway", h.HealthGateway)

	e.POST("/user/register", h.RegisterUser)
	e.POST("/user/login", h.LoginUser)
	e.POST("/user/mnemonic", h.ExportMnemonic, required)

	e.GET("/records", h.SearchRecords, optional)
	e.GET("/records/:did", h.GetRecord, optional)
	e.POST("/records", h.PublishRecord, optional)
	e.POST("/records/delete", h.DeleteRecord, required)

	e.GET("/templates", h.ListTemplates)
	e.POST("/templates", h.PublishTemplate, optional)

	if h.Media != nil {
		e.POST("/media", h.UploadMedia, required)
		e.GET("/media/:hash", h.GetMedia)
	}

	if h.Socket != nil {
		e.GET("/gun", h.Socket.Handle)
	}
}

func jwtConfig(secret []byte, optional bool) echojwt.Config {
	cfg := echojwt.Config{
		SigningKey: secret,
		NewClaimsFunc: func(echo.Context) jwt.Claims {
			return new(auth.Claims)
		},
	}
	if optional {
		cfg.ContinueOnIgnoredError = true
		cfg.ErrorHandler = func(c echo.Context, err error) error {
			if errors.Is(err, echojwt.ErrJWTMissing) {
				return nil
			}
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
		}
	}
	return cfg
}

// claims returns the authenticated identity, nil for anonymous requests.
func claims(c echo.Context) *auth.Claims {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return nil
	}
	cl, _ := token.Claims.(*auth.Claims)
	return cl
}
