package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oipwg/oipd/auth"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterUser serves POST /user/register. The response carries the wallet
// mnemonic exactly once; afterwards it is only available through the
// re-authenticated export endpoint.
func (h *Handlers) RegisterUser(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	ctx := c.Request().Context()

	res, err := h.Auth.Register(ctx, req.Email, req.Password)
	if err != nil {
		return err
	}

	// Start the creator registration propagating right away. Failure here
	// is not fatal: publishing re-ensures the registration before any
	// record goes out.
	if wallet, werr := auth.WalletFromMnemonic(res.Mnemonic); werr == nil {
		if _, perr := h.Publisher.RegisterCreator(ctx, wallet, req.Email); perr != nil {
			c.Logger().Warnf("creator registration for %s not published: %v", req.Email, perr)
		}
	}

	return c.JSON(http.StatusCreated, res)
}

// LoginUser serves POST /user/login.
func (h *Handlers) LoginUser(c echo.Context) error {
	var req credentialsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	res, err := h.Auth.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

type mnemonicRequest struct {
	Password string `json:"password"`
}

type mnemonicResponse struct {
	Mnemonic string `json:"mnemonic"`
}

// ExportMnemonic serves POST /user/mnemonic. The session token alone is not
// enough; the password is re-checked on every export.
func (h *Handlers) ExportMnemonic(c echo.Context) error {
	cl := claims(c)
	if cl == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid token")
	}
	var req mnemonicRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	phrase, err := h.Auth.ExportMnemonic(c.Request().Context(), cl.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, mnemonicResponse{Mnemonic: phrase})
}
