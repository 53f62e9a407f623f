package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/keyfort/hwsign/internal/coin"
	"github.com/keyfort/hwsign/internal/keystore"
	"github.com/keyfort/hwsign/internal/signing"
)

// DeviceHandlers serves the worker-local device API: extended public key
// retrieval, the keystore's cosigner position and trusted-display address
// verification on the device the worker owns.
type DeviceHandlers struct {
	keystores map[coin.Code]*keystore.Keystore
	logger    *logrus.Entry
}

func NewDeviceHandlers(keystores map[coin.Code]*keystore.Keystore, logger *logrus.Logger) *DeviceHandlers {
	return &DeviceHandlers{
		keystores: keystores,
		logger:    logger.WithField("pkg", "api.DeviceHandlers"),
	}
}

// Register mounts the device API on the router.
func (h *DeviceHandlers) Register(e *echo.Echo) {
	e.GET("/v1/device/xpub", h.handleExtendedPublicKey)
	e.GET("/v1/device/cosigner-index", h.handleCosignerIndex)
	e.POST("/v1/device/display-address", h.handleDisplayAddress)
}

func (h *DeviceHandlers) lookup(code string) (*keystore.Keystore, error) {
	ks, ok := h.keystores[coin.Code(code)]
	if !ok {
		return nil, fmt.Errorf("coin %q not served by this worker", code)
	}
	return ks, nil
}

// XpubResponse is the extended public key the device derived.
type XpubResponse struct {
	Keypath string `json:"keypath"`
	Xpub    string `json:"xpub"`
}

func (h *DeviceHandlers) handleExtendedPublicKey(c echo.Context) error {
	ks, err := h.lookup(c.QueryParam("coin"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	keypath, err := signing.NewAbsoluteKeypath(c.QueryParam("keypath"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	xpub, err := ks.ExtendedPublicKey(c.Request().Context(), keypath)
	if err != nil {
		h.logger.WithError(err).Error("failed to read extended public key")
		return c.JSON(http.StatusBadGateway,
			errorResponse{Error: "failed to read extended public key"})
	}
	return c.JSON(http.StatusOK, XpubResponse{
		Keypath: keypath.Encode(),
		Xpub:    xpub.String(),
	})
}

// CosignerIndexResponse is this keystore's position within the account's
// multisig configuration.
type CosignerIndexResponse struct {
	Coin          string `json:"coin"`
	CosignerIndex int    `json:"cosigner_index"`
	Cosigners     int    `json:"cosigners"`
}

func (h *DeviceHandlers) handleCosignerIndex(c echo.Context) error {
	ks, err := h.lookup(c.QueryParam("coin"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, CosignerIndexResponse{
		Coin:          c.QueryParam("coin"),
		CosignerIndex: ks.CosignerIndex(),
		Cosigners:     ks.Configuration().NumberOfSigners(),
	})
}

// DisplayAddressRequest asks the device to render an address on its trusted
// display. ScriptType may be empty for account-model coins.
type DisplayAddressRequest struct {
	Coin       string `json:"coin"`
	Keypath    string `json:"keypath"`
	ScriptType string `json:"script_type"`
}

func (h *DeviceHandlers) handleDisplayAddress(c echo.Context) error {
	var request DisplayAddressRequest
	if err := c.Bind(&request); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	}
	ks, err := h.lookup(request.Coin)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	keypath, err := signing.NewAbsoluteKeypath(request.Keypath)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	var scriptType signing.ScriptType
	if request.ScriptType != "" {
		scriptType, err = signing.DecodeScriptType(request.ScriptType)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
	}

	err = ks.OutputAddress(c.Request().Context(), keypath, scriptType, coin.Code(request.Coin))
	switch {
	case errors.Is(err, keystore.ErrSigningAborted):
		return c.JSON(http.StatusConflict, errorResponse{Error: "dismissed on device"})
	case errors.Is(err, keystore.ErrProtocolViolation):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case err != nil:
		h.logger.WithError(err).Error("failed to display address")
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "failed to display address"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "confirmed"})
}
