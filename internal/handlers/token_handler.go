package handlers

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/gridpay/meterd/internal/axdr"
	"github.com/gridpay/meterd/internal/models"
	"github.com/gridpay/meterd/internal/services"
)

// TokenHandler accepts prepayment tokens and serves the
// acknowledgement record back to the vending side.
type TokenHandler struct {
	registry  *services.Registry
	ackObject string
	validator *services.ValidationHelper
}

func NewTokenHandler(registry *services.Registry, ackObject string) *TokenHandler {
	return &TokenHandler{
		registry:  registry,
		ackObject: ackObject,
		validator: services.NewValidationHelper(),
	}
}

func deliveryFrom(s string) (models.TokenDeliveryMethod, bool) {
	switch s {
	case "", "remote":
		return models.DeliveryRemote, true
	case "local":
		return models.DeliveryLocal, true
	case "manual":
		return models.DeliveryManual, true
	}
	return 0, false
}

// EnterToken runs a received token through the gateway pipeline.
func (h *TokenHandler) EnterToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string `json:"token" validate:"required,base64"`
		Delivery string `json:"delivery" validate:"omitempty,oneof=remote local manual"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(req.Token)
	if err != nil {
		services.SendErrorResponse(w, "Invalid base64 token", http.StatusBadRequest, nil)
		return
	}
	delivery, ok := deliveryFrom(req.Delivery)
	if !ok {
		services.SendErrorResponse(w, "Unknown delivery method", http.StatusBadRequest, nil)
		return
	}

	status, err := h.registry.EnterToken(raw, delivery)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"receipt":  uuid.NewString(),
		"status":   byte(status),
		"accepted": status == models.TokenExecutionOK,
	})
}

func (h *TokenHandler) ackRecord() ([]byte, error) {
	buf, res, err := h.registry.Get(h.ackObject, 2)
	if err != nil {
		return nil, err
	}
	if res != services.AccessSuccess {
		return nil, nil
	}
	d := axdr.NewDecoder(buf)
	record := d.OctetString()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return record, nil
}

// GetAcknowledgement returns the last acknowledgement record.
func (h *TokenHandler) GetAcknowledgement(w http.ResponseWriter, r *http.Request) {
	record, err := h.ackRecord()
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}
	if len(record) == 0 {
		services.SendErrorResponse(w, "No token processed yet", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"data": base64.StdEncoding.EncodeToString(record),
	})
}

// GetAcknowledgementQR renders the acknowledgement record as a QR
// image for hand transfer back to the vendor.
func (h *TokenHandler) GetAcknowledgementQR(w http.ResponseWriter, r *http.Request) {
	record, err := h.ackRecord()
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}
	if len(record) == 0 {
		services.SendErrorResponse(w, "No token processed yet", http.StatusNotFound, nil)
		return
	}

	png, err := qrcode.Encode(base64.StdEncoding.EncodeToString(record), qrcode.Medium, 256)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// Health reports liveness.
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
