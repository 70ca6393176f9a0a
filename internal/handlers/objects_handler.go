package handlers

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gridpay/meterd/internal/services"
)

// ObjectsHandler exposes the payment objects' attributes and methods
// over HTTP. Attribute payloads travel base64-encoded in JSON.
type ObjectsHandler struct {
	registry  *services.Registry
	validator *services.ValidationHelper
}

func NewObjectsHandler(registry *services.Registry) *ObjectsHandler {
	return &ObjectsHandler{
		registry:  registry,
		validator: services.NewValidationHelper(),
	}
}

func accessStatus(res services.AccessResult) int {
	switch res {
	case services.AccessSuccess:
		return http.StatusOK
	case services.AccessReadWriteDenied:
		return http.StatusForbidden
	case services.AccessObjectUndefined:
		return http.StatusNotFound
	case services.AccessTypeUnmatched:
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func parseID(r *http.Request, name string) (byte, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 8)
	return byte(v), err == nil
}

// ListObjects returns the registered object names.
func (h *ObjectsHandler) ListObjects(w http.ResponseWriter, r *http.Request) {
	names := h.registry.Names()
	sort.Strings(names)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"objects": names})
}

// GetAttribute reads one attribute of a named object.
func (h *ObjectsHandler) GetAttribute(w http.ResponseWriter, r *http.Request) {
	attrID, ok := parseID(r, "attrID")
	if !ok {
		services.SendErrorResponse(w, "Invalid attribute id", http.StatusBadRequest, nil)
		return
	}
	object := chi.URLParam(r, "object")

	data, res, err := h.registry.Get(object, attrID)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
		return
	}
	if res != services.AccessSuccess {
		services.SendErrorResponse(w, res.String(), accessStatus(res), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object":    object,
		"attribute": attrID,
		"data":      base64.StdEncoding.EncodeToString(data),
	})
}

// SetAttribute writes one attribute of a named object.
func (h *ObjectsHandler) SetAttribute(w http.ResponseWriter, r *http.Request) {
	attrID, ok := parseID(r, "attrID")
	if !ok {
		services.SendErrorResponse(w, "Invalid attribute id", http.StatusBadRequest, nil)
		return
	}
	object := chi.URLParam(r, "object")

	var req struct {
		Data string `json:"data" validate:"required,base64"`
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

	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		services.SendErrorResponse(w, "Invalid base64 data", http.StatusBadRequest, nil)
		return
	}

	res, err := h.registry.Set(object, attrID, data)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
		return
	}
	if res != services.AccessSuccess {
		services.SendErrorResponse(w, res.String(), accessStatus(res), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// InvokeMethod runs a method of a named object.
func (h *ObjectsHandler) InvokeMethod(w http.ResponseWriter, r *http.Request) {
	methodID, ok := parseID(r, "methodID")
	if !ok {
		services.SendErrorResponse(w, "Invalid method id", http.StatusBadRequest, nil)
		return
	}
	object := chi.URLParam(r, "object")

	var req struct {
		Data string `json:"data" validate:"omitempty,base64"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil && err != io.EOF {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	var data []byte
	if req.Data != "" {
		var err error
		if data, err = base64.StdEncoding.DecodeString(req.Data); err != nil {
			services.SendErrorResponse(w, "Invalid base64 data", http.StatusBadRequest, nil)
			return
		}
	}

	reply, res, err := h.registry.Action(object, methodID, data)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
		return
	}
	if res != services.AccessSuccess {
		services.SendErrorResponse(w, res.String(), accessStatus(res), nil)
		return
	}

	resp := map[string]any{"success": true}
	if len(reply) > 0 {
		resp["data"] = base64.StdEncoding.EncodeToString(reply)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
